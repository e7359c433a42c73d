package inmemory

import (
	"testing"

	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryProvider(t *testing.T) {
	testutils.SkipIfIntegration(t)
	provider, err := New(100)
	assert.Nil(t, err)
	err = storagesystem.Tester(provider, []byte("hello world"))
	assert.Nil(t, err)
}

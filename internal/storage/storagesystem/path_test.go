package storagesystem

import (
	"errors"
	"testing"

	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestCleanPath(t *testing.T) {
	testutils.SkipIfIntegration(t)
	p, err := CleanPath("/2024/01/02//abc")
	assert.Nil(t, err)
	assert.Equal(t, "2024/01/02/abc", p)

	p, err = CleanPath("a\\b\\c")
	assert.Nil(t, err)
	assert.Equal(t, "a/b/c", p)

	for _, invalid := range []string{"", "/", "..", "../etc/passwd", "a/../../b"} {
		_, err = CleanPath(invalid)
		assert.True(t, errors.Is(err, ErrInvalidPath), invalid)
	}
}

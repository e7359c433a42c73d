package digest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jdillenkofer/pacsarc/internal/dataset"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
)

func TestCalculateKnownDigests(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	cases := map[string]string{
		MD5:    "900150983cd24fb0d6963f7d28e17f72",
		SHA1:   "a9993e364706816aba3e25717850c26c9cd0d89d",
		SHA256: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		BLAKE3: "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85",
	}
	for algorithm, expected := range cases {
		d, size, err := Calculate(ctx, algorithm, strings.NewReader("abc"))
		assert.Nil(t, err, algorithm)
		assert.Equal(t, expected, d, algorithm)
		assert.Equal(t, int64(3), size)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	testutils.SkipIfIntegration(t)
	_, err := NewHash("CRC32")
	assert.True(t, errors.Is(err, ErrUnknownAlgorithm))
}

func TestWriterForwardsAndHashes(t *testing.T) {
	testutils.SkipIfIntegration(t)
	var buf bytes.Buffer
	dw, err := NewWriter(&buf, "md5")
	assert.Nil(t, err)
	_, err = dw.Write([]byte("ab"))
	assert.Nil(t, err)
	_, err = dw.Write([]byte("c"))
	assert.Nil(t, err)
	assert.Equal(t, "abc", buf.String())
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", dw.Digest())
	assert.Equal(t, int64(3), dw.Size())
}

func TestSpoolWritesFileAndDigest(t *testing.T) {
	testutils.SkipIfIntegration(t)
	dir := t.TempDir()
	spooled, err := Spool(context.Background(), dir, MD5, strings.NewReader("abc"))
	assert.Nil(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", spooled.Digest)
	assert.Equal(t, int64(3), spooled.Size)
	content, err := os.ReadFile(spooled.Path)
	assert.Nil(t, err)
	assert.Equal(t, "abc", string(content))
}

func TestSpoolRemovesFileOnUnknownAlgorithm(t *testing.T) {
	testutils.SkipIfIntegration(t)
	dir := t.TempDir()
	_, err := Spool(context.Background(), dir, "nope", strings.NewReader("abc"))
	assert.NotNil(t, err)
	entries, err := os.ReadDir(dir)
	assert.Nil(t, err)
	assert.Empty(t, entries)
}

func TestNonPersistedDigestIgnoresPersistedAttributes(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	a := dataset.New()
	a.Set(dataset.PatientName, "PN", "Doe^Jane")
	a.Set(dataset.TransferSyntaxUID, "UI", "1.2.840.10008.1.2.1")
	a.Set(dataset.NewTag(0x0028, 0x0010), "US", "512")
	a.SetBytes(dataset.PixelData, "OW", []byte{1, 2, 3, 4})

	b := a.Clone()
	b.Set(dataset.PatientName, "PN", "Doe^John")
	b.Set(dataset.TransferSyntaxUID, "UI", "1.2.840.10008.1.2")

	da, err := NonPersistedDigest(ctx, MD5, a)
	assert.Nil(t, err)
	db, err := NonPersistedDigest(ctx, MD5, b)
	assert.Nil(t, err)
	assert.Equal(t, da, db)

	b.SetBytes(dataset.PixelData, "OW", []byte{1, 2, 3, 5})
	db, err = NonPersistedDigest(ctx, MD5, b)
	assert.Nil(t, err)
	assert.NotEqual(t, da, db)
}

package digest

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
)

const (
	MD5    = "MD5"
	SHA1   = "SHA-1"
	SHA256 = "SHA-256"
	BLAKE3 = "BLAKE3"
)

var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

func NewHash(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case MD5:
		return md5.New(), nil
	case SHA1, "SHA1":
		return sha1.New(), nil
	case SHA256, "SHA256":
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
}

// Writer hashes everything written through it.
type Writer struct {
	w    io.Writer
	h    hash.Hash
	size int64
}

func NewWriter(w io.Writer, algorithm string) (*Writer, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, h: h}, nil
}

func (dw *Writer) Write(p []byte) (int, error) {
	n, err := dw.w.Write(p)
	dw.h.Write(p[:n])
	dw.size += int64(n)
	return n, err
}

func (dw *Writer) Digest() string {
	return hex.EncodeToString(dw.h.Sum(nil))
}

func (dw *Writer) Size() int64 {
	return dw.size
}

func Calculate(ctx context.Context, algorithm string, reader io.Reader) (string, int64, error) {
	tracer := otel.Tracer("internal/digest")
	_, span := tracer.Start(ctx, "Calculate")
	defer span.End()

	dw, err := NewWriter(io.Discard, algorithm)
	if err != nil {
		return "", 0, err
	}
	_, err = io.Copy(dw, reader)
	if err != nil {
		return "", 0, err
	}
	return dw.Digest(), dw.Size(), nil
}

type SpoolFile struct {
	Path   string
	Digest string
	Size   int64
}

// Spool copies reader into a new file below dir while computing its digest.
func Spool(ctx context.Context, dir string, algorithm string, reader io.Reader) (*SpoolFile, error) {
	tracer := otel.Tracer("internal/digest")
	_, span := tracer.Start(ctx, "Spool")
	defer span.End()

	path := filepath.Join(dir, uuid.NewString()+".dcm")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	dw, err := NewWriter(f, algorithm)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	_, err = io.Copy(dw, reader)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return &SpoolFile{Path: path, Digest: dw.Digest(), Size: dw.Size()}, nil
}

// NonPersistedDigest hashes every element of ds that is neither file meta information nor mirrored into the database.
func NonPersistedDigest(ctx context.Context, algorithm string, ds *dataset.Dataset) (string, error) {
	tracer := otel.Tracer("internal/digest")
	_, span := tracer.Start(ctx, "NonPersistedDigest")
	defer span.End()

	h, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}
	var buf [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
		h.Write(buf[:])
		h.Write(b)
	}
	for _, e := range ds.Elements() {
		if dataset.IsFileMeta(e.Tag) || dataset.IsPersisted(e.Tag) {
			continue
		}
		binary.BigEndian.PutUint32(buf[:4], uint32(e.Tag))
		h.Write(buf[:4])
		writeField([]byte(e.VR))
		binary.BigEndian.PutUint64(buf[:], uint64(len(e.Values)))
		h.Write(buf[:])
		for _, v := range e.Values {
			writeField([]byte(v))
		}
		writeField(e.Bytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

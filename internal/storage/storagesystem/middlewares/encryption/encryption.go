package encryption

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	aeadsubtle "github.com/google/tink/go/aead/subtle"
	streamingaeadsubtle "github.com/google/tink/go/streamingaead/subtle"
	"github.com/google/tink/go/tink"
	"github.com/jdillenkofer/pacsarc/internal/lifecycle"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"golang.org/x/crypto/scrypt"
)

const (
	// ObjectHeaderVersion is the current version of the object header format
	ObjectHeaderVersion = 1

	maxHeaderLength = 64 * 1024
)

var ErrInvalidObjectHeader = errors.New("invalid encrypted object header")

// ObjectHeader precedes the ciphertext of every stored object.
// The object id is random per object and bound as associated data,
// so the ciphertext stays valid when the object is moved.
type ObjectHeader struct {
	Version      int    `json:"version"`
	ObjectId     []byte `json:"objectId"`
	EncryptedDEK []byte `json:"encryptedDEK"`
}

type encryptionMiddleware struct {
	*lifecycle.ValidatedLifecycle
	masterAEAD    tink.AEAD
	innerProvider storagesystem.Provider
}

var _ storagesystem.Provider = (*encryptionMiddleware)(nil)

// New wraps innerProvider with envelope encryption. Each object gets its own DEK,
// encrypted with a master key derived from password using scrypt.
func New(password string, innerProvider storagesystem.Provider) (storagesystem.Provider, error) {
	if password == "" {
		return nil, errors.New("encryption password must not be empty")
	}
	kekBytes, err := scrypt.Key([]byte(password), []byte("pacsarc"), 1<<16, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	kekAEAD, err := aeadsubtle.NewAESGCM(kekBytes)
	if err != nil {
		return nil, err
	}
	lifecycle, err := lifecycle.NewValidatedLifecycle("EncryptionStorageSystemMiddleware")
	if err != nil {
		return nil, err
	}
	return &encryptionMiddleware{
		ValidatedLifecycle: lifecycle,
		masterAEAD:         kekAEAD,
		innerProvider:      innerProvider,
	}, nil
}

func newStreamingAEAD(dek []byte) (*streamingaeadsubtle.AESGCMHKDF, error) {
	return streamingaeadsubtle.NewAESGCMHKDF(dek, "SHA256", 32, 4096, 0)
}

func (mw *encryptionMiddleware) Start(ctx context.Context) error {
	if err := mw.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	return mw.innerProvider.Start(ctx)
}

func (mw *encryptionMiddleware) Stop(ctx context.Context) error {
	if err := mw.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	return mw.innerProvider.Stop(ctx)
}

func (mw *encryptionMiddleware) Put(ctx context.Context, path string, reader io.Reader) error {
	objectId := make([]byte, 16)
	if _, err := rand.Read(objectId); err != nil {
		return err
	}
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return err
	}
	dekStreamingAEAD, err := newStreamingAEAD(dek)
	if err != nil {
		return err
	}
	encryptedDEK, err := mw.masterAEAD.Encrypt(dek, objectId)
	if err != nil {
		return err
	}
	headerBytes, err := json.Marshal(ObjectHeader{
		Version:      ObjectHeaderVersion,
		ObjectId:     objectId,
		EncryptedDEK: encryptedDEK,
	})
	if err != nil {
		return err
	}

	encryptReader, encryptWriter := io.Pipe()
	go func() {
		lengthBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lengthBytes, uint32(len(headerBytes)))
		if _, err := encryptWriter.Write(lengthBytes); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}
		if _, err := encryptWriter.Write(headerBytes); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}
		streamWriter, err := dekStreamingAEAD.NewEncryptingWriter(encryptWriter, objectId)
		if err != nil {
			encryptWriter.CloseWithError(err)
			return
		}
		if _, err := io.Copy(streamWriter, reader); err != nil {
			encryptWriter.CloseWithError(err)
			return
		}
		encryptWriter.CloseWithError(streamWriter.Close())
	}()

	err = mw.innerProvider.Put(ctx, path, encryptReader)
	// unblocks the writer goroutine if the inner provider stopped reading early
	encryptReader.CloseWithError(io.ErrClosedPipe)
	return err
}

func (mw *encryptionMiddleware) Move(ctx context.Context, fromPath string, toPath string) error {
	return mw.innerProvider.Move(ctx, fromPath, toPath)
}

func (mw *encryptionMiddleware) Delete(ctx context.Context, path string) error {
	return mw.innerProvider.Delete(ctx, path)
}

func readHeader(r io.Reader) (*ObjectHeader, error) {
	lengthBytes := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBytes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidObjectHeader, err)
	}
	headerLen := binary.BigEndian.Uint32(lengthBytes)
	if headerLen == 0 || headerLen > maxHeaderLength {
		return nil, ErrInvalidObjectHeader
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidObjectHeader, err)
	}
	var header ObjectHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidObjectHeader, err)
	}
	if header.Version != ObjectHeaderVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidObjectHeader, header.Version)
	}
	return &header, nil
}

func (mw *encryptionMiddleware) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := mw.innerProvider.OpenRead(ctx, path)
	if err != nil {
		return nil, err
	}
	header, err := readHeader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	dek, err := mw.masterAEAD.Decrypt(header.EncryptedDEK, header.ObjectId)
	if err != nil {
		rc.Close()
		return nil, err
	}
	dekStreamingAEAD, err := newStreamingAEAD(dek)
	if err != nil {
		rc.Close()
		return nil, err
	}
	decryptingReader, err := dekStreamingAEAD.NewDecryptingReader(rc, header.ObjectId)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &compositeReadCloser{decryptingReader, rc}, nil
}

type compositeReadCloser struct {
	io.Reader
	closer io.Closer
}

func (c *compositeReadCloser) Close() error {
	return c.closer.Close()
}

func (mw *encryptionMiddleware) UsableSpace(ctx context.Context) (int64, error) {
	return mw.innerProvider.UsableSpace(ctx)
}

func (mw *encryptionMiddleware) TotalSpace(ctx context.Context) (int64, error) {
	return mw.innerProvider.TotalSpace(ctx)
}

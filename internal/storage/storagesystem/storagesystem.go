package storagesystem

import (
	"context"
	"errors"
	"io"

	"github.com/jdillenkofer/pacsarc/internal/lifecycle"
)

var ErrObjectNotFound = errors.New("object not found")
var ErrObjectAlreadyExists = errors.New("object already exists")
var ErrInvalidPath = errors.New("invalid storage path")

// Provider stores objects of one storage system under slash separated relative paths.
type Provider interface {
	lifecycle.Manager
	// Put creates path exclusively. An existing object yields ErrObjectAlreadyExists.
	Put(ctx context.Context, path string, reader io.Reader) error
	// Move renames fromPath without replacing an existing object at toPath.
	Move(ctx context.Context, fromPath string, toPath string) error
	// Delete removes path or returns ErrObjectNotFound.
	Delete(ctx context.Context, path string) error
	// OpenRead returns ErrObjectNotFound for missing objects. The caller closes the reader.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	UsableSpace(ctx context.Context) (int64, error)
	TotalSpace(ctx context.Context) (int64, error)
}

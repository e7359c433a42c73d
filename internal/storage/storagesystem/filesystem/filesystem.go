package filesystem

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
)

type filesystemProvider struct {
	root string
}

var _ storagesystem.Provider = (*filesystemProvider)(nil)

func New(root string) (storagesystem.Provider, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &filesystemProvider{
		root: root,
	}, nil
}

func (p *filesystemProvider) ensureRootDir() error {
	return os.MkdirAll(p.root, os.ModePerm)
}

func (p *filesystemProvider) getFilename(path string) (string, error) {
	path, err := storagesystem.CleanPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.root, filepath.FromSlash(path)), nil
}

func (p *filesystemProvider) Start(ctx context.Context) error {
	return p.ensureRootDir()
}

func (p *filesystemProvider) Stop(ctx context.Context) error {
	return nil
}

func (p *filesystemProvider) Put(ctx context.Context, path string, reader io.Reader) error {
	filename, err := p.getFilename(path)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(filename), os.ModePerm)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storagesystem.ErrObjectAlreadyExists
		}
		return err
	}
	_, err = io.Copy(f, reader)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(filename)
		return err
	}
	return nil
}

// Move hard links the object to its new name so an existing target is never replaced.
func (p *filesystemProvider) Move(ctx context.Context, fromPath string, toPath string) error {
	fromFilename, err := p.getFilename(fromPath)
	if err != nil {
		return err
	}
	toFilename, err := p.getFilename(toPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(fromFilename); errors.Is(err, fs.ErrNotExist) {
		return storagesystem.ErrObjectNotFound
	}
	err = os.MkdirAll(filepath.Dir(toFilename), os.ModePerm)
	if err != nil {
		return err
	}
	err = os.Link(fromFilename, toFilename)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storagesystem.ErrObjectAlreadyExists
		}
		if errors.Is(err, fs.ErrNotExist) {
			return storagesystem.ErrObjectNotFound
		}
		err = p.copyExclusive(ctx, fromFilename, toPath)
		if err != nil {
			return err
		}
	}
	return os.Remove(fromFilename)
}

func (p *filesystemProvider) copyExclusive(ctx context.Context, fromFilename string, toPath string) error {
	f, err := os.Open(fromFilename)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Put(ctx, toPath, f)
}

func (p *filesystemProvider) Delete(ctx context.Context, path string) error {
	filename, err := p.getFilename(path)
	if err != nil {
		return err
	}
	err = os.Remove(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storagesystem.ErrObjectNotFound
		}
		return err
	}
	p.removeEmptyParents(filepath.Dir(filename))
	return nil
}

func (p *filesystemProvider) removeEmptyParents(dir string) {
	for dir != p.root && len(dir) > len(p.root) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (p *filesystemProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	filename, err := p.getFilename(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storagesystem.ErrObjectNotFound
		}
		return nil, err
	}
	return f, nil
}

func (p *filesystemProvider) UsableSpace(ctx context.Context) (int64, error) {
	usable, _, err := diskSpace(p.root)
	return usable, err
}

func (p *filesystemProvider) TotalSpace(ctx context.Context) (int64, error) {
	_, total, err := diskSpace(p.root)
	return total, err
}

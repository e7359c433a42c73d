package inmemory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
)

const DefaultCapacity int64 = 1 << 30

type inMemoryProvider struct {
	mu       sync.Mutex
	objects  map[string][]byte
	capacity int64
	used     int64
}

var _ storagesystem.Provider = (*inMemoryProvider)(nil)

// New creates a volatile provider whose usable space is capacity minus the stored bytes.
func New(capacity int64) (storagesystem.Provider, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &inMemoryProvider{
		objects:  map[string][]byte{},
		capacity: capacity,
	}, nil
}

func (p *inMemoryProvider) Start(ctx context.Context) error {
	return nil
}

func (p *inMemoryProvider) Stop(ctx context.Context) error {
	return nil
}

func (p *inMemoryProvider) Put(ctx context.Context, path string, reader io.Reader) error {
	path, err := storagesystem.CleanPath(path)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objects[path]; ok {
		return storagesystem.ErrObjectAlreadyExists
	}
	p.objects[path] = data
	p.used += int64(len(data))
	return nil
}

func (p *inMemoryProvider) Move(ctx context.Context, fromPath string, toPath string) error {
	fromPath, err := storagesystem.CleanPath(fromPath)
	if err != nil {
		return err
	}
	toPath, err = storagesystem.CleanPath(toPath)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[fromPath]
	if !ok {
		return storagesystem.ErrObjectNotFound
	}
	if _, ok := p.objects[toPath]; ok {
		return storagesystem.ErrObjectAlreadyExists
	}
	p.objects[toPath] = data
	delete(p.objects, fromPath)
	return nil
}

func (p *inMemoryProvider) Delete(ctx context.Context, path string) error {
	path, err := storagesystem.CleanPath(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[path]
	if !ok {
		return storagesystem.ErrObjectNotFound
	}
	delete(p.objects, path)
	p.used -= int64(len(data))
	return nil
}

func (p *inMemoryProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	path, err := storagesystem.CleanPath(path)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[path]
	if !ok {
		return nil, storagesystem.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (p *inMemoryProvider) UsableSpace(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(p.capacity-p.used, 0), nil
}

func (p *inMemoryProvider) TotalSpace(ctx context.Context) (int64, error) {
	return p.capacity, nil
}

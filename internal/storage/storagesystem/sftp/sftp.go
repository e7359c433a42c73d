package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const maxStpRetries = 3
const waitDurationBeforeRetry = 3 * time.Second

type sftpProvider struct {
	mu           sync.Mutex
	addr         string
	clientConfig *ssh.ClientConfig
	root         string
	client       *sftp.Client
}

var _ storagesystem.Provider = (*sftpProvider)(nil)

func (s *sftpProvider) getFilename(p string) (string, error) {
	p, err := storagesystem.CleanPath(p)
	if err != nil {
		return "", err
	}
	return path.Join(s.root, p), nil
}

func (s *sftpProvider) reconnectSftpClient() error {
	if s.client != nil {
		// If we have a retry wait a couple of seconds before continuing
		time.Sleep(waitDurationBeforeRetry)
		s.client.Close()
	}

	client, err := ssh.Dial("tcp", s.addr, s.clientConfig)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return err
	}
	s.client = sftpClient
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrExist) || errors.Is(err, fs.ErrPermission)
}

// doRetriableOperation reconnects between attempts. Errors describing the remote file are returned at once.
func doRetriableOperation[T any](op func() (T, error), maxRetries int, preRetry func() error) (T, error) {
	retries := 0
	var empty T
	for {
		t, err := op()
		if err != nil {
			if isPermanent(err) {
				return empty, err
			}
			retries += 1
			if retries < maxRetries {
				err = preRetry()
				if err != nil {
					return empty, err
				}
				continue
			}
			return empty, err
		}
		return t, nil
	}
}

func New(addr string, clientConfig *ssh.ClientConfig, root string) (storagesystem.Provider, error) {
	return &sftpProvider{
		addr:         addr,
		clientConfig: clientConfig,
		root:         root,
		client:       nil,
	}, nil
}

func (s *sftpProvider) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.reconnectSftpClient()
	if err != nil {
		return err
	}
	_, err = doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.MkdirAll(s.root)
	}, maxStpRetries, s.reconnectSftpClient)
	return err
}

func (s *sftpProvider) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *sftpProvider) Put(ctx context.Context, p string, reader io.Reader) error {
	filename, err := s.getFilename(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.MkdirAll(path.Dir(filename))
	}, maxStpRetries, s.reconnectSftpClient)
	if err != nil {
		return err
	}
	_, err = doRetriableOperation(func() (os.FileInfo, error) {
		return s.client.Stat(filename)
	}, maxStpRetries, s.reconnectSftpClient)
	if err == nil {
		return storagesystem.ErrObjectAlreadyExists
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f, err := doRetriableOperation(func() (*sftp.File, error) {
		return s.client.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY)
	}, maxStpRetries, s.reconnectSftpClient)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storagesystem.ErrObjectAlreadyExists
		}
		return err
	}
	_, err = f.ReadFrom(reader)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.client.Remove(filename)
		return err
	}
	return nil
}

func (s *sftpProvider) Move(ctx context.Context, fromPath string, toPath string) error {
	fromFilename, err := s.getFilename(fromPath)
	if err != nil {
		return err
	}
	toFilename, err := s.getFilename(toPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = doRetriableOperation(func() (os.FileInfo, error) {
		return s.client.Stat(fromFilename)
	}, maxStpRetries, s.reconnectSftpClient)
	if errors.Is(err, fs.ErrNotExist) {
		return storagesystem.ErrObjectNotFound
	}
	if err != nil {
		return err
	}
	_, err = doRetriableOperation(func() (os.FileInfo, error) {
		return s.client.Stat(toFilename)
	}, maxStpRetries, s.reconnectSftpClient)
	if err == nil {
		return storagesystem.ErrObjectAlreadyExists
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	_, err = doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.MkdirAll(path.Dir(toFilename))
	}, maxStpRetries, s.reconnectSftpClient)
	if err != nil {
		return err
	}
	// plain SFTP rename refuses to replace an existing target
	_, err = doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.Rename(fromFilename, toFilename)
	}, maxStpRetries, s.reconnectSftpClient)
	return err
}

func (s *sftpProvider) Delete(ctx context.Context, p string) error {
	filename, err := s.getFilename(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = doRetriableOperation(func() (*struct{}, error) {
		return nil, s.client.Remove(filename)
	}, maxStpRetries, s.reconnectSftpClient)
	if errors.Is(err, fs.ErrNotExist) {
		return storagesystem.ErrObjectNotFound
	}
	return err
}

func (s *sftpProvider) OpenRead(ctx context.Context, p string) (io.ReadCloser, error) {
	filename, err := s.getFilename(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := doRetriableOperation(func() (*sftp.File, error) {
		return s.client.OpenFile(filename, os.O_RDONLY)
	}, maxStpRetries, s.reconnectSftpClient)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storagesystem.ErrObjectNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *sftpProvider) statVFS() (*sftp.StatVFS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return doRetriableOperation(func() (*sftp.StatVFS, error) {
		return s.client.StatVFS(s.root)
	}, maxStpRetries, s.reconnectSftpClient)
}

func (s *sftpProvider) UsableSpace(ctx context.Context) (int64, error) {
	stat, err := s.statVFS()
	if err != nil {
		return 0, err
	}
	return int64(stat.Bavail * stat.Frsize), nil
}

func (s *sftpProvider) TotalSpace(ctx context.Context) (int64, error) {
	stat, err := s.statVFS()
	if err != nil {
		return 0, err
	}
	return int64(stat.TotalSpace()), nil
}

package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/filesystem"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/inmemory"
	encryptionMiddleware "github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/middlewares/encryption"
	prometheusMiddleware "github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/middlewares/prometheus"
	tracingMiddleware "github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/middlewares/tracing"
	s3Provider "github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/s3"
	sftpProvider "github.com/jdillenkofer/pacsarc/internal/storage/storagesystem/sftp"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultCapacityTTL = 10 * time.Second

// CreateProvider builds the provider for one configured storage system including its middlewares.
func CreateProvider(ctx context.Context, system *config.StorageSystem, registerer prometheus.Registerer) (storagesystem.Provider, error) {
	var provider storagesystem.Provider
	var err error
	switch system.Type {
	case config.StorageSystemTypeFilesystem:
		provider, err = filesystem.New(system.Filesystem.Root)
	case config.StorageSystemTypeInMemory:
		var capacity uint64
		if system.InMemory != nil && system.InMemory.Capacity != "" {
			capacity, err = humanize.ParseBytes(system.InMemory.Capacity)
			if err != nil {
				return nil, fmt.Errorf("storage system %s: %w", system.SystemId, err)
			}
		}
		provider, err = inmemory.New(int64(capacity))
	case config.StorageSystemTypeSftp:
		clientConfig, cfgErr := sftpProvider.NewClientConfig(system.Sftp)
		if cfgErr != nil {
			return nil, fmt.Errorf("storage system %s: %w", system.SystemId, cfgErr)
		}
		provider, err = sftpProvider.New(system.Sftp.Addr, clientConfig, system.Sftp.Root)
	case config.StorageSystemTypeS3:
		client, clientErr := s3Provider.NewClient(ctx, system.S3)
		if clientErr != nil {
			return nil, fmt.Errorf("storage system %s: %w", system.SystemId, clientErr)
		}
		provider, err = s3Provider.New(client, system.S3.Bucket, system.S3.Prefix, system.S3.Capacity)
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownStorageSystem, system.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("storage system %s: %w", system.SystemId, err)
	}

	if system.Encryption != nil {
		provider, err = encryptionMiddleware.New(system.Encryption.Password.Value(), provider)
		if err != nil {
			return nil, fmt.Errorf("storage system %s: %w", system.SystemId, err)
		}
	}
	provider, err = tracingMiddleware.New(system.SystemId, provider)
	if err != nil {
		return nil, err
	}
	if registerer != nil {
		provider, err = prometheusMiddleware.New(system.SystemId, provider, registerer)
		if err != nil {
			return nil, err
		}
	}
	return provider, nil
}

// CreateRegistry registers every storage system of the archive configuration.
func CreateRegistry(ctx context.Context, archive *config.Archive, registerer prometheus.Registerer) (*storagesystem.Registry, error) {
	registry := storagesystem.NewRegistry(DefaultCapacityTTL)
	for i := range archive.StorageSystemGroups {
		group := &archive.StorageSystemGroups[i]
		for j := range group.StorageSystems {
			system := &group.StorageSystems[j]
			provider, err := CreateProvider(ctx, system, registerer)
			if err != nil {
				return nil, err
			}
			err = registry.Register(&storagesystem.System{
				SystemId:     system.SystemId,
				GroupId:      group.GroupId,
				ReadOnly:     system.ReadOnly,
				MinFreeSpace: system.MinFreeSpace,
				Provider:     provider,
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

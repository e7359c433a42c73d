// Package selector resolves the storage systems an ingest session writes its objects, spool files and metadata to.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/storage/storagesystem"
	"golang.org/x/sync/errgroup"
)

var ErrNoWritableStorageSystem = errors.New("no writable storage system")

// Target is one resolved storage system with the group it belongs to.
type Target struct {
	Group  *config.StorageSystemGroup
	System *storagesystem.System
}

// Selection holds the targets of one session. Metadata is nil if the archive AE configures no metadata group.
type Selection struct {
	Storage  Target
	Spool    Target
	Metadata *Target
}

type Selector struct {
	archive     *config.Archive
	registry    *storagesystem.Registry
	pathFormats map[string]*PathFormat
	metaFormats map[string]*PathFormat
}

func New(archive *config.Archive, registry *storagesystem.Registry) (*Selector, error) {
	s := &Selector{
		archive:     archive,
		registry:    registry,
		pathFormats: map[string]*PathFormat{},
		metaFormats: map[string]*PathFormat{},
	}
	for i := range archive.StorageSystemGroups {
		group := &archive.StorageSystemGroups[i]
		pathFormat, err := ParsePathFormat(group.StoragePathFormat)
		if err != nil {
			return nil, fmt.Errorf("storage system group %s: %w", group.GroupId, err)
		}
		metaFormat, err := ParsePathFormat(group.MetadataPathFormat)
		if err != nil {
			return nil, fmt.Errorf("storage system group %s: %w", group.GroupId, err)
		}
		s.pathFormats[group.GroupId] = pathFormat
		s.metaFormats[group.GroupId] = metaFormat
	}
	return s, nil
}

// StoragePathFormat returns the object path format of groupId.
func (s *Selector) StoragePathFormat(groupId string) *PathFormat {
	return s.pathFormats[groupId]
}

// MetadataPathFormat returns the metadata sidecar path format of groupId.
func (s *Selector) MetadataPathFormat(groupId string) *PathFormat {
	return s.metaFormats[groupId]
}

// SelectStorageSystem returns the first writable system of groupId in configuration order.
func (s *Selector) SelectStorageSystem(ctx context.Context, groupId string) (*Target, error) {
	group, err := s.archive.StorageSystemGroup(groupId)
	if err != nil {
		return nil, err
	}
	for _, system := range s.registry.GroupSystems(groupId) {
		writable, err := s.registry.IsWritable(ctx, system.SystemId)
		if err != nil {
			slog.Warn(fmt.Sprintf("Could not determine whether storage system %s is writable: %s", system.SystemId, err))
			continue
		}
		if writable {
			return &Target{Group: group, System: system}, nil
		}
	}
	return nil, fmt.Errorf("%w in storage system group %s", ErrNoWritableStorageSystem, groupId)
}

// groupUsableSpace sums the usable space of the writable systems of groupId.
func (s *Selector) groupUsableSpace(ctx context.Context, groupId string) int64 {
	var total int64
	for _, system := range s.registry.GroupSystems(groupId) {
		writable, err := s.registry.IsWritable(ctx, system.SystemId)
		if err != nil || !writable {
			continue
		}
		capacity, err := s.registry.Capacity(ctx, system.SystemId)
		if err != nil {
			continue
		}
		total += capacity.Usable
	}
	return total
}

// SelectBestGroup picks the group of groupType with the most usable space on writable systems.
// Ties keep configuration order.
func (s *Selector) SelectBestGroup(ctx context.Context, groupType string) (*config.StorageSystemGroup, error) {
	groups := s.archive.StorageSystemGroupsByType(groupType)
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no storage system group of type %s", config.ErrUnknownStorageGroup, groupType)
	}
	usable := make([]int64, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		g.Go(func() error {
			usable[i] = s.groupUsableSpace(gctx, group.GroupId)
			return nil
		})
	}
	g.Wait()
	best := -1
	for i := range groups {
		if usable[i] <= 0 {
			continue
		}
		if best < 0 || usable[i] > usable[best] {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w in storage system groups of type %s", ErrNoWritableStorageSystem, groupType)
	}
	return groups[best], nil
}

// Select resolves the storage, spool and metadata targets of ae.
func (s *Selector) Select(ctx context.Context, ae *config.ArchiveAE) (*Selection, error) {
	groupId := ae.StorageSystemGroupId
	if groupId == "" {
		group, err := s.SelectBestGroup(ctx, ae.StorageSystemGroupType)
		if err != nil {
			return nil, err
		}
		groupId = group.GroupId
	}
	storage, err := s.SelectStorageSystem(ctx, groupId)
	if err != nil {
		return nil, err
	}
	selection := &Selection{Storage: *storage, Spool: *storage}
	if spoolGroupId := storage.Group.SpoolStorageGroup; spoolGroupId != "" {
		spool, err := s.SelectStorageSystem(ctx, spoolGroupId)
		if err == nil {
			selection.Spool = *spool
		} else if !errors.Is(err, ErrNoWritableStorageSystem) {
			return nil, err
		}
	}
	if ae.MetadataStorageSystemGroupId != "" {
		metadata, err := s.SelectStorageSystem(ctx, ae.MetadataStorageSystemGroupId)
		if err != nil {
			return nil, err
		}
		selection.Metadata = metadata
	}
	return selection, nil
}

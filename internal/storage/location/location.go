// Package location owns the mapping between instances and the physical objects holding their bytes.
package location

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	locationEntity "github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/oklog/ulid/v2"
)

// StorageKey identifies one physical object. Container members share the key of their container.
type StorageKey struct {
	StorageSystemId string
	StoragePath     string
}

func (k StorageKey) String() string {
	return k.StorageSystemId + ":" + k.StoragePath
}

func KeyOf(l *locationEntity.Entity) StorageKey {
	return StorageKey{StorageSystemId: l.StorageSystemId, StoragePath: l.StoragePath}
}

// IsContainerMember reports whether l is one entry inside a shared container object.
func IsContainerMember(l *locationEntity.Entity) bool {
	return l.EntryName != nil
}

type Manager struct {
	locationRepository locationEntity.Repository
}

func NewManager(locationRepository locationEntity.Repository) *Manager {
	return &Manager{locationRepository: locationRepository}
}

// Attach persists l if it is new and adds instanceId to its reference set.
func (m *Manager) Attach(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID, l *locationEntity.Entity) error {
	if l.Id == nil {
		if l.Status == "" {
			l.Status = locationEntity.StatusOK
		}
		if err := m.locationRepository.SaveLocation(ctx, tx, l); err != nil {
			return err
		}
	}
	return m.locationRepository.AddInstanceReference(ctx, tx, instanceId, *l.Id)
}

// Detach removes instanceId from the reference set of locationId and reports whether the set is now empty.
func (m *Manager) Detach(ctx context.Context, tx *sql.Tx, instanceId ulid.ULID, locationId ulid.ULID) (bool, error) {
	if err := m.locationRepository.RemoveInstanceReference(ctx, tx, instanceId, locationId); err != nil {
		return false, err
	}
	return m.IsOrphaned(ctx, tx, locationId)
}

func (m *Manager) IsOrphaned(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (bool, error) {
	count, err := m.locationRepository.CountInstanceReferencesByLocationId(ctx, tx, locationId)
	if err != nil {
		return false, err
	}
	return *count == 0, nil
}

// FindByStorageKey returns every location row sharing the physical object of key.
func (m *Manager) FindByStorageKey(ctx context.Context, tx *sql.Tx, key StorageKey) ([]locationEntity.Entity, error) {
	return m.locationRepository.FindLocationsByStorageSystemIdAndStoragePath(ctx, tx, key.StorageSystemId, key.StoragePath)
}

// RemoveRow deletes the database row of an orphaned location. It reports false if a reference appeared meanwhile.
func (m *Manager) RemoveRow(ctx context.Context, tx *sql.Tx, locationId ulid.ULID) (bool, error) {
	deleted, err := m.locationRepository.DeleteUnreferencedLocationById(ctx, tx, locationId)
	if err != nil {
		return false, err
	}
	return *deleted, nil
}

func (m *Manager) SetStatus(ctx context.Context, tx *sql.Tx, l *locationEntity.Entity, status string) error {
	if l.Status == status {
		return nil
	}
	l.Status = status
	return m.locationRepository.SaveLocation(ctx, tx, l)
}

// Reconcile resolves DELETE_FAILED locations of a re-stored instance. A location turns OK again
// if it lives in targetGroupId or in one of onlineGroupIds, otherwise it becomes ARCHIVE_FAILED.
func (m *Manager) Reconcile(ctx context.Context, tx *sql.Tx, locations []locationEntity.Entity, targetGroupId string, onlineGroupIds map[string]struct{}) error {
	for i := range locations {
		l := &locations[i]
		if l.Status != locationEntity.StatusDeleteFailed {
			continue
		}
		status := locationEntity.StatusArchiveFailed
		if _, online := onlineGroupIds[l.StorageGroupId]; online || l.StorageGroupId == targetGroupId {
			status = locationEntity.StatusOK
		}
		slog.Info(fmt.Sprintf("Reset status of location %s at %s from %s to %s", l.Id, KeyOf(l), l.Status, status))
		if err := m.SetStatus(ctx, tx, l, status); err != nil {
			return err
		}
	}
	return nil
}

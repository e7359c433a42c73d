package store

import (
	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/metadatastore"
)

// Decide computes the action for an incoming object whose SOP instance already exists as existing.
// nonPersistedDigest is nil unless ae checks non database attributes.
func Decide(existing *metadatastore.Instance, remoteAET string, spoolDigest string, nonPersistedDigest *string, ae *config.ArchiveAE) Action {
	if existing == nil {
		return ActionStore
	}
	if len(existing.Locations) == 0 {
		return ActionRestore
	}
	if ae.IgnoreDuplicatesOnStorage {
		return ActionIgnore
	}
	if existing.Series.SourceAET == nil || *existing.Series.SourceAET != remoteAET {
		return ActionIgnore
	}
	if hasLocationWith(existing.Locations, &spoolDigest, func(l *location.Entity) *string { return l.Digest }) {
		return ActionIgnore
	}
	if ae.CheckNonDbAttributesOnStorage && hasLocationWith(existing.Locations, nonPersistedDigest, func(l *location.Entity) *string { return l.OtherAttributesDigest }) {
		return ActionUpdateDB
	}
	return ActionReplace
}

func hasLocationWith(locations []location.Entity, digest *string, field func(*location.Entity) *string) bool {
	if digest == nil || *digest == "" {
		return false
	}
	for i := range locations {
		if v := field(&locations[i]); v != nil && *v == *digest {
			return true
		}
	}
	return false
}

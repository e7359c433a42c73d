package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/dataset"
	"github.com/jdillenkofer/pacsarc/internal/digest"
	locationEntity "github.com/jdillenkofer/pacsarc/internal/storage/database/repository/location"
	"github.com/jdillenkofer/pacsarc/internal/storage/metadatastore"
	"github.com/jdillenkofer/pacsarc/internal/storage/selector"
)

const defaultSpoolDirectory = "spool"

// Session is one association or request of a remote AE with an archive AE. It may carry many attempts.
type Session struct {
	Id             uuid.UUID
	LocalAET       string
	RemoteAET      string
	AE             *config.ArchiveAE
	Selection      *selector.Selection
	SpoolDirectory string
	CreatedAt      time.Time
}

func (s *Session) String() string {
	return fmt.Sprintf("%s->%s[%s]", s.RemoteAET, s.LocalAET, s.Id)
}

// Close removes the spool directory of the session and everything left inside.
func (s *Session) Close() {
	entries, err := os.ReadDir(s.SpoolDirectory)
	if err != nil && !os.IsNotExist(err) {
		slog.Warn(fmt.Sprintf("%s: Failed to read spool directory %s: %s", s, s.SpoolDirectory, err))
	}
	for _, entry := range entries {
		path := filepath.Join(s.SpoolDirectory, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn(fmt.Sprintf("%s: Failed to delete spool file %s: %s", s, path, err))
			continue
		}
		slog.Info(fmt.Sprintf("%s: Deleted spool file %s", s, path))
	}
	if err := os.Remove(s.SpoolDirectory); err != nil && !os.IsNotExist(err) {
		slog.Warn(fmt.Sprintf("%s: Failed to delete spool directory %s: %s", s, s.SpoolDirectory, err))
		return
	}
	slog.Debug(fmt.Sprintf("%s: Deleted spool directory %s", s, s.SpoolDirectory))
}

// Context is the state of one ingest attempt. It is owned by the attempt and discarded when it ends.
type Context struct {
	Session   *Session
	StartedAt time.Time
	SpoolFile *digest.SpoolFile
	// Attributes are the attributes of the object after coercion.
	Attributes *dataset.Dataset
	// CoercedAttributes holds the original values of every attribute changed by coercion.
	CoercedAttributes   *dataset.Dataset
	StoragePath         string
	MetadataStoragePath string
	FinalDigest         string
	FinalSize           int64
	NonPersistedDigest  *string
	Action              Action
	Instance            *metadatastore.Instance
	// Location is the location recorded for the new object, nil if the object was discarded.
	Location *locationEntity.Entity
	Replaced []locationEntity.Entity
	Err      error
	// Properties is scratch space for interceptors.
	Properties map[string]any
}

func (sc *Context) SopInstanceUid() string {
	if sc.Attributes == nil {
		return ""
	}
	return sc.Attributes.String(dataset.SOPInstanceUID)
}

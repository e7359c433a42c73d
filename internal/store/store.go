// Package store runs ingest attempts: spooling, duplicate detection, placement and the database update.
package store

import (
	"errors"
	"fmt"

	"github.com/jdillenkofer/pacsarc/internal/config"
	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/selector"
)

var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrConfiguration     = errors.New("configuration error")
	ErrConflict          = errors.New("conflicting update")
	ErrProcessing        = errors.New("processing failure")
)

type Action string

const (
	ActionStore    Action = "STORE"
	ActionRestore  Action = "RESTORE"
	ActionUpdateDB Action = "UPDATEDB"
	ActionReplace  Action = "REPLACE"
	ActionIgnore   Action = "IGNORE"
	ActionFail     Action = "FAIL"
)

func isConflict(err error) bool {
	return errors.Is(err, database.ErrOptimisticLock) || database.IsUniqueViolation(err)
}

// classify wraps err with the sentinel of its failure class. Errors already classified are returned as is.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrConfiguration), errors.Is(err, ErrConflict), errors.Is(err, ErrProcessing):
		return err
	case errors.Is(err, selector.ErrNoWritableStorageSystem):
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	case errors.Is(err, config.ErrUnknownStorageGroup), errors.Is(err, config.ErrUnknownStorageSystem), errors.Is(err, config.ErrUnknownArchiveAE):
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	case isConflict(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return fmt.Errorf("%w: %w", ErrProcessing, err)
}

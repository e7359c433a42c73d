package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/workqueueentry"
	"github.com/oklog/ulid/v2"
)

type sqliteRepository struct {
}

const (
	insertWorkQueueEntryStmt      = "INSERT INTO work_queue_entries (id, queue, payload, due_at, leased_until, attempts, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8)"
	updateWorkQueueEntryByIdStmt  = "UPDATE work_queue_entries SET queue = $1, payload = $2, due_at = $3, leased_until = $4, attempts = $5, updated_at = $6 WHERE id = $7"
	findWorkQueueEntryByIdStmt    = "SELECT id, queue, payload, due_at, leased_until, attempts, created_at, updated_at FROM work_queue_entries WHERE id = $1"
	findNextDueWorkQueueEntryStmt = "SELECT id, queue, payload, due_at, leased_until, attempts, created_at, updated_at FROM work_queue_entries WHERE queue = $1 AND due_at <= $2 AND (leased_until IS NULL OR leased_until <= $2) ORDER BY due_at ASC, id ASC LIMIT 1"
	leaseWorkQueueEntryByIdStmt   = "UPDATE work_queue_entries SET leased_until = $1, attempts = attempts + 1, updated_at = $2 WHERE id = $3"
	countWorkQueueEntriesStmt     = "SELECT COUNT(*) FROM work_queue_entries WHERE queue = $1"
	deleteWorkQueueEntryByIdStmt  = "DELETE FROM work_queue_entries WHERE id = $1"
)

func NewRepository() (workqueueentry.Repository, error) {
	return &sqliteRepository{}, nil
}

func convertRowToWorkQueueEntryEntity(row *sql.Row) (*workqueueentry.Entity, error) {
	var id string
	var queue string
	var payload []byte
	var dueAt time.Time
	var leasedUntil *time.Time
	var attempts int
	var createdAt time.Time
	var updatedAt time.Time
	err := row.Scan(&id, &queue, &payload, &dueAt, &leasedUntil, &attempts, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	ulidId := ulid.MustParse(id)
	return &workqueueentry.Entity{
		Id:          &ulidId,
		Queue:       queue,
		Payload:     payload,
		DueAt:       dueAt,
		LeasedUntil: leasedUntil,
		Attempts:    attempts,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func (wr *sqliteRepository) SaveWorkQueueEntry(ctx context.Context, tx *sql.Tx, entry *workqueueentry.Entity) error {
	entry.DueAt = entry.DueAt.UTC()
	if entry.Id == nil {
		id := ulid.Make()
		entry.Id = &id
		entry.CreatedAt = time.Now().UTC()
		entry.UpdatedAt = entry.CreatedAt
		_, err := tx.ExecContext(ctx, insertWorkQueueEntryStmt, entry.Id.String(), entry.Queue, entry.Payload, entry.DueAt, entry.LeasedUntil, entry.Attempts, entry.CreatedAt, entry.UpdatedAt)
		if err != nil {
			entry.Id = nil
		}
		return err
	}
	entry.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, updateWorkQueueEntryByIdStmt, entry.Queue, entry.Payload, entry.DueAt, entry.LeasedUntil, entry.Attempts, entry.UpdatedAt, entry.Id.String())
	return err
}

func (wr *sqliteRepository) FindWorkQueueEntryById(ctx context.Context, tx *sql.Tx, entryId ulid.ULID) (*workqueueentry.Entity, error) {
	row := tx.QueryRowContext(ctx, findWorkQueueEntryByIdStmt, entryId.String())
	return convertRowToWorkQueueEntryEntity(row)
}

func (wr *sqliteRepository) LeaseNextDueWorkQueueEntry(ctx context.Context, tx *sql.Tx, queue string, now time.Time, leasedUntil time.Time) (*workqueueentry.Entity, error) {
	row := tx.QueryRowContext(ctx, findNextDueWorkQueueEntryStmt, queue, now.UTC())
	entry, err := convertRowToWorkQueueEntryEntity(row)
	if err != nil || entry == nil {
		return nil, err
	}
	leasedUntil = leasedUntil.UTC()
	updatedAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx, leaseWorkQueueEntryByIdStmt, leasedUntil, updatedAt, entry.Id.String())
	if err != nil {
		return nil, err
	}
	entry.LeasedUntil = &leasedUntil
	entry.Attempts++
	entry.UpdatedAt = updatedAt
	return entry, nil
}

func (wr *sqliteRepository) CountWorkQueueEntries(ctx context.Context, tx *sql.Tx, queue string) (*int, error) {
	row := tx.QueryRowContext(ctx, countWorkQueueEntriesStmt, queue)
	var count int
	err := row.Scan(&count)
	if err != nil {
		return nil, err
	}
	return &count, nil
}

func (wr *sqliteRepository) DeleteWorkQueueEntryById(ctx context.Context, tx *sql.Tx, entryId ulid.ULID) error {
	_, err := tx.ExecContext(ctx, deleteWorkQueueEntryByIdStmt, entryId.String())
	return err
}

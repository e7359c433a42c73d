package workqueue

import (
	"context"
	"database/sql"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/workqueueentry"
)

type sqlQueue struct {
	db                       database.Database
	workQueueEntryRepository workqueueentry.Repository
	trigger                  trigger
}

var _ Queue = (*sqlQueue)(nil)

// NewSqlQueue persists items in the work_queue_entries table, so pending items survive restarts.
func NewSqlQueue(db database.Database, workQueueEntryRepository workqueueentry.Repository) Queue {
	return &sqlQueue{
		db:                       db,
		workQueueEntryRepository: workQueueEntryRepository,
		trigger:                  newTrigger(),
	}
}

func (q *sqlQueue) Notify() <-chan struct{} {
	return q.trigger.c
}

func (q *sqlQueue) Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	err := database.RunInTx(ctx, q.db, false, func(tx *sql.Tx) error {
		return q.workQueueEntryRepository.SaveWorkQueueEntry(ctx, tx, &workqueueentry.Entity{
			Queue:   queue,
			Payload: payload,
			DueAt:   time.Now().UTC().Add(delay),
		})
	})
	if err != nil {
		return err
	}
	if delay <= 0 {
		q.trigger.fire()
	}
	return nil
}

func (q *sqlQueue) Lease(ctx context.Context, queue string, leaseDuration time.Duration) (*Item, error) {
	var item *Item
	err := database.RunInTx(ctx, q.db, false, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		entry, err := q.workQueueEntryRepository.LeaseNextDueWorkQueueEntry(ctx, tx, queue, now, now.Add(leaseDuration))
		if err != nil || entry == nil {
			return err
		}
		item = &Item{
			Id:       *entry.Id,
			Queue:    entry.Queue,
			Payload:  entry.Payload,
			DueAt:    entry.DueAt,
			Attempts: entry.Attempts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (q *sqlQueue) Ack(ctx context.Context, item *Item) error {
	return database.RunInTx(ctx, q.db, false, func(tx *sql.Tx) error {
		return q.workQueueEntryRepository.DeleteWorkQueueEntryById(ctx, tx, item.Id)
	})
}

func (q *sqlQueue) Nack(ctx context.Context, item *Item, retryDelay time.Duration) error {
	return database.RunInTx(ctx, q.db, false, func(tx *sql.Tx) error {
		entry, err := q.workQueueEntryRepository.FindWorkQueueEntryById(ctx, tx, item.Id)
		if err != nil || entry == nil {
			return err
		}
		entry.DueAt = time.Now().UTC().Add(retryDelay)
		entry.LeasedUntil = nil
		return q.workQueueEntryRepository.SaveWorkQueueEntry(ctx, tx, entry)
	})
}

func (q *sqlQueue) Len(ctx context.Context, queue string) (int, error) {
	var count int
	err := database.RunInTx(ctx, q.db, true, func(tx *sql.Tx) error {
		c, err := q.workQueueEntryRepository.CountWorkQueueEntries(ctx, tx, queue)
		if err != nil {
			return err
		}
		count = *c
		return nil
	})
	return count, err
}

// Package workqueue provides delayed, at-least-once work queues and a bounded worker pool draining them.
package workqueue

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Item is one leased unit of work. Attempts counts deliveries including the current one.
type Item struct {
	Id       ulid.ULID
	Queue    string
	Payload  []byte
	DueAt    time.Time
	Attempts int
}

type Queue interface {
	// Enqueue makes payload deliverable once delay has passed.
	Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error
	// Lease hands out the oldest due item and hides it for leaseDuration.
	// An item whose lease runs out before Ack is delivered again. Lease returns nil if nothing is due.
	Lease(ctx context.Context, queue string, leaseDuration time.Duration) (*Item, error)
	Ack(ctx context.Context, item *Item) error
	// Nack releases the lease and redelivers the item after retryDelay.
	Nack(ctx context.Context, item *Item, retryDelay time.Duration) error
	Len(ctx context.Context, queue string) (int, error)
}

// Notifier is implemented by queues that can wake up idle consumers on Enqueue.
type Notifier interface {
	Notify() <-chan struct{}
}

type trigger struct {
	c chan struct{}
}

func newTrigger() trigger {
	return trigger{c: make(chan struct{}, 16)}
}

func (t trigger) fire() {
	select {
	case t.c <- struct{}{}:
	default:
	}
}

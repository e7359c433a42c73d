package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/jdillenkofer/pacsarc/internal/testing/testdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryQueueOrdersByDueTime(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := newMemoryQueue(clock.Now)

	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("late"), 2*time.Minute))
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("early"), time.Minute))
	assert.Nil(t, q.Enqueue(ctx, "other", []byte("now"), 0))

	item, err := q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	assert.Nil(t, item)

	clock.Advance(90 * time.Second)
	item, err = q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	assert.Equal(t, []byte("early"), item.Payload)
	assert.Equal(t, 1, item.Attempts)

	item, err = q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	assert.Nil(t, item)

	count, err := q.Len(ctx, "delete")
	assert.Nil(t, err)
	assert.Equal(t, 2, count)
}

func TestMemoryQueueRedeliversExpiredLease(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := newMemoryQueue(clock.Now)
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("a"), 0))

	first, err := q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	assert.NotNil(t, first)

	clock.Advance(2 * time.Minute)
	second, err := q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, 2, second.Attempts)

	assert.Nil(t, q.Ack(ctx, second))
	count, err := q.Len(ctx, "delete")
	assert.Nil(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryQueueNackDelaysRedelivery(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := newMemoryQueue(clock.Now)
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("a"), 0))

	item, err := q.Lease(ctx, "delete", time.Hour)
	assert.Nil(t, err)
	assert.Nil(t, q.Nack(ctx, item, 10*time.Second))

	item, err = q.Lease(ctx, "delete", time.Hour)
	assert.Nil(t, err)
	assert.Nil(t, item)

	clock.Advance(10 * time.Second)
	item, err = q.Lease(ctx, "delete", time.Hour)
	assert.Nil(t, err)
	assert.NotNil(t, item)
	assert.Equal(t, 2, item.Attempts)
}

func newSqlQueue(t *testing.T) Queue {
	db := testdb.Open(t)
	repos, err := repository.NewRepositories(db)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	return NewSqlQueue(db, repos.WorkQueueEntry)
}

func TestSqlQueueLeaseAckNack(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	q := newSqlQueue(t)

	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("first"), 0))
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("delayed"), time.Hour))

	item, err := q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	if !assert.NotNil(t, item) {
		return
	}
	assert.Equal(t, []byte("first"), item.Payload)
	assert.Equal(t, 1, item.Attempts)

	leasedAgain, err := q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	assert.Nil(t, leasedAgain)

	assert.Nil(t, q.Nack(ctx, item, 0))
	item, err = q.Lease(ctx, "delete", time.Minute)
	assert.Nil(t, err)
	if !assert.NotNil(t, item) {
		return
	}
	assert.Equal(t, 2, item.Attempts)
	assert.Nil(t, q.Ack(ctx, item))

	count, err := q.Len(ctx, "delete")
	assert.Nil(t, err)
	assert.Equal(t, 1, count)
}

func TestPoolProcessesItems(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	q := NewMemoryQueue()
	var processed atomic.Int32
	done := make(chan struct{}, 10)
	pool, err := NewPool(q, "delete", func(ctx context.Context, item *Item) error {
		processed.Add(1)
		done <- struct{}{}
		return nil
	}, PoolOptions{Workers: 2, PollInterval: 10 * time.Millisecond, LeaseDuration: time.Minute}, prometheus.NewRegistry())
	assert.Nil(t, err)
	assert.Nil(t, pool.Start(ctx))

	for range 5 {
		assert.Nil(t, q.Enqueue(ctx, "delete", []byte("x"), 0))
	}
	for range 5 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for items")
		}
	}
	assert.Nil(t, pool.Stop(ctx))
	assert.Equal(t, int32(5), processed.Load())
	count, err := q.Len(ctx, "delete")
	assert.Nil(t, err)
	assert.Equal(t, 0, count)
}

func TestPoolDropsItemAfterMaxAttempts(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	q := NewMemoryQueue()
	var attempts atomic.Int32
	pool, err := NewPool(q, "delete", func(ctx context.Context, item *Item) error {
		attempts.Add(1)
		return errors.New("storage unavailable")
	}, PoolOptions{Workers: 1, PollInterval: 5 * time.Millisecond, LeaseDuration: time.Minute, MaxAttempts: 3}, nil)
	assert.Nil(t, err)
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("x"), 0))
	assert.Nil(t, pool.Start(ctx))

	assert.Eventually(t, func() bool {
		count, _ := q.Len(ctx, "delete")
		return count == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, pool.Stop(ctx))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNewPoolRejectsInvalidOptions(t *testing.T) {
	testutils.SkipIfIntegration(t)
	_, err := NewPool(NewMemoryQueue(), "delete", nil, PoolOptions{}, nil)
	assert.ErrorIs(t, err, ErrInvalidPoolOptions)
}

func TestPoolRunDueProcessesOnlyDueItems(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	q := NewMemoryQueue()
	var payloads []string
	pool, err := NewPool(q, "delete", func(ctx context.Context, item *Item) error {
		payloads = append(payloads, string(item.Payload))
		if string(item.Payload) == "fails" {
			return errors.New("storage unavailable")
		}
		return nil
	}, PoolOptions{Workers: 1, PollInterval: time.Second, LeaseDuration: time.Minute, RetryDelay: time.Hour}, nil)
	assert.Nil(t, err)
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("a"), 0))
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("fails"), 0))
	assert.Nil(t, q.Enqueue(ctx, "delete", []byte("later"), time.Hour))

	processed, err := pool.RunDue(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 2, processed)
	assert.ElementsMatch(t, []string{"a", "fails"}, payloads)

	count, err := q.Len(ctx, "delete")
	assert.Nil(t, err)
	assert.Equal(t, 2, count)
}

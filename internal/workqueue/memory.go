package workqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type memoryEntry struct {
	item        Item
	leasedUntil time.Time
	index       int
}

// dueHeap orders entries by due time, then by id.
type dueHeap []*memoryEntry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].item.DueAt.Equal(h[j].item.DueAt) {
		return h[i].item.Id.Compare(h[j].item.Id) < 0
	}
	return h[i].item.DueAt.Before(h[j].item.DueAt)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	entry := x.(*memoryEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

type memoryQueue struct {
	mu      sync.Mutex
	now     func() time.Time
	pending map[string]*dueHeap
	leased  map[ulid.ULID]*memoryEntry
	trigger trigger
}

var _ Queue = (*memoryQueue)(nil)

// NewMemoryQueue keeps items in a per-queue priority heap. Pending items are lost on restart.
func NewMemoryQueue() Queue {
	return newMemoryQueue(time.Now)
}

func newMemoryQueue(now func() time.Time) *memoryQueue {
	return &memoryQueue{
		now:     now,
		pending: map[string]*dueHeap{},
		leased:  map[ulid.ULID]*memoryEntry{},
		trigger: newTrigger(),
	}
}

func (q *memoryQueue) Notify() <-chan struct{} {
	return q.trigger.c
}

func (q *memoryQueue) heap(queue string) *dueHeap {
	h, ok := q.pending[queue]
	if !ok {
		h = &dueHeap{}
		q.pending[queue] = h
	}
	return h
}

func (q *memoryQueue) Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	q.mu.Lock()
	heap.Push(q.heap(queue), &memoryEntry{
		item: Item{
			Id:      ulid.Make(),
			Queue:   queue,
			Payload: payload,
			DueAt:   q.now().Add(delay),
		},
	})
	q.mu.Unlock()
	if delay <= 0 {
		q.trigger.fire()
	}
	return nil
}

// requeueExpiredLeases must be called with mu held.
func (q *memoryQueue) requeueExpiredLeases(now time.Time) {
	for id, entry := range q.leased {
		if !entry.leasedUntil.After(now) {
			delete(q.leased, id)
			heap.Push(q.heap(entry.item.Queue), entry)
		}
	}
}

func (q *memoryQueue) Lease(ctx context.Context, queue string, leaseDuration time.Duration) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.requeueExpiredLeases(now)
	h := q.heap(queue)
	if h.Len() == 0 || (*h)[0].item.DueAt.After(now) {
		return nil, nil
	}
	entry := heap.Pop(h).(*memoryEntry)
	entry.item.Attempts++
	entry.leasedUntil = now.Add(leaseDuration)
	q.leased[entry.item.Id] = entry
	item := entry.item
	return &item, nil
}

func (q *memoryQueue) Ack(ctx context.Context, item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, item.Id)
	return nil
}

func (q *memoryQueue) Nack(ctx context.Context, item *Item, retryDelay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.leased[item.Id]
	if !ok {
		return nil
	}
	delete(q.leased, item.Id)
	entry.item.DueAt = q.now().Add(retryDelay)
	heap.Push(q.heap(entry.item.Queue), entry)
	return nil
}

func (q *memoryQueue) Len(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := q.heap(queue).Len()
	for _, entry := range q.leased {
		if entry.item.Queue == queue {
			count++
		}
	}
	return count, nil
}

package retention

import (
	"sync"

	"github.com/jdillenkofer/pacsarc/internal/storage/database/repository/studyonstoragegroup"
)

// claim is a one-shot barrier for the creation of one membership row.
type claim struct {
	done       chan struct{}
	waiters    int
	membership *studyonstoragegroup.Entity
	err        error
}

// claimRegistry serializes membership creation for the same study and group within this process.
type claimRegistry struct {
	mu     sync.Mutex
	claims map[string]*claim
}

func newClaimRegistry() *claimRegistry {
	return &claimRegistry{claims: map[string]*claim{}}
}

func claimKey(studyInstanceUid string, storageGroupId string) string {
	return studyInstanceUid + "@" + storageGroupId
}

// acquire returns the claim for key and whether the caller owns it.
// Owners must call resolve, everyone else waits on claim.done.
func (r *claimRegistry) acquire(key string) (*claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.claims[key]; ok {
		c.waiters++
		return c, false
	}
	c := &claim{done: make(chan struct{})}
	r.claims[key] = c
	return c, true
}

// resolve publishes the outcome to every waiter and drops the claim.
func (r *claimRegistry) resolve(key string, c *claim, membership *studyonstoragegroup.Entity, err error) int {
	r.mu.Lock()
	delete(r.claims, key)
	waiters := c.waiters
	r.mu.Unlock()
	c.membership = membership
	c.err = err
	close(c.done)
	return waiters
}

func (r *claimRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}

package gate

import "sync"

// LeaseRegistry hands out exclusive per-action leases so the serve loop
// never runs two concurrent Process invocations for the same action.
type LeaseRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLeaseRegistry() *LeaseRegistry {
	return &LeaseRegistry{held: make(map[string]struct{})}
}

// TryAcquire claims the lease for the action id. Returns false when another
// invocation already holds it.
func (r *LeaseRegistry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[id]; ok {
		return false
	}
	r.held[id] = struct{}{}
	return true
}

// Release frees the lease. Releasing an unheld lease is a no-op.
func (r *LeaseRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
}

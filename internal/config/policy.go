package config

import "sync/atomic"

// PolicyStore hands out immutable snapshots of the pipeline policy. Reloads
// swap the whole value atomically, so concurrent readers never observe a
// half-updated policy and an in-flight action keeps the snapshot it started
// with.
type PolicyStore struct {
	cur atomic.Pointer[PipelineConfig]
}

// NewPolicyStore seeds the store with the initial policy.
func NewPolicyStore(p PipelineConfig) *PolicyStore {
	s := &PolicyStore{}
	s.cur.Store(&p)
	return s
}

// Current returns the active policy snapshot by value.
func (s *PolicyStore) Current() PipelineConfig {
	return *s.cur.Load()
}

// Swap installs a new policy. Takes effect for subsequent loads only.
func (s *PolicyStore) Swap(p PipelineConfig) {
	s.cur.Store(&p)
}

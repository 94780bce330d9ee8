// Package memstore provides an in-memory persistence backend for requests,
// staff and audit entries.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
)

// Store holds persisted records in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*triage.Request // request ID -> request
	staff    map[string]*staff.Member   // staff ID -> member
	audit    map[int64]*audit.Entry     // seq -> entry
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		requests: make(map[string]*triage.Request),
		staff:    make(map[string]*staff.Member),
		audit:    make(map[int64]*audit.Entry),
	}
}

// LoadAll returns copies of every stored request.
func (s *Store) LoadAll(_ context.Context) ([]*triage.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*triage.Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Upsert stores a copy of the request unless a newer version is already
// held.
func (s *Store) Upsert(_ context.Context, r *triage.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.requests[r.ID]; ok && cur.Version >= r.Version {
		return nil
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

// LoadStaff returns copies of every stored staff member.
func (s *Store) LoadStaff(_ context.Context) ([]*staff.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*staff.Member, 0, len(s.staff))
	for _, m := range s.staff {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// UpsertStaff stores a copy of the member unless a newer version is
// already held.
func (s *Store) UpsertStaff(_ context.Context, m *staff.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.staff[m.ID]; ok && cur.Version >= m.Version {
		return nil
	}
	cp := *m
	s.staff[m.ID] = &cp
	return nil
}

// AppendAudit stores a copy of the entry. Re-appending a seq is a no-op.
func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.audit[e.Seq]; ok {
		return nil
	}
	cp := *e
	s.audit[e.Seq] = &cp
	return nil
}

// LoadAudit returns copies of every stored entry in seq order.
func (s *Store) LoadAudit(_ context.Context) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Entry, 0, len(s.audit))
	for _, e := range s.audit {
		cp := *e
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *audit.Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out, nil
}

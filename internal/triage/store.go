package triage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relief/internal/audit"
)

// Persistence is the durable record store behind the in-memory Store.
// Implementations must tolerate retries: Upsert is keyed by request id and
// AppendAudit by entry seq.
type Persistence interface {
	LoadAll(ctx context.Context) ([]*Request, error)
	Upsert(ctx context.Context, r *Request) error
	AppendAudit(ctx context.Context, e *audit.Entry) error
}

// Store owns the authoritative set of requests. Every mutation and its audit
// entry happen under one write lock; the durable write happens afterwards
// and its failure never undoes the in-memory change.
type Store struct {
	mu       sync.RWMutex
	requests []*Request          // creation order
	byID     map[string]*Request // request ID -> request
	byKey    map[string]*Request // email + idempotency key -> request
	seq      int

	audit   *audit.Log
	persist Persistence
	logger  log.Logger
	now     func() time.Time

	// called after a failed durable write; op names the write.
	onPersistError func(op string)
}

// NewStore creates an empty store. persist may be nil for a purely
// in-memory store.
func NewStore(auditLog *audit.Log, persist Persistence, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	if auditLog == nil {
		auditLog = audit.NewLog()
	}
	return &Store{
		byID:    make(map[string]*Request),
		byKey:   make(map[string]*Request),
		audit:   auditLog,
		persist: persist,
		logger:  logger,
		now:     time.Now,
	}
}

// FormatID renders the public identifier for a sequence number.
func FormatID(seq int) string {
	return fmt.Sprintf("REQ-%06d", seq)
}

func parseID(id string) int {
	var n int
	if _, err := fmt.Sscanf(id, "REQ-%d", &n); err != nil {
		return 0
	}
	return n
}

// idempotencyKey folds email case the same way List and Get match owners.
func idempotencyKey(email, key string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "\x00" + key
}

// Load replaces the store contents with everything the persistence layer
// holds and resumes id assignment after the highest id seen.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	loaded, err := s.persist.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load requests: %w", err)
	}

	slices.SortStableFunc(loaded, func(a, b *Request) int { return parseID(a.ID) - parseID(b.ID) })

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = s.requests[:0]
	clear(s.byID)
	clear(s.byKey)
	s.seq = 0
	for _, r := range loaded {
		cp := r.Clone()
		s.requests = append(s.requests, cp)
		s.byID[cp.ID] = cp
		if cp.IdempotencyKey != "" {
			s.byKey[idempotencyKey(cp.Email, cp.IdempotencyKey)] = cp
		}
		s.seq = max(s.seq, parseID(cp.ID))
	}
	return nil
}

// Snapshot returns copies of every request in creation order.
func (s *Store) Snapshot() []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Request, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Clone()
	}
	return out
}

// Get returns a copy of the request with the given id.
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Len returns the number of requests held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Insert assigns the next id to r, scores it, queues it as pending, derives
// its response-time estimate from the queue, and appends the audit record
// produced by rec. If r carries an idempotency key already used by the same
// email, the earlier request is returned with duplicate set and nothing is
// written.
func (s *Store) Insert(ctx context.Context, r *Request, rec func(*Request) audit.Record) (stored *Request, duplicate bool) {
	s.mu.Lock()

	if r.IdempotencyKey != "" {
		if prev, ok := s.byKey[idempotencyKey(r.Email, r.IdempotencyKey)]; ok {
			cp := prev.Clone()
			s.mu.Unlock()
			return cp, true
		}
	}

	now := s.now().UTC()
	s.seq++

	nr := r.Clone()
	nr.ID = FormatID(s.seq)
	nr.Status = StatusPending
	nr.AssignedTo = ""
	nr.CompletedAt = nil
	nr.CreatedAt = now
	nr.UpdatedAt = now
	nr.Version = 1
	nr.PriorityScore = Score(nr)

	s.requests = append(s.requests, nr)
	s.byID[nr.ID] = nr
	if nr.IdempotencyKey != "" {
		s.byKey[idempotencyKey(nr.Email, nr.IdempotencyKey)] = nr
	}

	nr.EstimatedResponseTime = EstimateResponseTime(nr.PriorityScore, QueuePosition(Order(s.requests), nr.ID))

	entry := s.audit.Append(rec(nr))
	out := nr.Clone()
	s.mu.Unlock()

	s.writeThrough(ctx, out, entry)
	return out, false
}

// Update applies fn to a copy of the request under the store lock. If fn
// returns an error nothing changes and the error is returned as is. On
// success the score is recomputed, the version bumped, the audit record fn
// returned is appended, and the result is written through.
func (s *Store) Update(ctx context.Context, id string, fn func(r *Request) (audit.Record, error)) (*Request, error) {
	s.mu.Lock()

	cur, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}

	next := cur.Clone()
	rec, err := fn(next)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now().UTC()
	next.Version = cur.Version + 1
	next.PriorityScore = Score(next)

	// swap in place so creation order is kept
	idx := slices.Index(s.requests, cur)
	s.requests[idx] = next
	s.byID[id] = next
	if next.IdempotencyKey != "" {
		s.byKey[idempotencyKey(next.Email, next.IdempotencyKey)] = next
	}

	if next.PriorityScore != cur.PriorityScore {
		next.EstimatedResponseTime = EstimateResponseTime(next.PriorityScore, QueuePosition(Order(s.requests), id))
	}

	entry := s.audit.Append(rec)
	out := next.Clone()
	s.mu.Unlock()

	s.writeThrough(ctx, out, entry)
	return out, nil
}

// Record appends an audit entry that has no request mutation attached and
// writes it through.
func (s *Store) Record(ctx context.Context, rec audit.Record) *audit.Entry {
	s.mu.Lock()
	entry := s.audit.Append(rec)
	s.mu.Unlock()

	s.writeThrough(ctx, nil, entry)
	return entry
}

// OnPersistError registers a callback for failed durable writes. Call it
// before the store is shared.
func (s *Store) OnPersistError(fn func(op string)) {
	s.onPersistError = fn
}

// View runs fn over the current requests under the read lock. fn must not
// retain or modify the slice.
func (s *Store) View(fn func(requests []*Request)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.requests)
}

func (s *Store) writeThrough(ctx context.Context, r *Request, e *audit.Entry) {
	if s.persist == nil {
		return
	}
	// the caller may go away; the durable write should still be attempted
	ctx = context.WithoutCancel(ctx)

	if r != nil {
		if err := s.persist.Upsert(ctx, r); err != nil {
			s.persistFailed(ctx, err, "upsert_request", "request_id", r.ID, "version", r.Version)
		}
	}
	if e != nil {
		if err := s.persist.AppendAudit(ctx, e); err != nil {
			s.persistFailed(ctx, err, "append_audit", "audit_id", e.ID)
		}
	}
}

func (s *Store) persistFailed(ctx context.Context, err error, op string, kv ...any) {
	s.logger.Error(ctx, err, "persistence write failed, continuing in memory", append([]any{"op", op}, kv...)...)
	if s.onPersistError != nil {
		s.onPersistError(op)
	}
}

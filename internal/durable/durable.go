// Package durable sits between the in-memory stores and the backend that
// records requests, staff and audit entries. Writes run under a bounded
// timeout; a write that fails is parked in an outbox and retried until the
// backend accepts it. While anything is parked the writer reports itself
// degraded.
package durable

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/postgres"
	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
)

// Operation names used for outbox keys, log lines and query labels.
const (
	OpUpsertRequest = "upsert_request"
	OpUpsertStaff   = "upsert_staff"
	OpAppendAudit   = "append_audit"
	OpLoadRequests  = "load_requests"
	OpLoadStaff     = "load_staff"
	OpLoadAudit     = "load_audit"
)

// DefaultTimeout bounds a single backend write when none is configured.
const DefaultTimeout = 2 * time.Second

// Backend is everything the stores need from durable storage.
type Backend interface {
	triage.Persistence
	staff.Persistence
	audit.Loader
}

// parked is a write waiting for the backend to come back. Only the newest
// snapshot per key is kept.
type parked struct {
	id       string
	op       string
	key      string
	version  int64
	parkedAt time.Time
	attempts int
	lastErr  error
	write    func(ctx context.Context) error
}

// Writer implements Backend on top of another Backend.
type Writer struct {
	backend Backend
	timeout time.Duration
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	outbox map[string]*parked

	degraded atomic.Bool
}

// New wraps backend. timeout <= 0 uses DefaultTimeout; metrics may be nil.
func New(backend Backend, timeout time.Duration, logger log.Logger, metrics *Metrics) *Writer {
	if backend == nil {
		panic(xerrors.New("durable.New: backend is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Writer{
		backend: backend,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		outbox:  make(map[string]*parked),
	}
}

// Degraded reports whether any write is waiting in the outbox.
func (w *Writer) Degraded() bool { return w.degraded.Load() }

// Pending returns the number of parked writes.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outbox)
}

// LoadAll reads every stored request.
func (w *Writer) LoadAll(ctx context.Context) ([]*triage.Request, error) {
	return w.backend.LoadAll(postgres.WithOp(ctx, OpLoadRequests))
}

// LoadStaff reads every stored staff member.
func (w *Writer) LoadStaff(ctx context.Context) ([]*staff.Member, error) {
	return w.backend.LoadStaff(postgres.WithOp(ctx, OpLoadStaff))
}

// LoadAudit reads the stored audit trail.
func (w *Writer) LoadAudit(ctx context.Context) ([]*audit.Entry, error) {
	return w.backend.LoadAudit(postgres.WithOp(ctx, OpLoadAudit))
}

// Upsert writes a request snapshot, parking it on failure.
func (w *Writer) Upsert(ctx context.Context, r *triage.Request) error {
	snap := r.Clone()
	return w.do(ctx, OpUpsertRequest, snap.ID, snap.Version, func(ctx context.Context) error {
		return w.backend.Upsert(ctx, snap)
	})
}

// UpsertStaff writes a staff snapshot, parking it on failure.
func (w *Writer) UpsertStaff(ctx context.Context, m *staff.Member) error {
	snap := m.Clone()
	return w.do(ctx, OpUpsertStaff, snap.ID, snap.Version, func(ctx context.Context) error {
		return w.backend.UpsertStaff(ctx, snap)
	})
}

// AppendAudit writes an audit entry, parking it on failure.
func (w *Writer) AppendAudit(ctx context.Context, e *audit.Entry) error {
	snap := *e
	return w.do(ctx, OpAppendAudit, strconv.FormatInt(snap.Seq, 10), snap.Seq, func(ctx context.Context) error {
		return w.backend.AppendAudit(ctx, &snap)
	})
}

func (w *Writer) attempt(ctx context.Context, op string, write func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(postgres.WithOp(ctx, op), w.timeout)
	defer cancel()
	return write(ctx)
}

func (w *Writer) do(ctx context.Context, op, id string, version int64, write func(context.Context) error) error {
	key := op + ":" + id
	err := w.attempt(ctx, op, write)
	if err == nil {
		w.settle(key, version)
		return nil
	}

	p := &parked{
		id:       ulid.Make().String(),
		op:       op,
		key:      key,
		version:  version,
		parkedAt: w.now(),
		attempts: 1,
		lastErr:  err,
		write:    write,
	}

	w.mu.Lock()
	if cur, ok := w.outbox[key]; ok && cur.version > version {
		// a newer snapshot is already waiting
		p = cur
	} else {
		w.outbox[key] = p
	}
	depth := len(w.outbox)
	w.mu.Unlock()

	w.logger.Warn(ctx, "durable write parked",
		"op", op,
		"key", key,
		"outbox_id", p.id,
		"outbox_depth", depth,
		"err", err,
	)
	w.setDegraded(ctx, true, depth)

	return fmt.Errorf("%s %s: %w", op, id, err)
}

// settle drops a parked write made obsolete by a successful one.
func (w *Writer) settle(key string, version int64) {
	w.mu.Lock()
	if cur, ok := w.outbox[key]; ok && cur.version <= version {
		delete(w.outbox, key)
	}
	depth := len(w.outbox)
	w.mu.Unlock()

	if depth == 0 && w.degraded.Load() {
		w.setDegraded(context.Background(), false, 0)
	} else if w.metrics != nil {
		w.metrics.OutboxDepth.Set(float64(depth))
	}
}

func (w *Writer) setDegraded(ctx context.Context, on bool, depth int) {
	was := w.degraded.Swap(on)
	if w.metrics != nil {
		w.metrics.OutboxDepth.Set(float64(depth))
		if on {
			w.metrics.Degraded.Set(1)
		} else {
			w.metrics.Degraded.Set(0)
		}
	}
	switch {
	case on && !was:
		w.logger.Warn(ctx, "persistence degraded, serving from memory", "outbox_depth", depth)
	case !on && was:
		w.logger.Info(ctx, "persistence recovered, outbox drained")
	}
}

// Flush retries every parked write once, oldest first. It returns the
// joined errors of writes that are still parked.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := make([]*parked, 0, len(w.outbox))
	for _, p := range w.outbox {
		batch = append(batch, p)
	}
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// ulids sort by creation time
	slices.SortFunc(batch, func(a, b *parked) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})

	var errs []error
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := w.attempt(ctx, p.op, p.write)

		w.mu.Lock()
		cur, still := w.outbox[p.key]
		if err == nil {
			if still && cur == p {
				delete(w.outbox, p.key)
			}
		} else {
			p.attempts++
			p.lastErr = err
		}
		w.mu.Unlock()

		if err != nil {
			w.observeFlush("error")
			errs = append(errs, fmt.Errorf("%s: %w", p.key, err))
			w.logger.Warn(ctx, "outbox retry failed",
				"op", p.op,
				"key", p.key,
				"outbox_id", p.id,
				"attempts", p.attempts,
				"parked_for", w.now().Sub(p.parkedAt).String(),
				"err", err,
			)
			continue
		}
		w.observeFlush("ok")
	}

	depth := w.Pending()
	w.setDegraded(ctx, depth > 0, depth)
	return errors.Join(errs...)
}

func (w *Writer) observeFlush(result string) {
	if w.metrics != nil {
		w.metrics.FlushTotal.WithLabelValues(result).Inc()
	}
}

// Run retries the outbox every interval until ctx is done.
func (w *Writer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if w.Pending() == 0 {
				continue
			}
			if err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn(ctx, "outbox flush incomplete", "outbox_depth", w.Pending())
			}
		}
	}
}

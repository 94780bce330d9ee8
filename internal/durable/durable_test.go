package durable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/postgres"
	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
	"github.com/linnemanlabs/relief/internal/triage/memstore"
)

var errDown = errors.New("connection refused")

// flakyBackend fails every write while down is set and records the op
// label and deadline each write was issued with.
type flakyBackend struct {
	*memstore.Store
	down atomic.Bool

	mu          sync.Mutex
	ops         []string
	hadDeadline []bool
}

func newFlaky() *flakyBackend { return &flakyBackend{Store: memstore.New()} }

func (f *flakyBackend) record(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, postgres.OpFromContext(ctx))
	_, ok := ctx.Deadline()
	f.hadDeadline = append(f.hadDeadline, ok)
	if f.down.Load() {
		return errDown
	}
	return nil
}

func (f *flakyBackend) Upsert(ctx context.Context, r *triage.Request) error {
	if err := f.record(ctx); err != nil {
		return err
	}
	return f.Store.Upsert(ctx, r)
}

func (f *flakyBackend) UpsertStaff(ctx context.Context, m *staff.Member) error {
	if err := f.record(ctx); err != nil {
		return err
	}
	return f.Store.UpsertStaff(ctx, m)
}

func (f *flakyBackend) AppendAudit(ctx context.Context, e *audit.Entry) error {
	if err := f.record(ctx); err != nil {
		return err
	}
	return f.Store.AppendAudit(ctx, e)
}

func request(id string, version int64, status triage.Status) *triage.Request {
	return &triage.Request{ID: id, Email: "a@example.com", Status: status, Version: version}
}

func storedRequest(t *testing.T, b Backend, id string) *triage.Request {
	t.Helper()
	all, err := b.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	for _, r := range all {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func TestNew_NilBackend_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil backend")
		}
	}()
	New(nil, 0, nil, nil)
}

func TestWriter_PassesThroughWithOpAndDeadline(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	w := New(b, time.Second, nil, nil)
	ctx := context.Background()

	if err := w.Upsert(ctx, request("REQ-000001", 1, triage.StatusPending)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := w.AppendAudit(ctx, &audit.Entry{Seq: 1, ID: "AUDIT-000001"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := w.UpsertStaff(ctx, &staff.Member{ID: "STAFF-0001", Version: 1}); err != nil {
		t.Fatalf("UpsertStaff: %v", err)
	}

	wantOps := []string{OpUpsertRequest, OpAppendAudit, OpUpsertStaff}
	if len(b.ops) != len(wantOps) {
		t.Fatalf("ops = %v, want %v", b.ops, wantOps)
	}
	for i, op := range wantOps {
		if b.ops[i] != op {
			t.Errorf("ops[%d] = %q, want %q", i, b.ops[i], op)
		}
		if !b.hadDeadline[i] {
			t.Errorf("write %q ran without a deadline", op)
		}
	}
	if w.Degraded() {
		t.Error("Degraded() = true after successful writes")
	}
	if storedRequest(t, w, "REQ-000001") == nil {
		t.Error("request not stored in backend")
	}
}

func TestWriter_ParksFailedWriteAndFlushes(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	w := New(b, time.Second, nil, m)
	ctx := context.Background()

	b.down.Store(true)
	err := w.Upsert(ctx, request("REQ-000001", 1, triage.StatusPending))
	if !errors.Is(err, errDown) {
		t.Fatalf("Upsert err = %v, want %v", err, errDown)
	}
	if err := w.AppendAudit(ctx, &audit.Entry{Seq: 1, ID: "AUDIT-000001"}); err == nil {
		t.Fatal("AppendAudit err = nil, want error")
	}

	if !w.Degraded() {
		t.Error("Degraded() = false after failed write")
	}
	if got := w.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.Degraded); got != 1 {
		t.Errorf("degraded gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OutboxDepth); got != 2 {
		t.Errorf("outbox depth = %v, want 2", got)
	}

	// still down: nothing drains
	if err := w.Flush(ctx); !errors.Is(err, errDown) {
		t.Errorf("Flush err = %v, want %v", err, errDown)
	}
	if got := w.Pending(); got != 2 {
		t.Errorf("Pending() after failed flush = %d, want 2", got)
	}

	b.down.Store(false)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.Degraded() {
		t.Error("Degraded() = true after drained outbox")
	}
	if got := testutil.ToFloat64(m.Degraded); got != 0 {
		t.Errorf("degraded gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.FlushTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("flush ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FlushTotal.WithLabelValues("error")); got != 2 {
		t.Errorf("flush error = %v, want 2", got)
	}

	if storedRequest(t, w, "REQ-000001") == nil {
		t.Error("request not stored after flush")
	}
	entries, _ := w.LoadAudit(ctx)
	if len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(entries))
	}
}

func TestWriter_NewestSnapshotWins(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	w := New(b, time.Second, nil, nil)
	ctx := context.Background()

	b.down.Store(true)
	_ = w.Upsert(ctx, request("REQ-000001", 1, triage.StatusPending))
	_ = w.Upsert(ctx, request("REQ-000001", 3, triage.StatusCompleted))
	// a stale snapshot arriving late must not replace the newer one
	_ = w.Upsert(ctx, request("REQ-000001", 2, triage.StatusInProgress))

	if got := w.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	b.down.Store(false)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := storedRequest(t, w, "REQ-000001")
	if got == nil {
		t.Fatal("request not stored")
	}
	if got.Status != triage.StatusCompleted || got.Version != 3 {
		t.Errorf("stored = %s v%d, want %s v3", got.Status, got.Version, triage.StatusCompleted)
	}
}

func TestWriter_SuccessfulWriteSettlesParked(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	w := New(b, time.Second, nil, nil)
	ctx := context.Background()

	b.down.Store(true)
	_ = w.Upsert(ctx, request("REQ-000001", 1, triage.StatusPending))
	b.down.Store(false)

	if err := w.Upsert(ctx, request("REQ-000001", 2, triage.StatusInProgress)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := w.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if w.Degraded() {
		t.Error("Degraded() = true after newer snapshot succeeded")
	}
}

func TestWriter_SnapshotIsolatedFromCaller(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	w := New(b, time.Second, nil, nil)
	ctx := context.Background()

	b.down.Store(true)
	r := request("REQ-000001", 1, triage.StatusPending)
	_ = w.Upsert(ctx, r)
	r.Status = triage.StatusCompleted

	b.down.Store(false)
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := storedRequest(t, w, "REQ-000001"); got == nil || got.Status != triage.StatusPending {
		t.Errorf("stored = %+v, want pending snapshot", got)
	}
}

func TestWriter_FlushStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	w := New(b, time.Second, nil, nil)

	b.down.Store(true)
	_ = w.Upsert(context.Background(), request("REQ-000001", 1, triage.StatusPending))
	b.down.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Flush err = %v, want %v", err, context.Canceled)
	}
	if got := w.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}

func TestWriter_RunDrainsOutbox(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	w := New(b, time.Second, nil, nil)

	b.down.Store(true)
	_ = w.Upsert(context.Background(), request("REQ-000001", 1, triage.StatusPending))
	b.down.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := w.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if w.Degraded() {
		t.Error("Degraded() = true after Run drained the outbox")
	}
}

func TestWriter_DegradedStoreKeepsServing(t *testing.T) {
	t.Parallel()

	b := newFlaky()
	w := New(b, time.Second, nil, nil)
	b.down.Store(true)

	s := triage.NewStore(nil, w, nil)
	svc := triage.NewService(s, nil, nil, nil)

	citizen := triage.Actor{Email: "ada@example.com", Kind: triage.ActorCitizen}
	res, err := svc.Submit(context.Background(), triage.SubmitInput{
		CitizenName:    "Ada",
		Email:          "ada@example.com",
		Location:       "Ward 4",
		Category:       triage.CategoryFood,
		Description:    "no food",
		Severity:       triage.SeverityUrgent,
		PeopleAffected: 2,
	}, citizen)
	if err != nil {
		t.Fatalf("Submit while degraded: %v", err)
	}
	if !w.Degraded() {
		t.Error("Degraded() = false, want true")
	}

	b.down.Store(false)
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if storedRequest(t, w, res.Request.ID) == nil {
		t.Errorf("request %s not stored after recovery", res.Request.ID)
	}
}

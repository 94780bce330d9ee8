package pgstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/postgres"
	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
	"github.com/linnemanlabs/relief/internal/triage/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("RELIEF_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RELIEF_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, 0)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// uniqueID keeps rows from separate runs against the same database apart.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func findRequest(t *testing.T, s *pgstore.Store, id string) *triage.Request {
	t.Helper()
	all, err := s.LoadAll(context.Background())
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

func TestUpsertAndLoadAll(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := &triage.Request{
		ID:                    uniqueID("REQ"),
		CitizenName:           "Ada",
		Email:                 "ada@example.com",
		Location:              "Ward 4",
		Category:              triage.CategoryMedical,
		Description:           "insulin",
		HasEvidence:           true,
		IdempotencyKey:        "k-1",
		Severity:              triage.SeverityCritical,
		PeopleAffected:        3,
		Vulnerability:         []triage.VulnerabilityTag{triage.VulnerableElderly, triage.VulnerableDisabled},
		Status:                triage.StatusPending,
		PriorityScore:         89,
		EstimatedResponseTime: "within 2 hours",
		CreatedAt:             now,
		UpdatedAt:             now,
		Version:               1,
	}

	if err := s.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got := findRequest(t, s, r.ID)
	if got == nil {
		t.Fatal("request not found after Upsert")
	}

	assertEqual(t, "Email", r.Email, got.Email)
	assertEqual(t, "Category", string(r.Category), string(got.Category))
	assertEqual(t, "Severity", string(r.Severity), string(got.Severity))
	assertEqual(t, "IdempotencyKey", r.IdempotencyKey, got.IdempotencyKey)
	assertEqual(t, "PeopleAffected", r.PeopleAffected, got.PeopleAffected)
	assertEqual(t, "PriorityScore", r.PriorityScore, got.PriorityScore)
	assertEqual(t, "EstimatedResponseTime", r.EstimatedResponseTime, got.EstimatedResponseTime)
	assertEqual(t, "Version", r.Version, got.Version)
	assertEqual(t, "HasEvidence", r.HasEvidence, got.HasEvidence)

	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
	if len(got.Vulnerability) != 2 || got.Vulnerability[0] != triage.VulnerableElderly {
		t.Errorf("Vulnerability = %v", got.Vulnerability)
	}
}

func TestUpsert_VersionGuard(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	base := triage.Request{
		ID: uniqueID("REQ"), CitizenName: "Ben", Email: "ben@example.com",
		Category: triage.CategoryFood, Description: "food", Severity: triage.SeverityUrgent,
		PeopleAffected: 1, CreatedAt: now, UpdatedAt: now,
	}

	v2 := base
	v2.Status = triage.StatusCompleted
	v2.CompletedAt = &now
	v2.Version = 2

	v1 := base
	v1.Status = triage.StatusPending
	v1.Version = 1

	if err := s.Upsert(ctx, &v2); err != nil {
		t.Fatalf("Upsert v2: %v", err)
	}
	if err := s.Upsert(ctx, &v1); err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}

	got := findRequest(t, s, base.ID)
	if got == nil {
		t.Fatal("request not found")
	}
	assertEqual(t, "Status", string(triage.StatusCompleted), string(got.Status))
	assertEqual(t, "Version", int64(2), got.Version)
	if got.CompletedAt == nil {
		t.Error("CompletedAt lost to stale write")
	}
}

func TestAppendAudit_Idempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seq := time.Now().UnixNano()
	e := &audit.Entry{
		Seq:        seq,
		ID:         uniqueID("AUDIT"),
		Timestamp:  time.Now().Truncate(time.Microsecond).UTC(),
		Kind:       audit.KindStatusChange,
		Actor:      "mgr@relief.gov",
		ActorRole:  "manager",
		EntityType: audit.EntityRequest,
		EntityID:   "REQ-000001",
		Detail:     "Request REQ-000001 status changed from pending to in-progress",
	}
	for range 2 {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	entries, err := s.LoadAudit(ctx)
	if err != nil {
		t.Fatalf("LoadAudit: %v", err)
	}
	n := 0
	for _, got := range entries {
		if got.Seq != seq {
			continue
		}
		n++
		assertEqual(t, "Kind", string(e.Kind), string(got.Kind))
		assertEqual(t, "Detail", e.Detail, got.Detail)
	}
	assertEqual(t, "matching entries", 1, n)
}

func TestUpsertStaff(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	m := &staff.Member{
		ID: uniqueID("STAFF"), FullName: "Olu", Email: "olu@relief.gov",
		Department: "Social Services", Role: "officer", Status: staff.StatusActive,
		JoinedAt: now, UpdatedAt: now, Version: 1,
	}
	if err := s.UpsertStaff(ctx, m); err != nil {
		t.Fatalf("UpsertStaff: %v", err)
	}

	deactivated := *m
	deactivated.Status = staff.StatusInactive
	deactivated.DeactivatedAt = &now
	deactivated.Version = 2
	if err := s.UpsertStaff(ctx, &deactivated); err != nil {
		t.Fatalf("UpsertStaff: %v", err)
	}

	members, err := s.LoadStaff(ctx)
	if err != nil {
		t.Fatalf("LoadStaff: %v", err)
	}
	var got *staff.Member
	for _, x := range members {
		if x.ID == m.ID {
			got = x
		}
	}
	if got == nil {
		t.Fatal("staff member not found")
	}
	assertEqual(t, "Status", string(staff.StatusInactive), string(got.Status))
	if got.DeactivatedAt == nil {
		t.Error("DeactivatedAt not stored")
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

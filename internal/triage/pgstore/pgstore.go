// Package pgstore provides a PostgreSQL persistence backend for requests,
// staff and audit entries.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/relief/internal/triage/pgstore")

//go:embed schema.sql
var schema string

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	requestsTable = "requests"
	auditTable    = "audit_logs"
	staffTable    = "staff"
)

// Store persists requests, staff and audit entries in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", operation),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// excludedSet renders "col = EXCLUDED.col, ..." for every column not in skip.
func excludedSet(columns []string, skip ...string) string {
	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		if slices.Contains(skip, c) {
			continue
		}
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	return strings.Join(sets, ", ")
}

var requestColumns = []string{
	"id", "citizen_name", "email", "phone", "location", "need_type", "description",
	"is_student", "educational_needs", "has_evidence", "idempotency_key", "severity",
	"people_affected", "vulnerability_group", "special_circumstances", "status",
	"assigned_to", "priority_score", "estimated_response_time", "created_at",
	"updated_at", "completed_at", "version",
}

type requestRow struct {
	ID                    string     `db:"id"`
	CitizenName           string     `db:"citizen_name"`
	Email                 string     `db:"email"`
	Phone                 string     `db:"phone"`
	Location              string     `db:"location"`
	NeedType              string     `db:"need_type"`
	Description           string     `db:"description"`
	IsStudent             bool       `db:"is_student"`
	EducationalNeeds      string     `db:"educational_needs"`
	HasEvidence           bool       `db:"has_evidence"`
	IdempotencyKey        string     `db:"idempotency_key"`
	Severity              string     `db:"severity"`
	PeopleAffected        int        `db:"people_affected"`
	VulnerabilityGroup    []string   `db:"vulnerability_group"`
	SpecialCircumstances  string     `db:"special_circumstances"`
	Status                string     `db:"status"`
	AssignedTo            string     `db:"assigned_to"`
	PriorityScore         int        `db:"priority_score"`
	EstimatedResponseTime string     `db:"estimated_response_time"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	CompletedAt           *time.Time `db:"completed_at"`
	Version               int64      `db:"version"`
}

func requestValues(r *triage.Request) []any {
	tags := make([]string, len(r.Vulnerability))
	for i, t := range r.Vulnerability {
		tags[i] = string(t)
	}
	return []any{
		r.ID, r.CitizenName, r.Email, r.Phone, r.Location, string(r.Category), r.Description,
		r.IsStudent, r.EducationalNeeds, r.HasEvidence, r.IdempotencyKey, string(r.Severity),
		r.PeopleAffected, tags, r.SpecialCircumstances, string(r.Status),
		r.AssignedTo, r.PriorityScore, r.EstimatedResponseTime, r.CreatedAt,
		r.UpdatedAt, r.CompletedAt, r.Version,
	}
}

func (row *requestRow) toRequest() *triage.Request {
	tags := make([]triage.VulnerabilityTag, len(row.VulnerabilityGroup))
	for i, t := range row.VulnerabilityGroup {
		tags[i] = triage.VulnerabilityTag(t)
	}
	return &triage.Request{
		ID:                    row.ID,
		CitizenName:           row.CitizenName,
		Email:                 row.Email,
		Phone:                 row.Phone,
		Location:              row.Location,
		Category:              triage.Category(row.NeedType),
		Description:           row.Description,
		IsStudent:             row.IsStudent,
		EducationalNeeds:      row.EducationalNeeds,
		HasEvidence:           row.HasEvidence,
		IdempotencyKey:        row.IdempotencyKey,
		Severity:              triage.Severity(row.Severity),
		PeopleAffected:        row.PeopleAffected,
		Vulnerability:         tags,
		SpecialCircumstances:  row.SpecialCircumstances,
		Status:                triage.Status(row.Status),
		AssignedTo:            row.AssignedTo,
		PriorityScore:         row.PriorityScore,
		EstimatedResponseTime: row.EstimatedResponseTime,
		CreatedAt:             row.CreatedAt.UTC(),
		UpdatedAt:             row.UpdatedAt.UTC(),
		CompletedAt:           utcPtr(row.CompletedAt),
		Version:               row.Version,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// LoadAll reads every request.
func (s *Store) LoadAll(ctx context.Context) ([]*triage.Request, error) {
	ctx, span := startSpan(ctx, "pgstore.LoadAll", "SELECT")
	defer span.End()

	query, args, err := psql.Select(requestColumns...).From(requestsTable).OrderBy("id").ToSql()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build requests query: %w", err))
	}

	var rows []*requestRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, fail(span, fmt.Errorf("select requests: %w", err))
	}

	out := make([]*triage.Request, len(rows))
	for i, row := range rows {
		out[i] = row.toRequest()
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// Upsert writes r unless the stored row already carries the same or a
// newer version.
func (s *Store) Upsert(ctx context.Context, r *triage.Request) error {
	ctx, span := startSpan(ctx, "pgstore.Upsert", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("relief.request.id", r.ID))

	query, args, err := psql.
		Insert(requestsTable).
		Columns(requestColumns...).
		Values(requestValues(r)...).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + excludedSet(requestColumns, "id", "created_at") +
			" WHERE requests.version < EXCLUDED.version").
		ToSql()
	if err != nil {
		return fail(span, fmt.Errorf("build request upsert: %w", err))
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fail(span, fmt.Errorf("upsert request %s: %w", r.ID, err))
	}
	return nil
}

var auditColumns = []string{
	"seq", "audit_code", "created_at", "action_type", "user_email", "user_role",
	"entity_type", "entity_id", "details", "ip_address",
}

type auditRow struct {
	Seq        int64     `db:"seq"`
	AuditCode  string    `db:"audit_code"`
	CreatedAt  time.Time `db:"created_at"`
	ActionType string    `db:"action_type"`
	UserEmail  string    `db:"user_email"`
	UserRole   string    `db:"user_role"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Details    string    `db:"details"`
	IPAddress  string    `db:"ip_address"`
}

// AppendAudit inserts e. An entry whose seq is already stored is left as
// is, so retries are harmless.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	ctx, span := startSpan(ctx, "pgstore.AppendAudit", "INSERT")
	defer span.End()

	query, args, err := psql.
		Insert(auditTable).
		Columns(auditColumns...).
		Values(e.Seq, e.ID, e.Timestamp, string(e.Kind), e.Actor, e.ActorRole,
			e.EntityType, e.EntityID, e.Detail, e.IPAddress).
		Suffix("ON CONFLICT (seq) DO NOTHING").
		ToSql()
	if err != nil {
		return fail(span, fmt.Errorf("build audit insert: %w", err))
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fail(span, fmt.Errorf("insert audit %s: %w", e.ID, err))
	}
	return nil
}

// LoadAudit reads every audit entry in seq order.
func (s *Store) LoadAudit(ctx context.Context) ([]*audit.Entry, error) {
	ctx, span := startSpan(ctx, "pgstore.LoadAudit", "SELECT")
	defer span.End()

	query, args, err := psql.Select(auditColumns...).From(auditTable).OrderBy("seq").ToSql()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build audit query: %w", err))
	}

	var rows []*auditRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, fail(span, fmt.Errorf("select audit: %w", err))
	}

	out := make([]*audit.Entry, len(rows))
	for i, row := range rows {
		out[i] = &audit.Entry{
			Seq:        row.Seq,
			ID:         row.AuditCode,
			Timestamp:  row.CreatedAt.UTC(),
			Kind:       audit.Kind(row.ActionType),
			Actor:      row.UserEmail,
			ActorRole:  row.UserRole,
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Detail:     row.Details,
			IPAddress:  row.IPAddress,
		}
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

var staffColumns = []string{
	"staff_id", "full_name", "email", "phone", "official_id", "employee_id",
	"department", "role", "status", "joined_at", "updated_at", "deactivated_at", "version",
}

type staffRow struct {
	StaffID       string     `db:"staff_id"`
	FullName      string     `db:"full_name"`
	Email         string     `db:"email"`
	Phone         string     `db:"phone"`
	OfficialID    string     `db:"official_id"`
	EmployeeID    string     `db:"employee_id"`
	Department    string     `db:"department"`
	Role          string     `db:"role"`
	Status        string     `db:"status"`
	JoinedAt      time.Time  `db:"joined_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	DeactivatedAt *time.Time `db:"deactivated_at"`
	Version       int64      `db:"version"`
}

// LoadStaff reads every staff member.
func (s *Store) LoadStaff(ctx context.Context) ([]*staff.Member, error) {
	ctx, span := startSpan(ctx, "pgstore.LoadStaff", "SELECT")
	defer span.End()

	query, args, err := psql.Select(staffColumns...).From(staffTable).OrderBy("staff_id").ToSql()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build staff query: %w", err))
	}

	var rows []*staffRow
	if err := pgxscan.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, fail(span, fmt.Errorf("select staff: %w", err))
	}

	out := make([]*staff.Member, len(rows))
	for i, row := range rows {
		out[i] = &staff.Member{
			ID:            row.StaffID,
			FullName:      row.FullName,
			Email:         row.Email,
			Phone:         row.Phone,
			OfficialID:    row.OfficialID,
			EmployeeID:    row.EmployeeID,
			Department:    row.Department,
			Role:          row.Role,
			Status:        staff.Status(row.Status),
			JoinedAt:      row.JoinedAt.UTC(),
			UpdatedAt:     row.UpdatedAt.UTC(),
			DeactivatedAt: utcPtr(row.DeactivatedAt),
			Version:       row.Version,
		}
	}
	return out, nil
}

// UpsertStaff writes m unless a newer version is stored.
func (s *Store) UpsertStaff(ctx context.Context, m *staff.Member) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertStaff", "UPSERT")
	defer span.End()

	query, args, err := psql.
		Insert(staffTable).
		Columns(staffColumns...).
		Values(m.ID, m.FullName, m.Email, m.Phone, m.OfficialID, m.EmployeeID,
			m.Department, m.Role, string(m.Status), m.JoinedAt, m.UpdatedAt, m.DeactivatedAt, m.Version).
		Suffix("ON CONFLICT (staff_id) DO UPDATE SET " + excludedSet(staffColumns, "staff_id", "joined_at") +
			" WHERE staff.version < EXCLUDED.version").
		ToSql()
	if err != nil {
		return fail(span, fmt.Errorf("build staff upsert: %w", err))
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fail(span, fmt.Errorf("upsert staff %s: %w", m.ID, err))
	}
	return nil
}

// Ping reports whether the database is reachable. Used as a readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

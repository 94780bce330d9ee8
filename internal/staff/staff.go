// Package staff is the directory of government staff accounts. The triage
// engine consults it to resolve a staff identity's role and department;
// admins maintain it through the admin API.
package staff

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/triage"
)

// Status is the account state. Deactivation is a soft delete.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ErrConflict means the change collides with existing directory state.
var ErrConflict = errors.New("conflict")

// Member is one staff account.
type Member struct {
	ID            string     `json:"id"`
	FullName      string     `json:"full_name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone,omitempty"`
	OfficialID    string     `json:"official_id,omitempty"`
	EmployeeID    string     `json:"employee_id,omitempty"`
	Department    string     `json:"department,omitempty"`
	Role          string     `json:"role"`
	Status        Status     `json:"status"`
	JoinedAt      time.Time  `json:"joined_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	Version       int64      `json:"version"`
}

// Clone returns a deep copy.
func (m *Member) Clone() *Member {
	cp := *m
	if m.DeactivatedAt != nil {
		t := *m.DeactivatedAt
		cp.DeactivatedAt = &t
	}
	return &cp
}

// Actor is the triage identity this member acts under.
func (m *Member) Actor() triage.Actor {
	kind := triage.ActorStaff
	if strings.EqualFold(m.Role, triage.RoleAdmin) {
		kind = triage.ActorAdmin
	}
	return triage.Actor{
		Email:      m.Email,
		Name:       m.FullName,
		Kind:       kind,
		Role:       strings.ToLower(m.Role),
		Department: m.Department,
	}
}

// NewMember is the input to Create.
type NewMember struct {
	FullName   string `json:"full_name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	OfficialID string `json:"official_id"`
	EmployeeID string `json:"employee_id"`
	Department string `json:"department"`
	Role       string `json:"role"`
}

// Changes is a partial update. Nil fields are left alone.
type Changes struct {
	FullName   *string `json:"full_name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	Department *string `json:"department,omitempty"`
	Role       *string `json:"role,omitempty"`
	Status     *Status `json:"status,omitempty"`
}

// Stats summarises the directory.
type Stats struct {
	Total        int            `json:"total_staff"`
	Active       int            `json:"active_staff"`
	Inactive     int            `json:"inactive_staff"`
	ByDepartment map[string]int `json:"by_department"`
}

// Persistence is the durable side of the directory.
type Persistence interface {
	LoadStaff(ctx context.Context) ([]*Member, error)
	UpsertStaff(ctx context.Context, m *Member) error
	AppendAudit(ctx context.Context, e *audit.Entry) error
}

// Directory holds staff accounts in memory and writes through to a
// Persistence. Mutations and their audit entries share one lock.
type Directory struct {
	mu      sync.RWMutex
	members []*Member
	byID    map[string]*Member
	byEmail map[string]*Member // lowercased email -> member
	seq     int

	audit   *audit.Log
	persist Persistence
	logger  log.Logger
	now     func() time.Time
}

// New creates an empty directory. persist may be nil.
func New(auditLog *audit.Log, persist Persistence, logger log.Logger) *Directory {
	if logger == nil {
		logger = log.Nop()
	}
	if auditLog == nil {
		auditLog = audit.NewLog()
	}
	return &Directory{
		byID:    make(map[string]*Member),
		byEmail: make(map[string]*Member),
		audit:   auditLog,
		persist: persist,
		logger:  logger,
		now:     time.Now,
	}
}

// FormatID renders a staff identifier.
func FormatID(seq int) string {
	return fmt.Sprintf("STAFF-%04d", seq)
}

func parseID(id string) int {
	var n int
	if _, err := fmt.Sscanf(id, "STAFF-%d", &n); err != nil {
		return 0
	}
	return n
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Load replaces the directory with the persisted accounts.
func (d *Directory) Load(ctx context.Context) error {
	if d.persist == nil {
		return nil
	}
	loaded, err := d.persist.LoadStaff(ctx)
	if err != nil {
		return fmt.Errorf("load staff: %w", err)
	}
	slices.SortStableFunc(loaded, func(a, b *Member) int { return parseID(a.ID) - parseID(b.ID) })

	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = d.members[:0]
	clear(d.byID)
	clear(d.byEmail)
	d.seq = 0
	for _, m := range loaded {
		cp := m.Clone()
		d.members = append(d.members, cp)
		d.byID[cp.ID] = cp
		d.byEmail[emailKey(cp.Email)] = cp
		d.seq = max(d.seq, parseID(cp.ID))
	}
	return nil
}

func requireAdmin(actor triage.Actor) error {
	if actor.Kind != triage.ActorAdmin {
		return fmt.Errorf("staff directory: %w", triage.ErrForbidden)
	}
	return nil
}

func invalid(field, reason string) error {
	return &triage.ValidationError{Field: field, Reason: reason}
}

func validateRole(role string) error {
	if !triage.KnownRole(role) {
		return invalid("role", fmt.Sprintf("unknown role %q", role))
	}
	return nil
}

func validateDepartment(dept string) error {
	if dept != "" && !triage.KnownDepartment(dept) {
		return invalid("department", fmt.Sprintf("unknown department %q", dept))
	}
	return nil
}

func validateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return invalid("email", "is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return invalid("email", "is not a valid address")
	}
	return nil
}

// Create adds an active staff account.
func (d *Directory) Create(ctx context.Context, in NewMember, actor triage.Actor) (*Member, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	var errs []error
	if strings.TrimSpace(in.FullName) == "" {
		errs = append(errs, invalid("full_name", "is required"))
	}
	if err := validateEmail(in.Email); err != nil {
		errs = append(errs, err)
	}
	if err := validateRole(in.Role); err != nil {
		errs = append(errs, err)
	}
	if err := validateDepartment(in.Department); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	d.mu.Lock()
	if _, taken := d.byEmail[emailKey(in.Email)]; taken {
		d.mu.Unlock()
		return nil, fmt.Errorf("email %s already registered: %w", in.Email, ErrConflict)
	}

	now := d.now().UTC()
	d.seq++
	m := &Member{
		ID:         FormatID(d.seq),
		FullName:   strings.TrimSpace(in.FullName),
		Email:      strings.TrimSpace(in.Email),
		Phone:      in.Phone,
		OfficialID: in.OfficialID,
		EmployeeID: in.EmployeeID,
		Department: in.Department,
		Role:       strings.ToLower(strings.TrimSpace(in.Role)),
		Status:     StatusActive,
		JoinedAt:   now,
		UpdatedAt:  now,
		Version:    1,
	}
	d.members = append(d.members, m)
	d.byID[m.ID] = m
	d.byEmail[emailKey(m.Email)] = m

	entry := d.audit.Append(audit.Record{
		Kind:       audit.KindCreate,
		Actor:      actor.Email,
		ActorRole:  triage.RoleAdmin,
		EntityType: audit.EntityStaff,
		EntityID:   m.ID,
		Detail:     fmt.Sprintf("New staff member created: %s (%s) - %s", m.FullName, m.Email, m.Role),
		IPAddress:  actor.IPAddress,
	})
	out := m.Clone()
	d.mu.Unlock()

	d.writeThrough(ctx, out, entry)
	d.logger.Info(ctx, "staff member created", "staff_id", out.ID, "role", out.Role, "department", out.Department)
	return out, nil
}

func (c Changes) validate() error {
	if c.FullName == nil && c.Email == nil && c.Phone == nil && c.Department == nil && c.Role == nil && c.Status == nil {
		return invalid("staff", "no fields to update")
	}
	var errs []error
	if c.FullName != nil && strings.TrimSpace(*c.FullName) == "" {
		errs = append(errs, invalid("full_name", "must not be empty"))
	}
	if c.Email != nil {
		if err := validateEmail(*c.Email); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Role != nil {
		if err := validateRole(*c.Role); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Department != nil {
		if err := validateDepartment(*c.Department); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Status != nil && *c.Status != StatusActive && *c.Status != StatusInactive {
		errs = append(errs, invalid("status", fmt.Sprintf("unknown status %q", *c.Status)))
	}
	return errors.Join(errs...)
}

// Update applies a partial change to an account.
func (d *Directory) Update(ctx context.Context, id string, c Changes, actor triage.Actor) (*Member, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	cur, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("staff %s: %w", id, triage.ErrNotFound)
	}
	if c.Email != nil {
		if other, taken := d.byEmail[emailKey(*c.Email)]; taken && other != cur {
			d.mu.Unlock()
			return nil, fmt.Errorf("email %s already registered: %w", *c.Email, ErrConflict)
		}
	}

	now := d.now().UTC()
	next := cur.Clone()
	if c.FullName != nil {
		next.FullName = strings.TrimSpace(*c.FullName)
	}
	if c.Email != nil {
		next.Email = strings.TrimSpace(*c.Email)
	}
	if c.Phone != nil {
		next.Phone = *c.Phone
	}
	if c.Department != nil {
		next.Department = *c.Department
	}
	if c.Role != nil {
		next.Role = strings.ToLower(strings.TrimSpace(*c.Role))
	}
	if c.Status != nil && *c.Status != next.Status {
		next.Status = *c.Status
		if next.Status == StatusInactive {
			next.DeactivatedAt = &now
		} else {
			next.DeactivatedAt = nil
		}
	}
	next.UpdatedAt = now
	next.Version = cur.Version + 1

	d.replace(cur, next)
	entry := d.audit.Append(audit.Record{
		Kind:       audit.KindUpdate,
		Actor:      actor.Email,
		ActorRole:  triage.RoleAdmin,
		EntityType: audit.EntityStaff,
		EntityID:   id,
		Detail:     fmt.Sprintf("Staff %s updated", id),
		IPAddress:  actor.IPAddress,
	})
	out := next.Clone()
	d.mu.Unlock()

	d.writeThrough(ctx, out, entry)
	return out, nil
}

// Deactivate marks an account inactive. The record is kept.
func (d *Directory) Deactivate(ctx context.Context, id string, actor triage.Actor) (*Member, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	d.mu.Lock()
	cur, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("staff %s: %w", id, triage.ErrNotFound)
	}
	if cur.Status == StatusInactive {
		d.mu.Unlock()
		return nil, fmt.Errorf("staff %s already inactive: %w", id, ErrConflict)
	}

	now := d.now().UTC()
	next := cur.Clone()
	next.Status = StatusInactive
	next.DeactivatedAt = &now
	next.UpdatedAt = now
	next.Version = cur.Version + 1

	d.replace(cur, next)
	entry := d.audit.Append(audit.Record{
		Kind:       audit.KindDelete,
		Actor:      actor.Email,
		ActorRole:  triage.RoleAdmin,
		EntityType: audit.EntityStaff,
		EntityID:   id,
		Detail:     fmt.Sprintf("Staff member deactivated: %s (%s)", next.FullName, next.Email),
		IPAddress:  actor.IPAddress,
	})
	out := next.Clone()
	d.mu.Unlock()

	d.writeThrough(ctx, out, entry)
	d.logger.Info(ctx, "staff member deactivated", "staff_id", id)
	return out, nil
}

// replace swaps cur for next in every index. Caller holds the write lock.
func (d *Directory) replace(cur, next *Member) {
	d.members[slices.Index(d.members, cur)] = next
	d.byID[next.ID] = next
	delete(d.byEmail, emailKey(cur.Email))
	d.byEmail[emailKey(next.Email)] = next
}

// List returns every account, newest first.
func (d *Directory) List() []*Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Member, 0, len(d.members))
	for i := len(d.members) - 1; i >= 0; i-- {
		out = append(out, d.members[i].Clone())
	}
	return out
}

// Get returns the account with the given id.
func (d *Directory) Get(id string) (*Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Lookup finds an account by email, case-insensitively.
func (d *Directory) Lookup(email string) (*Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byEmail[emailKey(email)]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Stats summarises the directory.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := Stats{Total: len(d.members), ByDepartment: make(map[string]int)}
	for _, m := range d.members {
		if m.Status == StatusActive {
			st.Active++
		} else {
			st.Inactive++
		}
		if m.Department != "" {
			st.ByDepartment[m.Department]++
		}
	}
	return st
}

func (d *Directory) writeThrough(ctx context.Context, m *Member, e *audit.Entry) {
	if d.persist == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := d.persist.UpsertStaff(ctx, m); err != nil {
		d.logger.Error(ctx, err, "persistence write failed, continuing in memory", "op", "upsert_staff", "staff_id", m.ID)
	}
	if err := d.persist.AppendAudit(ctx, e); err != nil {
		d.logger.Error(ctx, err, "persistence write failed, continuing in memory", "op", "append_audit", "audit_id", e.ID)
	}
}

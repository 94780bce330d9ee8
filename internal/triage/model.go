package triage

import (
	"slices"
	"time"
)

// Status tracks where a request is in its lifecycle.
type Status string

const (
	// StatusPending means submitted, not yet picked up
	StatusPending Status = "pending"

	// StatusInProgress means a handler is working on it
	StatusInProgress Status = "in-progress"

	// StatusCompleted is terminal
	StatusCompleted Status = "completed"
)

// rank orders statuses along the forward-only lifecycle and doubles as the
// queue bucket.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}
	return 3
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() < 3 }

// Severity is the citizen-reported or staff-corrected urgency tier.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityUrgent   Severity = "urgent"
	SeverityModerate Severity = "moderate"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityPoints[s]
	return ok
}

// Category is the kind of need a request describes.
type Category string

const (
	CategoryMedical      Category = "medical"
	CategoryWater        Category = "water"
	CategoryFood         Category = "food"
	CategoryShelter      Category = "shelter"
	CategoryMentalHealth Category = "mental-health"
	CategoryEducational  Category = "educational"
	CategoryClothing     Category = "clothing"
	CategoryFinancial    Category = "financial"
	CategoryOther        Category = "other"
)

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryMedical, CategoryWater, CategoryFood, CategoryShelter, CategoryMentalHealth,
		CategoryEducational, CategoryClothing, CategoryFinancial, CategoryOther,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryWeights[c]
	return ok
}

// VulnerabilityTag marks a protected group among the affected people.
type VulnerabilityTag string

const (
	VulnerableChildren VulnerabilityTag = "children"
	VulnerableElderly  VulnerabilityTag = "elderly"
	VulnerableDisabled VulnerabilityTag = "disabled"
	VulnerablePregnant VulnerabilityTag = "pregnant"
	VulnerableStudent  VulnerabilityTag = "student"
	VulnerableNone     VulnerabilityTag = "none"
)

// Valid reports whether v is a known tag.
func (v VulnerabilityTag) Valid() bool {
	_, ok := vulnerabilityTenths[v]
	return ok
}

// Request is a citizen's need entry.
type Request struct {
	ID                    string             `json:"id"`
	CitizenName           string             `json:"citizen_name"`
	Email                 string             `json:"email"`
	Phone                 string             `json:"phone,omitempty"`
	Location              string             `json:"location,omitempty"`
	Category              Category           `json:"need_type"`
	Description           string             `json:"description"`
	IsStudent             bool               `json:"is_student"`
	EducationalNeeds      string             `json:"educational_needs,omitempty"`
	HasEvidence           bool               `json:"has_evidence"`
	IdempotencyKey        string             `json:"-"`
	Severity              Severity           `json:"severity"`
	PeopleAffected        int                `json:"people_affected"`
	Vulnerability         []VulnerabilityTag `json:"vulnerability_group"`
	SpecialCircumstances  string             `json:"special_circumstances,omitempty"`
	Status                Status             `json:"status"`
	AssignedTo            string             `json:"assigned_to,omitempty"`
	PriorityScore         int                `json:"priority_score"`
	EstimatedResponseTime string             `json:"estimated_response_time"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
	CompletedAt           *time.Time         `json:"completed_at,omitempty"`
	Version               int64              `json:"version"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Vulnerability = slices.Clone(r.Vulnerability)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ActorKind says which side of the system an actor belongs to.
type ActorKind string

const (
	ActorCitizen ActorKind = "citizen"
	ActorStaff   ActorKind = "staff"
	ActorAdmin   ActorKind = "admin"
)

// Actor is the asserted identity behind a call. The engine never
// authenticates; it only evaluates what the identity layer supplies.
type Actor struct {
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	Kind       ActorKind `json:"kind"`
	Role       string    `json:"role,omitempty"`
	Department string    `json:"department,omitempty"`
	IPAddress  string    `json:"-"`
}

// Permission returns the categories this actor may see and act on.
// Admin actors are unrestricted whatever role they carry.
func (a Actor) Permission() Permission {
	if a.Kind == ActorAdmin {
		return Permission{Unrestricted: true}
	}
	return AllowedCategories(a.Role, a.Department)
}

// Restricted reports whether a is staff limited to a subset of categories.
func (a Actor) Restricted() bool {
	return a.Kind == ActorStaff && !a.Permission().Unrestricted
}

// Handle is the name recorded when the actor takes a request.
func (a Actor) Handle() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	}
	return "Relief Team"
}

// auditRole is the role recorded on audit entries.
func (a Actor) auditRole() string {
	if a.Role != "" {
		return a.Role
	}
	return string(a.Kind)
}

func (a Actor) auditActor() string {
	if a.Email != "" {
		return a.Email
	}
	return "system"
}

// SubmitInput carries the fields a citizen supplies. Zero values take the
// documented defaults: one person affected, vulnerability {none}.
type SubmitInput struct {
	CitizenName          string             `json:"citizen_name"`
	Email                string             `json:"email"`
	Phone                string             `json:"phone"`
	Location             string             `json:"location"`
	Category             Category           `json:"need_type"`
	Severity             Severity           `json:"severity"`
	PeopleAffected       int                `json:"people_affected"`
	Description          string             `json:"description"`
	Vulnerability        []VulnerabilityTag `json:"vulnerability_group"`
	SpecialCircumstances string             `json:"special_circumstances"`
	IsStudent            bool               `json:"is_student"`
	EducationalNeeds     string             `json:"educational_needs"`
	HasEvidence          bool               `json:"has_evidence"`
	IdempotencyKey       string             `json:"-"`
}

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	Request   *Request `json:"request"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

// Assessment is a staff correction of scoring inputs. Nil fields are left
// unchanged.
type Assessment struct {
	Severity             *Severity           `json:"severity,omitempty"`
	PeopleAffected       *int                `json:"people_affected,omitempty"`
	Vulnerability        *[]VulnerabilityTag `json:"vulnerability_group,omitempty"`
	SpecialCircumstances *string             `json:"special_circumstances,omitempty"`
}

// DashboardStats summarises the request set.
type DashboardStats struct {
	Total      int              `json:"total_requests"`
	Pending    int              `json:"pending"`
	InProgress int              `json:"in_progress"`
	Completed  int              `json:"completed"`
	Critical   int              `json:"critical_requests"`
	Student    int              `json:"student_requests"`
	ByCategory map[Category]int `json:"by_category"`
}

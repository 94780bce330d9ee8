package triage

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/relief/internal/audit"
)

var tracer = otel.Tracer("github.com/linnemanlabs/relief/internal/triage")

// Notifier is told about newly submitted high-priority requests.
type Notifier interface {
	Send(ctx context.Context, r *Request) error
}

// DefaultNotifyMinScore is the score at which a submission is pushed to the
// notifier.
const DefaultNotifyMinScore = 80

// Service is the business boundary for triage operations.
type Service struct {
	store          *Store
	logger         log.Logger
	hooks          ServiceHooks
	notifier       Notifier
	notifyMinScore int
	notifying      sync.WaitGroup
}

// NewService creates a new triage service. metrics and notifier are
// optional.
func NewService(store *Store, logger log.Logger, metrics *Metrics, notifier Notifier) *Service {
	if store == nil {
		panic(xerrors.New("request store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:          store,
		logger:         logger,
		notifier:       notifier,
		notifyMinScore: DefaultNotifyMinScore,
	}
	if metrics != nil {
		s.hooks = metrics.Hooks()
		store.OnPersistError(s.hooks.OnPersistError)
	}
	return s
}

// SetNotifyMinScore changes the notification threshold.
func (s *Service) SetNotifyMinScore(score int) {
	s.notifyMinScore = score
}

// Submit validates a citizen submission and queues it.
func (s *Service) Submit(ctx context.Context, in SubmitInput, actor Actor) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "triage.Submit", trace.WithAttributes(
		attribute.String("relief.request.category", string(in.Category)),
		attribute.String("relief.request.severity", string(in.Severity)),
	))
	defer span.End()

	r, err := newRequest(in)
	if err != nil {
		s.hooks.reject("submit", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	stored, dup := s.store.Insert(ctx, r, func(nr *Request) audit.Record {
		return audit.Record{
			Kind:       audit.KindCreate,
			Actor:      nr.Email,
			ActorRole:  actor.auditRole(),
			EntityType: audit.EntityRequest,
			EntityID:   nr.ID,
			Detail:     fmt.Sprintf("New %s request submitted - %s severity", nr.Category, nr.Severity),
			IPAddress:  actor.IPAddress,
		}
	})

	span.SetAttributes(
		attribute.String("relief.request.id", stored.ID),
		attribute.Int("relief.request.priority", stored.PriorityScore),
		attribute.Bool("relief.request.duplicate", dup),
	)

	L := s.logger.With("request_id", stored.ID)
	if dup {
		L.Info(ctx, "duplicate submission, returning existing request", "idempotency_key", in.IdempotencyKey)
	} else {
		L.Info(ctx, "request submitted",
			"category", stored.Category,
			"severity", stored.Severity,
			"priority", stored.PriorityScore,
			"estimate", stored.EstimatedResponseTime,
		)
	}
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(stored, dup)
	}
	s.observeQueue()

	if !dup && s.notifier != nil && stored.PriorityScore >= s.notifyMinScore {
		nctx, r := context.WithoutCancel(ctx), stored.Clone()
		s.notifying.Go(func() { s.notify(nctx, r) })
	}

	return &SubmitResult{Request: stored, Duplicate: dup}, nil
}

// WaitNotifications blocks until notifications already started have been
// sent or ctx is done.
func (s *Service) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.notifying.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) notify(ctx context.Context, r *Request) {
	if err := s.notifier.Send(ctx, r); err != nil {
		s.logger.Error(ctx, err, "failed to send notification", "request_id", r.ID)
	}
}

// Transition moves a request forward through its lifecycle.
func (s *Service) Transition(ctx context.Context, id string, to Status, actor Actor) (*Request, error) {
	ctx, span := tracer.Start(ctx, "triage.Transition", trace.WithAttributes(
		attribute.String("relief.request.id", id),
		attribute.String("relief.request.status", string(to)),
	))
	defer span.End()

	if !to.Valid() {
		err := invalid("status", fmt.Sprintf("unknown status %q", to))
		s.hooks.reject("transition", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var from Status
	r, err := s.store.Update(ctx, id, func(r *Request) (audit.Record, error) {
		if err := authorize(actor, r); err != nil {
			return audit.Record{}, err
		}
		if to.rank() <= r.Status.rank() {
			return audit.Record{}, fmt.Errorf("%s -> %s: %w", r.Status, to, ErrInvalidTransition)
		}

		from = r.Status
		now := s.store.now().UTC()
		r.Status = to
		if r.AssignedTo == "" {
			r.AssignedTo = actor.Handle()
		}
		if to == StatusCompleted {
			r.CompletedAt = &now
		}

		return audit.Record{
			Kind:       audit.KindStatusChange,
			Actor:      actor.auditActor(),
			ActorRole:  actor.auditRole(),
			EntityType: audit.EntityRequest,
			EntityID:   r.ID,
			Detail:     fmt.Sprintf("Request %s status changed from %s to %s", r.ID, from, to),
			IPAddress:  actor.IPAddress,
		}, nil
	})
	if err != nil {
		s.failed(ctx, span, "transition", id, actor, err)
		return nil, err
	}

	s.logger.With("request_id", id).Info(ctx, "request status changed", "from", from, "to", to, "actor", actor.Email)
	if s.hooks.OnTransition != nil {
		s.hooks.OnTransition(from, to)
	}
	s.observeQueue()
	return r, nil
}

// Reassign hands a request that is not yet completed to another handler.
func (s *Service) Reassign(ctx context.Context, id, handler string, actor Actor) (*Request, error) {
	ctx, span := tracer.Start(ctx, "triage.Reassign", trace.WithAttributes(
		attribute.String("relief.request.id", id),
	))
	defer span.End()

	handler = strings.TrimSpace(handler)
	if handler == "" {
		err := invalid("assigned_to", "is required")
		s.hooks.reject("reassign", err)
		return nil, err
	}

	r, err := s.store.Update(ctx, id, func(r *Request) (audit.Record, error) {
		if err := authorize(actor, r); err != nil {
			return audit.Record{}, err
		}
		if r.Status == StatusCompleted {
			return audit.Record{}, fmt.Errorf("reassign completed request: %w", ErrInvalidTransition)
		}
		prev := r.AssignedTo
		r.AssignedTo = handler
		return audit.Record{
			Kind:       audit.KindAssign,
			Actor:      actor.auditActor(),
			ActorRole:  actor.auditRole(),
			EntityType: audit.EntityRequest,
			EntityID:   r.ID,
			Detail:     fmt.Sprintf("Request %s reassigned from %q to %q", r.ID, prev, handler),
			IPAddress:  actor.IPAddress,
		}, nil
	})
	if err != nil {
		s.failed(ctx, span, "reassign", id, actor, err)
		return nil, err
	}

	s.logger.With("request_id", id).Info(ctx, "request reassigned", "assigned_to", handler, "actor", actor.Email)
	return r, nil
}

// Reassess corrects the scoring inputs of a request. The score and the
// response-time estimate follow from the new values.
func (s *Service) Reassess(ctx context.Context, id string, a Assessment, actor Actor) (*Request, error) {
	ctx, span := tracer.Start(ctx, "triage.Reassess", trace.WithAttributes(
		attribute.String("relief.request.id", id),
	))
	defer span.End()

	if err := a.validate(); err != nil {
		s.hooks.reject("reassess", err)
		return nil, err
	}

	var before int
	r, err := s.store.Update(ctx, id, func(r *Request) (audit.Record, error) {
		if err := authorize(actor, r); err != nil {
			return audit.Record{}, err
		}
		if r.Status == StatusCompleted {
			return audit.Record{}, fmt.Errorf("reassess completed request: %w", ErrInvalidTransition)
		}
		before = r.PriorityScore
		a.apply(r)
		return audit.Record{
			Kind:       audit.KindUpdate,
			Actor:      actor.auditActor(),
			ActorRole:  actor.auditRole(),
			EntityType: audit.EntityRequest,
			EntityID:   r.ID,
			Detail:     fmt.Sprintf("Request %s reassessed: severity %s, score %d -> %d", r.ID, r.Severity, before, Score(r)),
			IPAddress:  actor.IPAddress,
		}, nil
	})
	if err != nil {
		s.failed(ctx, span, "reassess", id, actor, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("relief.request.priority", r.PriorityScore))
	s.logger.With("request_id", id).Info(ctx, "request reassessed", "priority_before", before, "priority", r.PriorityScore)
	return r, nil
}

// List returns the requests the actor may see, in queue order. Restricted
// staff see their categories; otherwise a non-empty email filter selects a
// requester's own submissions; otherwise everything is returned.
func (s *Service) List(ctx context.Context, actor Actor, email string) ([]*Request, error) {
	all := Order(s.store.Snapshot())

	if actor.Restricted() {
		return filterBy(all, actor.Permission()), nil
	}
	if email != "" {
		out := make([]*Request, 0)
		for _, r := range all {
			if strings.EqualFold(r.Email, email) {
				out = append(out, r)
			}
		}
		return out, nil
	}
	return all, nil
}

// Get returns one request if the actor may see it.
func (s *Service) Get(ctx context.Context, id string, actor Actor) (*Request, error) {
	r, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	switch actor.Kind {
	case ActorCitizen:
		if !strings.EqualFold(r.Email, actor.Email) {
			return nil, fmt.Errorf("request %s: %w", id, ErrForbidden)
		}
	default:
		if !actor.Permission().Allows(r.Category) {
			return nil, fmt.Errorf("request %s: %w", id, ErrForbidden)
		}
	}
	return r, nil
}

// RecordAuthEvent appends an authentication event raised by the identity
// system.
func (s *Service) RecordAuthEvent(ctx context.Context, kind audit.Kind, actor Actor, detail string) (*audit.Entry, error) {
	if !kind.IsAuth() {
		return nil, invalid("action_type", fmt.Sprintf("%q is not an authentication event", kind))
	}
	if actor.Email == "" {
		return nil, invalid("email", "is required")
	}
	entityType := audit.EntityCitizen
	if actor.Kind != ActorCitizen {
		entityType = audit.EntityStaff
	}
	return s.store.Record(ctx, audit.Record{
		Kind:       kind,
		Actor:      actor.Email,
		ActorRole:  actor.auditRole(),
		EntityType: entityType,
		Detail:     detail,
		IPAddress:  actor.IPAddress,
	}), nil
}

// Stats summarises the request set.
func (s *Service) Stats(_ context.Context) DashboardStats {
	var st DashboardStats
	s.store.View(func(requests []*Request) {
		st = dashboard(requests)
	})
	return st
}

func dashboard(requests []*Request) DashboardStats {
	st := DashboardStats{
		Total:      len(requests),
		ByCategory: make(map[Category]int),
	}
	for _, r := range requests {
		switch r.Status {
		case StatusPending:
			st.Pending++
		case StatusInProgress:
			st.InProgress++
		case StatusCompleted:
			st.Completed++
		}
		if r.Severity == SeverityCritical {
			st.Critical++
		}
		if r.IsStudent {
			st.Student++
		}
		st.ByCategory[r.Category]++
	}
	return st
}

func (s *Service) observeQueue() {
	if s.hooks.OnQueue == nil {
		return
	}
	s.store.View(func(requests []*Request) {
		st := dashboard(requests)
		s.hooks.OnQueue(st.Pending, st.InProgress, st.Completed)
	})
}

// failed records a rejected mutation; denials also land in the audit log.
func (s *Service) failed(ctx context.Context, span trace.Span, op, id string, actor Actor, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.hooks.reject(op, err)

	if errors.Is(err, ErrForbidden) {
		s.store.Record(ctx, audit.Record{
			Kind:       audit.KindAccessDenied,
			Actor:      actor.auditActor(),
			ActorRole:  actor.auditRole(),
			EntityType: audit.EntityRequest,
			EntityID:   id,
			Detail:     fmt.Sprintf("%s denied for %s", op, id),
			IPAddress:  actor.IPAddress,
		})
		s.logger.With("request_id", id).Warn(ctx, "request action denied",
			"op", op, "actor", actor.Email, "role", actor.Role, "department", actor.Department)
	}
}

// authorize applies the same category predicate List uses. Citizens never
// mutate requests.
func authorize(actor Actor, r *Request) error {
	if actor.Kind == ActorCitizen || actor.Kind == "" {
		return fmt.Errorf("request %s: %w", r.ID, ErrForbidden)
	}
	if !actor.Permission().Allows(r.Category) {
		return fmt.Errorf("request %s (%s): %w", r.ID, r.Category, ErrForbidden)
	}
	return nil
}

func newRequest(in SubmitInput) (*Request, error) {
	var errs []error
	if strings.TrimSpace(in.CitizenName) == "" {
		errs = append(errs, invalid("citizen_name", "is required"))
	}
	if strings.TrimSpace(in.Email) == "" {
		errs = append(errs, invalid("email", "is required"))
	} else if _, err := mail.ParseAddress(in.Email); err != nil {
		errs = append(errs, invalid("email", "is not a valid address"))
	}
	if in.Category == "" {
		errs = append(errs, invalid("need_type", "is required"))
	} else if !in.Category.Valid() {
		errs = append(errs, invalid("need_type", fmt.Sprintf("unknown category %q", in.Category)))
	}
	if in.Severity == "" {
		errs = append(errs, invalid("severity", "is required"))
	} else if !in.Severity.Valid() {
		errs = append(errs, invalid("severity", fmt.Sprintf("unknown severity %q", in.Severity)))
	}
	if strings.TrimSpace(in.Description) == "" {
		errs = append(errs, invalid("description", "is required"))
	}
	if in.PeopleAffected < 0 {
		errs = append(errs, invalid("people_affected", "must not be negative"))
	}
	tags, err := normalizeTags(in.Vulnerability)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	people := in.PeopleAffected
	if people == 0 {
		people = 1
	}

	return &Request{
		CitizenName:          strings.TrimSpace(in.CitizenName),
		Email:                strings.TrimSpace(in.Email),
		Phone:                in.Phone,
		Location:             in.Location,
		Category:             in.Category,
		Description:          in.Description,
		IsStudent:            in.IsStudent,
		EducationalNeeds:     in.EducationalNeeds,
		HasEvidence:          in.HasEvidence,
		IdempotencyKey:       in.IdempotencyKey,
		Severity:             in.Severity,
		PeopleAffected:       people,
		Vulnerability:        tags,
		SpecialCircumstances: strings.TrimSpace(in.SpecialCircumstances),
	}, nil
}

// normalizeTags rejects unknown tags, drops duplicates keeping first-seen
// order, and defaults to {none}.
func normalizeTags(in []VulnerabilityTag) ([]VulnerabilityTag, error) {
	if len(in) == 0 {
		return []VulnerabilityTag{VulnerableNone}, nil
	}
	out := make([]VulnerabilityTag, 0, len(in))
	seen := make(map[VulnerabilityTag]bool, len(in))
	for _, t := range in {
		if !t.Valid() {
			return nil, invalid("vulnerability_group", fmt.Sprintf("unknown tag %q", t))
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

func (a Assessment) validate() error {
	if a.Severity == nil && a.PeopleAffected == nil && a.Vulnerability == nil && a.SpecialCircumstances == nil {
		return invalid("assessment", "no fields to update")
	}
	if a.Severity != nil && !a.Severity.Valid() {
		return invalid("severity", fmt.Sprintf("unknown severity %q", *a.Severity))
	}
	if a.PeopleAffected != nil && *a.PeopleAffected < 0 {
		return invalid("people_affected", "must not be negative")
	}
	if a.Vulnerability != nil {
		if _, err := normalizeTags(*a.Vulnerability); err != nil {
			return err
		}
	}
	return nil
}

func (a Assessment) apply(r *Request) {
	if a.Severity != nil {
		r.Severity = *a.Severity
	}
	if a.PeopleAffected != nil {
		r.PeopleAffected = max(*a.PeopleAffected, 1)
	}
	if a.Vulnerability != nil {
		r.Vulnerability, _ = normalizeTags(*a.Vulnerability)
	}
	if a.SpecialCircumstances != nil {
		r.SpecialCircumstances = strings.TrimSpace(*a.SpecialCircumstances)
	}
}

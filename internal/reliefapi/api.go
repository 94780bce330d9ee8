// Package reliefapi exposes the triage service, the staff directory and the
// audit trail over HTTP.
package reliefapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/authmw"
	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
)

// RequestService defines the request operations the API needs.
type RequestService interface {
	Submit(ctx context.Context, in triage.SubmitInput, actor triage.Actor) (*triage.SubmitResult, error)
	Transition(ctx context.Context, id string, to triage.Status, actor triage.Actor) (*triage.Request, error)
	Reassign(ctx context.Context, id, handler string, actor triage.Actor) (*triage.Request, error)
	Reassess(ctx context.Context, id string, a triage.Assessment, actor triage.Actor) (*triage.Request, error)
	List(ctx context.Context, actor triage.Actor, email string) ([]*triage.Request, error)
	Get(ctx context.Context, id string, actor triage.Actor) (*triage.Request, error)
	RecordAuthEvent(ctx context.Context, kind audit.Kind, actor triage.Actor, detail string) (*audit.Entry, error)
	Stats(ctx context.Context) triage.DashboardStats
}

// StaffDirectory defines the staff operations the API needs.
type StaffDirectory interface {
	Create(ctx context.Context, in staff.NewMember, actor triage.Actor) (*staff.Member, error)
	Update(ctx context.Context, id string, c staff.Changes, actor triage.Actor) (*staff.Member, error)
	Deactivate(ctx context.Context, id string, actor triage.Actor) (*staff.Member, error)
	List() []*staff.Member
	Get(id string) (*staff.Member, bool)
	Stats() staff.Stats
}

// AuditTrail defines the audit reads the API needs.
type AuditTrail interface {
	Query(f audit.Filter, limit int) audit.QueryResult
	Stats() audit.Stats
}

// PersistenceStatus reports the state of durable writes.
type PersistenceStatus interface {
	Degraded() bool
	Pending() int
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     RequestService
	staff   StaffDirectory
	audit   AuditTrail
	persist PersistenceStatus
}

// New creates a new API handler. persist may be nil.
func New(logger log.Logger, svc RequestService, dir StaffDirectory, trail AuditTrail, persist PersistenceStatus) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("request service is required"))
	}
	if dir == nil {
		panic(xerrors.New("staff directory is required"))
	}
	if trail == nil {
		panic(xerrors.New("audit trail is required"))
	}
	return &API{
		logger:  logger,
		svc:     svc,
		staff:   dir,
		audit:   trail,
		persist: persist,
	}
}

// RegisterRoutes attaches API endpoints to the router. mw wraps every
// route under /api/v1 and typically carries the gateway token check and
// identity resolution.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)

		// auth events are raised for callers that may not have an identity yet
		r.Post("/auth-events", a.handleAuthEvent)

		r.Group(func(r chi.Router) {
			r.Use(requireActor)

			r.Post("/requests", a.handleSubmit)
			r.Get("/requests", a.handleList)
			r.Get("/requests/{id}", a.handleGet)
			r.Put("/requests/{id}/status", a.handleTransition)
			r.Put("/requests/{id}/assignee", a.handleReassign)
			r.Put("/requests/{id}/assessment", a.handleReassess)
			r.Get("/stats", a.handleStats)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireAdmin)

				r.Get("/audit-logs", a.handleAuditLogs)
				r.Get("/audit-stats", a.handleAuditStats)
				r.Get("/system-stats", a.handleSystemStats)
				r.Get("/staff", a.handleListStaff)
				r.Post("/staff", a.handleCreateStaff)
				r.Get("/staff/{id}", a.handleGetStaff)
				r.Put("/staff/{id}", a.handleUpdateStaff)
				r.Delete("/staff/{id}", a.handleDeactivateStaff)
			})
		})
	})
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authmw.ActorFromContext(r.Context()); !ok {
			http.Error(w, `{"error":"identity required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, _ := authmw.ActorFromContext(r.Context()); actor.Kind != triage.ActorAdmin {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(r *http.Request) triage.Actor {
	actor, _ := authmw.ActorFromContext(r.Context())
	return actor
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &triage.ValidationError{Field: "body", Reason: "invalid JSON payload"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Anything unexpected is
// logged and reported as a bare 500.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var status int
	switch {
	case errors.Is(err, triage.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, triage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, triage.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, triage.ErrInvalidTransition), errors.Is(err, staff.ErrConflict):
		status = http.StatusConflict
	default:
		a.logger.Error(r.Context(), err, msg)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

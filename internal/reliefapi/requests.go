package reliefapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/authmw"
	"github.com/linnemanlabs/relief/internal/triage"
)

// HeaderIdempotencyKey lets a client retry a submission safely.
const HeaderIdempotencyKey = "Idempotency-Key"

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	var in triage.SubmitInput
	if err := decode(r, &in); err != nil {
		a.writeError(w, r, err, "failed to decode submission")
		return
	}
	in.IdempotencyKey = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))

	// citizens always submit under their own address
	if actor.Kind == triage.ActorCitizen {
		in.Email = actor.Email
	}

	res, err := a.svc.Submit(r.Context(), in, actor)
	if err != nil {
		a.writeError(w, r, err, "failed to submit request")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("relief.request.id", res.Request.ID))

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if actor.Kind == triage.ActorCitizen {
		email = actor.Email
	}

	list, err := a.svc.List(r.Context(), actor, email)
	if err != nil {
		a.writeError(w, r, err, "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": list,
		"count":    len(list),
	})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("relief.request.id", id))

	req, err := a.svc.Get(r.Context(), id, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err, "failed to get request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionBody struct {
	Status triage.Status `json:"status"`
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("relief.request.id", id))

	var body transitionBody
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "failed to decode transition")
		return
	}

	req, err := a.svc.Transition(r.Context(), id, body.Status, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err, "failed to transition request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type reassignBody struct {
	AssignedTo string `json:"assigned_to"`
}

func (a *API) handleReassign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("relief.request.id", id))

	var body reassignBody
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "failed to decode reassignment")
		return
	}

	req, err := a.svc.Reassign(r.Context(), id, body.AssignedTo, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err, "failed to reassign request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleReassess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("relief.request.id", id))

	var body triage.Assessment
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "failed to decode assessment")
		return
	}

	req, err := a.svc.Reassess(r.Context(), id, body, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err, "failed to reassess request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r).Kind == triage.ActorCitizen {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "staff access required"})
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Stats(r.Context()))
}

type authEventBody struct {
	ActionType audit.Kind       `json:"action_type"`
	Email      string           `json:"email"`
	Kind       triage.ActorKind `json:"kind"`
	Details    string           `json:"details"`
}

// handleAuthEvent records a login, logout or registration raised by the
// identity system. Without a resolved identity the subject comes from the
// body, which covers failed logins.
func (a *API) handleAuthEvent(w http.ResponseWriter, r *http.Request) {
	var body authEventBody
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "failed to decode auth event")
		return
	}

	actor := actorFrom(r)
	if actor.Email == "" {
		actor = triage.Actor{
			Email: strings.TrimSpace(body.Email),
			Kind:  body.Kind,
		}
		if actor.Kind == "" {
			actor.Kind = triage.ActorCitizen
		}
		actor.IPAddress = authmw.RemoteIP(r)
	}

	entry, err := a.svc.RecordAuthEvent(r.Context(), body.ActionType, actor, body.Details)
	if err != nil {
		a.writeError(w, r, err, "failed to record auth event")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

package reliefapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/relief/internal/audit"
	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
)

const dateLayout = "2006-01-02"

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	f, limit, err := parseAuditQuery(r.URL.Query())
	if err != nil {
		a.writeError(w, r, err, "invalid audit query")
		return
	}
	writeJSON(w, http.StatusOK, a.audit.Query(f, limit))
}

// parseAuditQuery reads action_type, user_email, entity_type, entity_id,
// start, end and limit. start and end accept RFC 3339 timestamps or plain
// dates; a plain end date covers the whole day.
func parseAuditQuery(q url.Values) (audit.Filter, int, error) {
	f := audit.Filter{
		Kind:       audit.Kind(strings.ToUpper(strings.TrimSpace(q.Get("action_type")))),
		Actor:      strings.TrimSpace(q.Get("user_email")),
		EntityType: strings.ToUpper(strings.TrimSpace(q.Get("entity_type"))),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
	}

	if v := q.Get("start"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return f, 0, &triage.ValidationError{Field: "start", Reason: "must be RFC 3339 or YYYY-MM-DD"}
		}
		f.Since = t
	}
	if v := q.Get("end"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return f, 0, &triage.ValidationError{Field: "end", Reason: "must be RFC 3339 or YYYY-MM-DD"}
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.Until = t
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, 0, &triage.ValidationError{Field: "end", Reason: "is before start"}
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, 0, &triage.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		limit = n
	}
	return f, limit, nil
}

func parseTime(v string) (t time.Time, dateOnly bool, err error) {
	if t, err = time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	t, err = time.Parse(dateLayout, v)
	return t, true, err
}

func (a *API) handleAuditStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.audit.Stats())
}

type systemStats struct {
	Requests    triage.DashboardStats `json:"requests"`
	Staff       staff.Stats           `json:"staff"`
	AuditTotal  int                   `json:"total_audit_logs"`
	Degraded    bool                  `json:"persistence_degraded"`
	PendingSync int                   `json:"pending_writes"`
}

func (a *API) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	st := systemStats{
		Requests:   a.svc.Stats(r.Context()),
		Staff:      a.staff.Stats(),
		AuditTotal: a.audit.Stats().Total,
	}
	if a.persist != nil {
		st.Degraded = a.persist.Degraded()
		st.PendingSync = a.persist.Pending()
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleListStaff(w http.ResponseWriter, _ *http.Request) {
	members := a.staff.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"staff": members,
		"count": len(members),
	})
}

func (a *API) handleGetStaff(w http.ResponseWriter, r *http.Request) {
	m, ok := a.staff.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var in staff.NewMember
	if err := decode(r, &in); err != nil {
		a.writeError(w, r, err, "failed to decode staff member")
		return
	}
	m, err := a.staff.Create(r.Context(), in, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err, "failed to create staff member")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleUpdateStaff(w http.ResponseWriter, r *http.Request) {
	var c staff.Changes
	if err := decode(r, &c); err != nil {
		a.writeError(w, r, err, "failed to decode staff changes")
		return
	}
	m, err := a.staff.Update(r.Context(), chi.URLParam(r, "id"), c, actorFrom(r))
	if err != nil {
		a.writeError(w, r, err, "failed to update staff member")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDeactivateStaff(w http.ResponseWriter, r *http.Request) {
	m, err := a.staff.Deactivate(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		a.writeError(w, r, err, "failed to deactivate staff member")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

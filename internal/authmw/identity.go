package authmw

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
)

// Headers set by the gateway after it has authenticated the caller.
const (
	HeaderEmail      = "X-Actor-Email"
	HeaderName       = "X-Actor-Name"
	HeaderKind       = "X-Actor-Kind"
	HeaderRole       = "X-Actor-Role"
	HeaderDepartment = "X-Actor-Department"
)

type ctxKey struct{}

// StaffResolver finds the directory record behind a staff email.
type StaffResolver interface {
	Lookup(email string) (*staff.Member, bool)
}

// Identity returns middleware that turns the asserted identity headers into
// a triage.Actor on the request context. Citizens are taken as asserted.
// Staff and admin identities must resolve to an active directory member;
// role and department always come from the directory, never the headers.
// Requests without an email pass through anonymously.
func Identity(resolver StaffResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email := strings.TrimSpace(r.Header.Get(HeaderEmail))
			if email == "" {
				next.ServeHTTP(w, r)
				return
			}

			actor := triage.Actor{
				Email:     email,
				Name:      strings.TrimSpace(r.Header.Get(HeaderName)),
				Kind:      triage.ActorKind(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderKind)))),
				IPAddress: RemoteIP(r),
			}

			switch actor.Kind {
			case triage.ActorCitizen:
			case triage.ActorStaff, triage.ActorAdmin:
				if resolver == nil {
					reject(w, http.StatusForbidden, "staff directory unavailable")
					return
				}
				m, ok := resolver.Lookup(email)
				if !ok {
					reject(w, http.StatusForbidden, "unknown staff member")
					return
				}
				if m.Status != staff.StatusActive {
					reject(w, http.StatusForbidden, "staff account is inactive")
					return
				}
				resolved := m.Actor()
				resolved.IPAddress = actor.IPAddress
				if resolved.Name == "" {
					resolved.Name = actor.Name
				}
				actor = resolved
			default:
				reject(w, http.StatusBadRequest, "unknown actor kind")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// WithActor stores actor on ctx.
func WithActor(ctx context.Context, actor triage.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

// ActorFromContext returns the actor set by Identity, if any.
func ActorFromContext(ctx context.Context) (triage.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(triage.Actor)
	return a, ok
}

// RemoteIP returns the host part of the request's remote address.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/relief/internal/staff"
	"github.com/linnemanlabs/relief/internal/triage"
)

type fakeResolver map[string]*staff.Member

func (f fakeResolver) Lookup(email string) (*staff.Member, bool) {
	m, ok := f[email]
	return m, ok
}

var directory = fakeResolver{
	"officer@relief.gov": {
		Email: "officer@relief.gov", FullName: "Olu Officer", Role: "Officer",
		Department: "Educational Support", Status: staff.StatusActive,
	},
	"root@relief.gov": {
		Email: "root@relief.gov", FullName: "Ada Admin", Role: "admin", Status: staff.StatusActive,
	},
	"gone@relief.gov": {
		Email: "gone@relief.gov", Role: "officer", Status: staff.StatusInactive,
	},
}

// capture serves the request through Identity and returns the actor the
// inner handler saw.
func capture(t *testing.T, headers map[string]string) (*httptest.ResponseRecorder, triage.Actor, bool) {
	t.Helper()

	var (
		got triage.Actor
		ok  bool
	)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.9:5123"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	Identity(directory)(inner).ServeHTTP(rec, req)
	return rec, got, ok
}

func TestIdentity_Anonymous(t *testing.T) {
	t.Parallel()

	rec, _, ok := capture(t, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ok {
		t.Error("actor set for request without identity headers")
	}
}

func TestIdentity_Citizen(t *testing.T) {
	t.Parallel()

	rec, a, ok := capture(t, map[string]string{
		HeaderEmail: "ada@example.com",
		HeaderName:  "Ada",
		HeaderKind:  "Citizen",
		// a citizen cannot grant itself a role
		HeaderRole: "manager",
	})
	if rec.Code != http.StatusOK || !ok {
		t.Fatalf("status = %d, actor set = %v", rec.Code, ok)
	}
	if a.Kind != triage.ActorCitizen {
		t.Errorf("Kind = %q, want %q", a.Kind, triage.ActorCitizen)
	}
	if a.Role != "" {
		t.Errorf("Role = %q, want empty", a.Role)
	}
	if a.IPAddress != "203.0.113.9" {
		t.Errorf("IPAddress = %q, want %q", a.IPAddress, "203.0.113.9")
	}
}

func TestIdentity_StaffResolvedFromDirectory(t *testing.T) {
	t.Parallel()

	rec, a, ok := capture(t, map[string]string{
		HeaderEmail:      "officer@relief.gov",
		HeaderKind:       "staff",
		HeaderRole:       "manager",
		HeaderDepartment: "Health Services",
	})
	if rec.Code != http.StatusOK || !ok {
		t.Fatalf("status = %d, actor set = %v", rec.Code, ok)
	}
	if a.Role != "officer" {
		t.Errorf("Role = %q, want %q", a.Role, "officer")
	}
	if a.Department != "Educational Support" {
		t.Errorf("Department = %q, want %q", a.Department, "Educational Support")
	}
	if a.Name != "Olu Officer" {
		t.Errorf("Name = %q, want %q", a.Name, "Olu Officer")
	}
}

func TestIdentity_AdminRole(t *testing.T) {
	t.Parallel()

	_, a, ok := capture(t, map[string]string{
		HeaderEmail: "root@relief.gov",
		HeaderKind:  "staff",
	})
	if !ok {
		t.Fatal("actor not set")
	}
	if a.Kind != triage.ActorAdmin {
		t.Errorf("Kind = %q, want %q", a.Kind, triage.ActorAdmin)
	}
}

func TestIdentity_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"unknown staff", map[string]string{HeaderEmail: "who@relief.gov", HeaderKind: "staff"}, http.StatusForbidden},
		{"inactive staff", map[string]string{HeaderEmail: "gone@relief.gov", HeaderKind: "staff"}, http.StatusForbidden},
		{"unknown admin", map[string]string{HeaderEmail: "who@relief.gov", HeaderKind: "admin"}, http.StatusForbidden},
		{"unknown kind", map[string]string{HeaderEmail: "ada@example.com", HeaderKind: "robot"}, http.StatusBadRequest},
		{"missing kind", map[string]string{HeaderEmail: "ada@example.com"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, _, ok := capture(t, tt.headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if ok {
				t.Error("inner handler reached")
			}
		})
	}
}

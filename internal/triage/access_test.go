package triage

import (
	"slices"
	"testing"
)

func TestAllowedCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		role         string
		department   string
		unrestricted bool
		want         []Category
	}{
		{"manager", "manager", "Educational Support", true, nil},
		{"admin", "admin", "", true, nil},
		{"manager mixed case", "Manager", "", true, nil},
		{"department wins over role", "officer", "Educational Support", false, []Category{CategoryEducational}},
		{"emergency services", "analyst", "Emergency Services", false, []Category{CategoryWater, CategoryOther}},
		{"financial assistance", "", "Financial Assistance", false, []Category{CategoryFinancial}},
		{"infrastructure", "", "Infrastructure & Housing", false, []Category{CategoryShelter, CategoryClothing}},
		{"social services", "", "Social Services", false, []Category{CategoryFood, CategoryMedical, CategoryMentalHealth}},
		{"relief operations", "", "Relief Operations", false, []Category{CategoryFood}},
		{"health", "", "Health and Medical Services", false, []Category{CategoryMedical, CategoryMentalHealth}},
		{"role fallback analyst", "analyst", "Parks", false, []Category{CategoryEducational}},
		{"role fallback coordinator", "coordinator", "", false, []Category{CategoryWater, CategoryFinancial, CategoryOther}},
		{"role fallback support", "support", "", false, []Category{CategoryShelter, CategoryClothing}},
		{"role fallback officer", "OFFICER", "", false, []Category{CategoryFood, CategoryMedical, CategoryMentalHealth}},
		{"unknown fails closed", "janitor", "Parks", false, nil},
		{"empty fails closed", "", "", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := AllowedCategories(tt.role, tt.department)
			if p.Unrestricted != tt.unrestricted {
				t.Fatalf("Unrestricted = %v, want %v", p.Unrestricted, tt.unrestricted)
			}
			if !slices.Equal(p.Categories, tt.want) {
				t.Errorf("Categories = %v, want %v", p.Categories, tt.want)
			}
		})
	}
}

func TestPermission_ZeroAllowsNothing(t *testing.T) {
	t.Parallel()

	var p Permission
	for _, c := range Categories() {
		if p.Allows(c) {
			t.Errorf("zero Permission allows %q", c)
		}
	}
}

func TestAllowedCategories_ReturnsIndependentSlices(t *testing.T) {
	t.Parallel()

	p := AllowedCategories("", "Relief Operations")
	p.Categories[0] = CategoryMedical

	again := AllowedCategories("", "Relief Operations")
	if again.Categories[0] != CategoryFood {
		t.Errorf("table mutated through returned slice: %v", again.Categories)
	}
}

func mixedRequests() []*Request {
	var out []*Request
	for i, c := range Categories() {
		out = append(out, &Request{ID: FormatID(i + 1), Category: c})
	}
	return out
}

func TestFilter_UnrestrictedSeesEverything(t *testing.T) {
	t.Parallel()

	reqs := mixedRequests()
	for _, role := range []string{"manager", "admin"} {
		got := Filter(reqs, role, "Educational Support")
		if len(got) != len(reqs) {
			t.Errorf("Filter(%s) len = %d, want %d", role, len(got), len(reqs))
		}
	}
}

func TestFilter_RestrictedNeverSeesOutsideCategories(t *testing.T) {
	t.Parallel()

	reqs := mixedRequests()
	pairs := [][2]string{
		{"officer", "Educational Support"},
		{"analyst", ""},
		{"coordinator", "Parks"},
		{"support", "Infrastructure & Housing"},
		{"officer", "Social Services"},
		{"nobody", ""},
	}

	for _, pair := range pairs {
		p := AllowedCategories(pair[0], pair[1])
		got := Filter(reqs, pair[0], pair[1])
		if len(got) != len(p.Categories) {
			t.Errorf("Filter(%q, %q) len = %d, want %d", pair[0], pair[1], len(got), len(p.Categories))
		}
		for _, r := range got {
			if !slices.Contains(p.Categories, r.Category) {
				t.Errorf("Filter(%q, %q) leaked %s (%s)", pair[0], pair[1], r.ID, r.Category)
			}
		}
	}
}

func TestFilter_PreservesOrder(t *testing.T) {
	t.Parallel()

	reqs := []*Request{
		{ID: "REQ-000003", Category: CategoryFood},
		{ID: "REQ-000001", Category: CategoryMedical},
		{ID: "REQ-000002", Category: CategoryWater},
		{ID: "REQ-000004", Category: CategoryFood},
	}
	got := Filter(reqs, "officer", "")
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	want := []string{"REQ-000003", "REQ-000001", "REQ-000004"}
	if !slices.Equal(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestActor_Restricted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		actor Actor
		want  bool
	}{
		{"citizen", Actor{Kind: ActorCitizen}, false},
		{"admin kind", Actor{Kind: ActorAdmin, Role: "officer"}, false},
		{"manager staff", Actor{Kind: ActorStaff, Role: "manager"}, false},
		{"officer staff", Actor{Kind: ActorStaff, Role: "officer"}, true},
		{"unknown staff", Actor{Kind: ActorStaff, Role: "intern"}, true},
	}
	for _, tt := range tests {
		if got := tt.actor.Restricted(); got != tt.want {
			t.Errorf("%s: Restricted() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestKnownRoleAndDepartment(t *testing.T) {
	t.Parallel()

	for _, r := range []string{"analyst", "coordinator", "support", "officer", "manager", "admin", "Officer"} {
		if !KnownRole(r) {
			t.Errorf("KnownRole(%q) = false, want true", r)
		}
	}
	if KnownRole("janitor") {
		t.Error("KnownRole(janitor) = true, want false")
	}
	for _, d := range Departments() {
		if !KnownDepartment(d) {
			t.Errorf("KnownDepartment(%q) = false, want true", d)
		}
	}
	if KnownDepartment("Parks") {
		t.Error("KnownDepartment(Parks) = true, want false")
	}
	if len(Departments()) != 7 {
		t.Errorf("Departments() len = %d, want 7", len(Departments()))
	}
}

package triage

import (
	"slices"
	"strings"
)

// Roles that bypass category restrictions.
const (
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

var departmentCategories = map[string][]Category{
	"Educational Support":         {CategoryEducational},
	"Emergency Services":          {CategoryWater, CategoryOther},
	"Financial Assistance":        {CategoryFinancial},
	"Infrastructure & Housing":    {CategoryShelter, CategoryClothing},
	"Social Services":             {CategoryFood, CategoryMedical, CategoryMentalHealth},
	"Relief Operations":           {CategoryFood},
	"Health and Medical Services": {CategoryMedical, CategoryMentalHealth},
}

// Consulted only when the department is not in departmentCategories.
var roleCategories = map[string][]Category{
	"analyst":     {CategoryEducational},
	"coordinator": {CategoryWater, CategoryFinancial, CategoryOther},
	"support":     {CategoryShelter, CategoryClothing},
	"officer":     {CategoryFood, CategoryMedical, CategoryMentalHealth},
}

// Permission is either unrestricted or a fixed set of categories. The zero
// value permits nothing.
type Permission struct {
	Unrestricted bool
	Categories   []Category
}

// Allows reports whether c is permitted.
func (p Permission) Allows(c Category) bool {
	return p.Unrestricted || slices.Contains(p.Categories, c)
}

// AllowedCategories maps a staff role and department to the categories they
// may see and act on. Unknown combinations get an empty permission.
func AllowedCategories(role, department string) Permission {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == RoleManager || role == RoleAdmin {
		return Permission{Unrestricted: true}
	}
	if cats, ok := departmentCategories[department]; ok {
		return Permission{Categories: slices.Clone(cats)}
	}
	if cats, ok := roleCategories[role]; ok {
		return Permission{Categories: slices.Clone(cats)}
	}
	return Permission{}
}

// Filter keeps the requests the role/department pair may see, preserving
// order. Unrestricted permissions pass everything through.
func Filter(requests []*Request, role, department string) []*Request {
	return filterBy(requests, AllowedCategories(role, department))
}

func filterBy(requests []*Request, p Permission) []*Request {
	if p.Unrestricted {
		return requests
	}
	out := make([]*Request, 0, len(requests))
	for _, r := range requests {
		if p.Allows(r.Category) {
			out = append(out, r)
		}
	}
	return out
}

// KnownRole reports whether role is a recognised staff role.
func KnownRole(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == RoleManager || role == RoleAdmin {
		return true
	}
	_, ok := roleCategories[role]
	return ok
}

// KnownDepartment reports whether department has a category mapping.
func KnownDepartment(department string) bool {
	_, ok := departmentCategories[department]
	return ok
}

// Departments lists the known departments, sorted.
func Departments() []string {
	out := make([]string, 0, len(departmentCategories))
	for d := range departmentCategories {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

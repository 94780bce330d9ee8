package triage

var severityPoints = map[Severity]int{
	SeverityCritical: 40,
	SeverityUrgent:   30,
	SeverityModerate: 15,
	SeverityLow:      5,
}

// Tag weights are kept in tenths so the multiplier sum is exact and does
// not depend on iteration order.
var vulnerabilityTenths = map[VulnerabilityTag]int{
	VulnerableChildren: 4,
	VulnerableElderly:  3,
	VulnerableDisabled: 4,
	VulnerablePregnant: 3,
	VulnerableStudent:  2,
	VulnerableNone:     0,
}

var categoryWeights = map[Category]int{
	CategoryMedical:      10,
	CategoryWater:        8,
	CategoryFood:         7,
	CategoryShelter:      6,
	CategoryMentalHealth: 5,
	CategoryEducational:  4,
	CategoryClothing:     3,
	CategoryFinancial:    3,
	CategoryOther:        2,
}

const (
	maxPeoplePoints   = 20
	evidenceBonus     = 5
	circumstanceBonus = 5
)

// Score computes the priority of r from its current attributes. Unknown
// severities, categories and tags contribute nothing. The result is
// rounded half-up.
func Score(r *Request) int {
	tenths := 0
	for _, tag := range r.Vulnerability {
		tenths += vulnerabilityTenths[tag]
	}

	// everything below is in tenths of a point
	total := severityPoints[r.Severity] * (10 + tenths)

	people := r.PeopleAffected
	if people <= 0 {
		people = 1
	}
	// clamp before doubling so huge counts cannot overflow
	total += 10 * min(people, maxPeoplePoints/2) * 2
	total += 10 * categoryWeights[r.Category]

	if r.HasEvidence {
		total += 10 * evidenceBonus
	}
	if r.SpecialCircumstances != "" {
		total += 10 * circumstanceBonus
	}

	return (total + 5) / 10
}

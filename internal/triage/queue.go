package triage

import (
	"fmt"
	"slices"
)

// Order returns a new slice sorted by status bucket (pending, in-progress,
// completed) and then by descending priority score. The sort is stable, so
// requests that tie keep their input order.
func Order(requests []*Request) []*Request {
	out := slices.Clone(requests)
	slices.SortStableFunc(out, func(a, b *Request) int {
		if d := a.Status.rank() - b.Status.rank(); d != 0 {
			return d
		}
		return b.PriorityScore - a.PriorityScore
	})
	return out
}

// QueuePosition is the 1-based rank of id among pending requests in an
// already ordered slice, or 0 if id is not pending there.
func QueuePosition(ordered []*Request, id string) int {
	pos := 0
	for _, r := range ordered {
		if r.Status != StatusPending {
			continue
		}
		pos++
		if r.ID == id {
			return pos
		}
	}
	return 0
}

// EstimateResponseTime derives the response-time promise from the score
// and, for low scores, the queue position.
func EstimateResponseTime(score, position int) string {
	switch {
	case score >= 80:
		return "within 2 hours"
	case score >= 60:
		return "within 6 hours"
	case score >= 40:
		return "within 24 hours"
	}
	if position < 0 {
		position = 0
	}
	days := position/10 + 1
	if days == 1 {
		return "within 1 day"
	}
	return fmt.Sprintf("within %d days", days)
}

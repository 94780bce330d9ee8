// Package triage is the request triage engine: it scores relief requests,
// decides which staff may see and act on them, keeps them in queue order,
// and moves them through pending -> in-progress -> completed while every
// change lands in the audit log.
//
// Store holds the authoritative in-memory set and writes through to a
// Persistence collaborator; Service is the business boundary used by the
// HTTP API.
package triage

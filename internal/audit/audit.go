// Package audit holds the append-only trail of every mutating action taken
// against relief requests, staff records, and identities.
package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindCreate       Kind = "CREATE"
	KindUpdate       Kind = "UPDATE"
	KindDelete       Kind = "DELETE"
	KindStatusChange Kind = "STATUS_CHANGE"
	KindAssign       Kind = "ASSIGN"
	KindAccessDenied Kind = "ACCESS_DENIED"

	// Raised by the identity system, not by the engine.
	KindLogin                Kind = "LOGIN"
	KindLoginFailed          Kind = "LOGIN_FAILED"
	KindLogout               Kind = "LOGOUT"
	KindRegister             Kind = "REGISTER"
	KindPasswordChanged      Kind = "PASSWORD_CHANGED"
	KindPasswordChangeFailed Kind = "PASSWORD_CHANGE_FAILED"
)

// IsAuth reports whether k is an authentication event kind.
func (k Kind) IsAuth() bool {
	switch k {
	case KindLogin, KindLoginFailed, KindLogout, KindRegister, KindPasswordChanged, KindPasswordChangeFailed:
		return true
	}
	return false
}

// Entity types referenced by entries.
const (
	EntityRequest = "REQUEST"
	EntityStaff   = "STAFF"
	EntityCitizen = "CITIZEN"
)

// DefaultQueryLimit caps Query when the caller passes no limit.
const DefaultQueryLimit = 100

// TopActorsN is the number of actors reported by Stats.
const TopActorsN = 5

// Entry is one immutable audit fact.
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       Kind      `json:"action_type"`
	Actor      string    `json:"user_email"`
	ActorRole  string    `json:"user_role,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Detail     string    `json:"details"`
	IPAddress  string    `json:"ip_address,omitempty"`
}

// Record is the caller-supplied part of an entry.
type Record struct {
	Kind       Kind
	Actor      string
	ActorRole  string
	EntityType string
	EntityID   string
	Detail     string
	IPAddress  string
}

// Filter selects entries in Query. Zero fields match everything; the time
// range is inclusive at both ends.
type Filter struct {
	Kind       Kind
	Actor      string
	EntityType string
	EntityID   string
	Since      time.Time
	Until      time.Time
}

func (f Filter) match(e *Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// QueryResult is a page of matching entries, newest first.
type QueryResult struct {
	Entries []Entry `json:"logs"`
	Total   int     `json:"total"`
}

// ActorCount is one row of the most active actors table.
type ActorCount struct {
	Actor string `json:"email"`
	Count int    `json:"count"`
}

// Stats aggregates the whole log.
type Stats struct {
	Total     int          `json:"total_actions"`
	ByKind    map[Kind]int `json:"action_counts"`
	TopActors []ActorCount `json:"top_users"`
}

// Loader restores a persisted log.
type Loader interface {
	LoadAudit(ctx context.Context) ([]*Entry, error)
}

// Log is the single writer of the audit sequence. Entries are stored by
// value and handed out as copies.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	seq     int64
	now     func() time.Time
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// FormatID renders the public identifier for a sequence number.
func FormatID(seq int64) string {
	return fmt.Sprintf("AUDIT-%06d", seq)
}

// Append assigns the next sequence number and stores the entry.
func (l *Log) Append(rec Record) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := Entry{
		Seq:        l.seq,
		ID:         FormatID(l.seq),
		Timestamp:  l.now().UTC(),
		Kind:       rec.Kind,
		Actor:      rec.Actor,
		ActorRole:  rec.ActorRole,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Detail:     rec.Detail,
		IPAddress:  rec.IPAddress,
	}
	l.entries = append(l.entries, e)
	return &e
}

// Restore replaces the log contents with previously persisted entries and
// continues numbering after the highest seq. Intended for startup only.
func (l *Log) Restore(entries []*Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]Entry, 0, len(entries))
	l.seq = 0
	for _, e := range entries {
		if e == nil {
			continue
		}
		l.entries = append(l.entries, *e)
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	slices.SortStableFunc(l.entries, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Query returns entries matching every field of f, newest first, capped at
// limit (DefaultQueryLimit when limit <= 0). Total counts all matches.
func (l *Log) Query(f Filter, limit int) QueryResult {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	res := QueryResult{Entries: []Entry{}}
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := &l.entries[i]
		if !f.match(e) {
			continue
		}
		res.Total++
		if len(res.Entries) < limit {
			res.Entries = append(res.Entries, *e)
		}
	}
	return res
}

// Stats counts entries per kind and reports the TopActorsN most active
// actors. Actors with equal counts keep the order in which they first
// appeared.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Stats{
		Total:  len(l.entries),
		ByKind: make(map[Kind]int),
	}

	counts := make(map[string]int)
	var order []string
	for i := range l.entries {
		e := &l.entries[i]
		st.ByKind[e.Kind]++
		if _, seen := counts[e.Actor]; !seen {
			order = append(order, e.Actor)
		}
		counts[e.Actor]++
	}

	top := make([]ActorCount, 0, len(order))
	for _, a := range order {
		top = append(top, ActorCount{Actor: a, Count: counts[a]})
	}
	slices.SortStableFunc(top, func(a, b ActorCount) int { return b.Count - a.Count })
	if len(top) > TopActorsN {
		top = top[:TopActorsN]
	}
	st.TopActors = top
	return st
}

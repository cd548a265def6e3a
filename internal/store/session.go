// Package store is the authoritative, durable record of sessions: the
// link between a gateway username, a catalog connection, and a running
// workload.
package store

import "time"

// Session is the authoritative unit tracked by the broker. A row with a
// nil Username is a pool entry: an unclaimed, pre-warmed workload. A row
// with a non-nil Username is a claimed, user-owned session.
type Session struct {
	SessionID           string
	Username            *string
	GatewayConnectionID *string
	VNCPassword         []byte
	WorkloadID          *string
	WorkloadIP          *string
	CreatedAt           time.Time
	StartedAt           time.Time
	LastActivity        time.Time
	UpdatedAt           time.Time
}

// IsPoolEntry reports whether this session is an unclaimed pool entry.
func (s *Session) IsPoolEntry() bool {
	return s.Username == nil
}

// HasWorkload reports whether a workload is currently attached.
func (s *Session) HasWorkload() bool {
	return s.WorkloadID != nil && *s.WorkloadID != ""
}

// LastActivityOrStart returns LastActivity if set, otherwise StartedAt —
// the idle-sweep reference point per the idle timeout rule.
func (s *Session) LastActivityOrStart() time.Time {
	if !s.LastActivity.IsZero() {
		return s.LastActivity
	}
	return s.StartedAt
}

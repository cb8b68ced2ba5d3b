package model

import "time"

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
)

// Session is the metadata record kept next to a session's event logs.
type Session struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	UserID      *int64        `json:"user_id"`
	IPAddress   string        `json:"ip_address"`
	UserAgent   string        `json:"user_agent"`
	EventsCount int           `json:"events_count"`
	ErrorsCount int           `json:"errors_count"`
	Status      SessionStatus `json:"status"`
	Path        string        `json:"session_path"`
}

// Expired reports whether the session may no longer be resumed: its expiry
// has passed, or it has been idle for at least ttl since the last activity.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	if !s.ExpiresAt.After(now) {
		return true
	}
	return ttl > 0 && !s.UpdatedAt.Add(ttl).After(now)
}

func (s Session) Duration() time.Duration {
	if s.UpdatedAt.Before(s.CreatedAt) {
		return 0
	}
	return s.UpdatedAt.Sub(s.CreatedAt)
}

// Actor identifies who a fix attempt is counted against for rate limiting.
type Actor struct {
	UserID *int64
	IP     string
}

func (a Actor) Empty() bool {
	return a.UserID == nil && a.IP == ""
}

package store

import (
	"encoding/json"
	"time"
)

// Actions recorded in activity_logs.
const (
	ActionAutoFix    = "auto_fix_attempt"
	ActionEscalation = "fix_escalation"
)

// Resource types recorded in activity_logs.
const (
	ResourceEvent      = "logging_event"
	ResourceFix        = "auto_fix"
	ResourceEscalation = "escalation"
)

// LogRow is one activity_logs row. Event rows carry the event type as Action
// and the full event document as Details.
type LogRow struct {
	ID           int64           `json:"id"`
	UserID       *int64          `json:"userId"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	SessionID    string          `json:"sessionId"`
	IssueType    string          `json:"issueType"`
	Details      json.RawMessage `json:"details"`
	IPAddress    string          `json:"ipAddress"`
	UserAgent    string          `json:"userAgent"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// SessionSummary is the logging_sessions row kept beside the session tree.
type SessionSummary struct {
	ID          string    `json:"id"`
	UserID      *int64    `json:"userId"`
	IPAddress   string    `json:"ipAddress"`
	EventsCount int       `json:"eventsCount"`
	ErrorsCount int       `json:"errorsCount"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

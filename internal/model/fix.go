package model

import "time"

// Directive is an instruction for the client runtime produced by a fix action.
type Directive struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

type ActionResult struct {
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
}

type Notification struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Display bool   `json:"display"`
}

// FixResult is the outcome of one fix attempt. Success is true iff at least
// one of ActionsTaken succeeded.
type FixResult struct {
	IssueType        IssueType         `json:"issue_type"`
	SessionID        string            `json:"session_id,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Success          bool              `json:"success"`
	ActionsTaken     []ActionResult    `json:"actions_taken"`
	Confidence       float64           `json:"confidence"`
	ResponseTime     float64           `json:"response_time"`
	UserNotification *Notification     `json:"user_notification,omitempty"`
	ErrorMessage     *string           `json:"error_message"`
	Directives       []Directive       `json:"directives,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// FixAttempt is what the relational log keeps for rate limiting and
// success-rate queries.
type FixAttempt struct {
	Actor     Actor
	UserAgent string
	Result    FixResult
}

type FixStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
}

func (s FixStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

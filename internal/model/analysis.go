package model

import (
	"math"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Urgent reports whether the severity demands immediate action.
func (s Severity) Urgent() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type PatternType string

const (
	PatternUserFrustration        PatternType = "user_frustration"
	PatternUserConfusion          PatternType = "user_confusion"
	PatternFormAbandonment        PatternType = "form_abandonment"
	PatternPerformanceDegradation PatternType = "performance_degradation"
	PatternErrorCascade           PatternType = "error_cascade"
	PatternActivitySpike          PatternType = "activity_spike"
	PatternRepetitiveActions      PatternType = "repetitive_actions"
	PatternUserJourneyAnomaly     PatternType = "user_journey_anomaly"
)

type IssueType string

const (
	IssueSlowAPIResponse     IssueType = "slow_api_response"
	IssueSlowPageLoad        IssueType = "slow_page_load"
	IssueHighMemoryUsage     IssueType = "high_memory_usage"
	IssueFormValidationError IssueType = "form_validation_error"
	IssueUploadFailure       IssueType = "upload_failure"
	IssueSessionExpired      IssueType = "session_expired"
	IssueDatabaseConnection  IssueType = "database_connection_issue"
	IssuePermissionError     IssueType = "permission_error"
	IssueApplicationError    IssueType = "application_error"
)

// Pattern-derived issues share the pattern's name.
const (
	IssueUserFrustration        = IssueType(PatternUserFrustration)
	IssueUserConfusion          = IssueType(PatternUserConfusion)
	IssueFormAbandonment        = IssueType(PatternFormAbandonment)
	IssuePerformanceDegradation = IssueType(PatternPerformanceDegradation)
	IssueErrorCascade           = IssueType(PatternErrorCascade)
)

type Pattern struct {
	Type            PatternType    `json:"type"`
	Severity        Severity       `json:"severity"`
	Confidence      float64        `json:"confidence"`
	IndicatorsCount int            `json:"indicators_count"`
	Description     string         `json:"description"`
	DetectedAt      time.Time      `json:"detected_at"`
	Recommendations []string       `json:"recommendations"`
	Details         map[string]any `json:"details,omitempty"`
}

type Issue struct {
	Type            IssueType `json:"type"`
	Severity        Severity  `json:"severity"`
	Description     string    `json:"description"`
	Confidence      float64   `json:"confidence"`
	Recommendations []string  `json:"recommendations"`
}

// IssueFromPattern derives the 1:1 issue for a detected pattern.
func IssueFromPattern(p Pattern) Issue {
	return Issue{
		Type:            IssueType(p.Type),
		Severity:        p.Severity,
		Description:     p.Description,
		Confidence:      p.Confidence,
		Recommendations: append([]string(nil), p.Recommendations...),
	}
}

type Prediction struct {
	Type        string  `json:"type"`
	Probability float64 `json:"probability"`
	Timeframe   string  `json:"timeframe"`
	Impact      string  `json:"impact"`
	Description string  `json:"description"`
}

type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type Classification struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
}

type ErrorAnalysis struct {
	Category        string   `json:"category"`
	Severity        Severity `json:"severity"`
	Message         string   `json:"message"`
	PotentialCauses []string `json:"potential_causes"`
}

// AnalysisResult is written once per analyzed event and never mutated.
type AnalysisResult struct {
	EventID                 string         `json:"event_id"`
	EventType               EventType      `json:"event_type"`
	SessionID               string         `json:"session_id,omitempty"`
	AnalyzedAt              time.Time      `json:"analyzed_at"`
	Classification          Classification `json:"classification"`
	ErrorAnalysis           *ErrorAnalysis `json:"error_analysis,omitempty"`
	Issues                  []Issue        `json:"issues"`
	Patterns                []Pattern      `json:"patterns"`
	Predictions             []Prediction   `json:"predictions"`
	Recommendations         []string       `json:"recommendations"`
	ConfidenceScore         float64        `json:"confidence_score"`
	RequiresImmediateAction bool           `json:"requires_immediate_action"`
	Priority                Priority       `json:"priority"`
}

// ClampConfidence keeps a score within [0, 1]; NaN collapses to 0.
func ClampConfidence(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

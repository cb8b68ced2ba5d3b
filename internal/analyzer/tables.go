package analyzer

import (
	"strings"

	"smartlog/internal/model"
)

// Confidence blend weights.
const (
	DataSufficiencyWeight = 0.3
	PatternQualityWeight  = 0.5
	HistoricalMatchWeight = 0.2

	SufficientEvents        = 10
	StrongPatternConfidence = 0.7
	DefaultPatternQuality   = 0.8
	HistoricalMatchScore    = 0.9

	ManyIssues = 3
)

const (
	RapidClickFrequency = 3.0
	SlowLoadSeconds     = 3.0
)

type errorCategory struct {
	name      string
	keywords  []string
	severity  model.Severity
	issueType model.IssueType
	causes    []string
}

// errorCategories is matched in order against the lower-cased message.
var errorCategories = []errorCategory{
	{
		name:      "database",
		keywords:  []string{"database", "sql"},
		severity:  model.SeverityHigh,
		issueType: model.IssueDatabaseConnection,
		causes: []string{
			"Database server unreachable or overloaded",
			"Connection pool exhausted",
			"Malformed or slow query",
		},
	},
	{
		name:      "file_system",
		keywords:  []string{"file", "upload"},
		severity:  model.SeverityMedium,
		issueType: model.IssueUploadFailure,
		causes: []string{
			"File exceeds the upload size limit",
			"Unstable network during transfer",
			"Insufficient storage space",
		},
	},
	{
		name:      "permission",
		keywords:  []string{"permission", "forbidden", "access denied", "unauthorized"},
		severity:  model.SeverityHigh,
		issueType: model.IssuePermissionError,
		causes: []string{
			"User role lacks the required permission",
			"Resource ownership check failed",
		},
	},
	{
		name:      "session",
		keywords:  []string{"session", "expired"},
		severity:  model.SeverityMedium,
		issueType: model.IssueSessionExpired,
		causes: []string{
			"Session lifetime elapsed",
			"Session cookie was cleared",
		},
	},
	{
		name:      "validation",
		keywords:  []string{"validation", "invalid", "required field"},
		severity:  model.SeverityLow,
		issueType: model.IssueFormValidationError,
		causes: []string{
			"Input does not match the expected format",
			"Required field left empty",
		},
	},
}

var applicationCategory = errorCategory{
	name:      "application",
	severity:  model.SeverityMedium,
	issueType: model.IssueApplicationError,
	causes: []string{
		"Unhandled application exception",
		"Recent code change introduced a regression",
	},
}

func categorizeError(message string) errorCategory {
	lowered := strings.ToLower(message)
	for _, category := range errorCategories {
		for _, keyword := range category.keywords {
			if strings.Contains(lowered, keyword) {
				return category
			}
		}
	}
	return applicationCategory
}

type predictionRule struct {
	prediction  string
	probability float64
	timeframe   string
	impact      string
	description string
}

var predictionRules = map[model.PatternType]predictionRule{
	model.PatternPerformanceDegradation: {
		prediction:  "system_slowdown",
		probability: 0.8,
		timeframe:   "5-10 minutes",
		impact:      "medium",
		description: "Response times are likely to keep degrading",
	},
	model.PatternErrorCascade: {
		prediction:  "system_failure",
		probability: 0.9,
		timeframe:   "1-3 minutes",
		impact:      "high",
		description: "Repeated errors point to an imminent failure",
	},
	model.PatternUserFrustration: {
		prediction:  "user_abandonment",
		probability: 0.7,
		timeframe:   "30-60 seconds",
		impact:      "medium",
		description: "A frustrated user is likely to leave the page",
	},
}

var issueRecommendations = map[model.IssueType][]string{
	model.IssueSlowAPIResponse: {
		"Cache responses of the slow endpoint",
		"Show a loading indicator for pending requests",
	},
	model.IssueSlowPageLoad: {
		"Enable browser caching for static assets",
		"Lazy-load below-the-fold content",
	},
	model.IssueHighMemoryUsage: {
		"Release unused objects and event listeners",
		"Paginate or virtualize long lists",
	},
	model.IssueFormValidationError: {
		"Highlight the invalid field with a clear message",
		"Validate input inline before submission",
	},
	model.IssueUploadFailure: {
		"Retry the upload in smaller chunks",
		"Compress images before upload",
	},
	model.IssueSessionExpired: {
		"Refresh the session before it expires",
		"Warn the user ahead of session expiry",
	},
	model.IssueDatabaseConnection: {
		"Check database health and connection pool limits",
		"Escalate to the on-call engineer",
	},
	model.IssuePermissionError: {
		"Review the user's role assignments",
	},
	model.IssueApplicationError: {
		"Inspect the application error log for the stack trace",
	},
	model.IssueUserFrustration: {
		"Offer contextual help",
		"Simplify the current interaction",
	},
	model.IssueUserConfusion: {
		"Show a guided tour for the current page",
	},
	model.IssueFormAbandonment: {
		"Auto-save form progress",
	},
	model.IssuePerformanceDegradation: {
		"Enable caching and reclaim server memory",
	},
	model.IssueErrorCascade: {
		"Escalate immediately and check recent deployments",
	},
}

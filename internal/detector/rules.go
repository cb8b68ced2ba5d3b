package detector

import (
	"strings"

	"smartlog/internal/model"
)

// Thresholds for the per-event rules.
const (
	WindowSize = 20

	FrustrationWindow        = 10
	FrustrationMinIndicators = 3
	RapidClickFrequency      = 3.0

	ConfusionWindow        = 15
	ConfusionMinIndicators = 2
	LongHoverMillis        = 3000.0
	PageSwitchFrequency    = 5.0

	FormAbandonMinSeconds = 30.0
	FormAbandonMaxSeconds = 300.0
	FormAbandonConfidence = 0.8

	SlowResponseMillis    = 2000.0
	PerformanceConfidence = 0.9

	SlowPageLoadSeconds = 3.0
	SlowAPISeconds      = 2.0
	HighMemoryBytes     = 50 * 1024 * 1024

	CascadeWindowSeconds = 300
	CascadeMinErrors     = 3
	CascadeConfidence    = 0.95
)

var patternRecommendations = map[model.PatternType][]string{
	model.PatternUserFrustration: {
		"Offer inline help next to the element the user keeps retrying",
		"Check the clicked control for missing feedback or slow response",
	},
	model.PatternUserConfusion: {
		"Simplify the page layout and surface the primary action",
		"Show contextual guidance for the current step",
	},
	model.PatternFormAbandonment: {
		"Save form progress automatically",
		"Shorten the form or split it into steps",
	},
	model.PatternPerformanceDegradation: {
		"Enable response caching for the slow endpoint",
		"Show a loading indicator while the request is pending",
	},
	model.PatternErrorCascade: {
		"Escalate to the on-call engineer",
		"Inspect recent deployments and dependency health",
	},
	model.PatternRepetitiveActions: {
		"Provide a bulk action for the repeated operation",
	},
	model.PatternUserJourneyAnomaly: {
		"Review navigation links on the looping pages",
	},
	model.PatternActivitySpike: {
		"Check for automated traffic or a stuck client retry loop",
	},
}

func recommendationsFor(patternType model.PatternType) []string {
	return append([]string(nil), patternRecommendations[patternType]...)
}

func frustrationIndicators(event model.Event) int {
	count := 0
	if clicks, ok := event.Float("click_frequency"); ok && clicks > RapidClickFrequency {
		count++
	}
	if event.Bool("is_page_refresh") {
		count++
	}
	if event.IsError() {
		count++
	}
	if event.String("action") == "back_button" {
		count++
	}
	return count
}

func confusionIndicators(event model.Event) int {
	count := 0
	if hover, ok := event.Float("hover_duration"); ok && hover > LongHoverMillis {
		count++
	}
	if event.Bool("random_clicking") {
		count++
	}
	if switches, ok := event.Float("page_switch_frequency"); ok && switches > PageSwitchFrequency {
		count++
	}
	if visitedHelp(event) {
		count++
	}
	return count
}

func visitedHelp(event model.Event) bool {
	if event.Bool("help_visited") {
		return true
	}
	for _, key := range []string{"section", "page", "url"} {
		if strings.Contains(strings.ToLower(event.String(key)), "help") {
			return true
		}
	}
	return false
}

// PerformanceIssues applies the threshold table to a single event. Each
// crossed threshold yields its own issue.
func PerformanceIssues(event model.Event) []model.Issue {
	issues := make([]model.Issue, 0)
	if load, ok := event.Float("load_time"); ok && load > SlowPageLoadSeconds {
		issues = append(issues, model.Issue{
			Type:        model.IssueSlowPageLoad,
			Severity:    model.SeverityMedium,
			Description: "Page load time exceeded 3 seconds",
			Confidence:  PerformanceConfidence,
			Recommendations: []string{
				"Enable caching for static assets",
				"Defer non-critical scripts",
			},
		})
	}
	if api, ok := event.Float("api_response_time"); ok && api > SlowAPISeconds {
		issues = append(issues, model.Issue{
			Type:        model.IssueSlowAPIResponse,
			Severity:    model.SeverityMedium,
			Description: "API response time exceeded 2 seconds",
			Confidence:  PerformanceConfidence,
			Recommendations: []string{
				"Cache the endpoint response",
				"Add a client-side timeout handler",
			},
		})
	}
	if memory, ok := event.Float("memory_usage"); ok && memory > HighMemoryBytes {
		issues = append(issues, model.Issue{
			Type:        model.IssueHighMemoryUsage,
			Severity:    model.SeverityMedium,
			Description: "Client memory usage exceeded 50MB",
			Confidence:  PerformanceConfidence,
			Recommendations: []string{
				"Release unused references on the page",
				"Paginate large lists",
			},
		})
	}
	return issues
}

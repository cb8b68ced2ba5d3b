package contextsync

import (
	"fmt"
	"strings"

	"smartlog/internal/model"
	"smartlog/internal/queue"
)

const (
	KindAnalysis = "analysis"
	KindFix      = "fix"
)

// AnalysisUpdate summarizes an analysis worth surfacing. Results without
// issues yield ok=false.
func AnalysisUpdate(event model.Event, result model.AnalysisResult) (queue.ContextUpdate, bool) {
	if len(result.Issues) == 0 {
		return queue.ContextUpdate{}, false
	}
	types := make([]string, 0, len(result.Issues))
	for _, issue := range result.Issues {
		types = append(types, string(issue.Type))
	}
	details := map[string]any{
		"confidence_score":          result.ConfidenceScore,
		"requires_immediate_action": result.RequiresImmediateAction,
	}
	if result.ErrorAnalysis != nil {
		details["error_category"] = result.ErrorAnalysis.Category
		details["error_message"] = result.ErrorAnalysis.Message
	}
	if url := event.String("url"); url != "" {
		details["url"] = url
	}
	return queue.ContextUpdate{
		Kind:       KindAnalysis,
		SessionID:  event.SessionID,
		EventID:    event.ID,
		EventType:  string(event.Type),
		IssueTypes: types,
		Priority:   string(result.Priority),
		Summary:    fmt.Sprintf("%s event raised %s", event.Type, strings.Join(types, ", ")),
		Details:    details,
		CreatedAt:  result.AnalyzedAt,
	}, true
}

func FixUpdate(result model.FixResult) queue.ContextUpdate {
	actions := make([]string, 0, len(result.ActionsTaken))
	for _, taken := range result.ActionsTaken {
		actions = append(actions, taken.Action)
	}
	outcome := "failed"
	if result.Success {
		outcome = "applied"
	}
	return queue.ContextUpdate{
		Kind:       KindFix,
		SessionID:  result.SessionID,
		IssueTypes: []string{string(result.IssueType)},
		Summary:    fmt.Sprintf("auto-fix %s for %s", outcome, result.IssueType),
		Details: map[string]any{
			"success":    result.Success,
			"confidence": result.Confidence,
			"actions":    actions,
		},
		CreatedAt: result.Timestamp,
	}
}

package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"smartlog/internal/model"
)

type ActionItem struct {
	IssueType model.IssueType `json:"issue_type"`
	Severity  model.Severity  `json:"severity"`
	Action    string          `json:"action"`
}

type ReportMetrics struct {
	Analyses          int                       `json:"analyses"`
	Issues            int                       `json:"issues"`
	UrgentIssues      int                       `json:"urgent_issues"`
	Predictions       int                       `json:"predictions"`
	AverageConfidence float64                   `json:"average_confidence"`
	IssueCounts       map[model.IssueType]int   `json:"issue_counts"`
	PatternCounts     map[model.PatternType]int `json:"pattern_counts"`
}

type Report struct {
	Summary     string        `json:"summary"`
	ActionItems []ActionItem  `json:"action_items"`
	Metrics     ReportMetrics `json:"metrics"`
}

// GenerateReport summarizes analysis results without side effects.
func (a *Analyzer) GenerateReport(results ...model.AnalysisResult) Report {
	metrics := ReportMetrics{
		Analyses:      len(results),
		IssueCounts:   make(map[model.IssueType]int),
		PatternCounts: make(map[model.PatternType]int),
	}
	items := make([]ActionItem, 0)

	confidenceTotal := 0.0
	for _, result := range results {
		confidenceTotal += result.ConfidenceScore
		metrics.Predictions += len(result.Predictions)
		for _, pattern := range result.Patterns {
			metrics.PatternCounts[pattern.Type]++
		}
		for _, issue := range result.Issues {
			metrics.Issues++
			metrics.IssueCounts[issue.Type]++
			if issue.Severity.Urgent() {
				metrics.UrgentIssues++
			}
			items = append(items, ActionItem{
				IssueType: issue.Type,
				Severity:  issue.Severity,
				Action:    actionFor(issue),
			})
		}
	}
	if len(results) > 0 {
		metrics.AverageConfidence = model.ClampConfidence(confidenceTotal / float64(len(results)))
	}

	return Report{
		Summary:     summarize(metrics),
		ActionItems: items,
		Metrics:     metrics,
	}
}

func actionFor(issue model.Issue) string {
	if len(issue.Recommendations) > 0 {
		return issue.Recommendations[0]
	}
	if texts := issueRecommendations[issue.Type]; len(texts) > 0 {
		return texts[0]
	}
	return "Investigate " + strings.ReplaceAll(string(issue.Type), "_", " ")
}

func summarize(metrics ReportMetrics) string {
	if metrics.Analyses == 0 {
		return "No analyses available."
	}
	if metrics.Issues == 0 {
		return fmt.Sprintf("Analyzed %d events; no issues detected.", metrics.Analyses)
	}

	types := make([]string, 0, len(metrics.IssueCounts))
	for issueType := range metrics.IssueCounts {
		types = append(types, string(issueType))
	}
	sort.Slice(types, func(i, j int) bool {
		left, right := metrics.IssueCounts[model.IssueType(types[i])], metrics.IssueCounts[model.IssueType(types[j])]
		if left != right {
			return left > right
		}
		return types[i] < types[j]
	})

	return fmt.Sprintf(
		"Analyzed %d events; %d issues detected (%d urgent). Most frequent: %s.",
		metrics.Analyses,
		metrics.Issues,
		metrics.UrgentIssues,
		types[0],
	)
}

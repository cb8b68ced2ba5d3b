package analyzer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/detector"
	"smartlog/internal/model"
)

type PatternDetector interface {
	DetectEventPatterns(ctx context.Context, event model.Event) detector.Detection
	AnalyzeEventSequence(events []model.Event) detector.SequenceAnalysis
}

// Analyzer turns one event into an AnalysisResult using fixed rule tables.
type Analyzer struct {
	detector PatternDetector
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Analyzer)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		if now != nil {
			a.now = now
		}
	}
}

func New(patternDetector PatternDetector, opts ...Option) *Analyzer {
	a := &Analyzer{
		detector: patternDetector,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Analyzer) AnalyzeEvent(ctx context.Context, event model.Event) model.AnalysisResult {
	result := model.AnalysisResult{
		EventID:         event.ID,
		EventType:       event.Type,
		SessionID:       event.SessionID,
		AnalyzedAt:      a.now().UTC(),
		Classification:  classify(event),
		Issues:          make([]model.Issue, 0),
		Patterns:        make([]model.Pattern, 0),
		Predictions:     make([]model.Prediction, 0),
		Recommendations: make([]string, 0),
		Priority:        model.PriorityNormal,
	}

	if hasPerformanceMetrics(event) {
		result.Issues = mergeIssues(result.Issues, detector.PerformanceIssues(event))
	}

	if event.UserID != nil {
		result.Issues = mergeIssues(result.Issues, behaviorIssues(event))
	}

	if event.IsError() {
		errorAnalysis, issue := analyzeError(event)
		result.ErrorAnalysis = &errorAnalysis
		result.Issues = mergeIssues(result.Issues, []model.Issue{issue})
	}

	windowSize := 1
	if a.detector != nil {
		detection := a.detector.DetectEventPatterns(ctx, event)
		result.Patterns = append(result.Patterns, detection.Patterns...)
		result.Issues = mergeIssues(result.Issues, detection.Issues)
		windowSize = detection.WindowSize
	}

	result.Predictions = predict(result.Patterns)
	result.Recommendations = recommend(result.Issues)
	result.ConfidenceScore = confidenceScore(windowSize, result.Patterns)
	result.Priority, result.RequiresImmediateAction = prioritize(result.Issues)

	if result.RequiresImmediateAction {
		a.logger.Info("event requires immediate action",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.Type)),
			zap.Int("issues", len(result.Issues)),
			zap.String("priority", string(result.Priority)))
	}
	return result
}

func classify(event model.Event) model.Classification {
	switch {
	case event.IsError():
		return model.Classification{Category: "system", Severity: string(model.SeverityHigh)}
	case event.Type == model.EventPerformance:
		if load, ok := event.Float("load_time"); ok && load > SlowLoadSeconds {
			return model.Classification{Category: "system", Severity: string(model.SeverityMedium)}
		}
		return model.Classification{Category: "performance", Severity: "normal"}
	default:
		return model.Classification{Category: "user_interaction", Severity: "normal"}
	}
}

func hasPerformanceMetrics(event model.Event) bool {
	for _, key := range []string{"load_time", "api_response_time", "memory_usage", "response_time"} {
		if event.Has(key) {
			return true
		}
	}
	return false
}

func behaviorIssues(event model.Event) []model.Issue {
	clicks, ok := event.Float("click_frequency")
	if !ok || clicks <= RapidClickFrequency {
		return nil
	}
	return []model.Issue{{
		Type:            model.IssueUserFrustration,
		Severity:        model.SeverityMedium,
		Description:     fmt.Sprintf("Rapid clicking detected (%.0f clicks per second)", clicks),
		Confidence:      0.75,
		Recommendations: append([]string(nil), issueRecommendations[model.IssueUserFrustration]...),
	}}
}

func errorMessage(event model.Event) string {
	for _, key := range []string{"message", "error_message", "error"} {
		if message := event.String(key); message != "" {
			return message
		}
	}
	return ""
}

func analyzeError(event model.Event) (model.ErrorAnalysis, model.Issue) {
	message := errorMessage(event)
	category := categorizeError(message)

	analysis := model.ErrorAnalysis{
		Category:        category.name,
		Severity:        category.severity,
		Message:         message,
		PotentialCauses: append([]string(nil), category.causes...),
	}
	description := fmt.Sprintf("%s error", category.name)
	if message != "" {
		description = fmt.Sprintf("%s error: %s", category.name, message)
	}
	issue := model.Issue{
		Type:            category.issueType,
		Severity:        category.severity,
		Description:     description,
		Confidence:      0.85,
		Recommendations: append([]string(nil), issueRecommendations[category.issueType]...),
	}
	return analysis, issue
}

// mergeIssues appends incoming issues, keeping one issue per type with the
// higher confidence. Order of first appearance is kept.
func mergeIssues(current, incoming []model.Issue) []model.Issue {
	for _, issue := range incoming {
		issue.Confidence = model.ClampConfidence(issue.Confidence)
		replaced := false
		for i := range current {
			if current[i].Type != issue.Type {
				continue
			}
			if issue.Confidence > current[i].Confidence {
				current[i] = issue
			}
			replaced = true
			break
		}
		if !replaced {
			current = append(current, issue)
		}
	}
	return current
}

func predict(patterns []model.Pattern) []model.Prediction {
	predictions := make([]model.Prediction, 0)
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		rule, ok := predictionRules[pattern.Type]
		if !ok {
			continue
		}
		if _, dup := seen[rule.prediction]; dup {
			continue
		}
		seen[rule.prediction] = struct{}{}
		predictions = append(predictions, model.Prediction{
			Type:        rule.prediction,
			Probability: rule.probability,
			Timeframe:   rule.timeframe,
			Impact:      rule.impact,
			Description: rule.description,
		})
	}
	return predictions
}

func recommend(issues []model.Issue) []string {
	recommendations := make([]string, 0)
	seen := make(map[string]struct{})
	add := func(text string) {
		if _, dup := seen[text]; dup || text == "" {
			return
		}
		seen[text] = struct{}{}
		recommendations = append(recommendations, text)
	}
	for _, issue := range issues {
		for _, text := range issueRecommendations[issue.Type] {
			add(text)
		}
		for _, text := range issue.Recommendations {
			add(text)
		}
	}
	return recommendations
}

func confidenceScore(windowSize int, patterns []model.Pattern) float64 {
	sufficiency := float64(windowSize) / SufficientEvents
	if sufficiency > 1 {
		sufficiency = 1
	}

	quality := DefaultPatternQuality
	if len(patterns) > 0 {
		strong := 0
		for _, pattern := range patterns {
			if pattern.Confidence > StrongPatternConfidence {
				strong++
			}
		}
		quality = float64(strong) / float64(len(patterns))
	}

	return model.ClampConfidence(
		sufficiency*DataSufficiencyWeight +
			quality*PatternQualityWeight +
			HistoricalMatchScore*HistoricalMatchWeight,
	)
}

func prioritize(issues []model.Issue) (model.Priority, bool) {
	for _, issue := range issues {
		if issue.Severity.Urgent() {
			return model.PriorityCritical, true
		}
	}
	if len(issues) > ManyIssues {
		return model.PriorityHigh, false
	}
	return model.PriorityNormal, false
}

package analyzer

import (
	"sort"

	"smartlog/internal/detector"
	"smartlog/internal/model"
)

const (
	EngagementEventsScale = 100.0
	AbandonmentErrorLimit = 3
	AbandonmentRisk       = 0.7
	FrustrationRiskLevel  = 0.6
)

type SessionAnalysis struct {
	DurationSeconds float64 `json:"duration_seconds"`
	EventCount      int     `json:"event_count"`
	ErrorCount      int     `json:"error_count"`
	UniquePages     int     `json:"unique_pages"`
	EngagementScore float64 `json:"engagement_score"`
}

type EmotionalState struct {
	Frustration  float64 `json:"frustration"`
	Confusion    float64 `json:"confusion"`
	Satisfaction float64 `json:"satisfaction"`
	Engagement   float64 `json:"engagement"`
	Dominant     string  `json:"dominant"`
}

type RiskFactor struct {
	Type        string  `json:"type"`
	Probability float64 `json:"probability"`
	Description string  `json:"description"`
}

type BehaviorAnalysis struct {
	UserID           *int64                    `json:"user_id"`
	SessionAnalysis  SessionAnalysis           `json:"session_analysis"`
	BehaviorPatterns detector.SequenceAnalysis `json:"behavior_patterns"`
	EmotionalState   EmotionalState            `json:"emotional_state"`
	RiskFactors      []RiskFactor              `json:"risk_factors"`
}

// Emotion weights are added per matching event and the totals clamped to [0, 1].
const (
	errorFrustrationWeight = 0.15
	rapidClickWeight       = 0.1
	pageRefreshWeight      = 0.05
	backButtonWeight       = 0.05
	longHoverWeight        = 0.1
	randomClickingWeight   = 0.15
	helpVisitedWeight      = 0.1
	completedActionWeight  = 0.1
	interactionWeight      = 0.02

	LongHoverMillis = 3000.0
)

// AnalyzeUserBehavior aggregates a user's events into session statistics, an
// emotion vector and risk factors.
func (a *Analyzer) AnalyzeUserBehavior(userID *int64, events []model.Event) BehaviorAnalysis {
	ordered := append([]model.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EffectiveTimestamp() < ordered[j].EffectiveTimestamp()
	})

	analysis := BehaviorAnalysis{
		UserID:          userID,
		SessionAnalysis: summarizeSession(ordered),
		EmotionalState:  emotionalState(ordered),
		RiskFactors:     make([]RiskFactor, 0),
	}
	if a.detector != nil {
		analysis.BehaviorPatterns = a.detector.AnalyzeEventSequence(ordered)
	} else {
		analysis.BehaviorPatterns = detector.SequenceAnalysis{
			SequencePatterns:   []model.Pattern{},
			BehavioralInsights: []detector.Insight{},
			Anomalies:          []detector.Anomaly{},
			Trends:             []detector.Trend{},
		}
	}

	if analysis.SessionAnalysis.ErrorCount > AbandonmentErrorLimit {
		analysis.RiskFactors = append(analysis.RiskFactors, RiskFactor{
			Type:        "abandonment_risk",
			Probability: AbandonmentRisk,
			Description: "Repeated errors make the user likely to abandon the session",
		})
	}
	if analysis.EmotionalState.Frustration > FrustrationRiskLevel {
		analysis.RiskFactors = append(analysis.RiskFactors, RiskFactor{
			Type:        "frustration_risk",
			Probability: analysis.EmotionalState.Frustration,
			Description: "User frustration is elevated",
		})
	}
	return analysis
}

func summarizeSession(events []model.Event) SessionAnalysis {
	summary := SessionAnalysis{EventCount: len(events)}
	if len(events) == 0 {
		return summary
	}

	pages := make(map[string]struct{})
	for _, event := range events {
		if event.IsError() {
			summary.ErrorCount++
		}
		if page := event.String("url"); page != "" {
			pages[page] = struct{}{}
		}
	}
	summary.UniquePages = len(pages)
	summary.DurationSeconds = events[len(events)-1].EffectiveTimestamp() - events[0].EffectiveTimestamp()
	if summary.DurationSeconds < 0 {
		summary.DurationSeconds = 0
	}
	summary.EngagementScore = model.ClampConfidence(float64(len(events)) / EngagementEventsScale)
	return summary
}

func emotionalState(events []model.Event) EmotionalState {
	var state EmotionalState
	for _, event := range events {
		if event.IsError() {
			state.Frustration += errorFrustrationWeight
		}
		if clicks, ok := event.Float("click_frequency"); ok && clicks > RapidClickFrequency {
			state.Frustration += rapidClickWeight
		}
		if event.Bool("is_page_refresh") {
			state.Frustration += pageRefreshWeight
		}
		if event.String("action") == "back_button" {
			state.Frustration += backButtonWeight
		}
		if hover, ok := event.Float("hover_duration"); ok && hover > LongHoverMillis {
			state.Confusion += longHoverWeight
		}
		if event.Bool("random_clicking") {
			state.Confusion += randomClickingWeight
		}
		if event.Bool("help_visited") {
			state.Confusion += helpVisitedWeight
		}
		switch event.Type {
		case model.EventFormSubmit, model.EventDownload, model.EventRegister, model.EventLogin:
			state.Satisfaction += completedActionWeight
		case model.EventClick, model.EventView, model.EventUserActivity, model.EventPageLoad:
			state.Engagement += interactionWeight
		}
	}

	state.Frustration = model.ClampConfidence(state.Frustration)
	state.Confusion = model.ClampConfidence(state.Confusion)
	state.Satisfaction = model.ClampConfidence(state.Satisfaction)
	state.Engagement = model.ClampConfidence(state.Engagement)
	state.Dominant = dominantEmotion(state)
	return state
}

func dominantEmotion(state EmotionalState) string {
	dominant, level := "neutral", 0.0
	for _, candidate := range []struct {
		name  string
		value float64
	}{
		{"frustration", state.Frustration},
		{"confusion", state.Confusion},
		{"satisfaction", state.Satisfaction},
		{"engagement", state.Engagement},
	} {
		if candidate.value > level {
			dominant, level = candidate.name, candidate.value
		}
	}
	return dominant
}

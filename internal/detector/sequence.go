package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"smartlog/internal/model"
)

const (
	SpikeFactor           = 3.0
	RepetitiveActionLimit = 10
	TrendFactor           = 1.5
	JourneyLoopVisits     = 3
)

type Anomaly struct {
	Timestamp     time.Time      `json:"timestamp"`
	Type          string         `json:"type"`
	Severity      model.Severity `json:"severity"`
	Description   string         `json:"description"`
	Metric        string         `json:"metric"`
	ActualValue   float64        `json:"actual_value"`
	ExpectedValue float64        `json:"expected_value"`
}

type Trend struct {
	Type          model.PatternType `json:"type"`
	Metric        string            `json:"metric"`
	FirstHalfAvg  float64           `json:"first_half_avg"`
	SecondHalfAvg float64           `json:"second_half_avg"`
	ChangePercent float64           `json:"change_percent"`
}

type Insight struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
}

type SequenceAnalysis struct {
	SequencePatterns   []model.Pattern `json:"sequence_patterns"`
	BehavioralInsights []Insight       `json:"behavioral_insights"`
	Anomalies          []Anomaly       `json:"anomalies"`
	Trends             []Trend         `json:"trends"`
}

// AnalyzeEventSequence looks for sequence-level signatures in events, which
// need not be sorted.
func (d *Detector) AnalyzeEventSequence(events []model.Event) SequenceAnalysis {
	ordered := append([]model.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EffectiveTimestamp() < ordered[j].EffectiveTimestamp()
	})
	detectedAt := d.now().UTC()

	analysis := SequenceAnalysis{
		SequencePatterns:   make([]model.Pattern, 0),
		BehavioralInsights: behavioralInsights(ordered),
		Anomalies:          activitySpikes(ordered),
		Trends:             make([]Trend, 0),
	}

	if pattern, ok := repetitiveActions(ordered, detectedAt); ok {
		analysis.SequencePatterns = append(analysis.SequencePatterns, pattern)
	}
	if pattern, ok := journeyLoop(ordered, detectedAt); ok {
		analysis.SequencePatterns = append(analysis.SequencePatterns, pattern)
	}
	if trend, ok := responseTimeTrend(ordered); ok {
		analysis.Trends = append(analysis.Trends, trend)
	}
	return analysis
}

// activitySpikes flags minutes whose event count exceeds SpikeFactor times
// the per-minute average over the sequence span.
func activitySpikes(events []model.Event) []Anomaly {
	anomalies := make([]Anomaly, 0)
	if len(events) == 0 {
		return anomalies
	}

	buckets := make(map[int64]int)
	first, last := int64(math.MaxInt64), int64(math.MinInt64)
	for _, event := range events {
		minute := int64(event.EffectiveTimestamp()) / 60
		buckets[minute]++
		first = min(first, minute)
		last = max(last, minute)
	}

	span := last - first + 1
	average := float64(len(events)) / float64(span)
	minutes := make([]int64, 0, len(buckets))
	for minute := range buckets {
		minutes = append(minutes, minute)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	for _, minute := range minutes {
		count := float64(buckets[minute])
		if count <= SpikeFactor*average {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Timestamp:     time.Unix(minute*60, 0).UTC(),
			Type:          string(model.PatternActivitySpike),
			Severity:      model.SeverityMedium,
			Description:   fmt.Sprintf("%d events in one minute against an average of %.1f", buckets[minute], average),
			Metric:        "events_per_minute",
			ActualValue:   count,
			ExpectedValue: average,
		})
	}
	return anomalies
}

func repetitiveActions(events []model.Event, detectedAt time.Time) (model.Pattern, bool) {
	counts := make(map[string]int)
	for _, event := range events {
		if action := event.String("action"); action != "" {
			counts[action]++
		}
	}

	topAction, topCount := "", 0
	for action, count := range counts {
		if count > topCount || (count == topCount && action < topAction) {
			topAction, topCount = action, count
		}
	}
	if topCount <= RepetitiveActionLimit {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:            model.PatternRepetitiveActions,
		Severity:        model.SeverityLow,
		Confidence:      model.ClampConfidence(float64(topCount) / (2 * RepetitiveActionLimit)),
		IndicatorsCount: topCount,
		Description:     fmt.Sprintf("Action %q repeated %d times", topAction, topCount),
		DetectedAt:      detectedAt,
		Recommendations: recommendationsFor(model.PatternRepetitiveActions),
		Details:         map[string]any{"action": topAction, "count": topCount},
	}, true
}

// journeyLoop reports a user bouncing between at most two pages.
func journeyLoop(events []model.Event, detectedAt time.Time) (model.Pattern, bool) {
	visits := make(map[string]int)
	order := make([]string, 0)
	for _, event := range events {
		if event.Type != model.EventPageLoad {
			continue
		}
		page := event.String("url")
		if page == "" {
			page = event.String("page")
		}
		if page == "" {
			continue
		}
		if len(order) > 0 && order[len(order)-1] == page {
			continue
		}
		visits[page]++
		order = append(order, page)
	}
	if len(visits) == 0 || len(visits) > 2 {
		return model.Pattern{}, false
	}

	loopPage, loopVisits := "", 0
	for page, count := range visits {
		if count > loopVisits || (count == loopVisits && page < loopPage) {
			loopPage, loopVisits = page, count
		}
	}
	if loopVisits < JourneyLoopVisits {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:            model.PatternUserJourneyAnomaly,
		Severity:        model.SeverityLow,
		Confidence:      0.6,
		IndicatorsCount: loopVisits,
		Description:     fmt.Sprintf("User returned to %s %d times", loopPage, loopVisits),
		DetectedAt:      detectedAt,
		Recommendations: recommendationsFor(model.PatternUserJourneyAnomaly),
		Details:         map[string]any{"page": loopPage, "visits": loopVisits},
	}, true
}

func responseTimeTrend(events []model.Event) (Trend, bool) {
	samples := make([]float64, 0, len(events))
	for _, event := range events {
		if value, ok := event.Float("response_time"); ok && value >= 0 {
			samples = append(samples, value)
		}
	}
	if len(samples) < 2 {
		return Trend{}, false
	}

	half := len(samples) / 2
	firstAvg := mean(samples[:half])
	secondAvg := mean(samples[half:])
	if firstAvg <= 0 || secondAvg <= firstAvg*TrendFactor {
		return Trend{}, false
	}
	return Trend{
		Type:          model.PatternPerformanceDegradation,
		Metric:        "response_time",
		FirstHalfAvg:  firstAvg,
		SecondHalfAvg: secondAvg,
		ChangePercent: (secondAvg - firstAvg) / firstAvg * 100,
	}, true
}

func behavioralInsights(events []model.Event) []Insight {
	insights := make([]Insight, 0)
	if len(events) == 0 {
		return insights
	}

	byType := make(map[model.EventType]int)
	errorCount := 0
	for _, event := range events {
		byType[event.Type]++
		if event.IsError() {
			errorCount++
		}
	}

	dominant, dominantCount := model.EventType(""), 0
	for eventType, count := range byType {
		if count > dominantCount || (count == dominantCount && eventType < dominant) {
			dominant, dominantCount = eventType, count
		}
	}
	insights = append(insights, Insight{
		Type:        "dominant_activity",
		Description: fmt.Sprintf("Most frequent event type is %s", dominant),
		Value:       float64(dominantCount) / float64(len(events)),
	})

	errorRate := float64(errorCount) / float64(len(events))
	if errorCount > 0 {
		insights = append(insights, Insight{
			Type:        "error_rate",
			Description: fmt.Sprintf("%d of %d events were errors", errorCount, len(events)),
			Value:       errorRate,
		})
	}

	span := events[len(events)-1].EffectiveTimestamp() - events[0].EffectiveTimestamp()
	if span > 0 {
		insights = append(insights, Insight{
			Type:        "activity_rate",
			Description: "Events per minute over the sequence",
			Value:       float64(len(events)) / (span / 60),
		})
	}
	return insights
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, value := range values {
		total += value
	}
	return total / float64(len(values))
}

package detector

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smartlog/internal/model"
)

const testSession = "sess_1700000000_0123456789abcdef0123456789abcdef"

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type stubCounter struct {
	count int
	err   error
	since time.Time
}

func (s *stubCounter) CountSessionEvents(_ context.Context, _ string, _ model.EventType, since time.Time) (int, error) {
	s.since = since
	return s.count, s.err
}

type stubSource struct {
	events []model.Event
}

func (s stubSource) RecentEvents(_ context.Context, _ string, limit int) ([]model.Event, error) {
	events := s.events
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]model.Event(nil), events...), nil
}

func newTestDetector(source EventSource, counter ErrorCounter) *Detector {
	return New(source, counter, WithClock(func() time.Time { return fixedNow }))
}

func clickWindow(n, rapid int) []model.Event {
	window := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		data := map[string]any{"click_frequency": 1.0}
		if i < rapid {
			data["click_frequency"] = 5.0
		}
		window = append(window, model.Event{
			Type:      model.EventClick,
			Timestamp: float64(1_700_000_000 + i),
			SessionID: testSession,
			Data:      data,
		})
	}
	return window
}

func findPattern(patterns []model.Pattern, patternType model.PatternType) (model.Pattern, bool) {
	for _, pattern := range patterns {
		if pattern.Type == patternType {
			return pattern, true
		}
	}
	return model.Pattern{}, false
}

func TestRapidClicksYieldFrustration(t *testing.T) {
	d := newTestDetector(nil, &stubCounter{})
	window := clickWindow(10, 4)

	detection := d.DetectInWindow(context.Background(), window[len(window)-1], window)

	pattern, ok := findPattern(detection.Patterns, model.PatternUserFrustration)
	require.True(t, ok)
	require.Equal(t, model.SeverityMedium, pattern.Severity)
	require.InDelta(t, 0.4, pattern.Confidence, 1e-9)
	require.Equal(t, 4, pattern.IndicatorsCount)
	require.Equal(t, model.IssueUserFrustration, detection.Issues[0].Type)
	require.InDelta(t, 0.4, detection.Confidence, 1e-9)
}

func TestTwoFrustrationIndicatorsAreIgnored(t *testing.T) {
	d := newTestDetector(nil, &stubCounter{})
	window := clickWindow(10, 2)

	detection := d.DetectInWindow(context.Background(), window[len(window)-1], window)

	_, ok := findPattern(detection.Patterns, model.PatternUserFrustration)
	require.False(t, ok)
	require.Zero(t, detection.Confidence)
}

func TestFrustrationOnlyLooksAtLastTenEvents(t *testing.T) {
	d := newTestDetector(nil, &stubCounter{})
	window := append(clickWindow(5, 5), clickWindow(10, 0)...)

	detection := d.DetectInWindow(context.Background(), window[len(window)-1], window)

	_, ok := findPattern(detection.Patterns, model.PatternUserFrustration)
	require.False(t, ok)
}

func TestConfusionIndicators(t *testing.T) {
	d := newTestDetector(nil, &stubCounter{})
	window := []model.Event{
		{Type: model.EventUserActivity, Data: map[string]any{"hover_duration": 4500.0}},
		{Type: model.EventClick, Data: map[string]any{"random_clicking": true}},
		{Type: model.EventPageLoad, Data: map[string]any{"url": "/help/getting-started"}},
	}

	detection := d.DetectInWindow(context.Background(), window[2], window)

	pattern, ok := findPattern(detection.Patterns, model.PatternUserConfusion)
	require.True(t, ok)
	require.InDelta(t, 0.6, pattern.Confidence, 1e-9)
}

func TestFormAbandonmentWindow(t *testing.T) {
	d := newTestDetector(nil, &stubCounter{})
	base := float64(1_700_000_000)

	cases := []struct {
		name    string
		elapsed float64
		want    bool
	}{
		{name: "too early", elapsed: 10, want: false},
		{name: "abandoned", elapsed: 120, want: true},
		{name: "stale", elapsed: 600, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := model.Event{
				Type:      model.EventUserActivity,
				Timestamp: base,
				Data: map[string]any{
					"form_started":    true,
					"form_start_time": (base - tc.elapsed) * 1000,
				},
			}
			detection := d.DetectInWindow(context.Background(), event, []model.Event{event})
			pattern, ok := findPattern(detection.Patterns, model.PatternFormAbandonment)
			require.Equal(t, tc.want, ok)
			if ok {
				require.Equal(t, model.SeverityHigh, pattern.Severity)
				require.Equal(t, FormAbandonConfidence, pattern.Confidence)
			}
		})
	}
}

func TestSlowResponseAndThresholdIssues(t *testing.T) {
	d := newTestDetector(nil, &stubCounter{})
	event := model.Event{
		Type: model.EventPerformance,
		Data: map[string]any{
			"response_time":     2500.0,
			"load_time":         3.4,
			"api_response_time": 2.1,
			"memory_usage":      float64(60 * 1024 * 1024),
		},
	}

	detection := d.DetectInWindow(context.Background(), event, []model.Event{event})

	pattern, ok := findPattern(detection.Patterns, model.PatternPerformanceDegradation)
	require.True(t, ok)
	require.Equal(t, PerformanceConfidence, pattern.Confidence)

	types := make([]model.IssueType, 0, len(detection.Issues))
	for _, issue := range detection.Issues {
		types = append(types, issue.Type)
	}
	require.ElementsMatch(t, []model.IssueType{
		model.IssuePerformanceDegradation,
		model.IssueSlowPageLoad,
		model.IssueSlowAPIResponse,
		model.IssueHighMemoryUsage,
	}, types)
}

func TestErrorCascadeThreshold(t *testing.T) {
	event := model.Event{Type: model.EventError, SessionID: testSession}

	counter := &stubCounter{count: 3}
	detection := newTestDetector(nil, counter).DetectInWindow(context.Background(), event, []model.Event{event})
	pattern, ok := findPattern(detection.Patterns, model.PatternErrorCascade)
	require.True(t, ok)
	require.Equal(t, model.SeverityHigh, pattern.Severity)
	require.Equal(t, CascadeConfidence, pattern.Confidence)
	require.True(t, counter.since.Equal(fixedNow.Add(-300*time.Second)))

	detection = newTestDetector(nil, &stubCounter{count: 2}).DetectInWindow(context.Background(), event, []model.Event{event})
	_, ok = findPattern(detection.Patterns, model.PatternErrorCascade)
	require.False(t, ok)
}

func TestErrorCascadeFallsBackToWindow(t *testing.T) {
	window := []model.Event{
		{Type: model.EventError, Timestamp: 1_700_000_000, SessionID: testSession},
		{Type: model.EventError, Timestamp: 1_700_000_100, SessionID: testSession},
		{Type: model.EventError, Timestamp: 1_700_000_200, SessionID: testSession},
	}
	d := newTestDetector(nil, &stubCounter{err: errors.New("database unavailable")})

	detection := d.DetectInWindow(context.Background(), window[2], window)
	_, ok := findPattern(detection.Patterns, model.PatternErrorCascade)
	require.True(t, ok)

	window[0].Timestamp = 1_699_999_000
	detection = d.DetectInWindow(context.Background(), window[2], window)
	_, ok = findPattern(detection.Patterns, model.PatternErrorCascade)
	require.False(t, ok)
}

func TestDetectEventPatternsLoadsSessionWindow(t *testing.T) {
	window := clickWindow(9, 3)
	current := clickWindow(1, 1)[0]
	current.ID = "evt-current"
	d := newTestDetector(stubSource{events: window}, &stubCounter{})

	detection := d.DetectEventPatterns(context.Background(), current)

	require.Equal(t, 10, detection.WindowSize)
	pattern, ok := findPattern(detection.Patterns, model.PatternUserFrustration)
	require.True(t, ok)
	require.InDelta(t, 0.4, pattern.Confidence, 1e-9)

	withCurrentStored := append(clickWindow(9, 3), current)
	detection = newTestDetector(stubSource{events: withCurrentStored}, &stubCounter{}).DetectEventPatterns(context.Background(), current)
	require.Equal(t, 10, detection.WindowSize)
}

func TestConfidenceAlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []model.EventType{model.EventClick, model.EventError, model.EventPerformance, model.EventPageLoad, model.EventUserActivity}
	d := newTestDetector(nil, nil)

	for iteration := 0; iteration < 500; iteration++ {
		size := 1 + rng.Intn(WindowSize)
		window := make([]model.Event, 0, size)
		for i := 0; i < size; i++ {
			window = append(window, model.Event{
				Type:      types[rng.Intn(len(types))],
				Timestamp: float64(1_700_000_000 + rng.Intn(900)),
				Data: map[string]any{
					"click_frequency":       rng.Float64() * 10,
					"is_page_refresh":       rng.Intn(2) == 0,
					"hover_duration":        rng.Float64() * 8000,
					"random_clicking":       rng.Intn(3) == 0,
					"page_switch_frequency": rng.Float64() * 10,
					"response_time":         rng.Float64() * 5000,
					"action":                []string{"back_button", "save", "next"}[rng.Intn(3)],
				},
			})
		}

		detection := d.DetectInWindow(context.Background(), window[size-1], window)
		require.GreaterOrEqual(t, detection.Confidence, 0.0)
		require.LessOrEqual(t, detection.Confidence, 1.0)
		for _, pattern := range detection.Patterns {
			require.GreaterOrEqual(t, pattern.Confidence, 0.0)
			require.LessOrEqual(t, pattern.Confidence, 1.0)
		}
		for _, pattern := range d.AnalyzeEventSequence(window).SequencePatterns {
			require.GreaterOrEqual(t, pattern.Confidence, 0.0)
			require.LessOrEqual(t, pattern.Confidence, 1.0)
		}
	}
}

func TestAnalyzeEventSequence(t *testing.T) {
	d := newTestDetector(nil, nil)
	events := make([]model.Event, 0)

	// Quiet background: one event per minute for ten minutes.
	for minute := 0; minute < 10; minute++ {
		events = append(events, model.Event{
			Type:      model.EventAPICall,
			Timestamp: float64(1_700_000_000 + minute*60),
			Data:      map[string]any{"response_time": 200.0},
		})
	}
	// Burst of twelve identical saves in minute ten, with slow responses.
	for i := 0; i < 12; i++ {
		events = append(events, model.Event{
			Type:      model.EventClick,
			Timestamp: float64(1_700_000_600 + i),
			Data:      map[string]any{"action": "save", "response_time": 900.0},
		})
	}

	analysis := d.AnalyzeEventSequence(events)

	require.NotEmpty(t, analysis.Anomalies)
	require.Equal(t, string(model.PatternActivitySpike), analysis.Anomalies[0].Type)

	pattern, ok := findPattern(analysis.SequencePatterns, model.PatternRepetitiveActions)
	require.True(t, ok)
	require.Equal(t, 12, pattern.IndicatorsCount)

	require.Len(t, analysis.Trends, 1)
	require.Equal(t, model.PatternPerformanceDegradation, analysis.Trends[0].Type)
	require.Greater(t, analysis.Trends[0].ChangePercent, 50.0)
}

func TestJourneyLoop(t *testing.T) {
	d := newTestDetector(nil, nil)
	pages := []string{"/cart", "/checkout", "/cart", "/checkout", "/cart"}
	events := make([]model.Event, 0, len(pages))
	for i, page := range pages {
		events = append(events, model.Event{
			Type:      model.EventPageLoad,
			Timestamp: float64(1_700_000_000 + i*5),
			Data:      map[string]any{"url": page},
		})
	}

	analysis := d.AnalyzeEventSequence(events)

	pattern, ok := findPattern(analysis.SequencePatterns, model.PatternUserJourneyAnomaly)
	require.True(t, ok)
	require.Equal(t, 3, pattern.IndicatorsCount)
}

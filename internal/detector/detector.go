package detector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/model"
)

// EventSource supplies the recent window of a session, oldest first.
type EventSource interface {
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]model.Event, error)
}

// ErrorCounter counts persisted events of a type for a session since a time.
type ErrorCounter interface {
	CountSessionEvents(ctx context.Context, sessionID string, eventType model.EventType, since time.Time) (int, error)
}

type Detection struct {
	Patterns   []model.Pattern `json:"patterns"`
	Issues     []model.Issue   `json:"issues"`
	Confidence float64         `json:"confidence"`
	WindowSize int             `json:"window_size"`
}

type Detector struct {
	events EventSource
	errors ErrorCounter
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Detector)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a detector. Either collaborator may be nil; the window then
// consists of the event alone and cascades are counted within the window.
func New(events EventSource, errors ErrorCounter, opts ...Option) *Detector {
	d := &Detector{
		events: events,
		errors: errors,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectEventPatterns loads the session window around event and runs the
// per-event rules over it.
func (d *Detector) DetectEventPatterns(ctx context.Context, event model.Event) Detection {
	return d.DetectInWindow(ctx, event, d.loadWindow(ctx, event))
}

func (d *Detector) loadWindow(ctx context.Context, event model.Event) []model.Event {
	if d.events == nil || event.SessionID == "" {
		return []model.Event{event}
	}
	window, err := d.events.RecentEvents(ctx, event.SessionID, WindowSize)
	if err != nil {
		d.logger.Warn("pattern window unavailable",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return []model.Event{event}
	}
	return withCurrent(window, event)
}

// withCurrent makes sure the analyzed event closes the window exactly once.
func withCurrent(window []model.Event, event model.Event) []model.Event {
	if n := len(window); n > 0 && event.ID != "" && window[n-1].ID == event.ID {
		return window
	}
	window = append(window, event)
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}
	return window
}

// DetectInWindow runs the per-event rules over an explicit window whose last
// element is the event being analyzed.
func (d *Detector) DetectInWindow(ctx context.Context, event model.Event, window []model.Event) Detection {
	detectedAt := d.now().UTC()
	patterns := make([]model.Pattern, 0)

	if pattern, ok := detectFrustration(window, detectedAt); ok {
		patterns = append(patterns, pattern)
	}
	if pattern, ok := detectConfusion(window, detectedAt); ok {
		patterns = append(patterns, pattern)
	}
	if pattern, ok := detectFormAbandonment(event, detectedAt); ok {
		patterns = append(patterns, pattern)
	}
	if pattern, ok := detectSlowResponse(event, detectedAt); ok {
		patterns = append(patterns, pattern)
	}
	if pattern, ok := d.detectErrorCascade(ctx, event, window, detectedAt); ok {
		patterns = append(patterns, pattern)
	}

	issues := make([]model.Issue, 0, len(patterns))
	for _, pattern := range patterns {
		issues = append(issues, model.IssueFromPattern(pattern))
	}
	issues = append(issues, PerformanceIssues(event)...)

	return Detection{
		Patterns:   patterns,
		Issues:     issues,
		Confidence: meanConfidence(patterns),
		WindowSize: len(window),
	}
}

func detectFrustration(window []model.Event, detectedAt time.Time) (model.Pattern, bool) {
	indicators := 0
	for _, event := range tail(window, FrustrationWindow) {
		indicators += frustrationIndicators(event)
	}
	if indicators < FrustrationMinIndicators {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:            model.PatternUserFrustration,
		Severity:        model.SeverityMedium,
		Confidence:      model.ClampConfidence(float64(indicators) / float64(FrustrationWindow)),
		IndicatorsCount: indicators,
		Description:     fmt.Sprintf("User shows signs of frustration (%d indicators)", indicators),
		DetectedAt:      detectedAt,
		Recommendations: recommendationsFor(model.PatternUserFrustration),
	}, true
}

func detectConfusion(window []model.Event, detectedAt time.Time) (model.Pattern, bool) {
	indicators := 0
	for _, event := range tail(window, ConfusionWindow) {
		indicators += confusionIndicators(event)
	}
	if indicators < ConfusionMinIndicators {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:            model.PatternUserConfusion,
		Severity:        model.SeverityMedium,
		Confidence:      model.ClampConfidence(float64(indicators) / 5),
		IndicatorsCount: indicators,
		Description:     fmt.Sprintf("User appears confused (%d indicators)", indicators),
		DetectedAt:      detectedAt,
		Recommendations: recommendationsFor(model.PatternUserConfusion),
	}, true
}

func detectFormAbandonment(event model.Event, detectedAt time.Time) (model.Pattern, bool) {
	if !event.Bool("form_started") || event.Bool("form_completed") {
		return model.Pattern{}, false
	}
	started, ok := event.Float("form_start_time")
	if !ok || started <= 0 {
		return model.Pattern{}, false
	}
	if started > 1e11 {
		started /= 1000
	}

	reference := event.EffectiveTimestamp()
	if reference <= 0 {
		reference = model.FloatUnix(detectedAt)
	}
	elapsed := reference - started
	if elapsed <= FormAbandonMinSeconds || elapsed >= FormAbandonMaxSeconds {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:            model.PatternFormAbandonment,
		Severity:        model.SeverityHigh,
		Confidence:      FormAbandonConfidence,
		IndicatorsCount: 1,
		Description:     fmt.Sprintf("Form started %.0f seconds ago and not completed", elapsed),
		DetectedAt:      detectedAt,
		Recommendations: recommendationsFor(model.PatternFormAbandonment),
		Details:         map[string]any{"elapsed_seconds": elapsed},
	}, true
}

func detectSlowResponse(event model.Event, detectedAt time.Time) (model.Pattern, bool) {
	responseTime, ok := event.Float("response_time")
	if !ok || responseTime <= SlowResponseMillis {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:            model.PatternPerformanceDegradation,
		Severity:        model.SeverityMedium,
		Confidence:      PerformanceConfidence,
		IndicatorsCount: 1,
		Description:     fmt.Sprintf("Response time %.0fms exceeded %.0fms", responseTime, SlowResponseMillis),
		DetectedAt:      detectedAt,
		Recommendations: recommendationsFor(model.PatternPerformanceDegradation),
		Details:         map[string]any{"response_time": responseTime},
	}, true
}

func (d *Detector) detectErrorCascade(ctx context.Context, event model.Event, window []model.Event, detectedAt time.Time) (model.Pattern, bool) {
	errorCount := -1
	if d.errors != nil && event.SessionID != "" {
		since := detectedAt.Add(-CascadeWindowSeconds * time.Second)
		count, err := d.errors.CountSessionEvents(ctx, event.SessionID, model.EventError, since)
		if err != nil {
			d.logger.Warn("error cascade count failed, using session window",
				zap.String("session_id", event.SessionID),
				zap.Error(err))
		} else {
			errorCount = count
		}
	}
	if errorCount < 0 {
		errorCount = recentErrorsInWindow(window, event)
	}

	if errorCount < CascadeMinErrors {
		return model.Pattern{}, false
	}
	return model.Pattern{
		Type:            model.PatternErrorCascade,
		Severity:        model.SeverityHigh,
		Confidence:      CascadeConfidence,
		IndicatorsCount: errorCount,
		Description:     fmt.Sprintf("%d errors within %d seconds", errorCount, CascadeWindowSeconds),
		DetectedAt:      detectedAt,
		Recommendations: recommendationsFor(model.PatternErrorCascade),
	}, true
}

func recentErrorsInWindow(window []model.Event, event model.Event) int {
	reference := event.EffectiveTimestamp()
	count := 0
	for _, candidate := range window {
		if !candidate.IsError() {
			continue
		}
		if reference > 0 && reference-candidate.EffectiveTimestamp() > CascadeWindowSeconds {
			continue
		}
		count++
	}
	return count
}

func tail(events []model.Event, n int) []model.Event {
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}

func meanConfidence(patterns []model.Pattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	total := 0.0
	for _, pattern := range patterns {
		total += pattern.Confidence
	}
	return model.ClampConfidence(total / float64(len(patterns)))
}

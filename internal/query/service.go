package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/analyzer"
	"smartlog/internal/detector"
	"smartlog/internal/model"
	"smartlog/internal/store"
)

const (
	RealTimeWindow     = 20
	ActiveWithin       = 60 * time.Second
	IdleWithin         = 300 * time.Second
	DegradedRate       = 0.2
	CriticalRate       = 0.5
	UserEventLimit     = 1000
	TopRecommendations = 10
)

type SessionReader interface {
	GetSessionData(ctx context.Context, sessionID string) (model.Session, error)
	GetSessionEvents(ctx context.Context, sessionID, filter string) ([]model.Event, error)
	GetAnalyses(ctx context.Context, sessionID string) ([]model.AnalysisResult, error)
}

type UserHistory interface {
	ListUserEvents(ctx context.Context, userID int64, since time.Time, limit int) ([]model.Event, error)
	ListUserSessions(ctx context.Context, userID int64, since time.Time) ([]store.SessionSummary, error)
}

type BehaviorAnalyzer interface {
	AnalyzeUserBehavior(userID *int64, events []model.Event) analyzer.BehaviorAnalysis
	GenerateReport(results ...model.AnalysisResult) analyzer.Report
}

type WindowDetector interface {
	DetectInWindow(ctx context.Context, event model.Event, window []model.Event) detector.Detection
}

type Request struct {
	SessionID string
	UserID    *int64
	Type      Type
	Timeframe time.Duration
}

// Result is found=false with a message when there is nothing to report.
type Result struct {
	Type     Type   `json:"type"`
	Found    bool   `json:"found"`
	Message  string `json:"message,omitempty"`
	Analysis any    `json:"data,omitempty"`
}

type CurrentSession struct {
	SessionID           string                    `json:"session_id"`
	Status              model.SessionStatus       `json:"status"`
	DurationSeconds     float64                   `json:"duration_seconds"`
	EventsCount         int                       `json:"events_count"`
	ErrorsCount         int                       `json:"errors_count"`
	ExpiresAt           time.Time                 `json:"expires_at"`
	Behavior            analyzer.BehaviorAnalysis `json:"behavior_analysis"`
	PerformanceInsights Performance               `json:"performance_insights"`
	Recommendations     []string                  `json:"recommendations"`
}

type UserBehavior struct {
	UserID    *int64                    `json:"user_id"`
	Timeframe string                    `json:"timeframe"`
	Sessions  []store.SessionSummary    `json:"sessions"`
	Behavior  analyzer.BehaviorAnalysis `json:"behavior_analysis"`
}

type SystemHealth struct {
	Status    string  `json:"status"`
	ErrorRate float64 `json:"error_rate"`
}

type RealTime struct {
	Status                string                  `json:"current_status"`
	LastEventAt           time.Time               `json:"last_event_at"`
	SecondsSinceLastEvent float64                 `json:"seconds_since_last_event"`
	RecentEvents          int                     `json:"recent_events"`
	Patterns              []model.Pattern         `json:"detected_patterns"`
	ImmediateIssues       []model.Issue           `json:"immediate_issues"`
	EmotionalState        analyzer.EmotionalState `json:"user_emotional_state"`
	SystemHealth          SystemHealth            `json:"system_health"`
}

type Recommendations struct {
	Items  []string        `json:"recommendations"`
	Report analyzer.Report `json:"report"`
}

// Service answers read-only analysis queries over the session files and the
// relational log.
type Service struct {
	sessions SessionReader
	users    UserHistory
	analyzer BehaviorAnalyzer
	detector WindowDetector
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(sessions SessionReader, users UserHistory, behavior BehaviorAnalyzer, windows WindowDetector, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		users:    users,
		analyzer: behavior,
		detector: windows,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Analyze(ctx context.Context, req Request) (Result, error) {
	if req.SessionID == "" && req.UserID == nil {
		return Result{}, &model.ValidationError{Message: "session_id or user_id is required"}
	}
	if req.Type == "" {
		req.Type = TypeCurrentSession
	}
	if req.Timeframe <= 0 {
		req.Timeframe = DefaultTimeframe
	}

	var (
		analysis any
		err      error
	)
	switch req.Type {
	case TypeCurrentSession:
		analysis, err = s.currentSession(ctx, req)
	case TypeUserBehavior:
		analysis, err = s.userBehavior(ctx, req)
	case TypeRealTime:
		analysis, err = s.realTime(ctx, req)
	case TypePerformance:
		analysis, err = s.performance(ctx, req)
	case TypeRecommendations:
		analysis, err = s.recommendations(ctx, req)
	default:
		return Result{}, &model.ValidationError{Field: "type", Message: fmt.Sprintf("unknown analysis type %q", req.Type)}
	}

	result := Result{Type: req.Type}
	switch {
	case errors.Is(err, model.ErrNotFound):
		result.Message = notFoundMessage(req)
		return result, nil
	case errors.Is(err, errNoActivity):
		result.Message = "no recent activity"
		return result, nil
	case err != nil:
		return Result{}, err
	}
	result.Found = true
	result.Analysis = analysis
	return result, nil
}

var errNoActivity = errors.New("no recent activity")

func notFoundMessage(req Request) string {
	if req.SessionID != "" {
		return "session not found"
	}
	return "user not found"
}

// sessionID resolves the session to read: the explicit one, otherwise the
// user's most recently updated session.
func (s *Service) sessionID(ctx context.Context, req Request) (string, error) {
	if req.SessionID != "" {
		return req.SessionID, nil
	}
	if s.users == nil {
		return "", model.ErrNotFound
	}
	summaries, err := s.users.ListUserSessions(ctx, *req.UserID, s.now().Add(-req.Timeframe))
	if err != nil {
		return "", model.Persistence("list user sessions", err)
	}
	if len(summaries) == 0 {
		return "", model.ErrNotFound
	}
	latest := summaries[0]
	for _, summary := range summaries[1:] {
		if summary.UpdatedAt.After(latest.UpdatedAt) {
			latest = summary
		}
	}
	return latest.ID, nil
}

// events loads the subject's events within the timeframe, oldest first.
func (s *Service) events(ctx context.Context, req Request) ([]model.Event, error) {
	since := s.now().Add(-req.Timeframe)

	if req.SessionID != "" {
		all, err := s.sessions.GetSessionEvents(ctx, req.SessionID, "all")
		if err != nil {
			return nil, err
		}
		return within(all, since), nil
	}

	if s.users == nil {
		return nil, model.ErrNotFound
	}
	events, err := s.users.ListUserEvents(ctx, *req.UserID, since, UserEventLimit)
	if err != nil {
		return nil, model.Persistence("list user events", err)
	}
	if len(events) == 0 {
		return nil, model.ErrNotFound
	}
	return events, nil
}

func within(events []model.Event, since time.Time) []model.Event {
	filtered := make([]model.Event, 0, len(events))
	for _, event := range events {
		if !event.Time().Before(since) {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

func (s *Service) currentSession(ctx context.Context, req Request) (CurrentSession, error) {
	id, err := s.sessionID(ctx, req)
	if err != nil {
		return CurrentSession{}, err
	}
	meta, err := s.sessions.GetSessionData(ctx, id)
	if err != nil {
		return CurrentSession{}, err
	}
	events, err := s.sessions.GetSessionEvents(ctx, id, "all")
	if err != nil {
		return CurrentSession{}, err
	}
	analyses := s.analyses(ctx, id)

	behavior := s.analyzer.AnalyzeUserBehavior(meta.UserID, events)
	performance := analyzePerformance(events)
	return CurrentSession{
		SessionID:           meta.ID,
		Status:              meta.Status,
		DurationSeconds:     meta.Duration().Seconds(),
		EventsCount:         meta.EventsCount,
		ErrorsCount:         meta.ErrorsCount,
		ExpiresAt:           meta.ExpiresAt,
		Behavior:            behavior,
		PerformanceInsights: performance,
		Recommendations:     collectRecommendations(analyses, behavior, performance),
	}, nil
}

func (s *Service) userBehavior(ctx context.Context, req Request) (UserBehavior, error) {
	events, err := s.events(ctx, req)
	if err != nil {
		return UserBehavior{}, err
	}
	if len(events) == 0 {
		return UserBehavior{}, errNoActivity
	}

	userID := req.UserID
	sessions := make([]store.SessionSummary, 0)
	if userID != nil && s.users != nil {
		summaries, err := s.users.ListUserSessions(ctx, *userID, s.now().Add(-req.Timeframe))
		if err != nil {
			s.logger.Warn("user sessions unavailable", zap.Int64("user_id", *userID), zap.Error(err))
		} else {
			sessions = summaries
		}
	}
	if userID == nil {
		userID = firstUserID(events)
	}

	return UserBehavior{
		UserID:    userID,
		Timeframe: req.Timeframe.String(),
		Sessions:  sessions,
		Behavior:  s.analyzer.AnalyzeUserBehavior(userID, events),
	}, nil
}

func (s *Service) realTime(ctx context.Context, req Request) (RealTime, error) {
	events, err := s.events(ctx, req)
	if err != nil {
		return RealTime{}, err
	}
	if len(events) == 0 {
		return RealTime{}, errNoActivity
	}
	if len(events) > RealTimeWindow {
		events = events[len(events)-RealTimeWindow:]
	}

	last := events[len(events)-1]
	since := s.now().Sub(last.Time())
	if since < 0 {
		since = 0
	}

	status := RealTime{
		Status:                activityStatus(since),
		LastEventAt:           last.Time(),
		SecondsSinceLastEvent: since.Seconds(),
		RecentEvents:          len(events),
		Patterns:              []model.Pattern{},
		ImmediateIssues:       []model.Issue{},
		EmotionalState:        s.analyzer.AnalyzeUserBehavior(req.UserID, events).EmotionalState,
		SystemHealth:          systemHealth(events),
	}
	if s.detector != nil {
		detection := s.detector.DetectInWindow(ctx, last, events)
		status.Patterns = detection.Patterns
		for _, issue := range detection.Issues {
			if issue.Severity.Urgent() {
				status.ImmediateIssues = append(status.ImmediateIssues, issue)
			}
		}
	}
	return status, nil
}

func activityStatus(since time.Duration) string {
	switch {
	case since < ActiveWithin:
		return "active"
	case since < IdleWithin:
		return "idle"
	default:
		return "inactive"
	}
}

func systemHealth(events []model.Event) SystemHealth {
	rate := errorRate(events)
	health := SystemHealth{Status: "healthy", ErrorRate: rate}
	switch {
	case rate > CriticalRate:
		health.Status = "critical"
	case rate > DegradedRate:
		health.Status = "degraded"
	}
	return health
}

func (s *Service) performance(ctx context.Context, req Request) (Performance, error) {
	events, err := s.events(ctx, req)
	if err != nil {
		return Performance{}, err
	}
	if len(events) == 0 {
		return Performance{}, errNoActivity
	}
	return analyzePerformance(events), nil
}

func (s *Service) recommendations(ctx context.Context, req Request) (Recommendations, error) {
	events, err := s.events(ctx, req)
	if err != nil {
		return Recommendations{}, err
	}

	var analyses []model.AnalysisResult
	if req.SessionID != "" {
		analyses = s.analyses(ctx, req.SessionID)
	}
	if len(events) == 0 && len(analyses) == 0 {
		return Recommendations{}, errNoActivity
	}

	behavior := s.analyzer.AnalyzeUserBehavior(req.UserID, events)
	return Recommendations{
		Items:  collectRecommendations(analyses, behavior, analyzePerformance(events)),
		Report: s.analyzer.GenerateReport(analyses...),
	}, nil
}

func (s *Service) analyses(ctx context.Context, sessionID string) []model.AnalysisResult {
	analyses, err := s.sessions.GetAnalyses(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session analyses unavailable", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return analyses
}

// collectRecommendations ranks stored analysis advice by frequency and appends
// advice derived from behavior and performance.
func collectRecommendations(analyses []model.AnalysisResult, behavior analyzer.BehaviorAnalysis, performance Performance) []string {
	counts := make(map[string]int)
	order := make([]string, 0)
	add := func(text string) {
		if text == "" {
			return
		}
		if _, seen := counts[text]; !seen {
			order = append(order, text)
		}
		counts[text]++
	}

	for _, analysis := range analyses {
		for _, text := range analysis.Recommendations {
			add(text)
		}
	}
	for _, risk := range behavior.RiskFactors {
		add(riskAdvice[risk.Type])
	}
	for _, bottleneck := range performance.Bottlenecks {
		add(fmt.Sprintf("Investigate slow responses from %s (avg %.0fms)", bottleneck.Target, bottleneck.AverageMs))
	}
	if performance.Trend == TrendDegrading {
		add("Response times are rising; review recent deployments")
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > TopRecommendations {
		order = order[:TopRecommendations]
	}
	return order
}

var riskAdvice = map[string]string{
	"abandonment_risk": "Reduce errors on the user's path to prevent abandonment",
	"frustration_risk": "Offer contextual help to frustrated users",
}

func firstUserID(events []model.Event) *int64 {
	for _, event := range events {
		if event.UserID != nil {
			return event.UserID
		}
	}
	return nil
}

func errorRate(events []model.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	errorsSeen := 0
	for _, event := range events {
		if event.IsError() {
			errorsSeen++
		}
	}
	return float64(errorsSeen) / float64(len(events))
}

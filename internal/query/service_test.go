package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smartlog/internal/analyzer"
	"smartlog/internal/detector"
	"smartlog/internal/model"
	"smartlog/internal/session"
	"smartlog/internal/store"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type memoryUsers struct {
	events   map[int64][]model.Event
	sessions map[int64][]store.SessionSummary
}

func (m *memoryUsers) ListUserEvents(_ context.Context, userID int64, since time.Time, limit int) ([]model.Event, error) {
	var events []model.Event
	for _, event := range m.events[userID] {
		if !event.Time().Before(since) {
			events = append(events, event)
		}
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (m *memoryUsers) ListUserSessions(_ context.Context, userID int64, _ time.Time) ([]store.SessionSummary, error) {
	return m.sessions[userID], nil
}

type fixture struct {
	service  *Service
	sessions *session.Store
	users    *memoryUsers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return fixedNow }

	sessions, err := session.NewStore(t.TempDir(), session.WithClock(clock))
	require.NoError(t, err)

	users := &memoryUsers{events: map[int64][]model.Event{}, sessions: map[int64][]store.SessionSummary{}}
	d := detector.New(sessions, nil, detector.WithClock(clock))
	a := analyzer.New(d, analyzer.WithClock(clock))
	return &fixture{
		service:  New(sessions, users, a, d, WithClock(clock)),
		sessions: sessions,
		users:    users,
	}
}

func (f *fixture) seedSession(t *testing.T, events ...model.Event) string {
	t.Helper()
	ctx := context.Background()
	meta, _, err := f.sessions.InitializeSession(ctx, session.RequestContext{})
	require.NoError(t, err)
	for _, event := range events {
		event.SessionID = meta.ID
		_, err := f.sessions.AppendEvent(ctx, meta.ID, event)
		require.NoError(t, err)
	}
	return meta.ID
}

func at(offset time.Duration) float64 {
	return model.FloatUnix(fixedNow.Add(offset))
}

func TestAnalyzeRequiresSubject(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Analyze(context.Background(), Request{Type: TypeRealTime})
	require.True(t, model.IsValidation(err))
}

func TestMissingSubjectsAreNotFound(t *testing.T) {
	f := newFixture(t)
	missing := int64(404)

	for _, kind := range []Type{TypeCurrentSession, TypeUserBehavior, TypeRealTime, TypePerformance, TypeRecommendations} {
		result, err := f.service.Analyze(context.Background(), Request{SessionID: "sess_1_nope", Type: kind})
		require.NoError(t, err, kind)
		require.False(t, result.Found, kind)
		require.Equal(t, "session not found", result.Message, kind)

		result, err = f.service.Analyze(context.Background(), Request{UserID: &missing, Type: kind})
		require.NoError(t, err, kind)
		require.False(t, result.Found, kind)
		require.Equal(t, "user not found", result.Message, kind)
	}
}

func TestEmptySessionHasNoRecentActivity(t *testing.T) {
	f := newFixture(t)
	id := f.seedSession(t)

	result, err := f.service.Analyze(context.Background(), Request{SessionID: id, Type: TypeRealTime})
	require.NoError(t, err)
	require.False(t, result.Found)
	require.Equal(t, "no recent activity", result.Message)
}

func TestCurrentSessionSnapshot(t *testing.T) {
	f := newFixture(t)
	id := f.seedSession(t,
		model.Event{ID: "a", Type: model.EventPageLoad, Timestamp: at(-10 * time.Minute), Data: map[string]any{"url": "/", "load_time": 1.0}},
		model.Event{ID: "b", Type: model.EventError, Timestamp: at(-5 * time.Minute), Data: map[string]any{"url": "/pay"}},
	)

	result, err := f.service.Analyze(context.Background(), Request{SessionID: id})
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, TypeCurrentSession, result.Type)

	snapshot := result.Analysis.(CurrentSession)
	require.Equal(t, id, snapshot.SessionID)
	require.Equal(t, 2, snapshot.EventsCount)
	require.Equal(t, 1, snapshot.ErrorsCount)
	require.Equal(t, 2, snapshot.Behavior.SessionAnalysis.EventCount)
	require.Equal(t, 1, snapshot.PerformanceInsights.Samples)
	require.NotNil(t, snapshot.Recommendations)
}

func TestCurrentSessionByUserPicksLatest(t *testing.T) {
	f := newFixture(t)
	id := f.seedSession(t, model.Event{ID: "a", Type: model.EventClick, Timestamp: at(-time.Minute)})
	f.users.sessions[5] = []store.SessionSummary{
		{ID: "sess_old", UpdatedAt: fixedNow.Add(-time.Hour)},
		{ID: id, UpdatedAt: fixedNow},
	}
	userID := int64(5)

	result, err := f.service.Analyze(context.Background(), Request{UserID: &userID})
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, id, result.Analysis.(CurrentSession).SessionID)
}

func TestRealTimeStatus(t *testing.T) {
	cases := []struct {
		name     string
		offset   time.Duration
		expected string
	}{
		{"active", -30 * time.Second, "active"},
		{"idle", -2 * time.Minute, "idle"},
		{"inactive", -10 * time.Minute, "inactive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.seedSession(t, model.Event{ID: "a", Type: model.EventClick, Timestamp: at(tc.offset)})

			result, err := f.service.Analyze(context.Background(), Request{SessionID: id, Type: TypeRealTime})
			require.NoError(t, err)
			status := result.Analysis.(RealTime)
			require.Equal(t, tc.expected, status.Status)
			require.Equal(t, "healthy", status.SystemHealth.Status)
		})
	}
}

func TestRealTimeSystemHealth(t *testing.T) {
	f := newFixture(t)
	events := make([]model.Event, 0, 4)
	for i := 0; i < 4; i++ {
		eventType := model.EventClick
		if i < 3 {
			eventType = model.EventError
		}
		events = append(events, model.Event{ID: string(rune('a' + i)), Type: eventType, Timestamp: at(time.Duration(i-4) * time.Second)})
	}
	id := f.seedSession(t, events...)

	result, err := f.service.Analyze(context.Background(), Request{SessionID: id, Type: TypeRealTime})
	require.NoError(t, err)
	status := result.Analysis.(RealTime)
	require.Equal(t, "critical", status.SystemHealth.Status)
	require.InDelta(t, 0.75, status.SystemHealth.ErrorRate, 1e-9)
	require.Equal(t, 4, status.RecentEvents)
	require.NotEmpty(t, status.Patterns)
}

func TestSystemHealthThresholds(t *testing.T) {
	mk := func(errorsSeen, total int) []model.Event {
		events := make([]model.Event, total)
		for i := range events {
			events[i].Type = model.EventClick
			if i < errorsSeen {
				events[i].Type = model.EventError
			}
		}
		return events
	}
	require.Equal(t, "healthy", systemHealth(mk(2, 10)).Status)
	require.Equal(t, "degraded", systemHealth(mk(3, 10)).Status)
	require.Equal(t, "critical", systemHealth(mk(6, 10)).Status)
}

func TestPerformanceAnalysis(t *testing.T) {
	userID := int64(8)
	f := newFixture(t)
	f.users.events[userID] = []model.Event{
		{Type: model.EventAPICall, Timestamp: at(-10 * time.Minute), Data: map[string]any{"endpoint": "/orders", "response_time": 500.0}},
		{Type: model.EventAPICall, Timestamp: at(-8 * time.Minute), Data: map[string]any{"endpoint": "/orders", "response_time": 700.0}},
		{Type: model.EventAPICall, Timestamp: at(-4 * time.Minute), Data: map[string]any{"endpoint": "/search", "api_response_time": 3.0}},
		{Type: model.EventError, Timestamp: at(-2 * time.Minute), Data: map[string]any{"endpoint": "/search", "response_time": 2600.0}},
		{Type: model.EventClick, Timestamp: at(-48 * time.Hour)},
	}

	result, err := f.service.Analyze(context.Background(), Request{UserID: &userID, Type: TypePerformance, Timeframe: time.Hour})
	require.NoError(t, err)
	perf := result.Analysis.(Performance)

	require.Equal(t, 4, perf.Samples)
	require.Equal(t, 500.0, perf.MinResponseMs)
	require.Equal(t, 3000.0, perf.MaxResponseMs)
	require.InDelta(t, 1700.0, perf.AvgResponseMs, 1e-9)
	require.InDelta(t, 0.25, perf.ErrorRate, 1e-9)
	require.InDelta(t, 0.5, perf.ThroughputPerMinute, 1e-9)
	require.Equal(t, TrendDegrading, perf.Trend)
	require.Len(t, perf.Bottlenecks, 1)
	require.Equal(t, "/search", perf.Bottlenecks[0].Target)
	require.InDelta(t, 2800.0, perf.Bottlenecks[0].AverageMs, 1e-9)
}

func TestUserBehaviorAndRecommendations(t *testing.T) {
	userID := int64(11)
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.users.events[userID] = append(f.users.events[userID], model.Event{
			Type:      model.EventError,
			UserID:    &userID,
			Timestamp: at(time.Duration(i-10) * time.Minute),
			Data:      map[string]any{"url": "/checkout"},
		})
	}
	f.users.sessions[userID] = []store.SessionSummary{{ID: "sess_a", UpdatedAt: fixedNow}}

	result, err := f.service.Analyze(context.Background(), Request{UserID: &userID, Type: TypeUserBehavior})
	require.NoError(t, err)
	behavior := result.Analysis.(UserBehavior)
	require.Equal(t, "24h0m0s", behavior.Timeframe)
	require.Len(t, behavior.Sessions, 1)
	require.Equal(t, 5, behavior.Behavior.SessionAnalysis.ErrorCount)

	result, err = f.service.Analyze(context.Background(), Request{UserID: &userID, Type: TypeRecommendations})
	require.NoError(t, err)
	recs := result.Analysis.(Recommendations)
	require.Contains(t, recs.Items, riskAdvice["abandonment_risk"])
	require.Equal(t, "No analyses available.", recs.Report.Summary)
}

func TestSessionRecommendationsRankStoredAdvice(t *testing.T) {
	f := newFixture(t)
	id := f.seedSession(t, model.Event{ID: "a", Type: model.EventClick, Timestamp: at(-time.Minute)})
	ctx := context.Background()
	require.NoError(t, f.sessions.AppendAnalysis(ctx, id, model.AnalysisResult{Recommendations: []string{"rare", "common"}}))
	require.NoError(t, f.sessions.AppendAnalysis(ctx, id, model.AnalysisResult{Recommendations: []string{"common"}}))

	result, err := f.service.Analyze(ctx, Request{SessionID: id, Type: TypeRecommendations})
	require.NoError(t, err)
	recs := result.Analysis.(Recommendations)
	require.Equal(t, []string{"common", "rare"}, recs.Items)
	require.Equal(t, 2, recs.Report.Metrics.Analyses)
}

func TestParseTimeframeAndType(t *testing.T) {
	for raw, want := range map[string]time.Duration{
		"":    DefaultTimeframe,
		"1h":  time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
		"90m": 90 * time.Minute,
	} {
		got, err := ParseTimeframe(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"forever", "-1h", "0s"} {
		_, err := ParseTimeframe(raw)
		require.True(t, model.IsValidation(err), raw)
	}

	kind, err := ParseType("")
	require.NoError(t, err)
	require.Equal(t, TypeCurrentSession, kind)
	_, err = ParseType("everything")
	require.True(t, model.IsValidation(err))
}

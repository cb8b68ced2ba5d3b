package autofix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smartlog/internal/model"
)

const testSession = "sess_1700000000_0123456789abcdef0123456789abcdef"

type memoryAttempts struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts []model.FixAttempt
	stamps   []time.Time
}

func (m *memoryAttempts) CountFixAttempts(_ context.Context, issueType model.IssueType, actor model.Actor, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i, attempt := range m.attempts {
		if attempt.Result.IssueType != issueType || m.stamps[i].Before(since) {
			continue
		}
		if sameActor(attempt.Actor, actor) {
			count++
		}
	}
	return count, nil
}

func sameActor(a, b model.Actor) bool {
	if a.UserID != nil || b.UserID != nil {
		return a.UserID != nil && b.UserID != nil && *a.UserID == *b.UserID
	}
	return a.IP == b.IP
}

func (m *memoryAttempts) RecordFixAttempt(_ context.Context, attempt model.FixAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	m.stamps = append(m.stamps, m.now())
	return nil
}

func (m *memoryAttempts) FixOutcomes(_ context.Context, issueType model.IssueType, since time.Time) (model.FixStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats model.FixStats
	for i, attempt := range m.attempts {
		if m.stamps[i].Before(since) || (issueType != "" && attempt.Result.IssueType != issueType) {
			continue
		}
		stats.Total++
		if attempt.Result.Success {
			stats.Succeeded++
		}
	}
	return stats, nil
}

type memorySessions struct {
	extended map[string]time.Duration
	results  map[string][]model.FixResult
	fail     bool
}

func (m *memorySessions) ExtendSession(_ context.Context, sessionID string, by time.Duration) (time.Time, error) {
	if m.fail {
		return time.Time{}, model.ErrNotFound
	}
	if m.extended == nil {
		m.extended = map[string]time.Duration{}
	}
	m.extended[sessionID] += by
	return time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC), nil
}

func (m *memorySessions) AppendFixResult(_ context.Context, sessionID string, result model.FixResult) error {
	if m.results == nil {
		m.results = map[string][]model.FixResult{}
	}
	m.results[sessionID] = append(m.results[sessionID], result)
	return nil
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newTestFixer() (*Fixer, *memorySessions, *memoryAttempts, *clock) {
	c := &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	sessions := &memorySessions{}
	attempts := &memoryAttempts{now: c.Now}
	return New(sessions, attempts, WithClock(c.Now)), sessions, attempts, c
}

func TestCatalogueFlags(t *testing.T) {
	require.False(t, CanAutoFix(model.IssueDatabaseConnection))
	require.False(t, CanAutoFix(model.IssuePermissionError))
	require.False(t, CanAutoFix(model.IssueErrorCascade))
	require.False(t, CanAutoFix("made_up_issue"))
	require.True(t, CanAutoFix(model.IssueSlowAPIResponse))

	available := GetAvailableFixes()
	require.Contains(t, available, model.IssueSlowAPIResponse)
	require.NotContains(t, available, model.IssueDatabaseConnection)
}

func TestEveryActionHasHandler(t *testing.T) {
	for _, action := range allActions {
		_, ok := actionHandlers[action]
		require.True(t, ok, "missing handler for %s", action)
	}
	require.Len(t, actionHandlers, len(allActions))

	for _, entry := range Catalogue() {
		require.Equal(t, entry.AutoFixable, len(entry.Actions) > 0, entry.IssueType)
		for _, action := range entry.Actions {
			_, ok := actionHandlers[action]
			require.True(t, ok, "catalogue entry %s uses unknown action %s", entry.IssueType, action)
		}
	}
}

func TestApplyFixRunsActionsInOrder(t *testing.T) {
	fixer, sessions, attempts, _ := newTestFixer()

	result, err := fixer.ApplyFix(context.Background(), model.IssueSlowAPIResponse, FixContext{
		SessionID: testSession,
		Actor:     model.Actor{IP: "203.0.113.1"},
	})
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Equal(t, 1.0, result.Confidence)
	require.Nil(t, result.ErrorMessage)
	actions := make([]string, 0, len(result.ActionsTaken))
	for _, taken := range result.ActionsTaken {
		actions = append(actions, taken.Action)
		require.True(t, taken.Success)
	}
	require.Equal(t, []string{"enable_cache", "show_loading", "timeout_handler"}, actions)
	require.Equal(t, "public, max-age=300", result.Headers["Cache-Control"])
	require.Len(t, result.Directives, 2)

	require.NotNil(t, result.UserNotification)
	require.False(t, result.UserNotification.Display)

	require.Len(t, sessions.results[testSession], 1)
	require.Len(t, attempts.attempts, 1)
}

func TestApplyFixRejectsManualIssueWithoutRunningActions(t *testing.T) {
	fixer, sessions, attempts, _ := newTestFixer()

	_, err := fixer.ApplyFix(context.Background(), model.IssueDatabaseConnection, FixContext{SessionID: testSession})

	var unsupported *model.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, GetAvailableFixes(), unsupported.Supported)
	require.Empty(t, sessions.results)
	require.Empty(t, attempts.attempts)
}

func TestPartialFailureLowersConfidence(t *testing.T) {
	fixer, _, _, _ := newTestFixer()

	result, err := fixer.ApplyFix(context.Background(), model.IssueFormValidationError, FixContext{})
	require.NoError(t, err)

	require.True(t, result.Success)
	require.InDelta(t, 0.5, result.Confidence, 1e-9)
	require.False(t, result.ActionsTaken[0].Success)
	require.Equal(t, "field is required", result.ActionsTaken[0].Details["error"])
	require.True(t, result.ActionsTaken[1].Success)
}

func TestAllActionsFailingIsFailure(t *testing.T) {
	fixer, _, attempts, _ := newTestFixer()
	original := actionHandlers[ActionGarbageCollect]
	actionHandlers[ActionGarbageCollect] = func(context.Context, *Fixer, FixContext) (actionOutcome, error) {
		return actionOutcome{}, errors.New("collector busy")
	}
	t.Cleanup(func() { actionHandlers[ActionGarbageCollect] = original })

	result, err := fixer.ApplyFix(context.Background(), model.IssueHighMemoryUsage, FixContext{})
	require.NoError(t, err)

	require.False(t, result.Success)
	require.Zero(t, result.Confidence)
	require.Nil(t, result.UserNotification)
	require.NotNil(t, result.ErrorMessage)
	require.Len(t, attempts.attempts, 1)
}

func TestGarbageCollectReportsHeap(t *testing.T) {
	fixer, _, _, _ := newTestFixer()

	result, err := fixer.ApplyFix(context.Background(), model.IssueHighMemoryUsage, FixContext{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.ActionsTaken[0].Details, "heap_before")
	require.Contains(t, result.ActionsTaken[0].Details, "heap_after")
}

func TestRefreshSessionFailureStillWarns(t *testing.T) {
	fixer, sessions, _, _ := newTestFixer()
	sessions.fail = true

	result, err := fixer.ApplyFix(context.Background(), model.IssueSessionExpired, FixContext{SessionID: testSession})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.ActionsTaken[0].Success)
	require.True(t, result.ActionsTaken[1].Success)
	require.InDelta(t, 0.5, result.Confidence, 1e-9)
}

func TestRefreshSessionExtendsByADay(t *testing.T) {
	fixer, sessions, _, _ := newTestFixer()

	result, err := fixer.ApplyFix(context.Background(), model.IssueSessionExpired, FixContext{SessionID: testSession})
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, sessions.extended[testSession])
	require.Equal(t, "2026-03-11T12:00:00Z", result.ActionsTaken[0].Details["expires_at"])
}

func TestTriggerFixRateLimit(t *testing.T) {
	fixer, _, _, c := newTestFixer()
	userID := int64(77)
	req := TriggerRequest{
		IssueType: model.IssueSlowAPIResponse,
		Context:   FixContext{SessionID: testSession, Actor: model.Actor{UserID: &userID}},
	}

	for i := 0; i < RateLimitMaxAttempts; i++ {
		_, err := fixer.TriggerFix(context.Background(), req)
		require.NoError(t, err)
		c.now = c.now.Add(30 * time.Second)
	}

	_, err := fixer.TriggerFix(context.Background(), req)
	var limited *model.RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Equal(t, 300*time.Second, limited.RetryAfter)
	require.Equal(t, 3, limited.Attempts)

	forced := req
	forced.Force = true
	_, err = fixer.TriggerFix(context.Background(), forced)
	require.NoError(t, err)

	other := int64(78)
	otherReq := req
	otherReq.Context.Actor = model.Actor{UserID: &other}
	_, err = fixer.TriggerFix(context.Background(), otherReq)
	require.NoError(t, err)

	c.now = c.now.Add(RateLimitWindow)
	_, err = fixer.TriggerFix(context.Background(), req)
	require.NoError(t, err)
}

func TestTriggerFixValidation(t *testing.T) {
	fixer, _, _, _ := newTestFixer()

	_, err := fixer.TriggerFix(context.Background(), TriggerRequest{})
	require.True(t, model.IsValidation(err))

	_, err = fixer.TriggerFix(context.Background(), TriggerRequest{IssueType: model.IssueDatabaseConnection})
	var unsupported *model.UnsupportedOperationError
	require.True(t, errors.As(err, &unsupported))
}

func TestTriggerFixReportsReliability(t *testing.T) {
	fixer, _, _, _ := newTestFixer()

	outcome, err := fixer.TriggerFix(context.Background(), TriggerRequest{
		IssueType: model.IssueUploadFailure,
		Context:   FixContext{Actor: model.Actor{IP: "198.51.100.7"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Reliability.Attempts)
	require.Equal(t, 1.0, outcome.Reliability.SuccessRate)
	require.Equal(t, 7, outcome.Reliability.WindowDays)
	require.NotEmpty(t, outcome.Recommendations)
}

func TestSuccessRateWindow(t *testing.T) {
	fixer, _, attempts, c := newTestFixer()

	rate, err := fixer.GetSuccessRate(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, rate)

	_, err = fixer.ApplyFix(context.Background(), model.IssueFormValidationError, FixContext{Values: map[string]any{"field": "email"}})
	require.NoError(t, err)
	require.NoError(t, attempts.RecordFixAttempt(context.Background(), model.FixAttempt{
		Result: model.FixResult{IssueType: model.IssueUploadFailure, Success: false},
	}))

	rate, err = fixer.GetSuccessRate(context.Background(), "")
	require.NoError(t, err)
	require.InDelta(t, 0.5, rate, 1e-9)

	rate, err = fixer.GetSuccessRate(context.Background(), model.IssueFormValidationError)
	require.NoError(t, err)
	require.Equal(t, 1.0, rate)

	c.now = c.now.Add(8 * 24 * time.Hour)
	rate, err = fixer.GetSuccessRate(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, rate)
}

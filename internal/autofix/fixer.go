package autofix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/model"
)

const (
	RateLimitWindow      = 5 * time.Minute
	RateLimitMaxAttempts = 3
	RetryAfter           = 300 * time.Second
	SuccessRateWindow    = 7 * 24 * time.Hour
)

// SessionStore is the part of the session store the fixer writes to.
type SessionStore interface {
	ExtendSession(ctx context.Context, sessionID string, by time.Duration) (time.Time, error)
	AppendFixResult(ctx context.Context, sessionID string, result model.FixResult) error
}

// AttemptLog is the relational history used for throttling and statistics.
type AttemptLog interface {
	CountFixAttempts(ctx context.Context, issueType model.IssueType, actor model.Actor, since time.Time) (int, error)
	RecordFixAttempt(ctx context.Context, attempt model.FixAttempt) error
	FixOutcomes(ctx context.Context, issueType model.IssueType, since time.Time) (model.FixStats, error)
}

type Fixer struct {
	sessions SessionStore
	attempts AttemptLog
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Fixer)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fixer) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Fixer) {
		if now != nil {
			f.now = now
		}
	}
}

func New(sessions SessionStore, attempts AttemptLog, opts ...Option) *Fixer {
	f := &Fixer{
		sessions: sessions,
		attempts: attempts,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fixer) CanAutoFix(issueType model.IssueType) bool {
	return CanAutoFix(issueType)
}

func (f *Fixer) GetAvailableFixes() []model.IssueType {
	return GetAvailableFixes()
}

// ApplyFix runs every catalogue action for issueType in order and records the
// attempt. Non-fixable types are rejected before any action runs.
func (f *Fixer) ApplyFix(ctx context.Context, issueType model.IssueType, fc FixContext) (model.FixResult, error) {
	entry, ok := lookup(issueType)
	if !ok || !entry.AutoFixable {
		return model.FixResult{}, &model.UnsupportedOperationError{IssueType: issueType, Supported: GetAvailableFixes()}
	}

	started := f.now()
	result := model.FixResult{
		IssueType:    issueType,
		SessionID:    fc.SessionID,
		Timestamp:    started.UTC(),
		ActionsTaken: make([]model.ActionResult, 0, len(entry.Actions)),
	}

	succeeded := 0
	for _, action := range entry.Actions {
		outcome, err := actionHandlers[action](ctx, f, fc)
		actionResult := model.ActionResult{Action: string(action), Success: err == nil, Details: outcome.details}
		if err != nil {
			actionResult.Details = map[string]any{"error": err.Error()}
			f.logger.Warn("fix action failed",
				zap.String("issue_type", string(issueType)),
				zap.String("action", string(action)),
				zap.String("session_id", fc.SessionID),
				zap.Error(err))
		} else {
			succeeded++
			if outcome.directive != nil {
				result.Directives = append(result.Directives, *outcome.directive)
			}
			for name, value := range outcome.headers {
				if result.Headers == nil {
					result.Headers = make(map[string]string)
				}
				result.Headers[name] = value
			}
		}
		result.ActionsTaken = append(result.ActionsTaken, actionResult)
	}

	result.Success = succeeded > 0
	if len(entry.Actions) > 0 {
		result.Confidence = model.ClampConfidence(float64(succeeded) / float64(len(entry.Actions)))
	}
	result.ResponseTime = f.now().Sub(started).Seconds()
	if result.Success {
		result.UserNotification = &model.Notification{
			Message: "مشکل به صورت خودکار برطرف شد",
			Type:    "success",
			Display: false,
		}
	} else {
		message := fmt.Sprintf("all %d actions failed for %s", len(entry.Actions), issueType)
		result.ErrorMessage = &message
	}

	f.record(ctx, fc, result)
	return result, nil
}

func (f *Fixer) record(ctx context.Context, fc FixContext, result model.FixResult) {
	if f.sessions != nil && fc.SessionID != "" {
		if err := f.sessions.AppendFixResult(ctx, fc.SessionID, result); err != nil {
			f.logger.Warn("fix result not written to session",
				zap.String("issue_type", string(result.IssueType)),
				zap.String("session_id", fc.SessionID),
				zap.Error(err))
		}
	}
	if f.attempts != nil {
		attempt := model.FixAttempt{Actor: fc.Actor, UserAgent: fc.UserAgent, Result: result}
		if err := f.attempts.RecordFixAttempt(ctx, attempt); err != nil {
			f.logger.Warn("fix attempt not recorded",
				zap.String("issue_type", string(result.IssueType)),
				zap.String("session_id", fc.SessionID),
				zap.Error(err))
		}
	}
}

type TriggerRequest struct {
	IssueType model.IssueType
	Force     bool
	Context   FixContext
}

type Reliability struct {
	SuccessRate float64 `json:"success_rate"`
	Attempts    int     `json:"attempts"`
	WindowDays  int     `json:"window_days"`
}

type TriggerOutcome struct {
	Result          model.FixResult `json:"fix_result"`
	Recommendations []string        `json:"recommendations"`
	Reliability     Reliability     `json:"reliability"`
}

// TriggerFix validates, throttles and applies a fix on behalf of a caller.
func (f *Fixer) TriggerFix(ctx context.Context, req TriggerRequest) (TriggerOutcome, error) {
	issueType := model.IssueType(strings.TrimSpace(string(req.IssueType)))
	if issueType == "" {
		return TriggerOutcome{}, &model.ValidationError{Field: "issue_type", Message: "issue_type is required"}
	}

	entry, ok := lookup(issueType)
	if !ok || !entry.AutoFixable {
		return TriggerOutcome{}, &model.UnsupportedOperationError{IssueType: issueType, Supported: GetAvailableFixes()}
	}

	if !req.Force {
		if err := f.checkRateLimit(ctx, issueType, req.Context.Actor); err != nil {
			return TriggerOutcome{}, err
		}
	}

	result, err := f.ApplyFix(ctx, issueType, req.Context)
	if err != nil {
		return TriggerOutcome{}, err
	}

	outcome := TriggerOutcome{
		Result:          result,
		Recommendations: append([]string(nil), entry.Recommendations...),
		Reliability:     Reliability{WindowDays: int(SuccessRateWindow / (24 * time.Hour))},
	}
	if stats, err := f.Stats(ctx, issueType); err != nil {
		f.logger.Warn("fix reliability unavailable", zap.String("issue_type", string(issueType)), zap.Error(err))
	} else {
		outcome.Reliability.SuccessRate = stats.SuccessRate()
		outcome.Reliability.Attempts = stats.Total
	}
	return outcome, nil
}

// checkRateLimit rejects once the actor made RateLimitMaxAttempts attempts in
// the window. A failing history lookup lets the attempt through.
func (f *Fixer) checkRateLimit(ctx context.Context, issueType model.IssueType, actor model.Actor) error {
	if f.attempts == nil {
		return nil
	}
	since := f.now().Add(-RateLimitWindow)
	count, err := f.attempts.CountFixAttempts(ctx, issueType, actor, since)
	if err != nil {
		f.logger.Warn("fix rate limit check failed", zap.String("issue_type", string(issueType)), zap.Error(err))
		return nil
	}
	if count >= RateLimitMaxAttempts {
		return &model.RateLimitedError{IssueType: issueType, Attempts: count, RetryAfter: RetryAfter}
	}
	return nil
}

// Stats aggregates attempts over the success-rate window. An empty issueType
// covers every type.
func (f *Fixer) Stats(ctx context.Context, issueType model.IssueType) (model.FixStats, error) {
	if f.attempts == nil {
		return model.FixStats{}, errors.New("attempt log unavailable")
	}
	return f.attempts.FixOutcomes(ctx, issueType, f.now().Add(-SuccessRateWindow))
}

func (f *Fixer) GetSuccessRate(ctx context.Context, issueType model.IssueType) (float64, error) {
	stats, err := f.Stats(ctx, issueType)
	if err != nil {
		return 0, err
	}
	return stats.SuccessRate(), nil
}

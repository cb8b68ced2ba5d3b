package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/autofix"
	"smartlog/internal/model"
)

const (
	eventName      = "manual_escalation"
	webhookTimeout = 10 * time.Second
)

// History is where sent escalations are recorded for the cooldown.
type History interface {
	LastEscalationAt(ctx context.Context, issueType model.IssueType, sessionID string) (time.Time, bool, error)
	RecordEscalation(ctx context.Context, issueType model.IssueType, sessionID string, details map[string]any) error
}

// Notifier posts urgent issues that cannot be auto-fixed to a webhook.
type Notifier struct {
	history    History
	webhookURL string
	authHeader string
	cooldown   time.Duration
	client     *http.Client
	logger     *zap.Logger
	now        func() time.Time
	pending    sync.WaitGroup
}

type Option func(*Notifier)

func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		if now != nil {
			n.now = now
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) {
		if client != nil {
			n.client = client
		}
	}
}

func New(history History, webhookURL, authHeader string, cooldownMinutes int, opts ...Option) *Notifier {
	if cooldownMinutes < 0 {
		cooldownMinutes = 0
	}
	n := &Notifier{
		history:    history,
		webhookURL: strings.TrimSpace(webhookURL),
		authHeader: strings.TrimSpace(authHeader),
		cooldown:   time.Duration(cooldownMinutes) * time.Minute,
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

// Eligible lists the issues of result that need a human: urgent severity and
// no auto-fix in the catalogue.
func Eligible(result model.AnalysisResult) []model.Issue {
	var issues []model.Issue
	for _, issue := range result.Issues {
		if issue.Severity.Urgent() && !autofix.CanAutoFix(issue.Type) {
			issues = append(issues, issue)
		}
	}
	return issues
}

// NotifyAsync escalates in the background. Failures are only logged.
func (n *Notifier) NotifyAsync(event model.Event, result model.AnalysisResult) {
	if !n.Enabled() || len(Eligible(result)) == 0 {
		return
	}
	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		if _, err := n.Notify(ctx, event, result); err != nil {
			n.logger.Warn("escalation failed",
				zap.String("session_id", event.SessionID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until background escalations finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.pending.Wait()
}

// Notify sends one webhook per eligible issue outside its cooldown and returns
// how many were sent.
func (n *Notifier) Notify(ctx context.Context, event model.Event, result model.AnalysisResult) (int, error) {
	if !n.Enabled() {
		return 0, nil
	}
	sent := 0
	for _, issue := range Eligible(result) {
		ok, err := n.notifyIssue(ctx, event, result, issue)
		if err != nil {
			return sent, fmt.Errorf("escalate %s: %w", issue.Type, err)
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (n *Notifier) notifyIssue(ctx context.Context, event model.Event, result model.AnalysisResult, issue model.Issue) (bool, error) {
	if n.cooldown > 0 && n.history != nil {
		lastSentAt, found, err := n.history.LastEscalationAt(ctx, issue.Type, event.SessionID)
		if err != nil {
			return false, err
		}
		if found && n.now().Sub(lastSentAt) < n.cooldown {
			return false, nil
		}
	}

	sentAt := n.now().UTC()
	details := map[string]any{
		"event":     eventName,
		"sentAt":    sentAt.Format(time.RFC3339),
		"sessionId": event.SessionID,
		"eventId":   event.ID,
		"eventType": event.Type,
		"priority":  result.Priority,
		"issue": map[string]any{
			"type":            issue.Type,
			"severity":        issue.Severity,
			"description":     issue.Description,
			"confidence":      issue.Confidence,
			"recommendations": issue.Recommendations,
		},
	}
	if result.ErrorAnalysis != nil {
		details["errorAnalysis"] = result.ErrorAnalysis
	}

	body, err := json.Marshal(details)
	if err != nil {
		return false, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	request.Header.Set("Content-Type", "application/json")
	if n.authHeader != "" {
		request.Header.Set("Authorization", n.authHeader)
	}

	response, err := n.client.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return false, fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}

	if n.history != nil {
		if err := n.history.RecordEscalation(ctx, issue.Type, event.SessionID, details); err != nil {
			return false, err
		}
	}
	return true, nil
}

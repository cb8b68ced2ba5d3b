package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartlog/internal/autofix"
	"smartlog/internal/contextsync"
	"smartlog/internal/model"
	"smartlog/internal/queue"
	"smartlog/internal/session"
)

const (
	DefaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

type SessionStore interface {
	InitializeSession(ctx context.Context, rc session.RequestContext) (model.Session, bool, error)
	AppendEvent(ctx context.Context, sessionID string, event model.Event) (model.Session, error)
	AppendAnalysis(ctx context.Context, sessionID string, result model.AnalysisResult) error
}

type EventLog interface {
	InsertEvent(ctx context.Context, event model.Event) (int64, error)
}

type Analyzer interface {
	AnalyzeEvent(ctx context.Context, event model.Event) model.AnalysisResult
}

type Fixer interface {
	TriggerFix(ctx context.Context, req autofix.TriggerRequest) (autofix.TriggerOutcome, error)
}

type Feed interface {
	Offer(update queue.ContextUpdate) bool
}

type Escalator interface {
	NotifyAsync(event model.Event, result model.AnalysisResult)
}

// Request is one raw submission plus what the transport knows about its sender.
type Request struct {
	Body              []byte
	SessionToken      string
	UserID            *int64
	IPAddress         string
	UserAgent         string
	ImmediateFeedback bool
}

type Response struct {
	Success          bool                  `json:"success"`
	Message          string                `json:"message"`
	EventID          string                `json:"event_id"`
	Timestamp        float64               `json:"timestamp"`
	SessionID        string                `json:"session_id,omitempty"`
	SessionPersisted bool                  `json:"session_persisted"`
	Analysis         *model.AnalysisResult `json:"analysis,omitempty"`
	AutoFixes        []model.FixResult     `json:"auto_fixes,omitempty"`

	EventType        model.EventType `json:"-"`
	NewSession       bool            `json:"-"`
	SessionExpiresAt time.Time       `json:"-"`
}

// Gateway validates, enriches and routes one event through storage, analysis
// and remediation.
type Gateway struct {
	sessions  SessionStore
	events    EventLog
	analyzer  Analyzer
	fixer     Fixer
	feed      Feed
	escalator Escalator
	autoFix   bool
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Gateway)

func WithFixer(fixer Fixer) Option {
	return func(g *Gateway) {
		g.fixer = fixer
		g.autoFix = fixer != nil
	}
}

func WithFeed(feed Feed) Option {
	return func(g *Gateway) { g.feed = feed }
}

func WithEscalator(escalator Escalator) Option {
	return func(g *Gateway) { g.escalator = escalator }
}

func WithTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func New(sessions SessionStore, events EventLog, analyzer Analyzer, opts ...Option) *Gateway {
	g := &Gateway{
		sessions: sessions,
		events:   events,
		analyzer: analyzer,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest handles one submission. Validation problems return a
// *model.ValidationError; a failed relational insert returns a
// *model.PersistenceError. Session-file failures only degrade the response.
func (g *Gateway) Ingest(ctx context.Context, req Request) (Response, error) {
	event, immediate, err := g.parse(req.Body)
	if err != nil {
		return Response{}, err
	}
	immediate = immediate || req.ImmediateFeedback

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.enrich(&event, req)
	response := Response{
		EventID:   event.ID,
		EventType: event.Type,
		Timestamp: event.ServerTimestamp,
	}

	g.persistToSession(ctx, &event, req, &response)

	if _, err := g.events.InsertEvent(ctx, event); err != nil {
		g.logger.Error("event insert failed",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return Response{}, model.Persistence("insert event", err)
	}

	result := g.analyzer.AnalyzeEvent(ctx, event)
	if response.SessionPersisted {
		if err := g.sessions.AppendAnalysis(ctx, event.SessionID, result); err != nil {
			g.logger.Warn("analysis not written to session",
				zap.String("session_id", event.SessionID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
	if g.feed != nil {
		if update, ok := contextsync.AnalysisUpdate(event, result); ok {
			g.feed.Offer(update)
		}
	}

	response.AutoFixes = g.autoRemediate(ctx, event, result)
	if g.escalator != nil {
		g.escalator.NotifyAsync(event, result)
	}

	response.Success = true
	response.Message = "Event logged successfully"
	if immediate {
		response.Analysis = &result
	}
	return response, nil
}

func (g *Gateway) parse(body []byte) (model.Event, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return model.Event{}, false, &model.ValidationError{Message: "request body is empty"}
	}
	if len(body) > maxBodyBytes {
		return model.Event{}, false, &model.ValidationError{Message: "request body is too large"}
	}

	var probe struct {
		EventType json.RawMessage `json:"event_type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return model.Event{}, false, &model.ValidationError{Message: "invalid JSON"}
	}
	var rawType string
	if len(probe.EventType) > 0 && string(probe.EventType) != "null" {
		if err := json.Unmarshal(probe.EventType, &rawType); err != nil {
			return model.Event{}, false, &model.ValidationError{Field: "event_type", Message: "event_type must be a string"}
		}
	}
	eventType, err := model.ParseEventType(rawType)
	if err != nil {
		return model.Event{}, false, err
	}

	var event model.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return model.Event{}, false, &model.ValidationError{Message: fmt.Sprintf("invalid event: %v", err)}
	}
	event.Type = eventType

	immediate := event.Bool("immediate_feedback")
	delete(event.Fields, "immediate_feedback")
	return event, immediate, nil
}

func (g *Gateway) enrich(event *model.Event, req Request) {
	now := g.now().UTC()
	event.ID = g.newID()
	event.ServerTimestamp = model.FloatUnix(now)
	if event.Timestamp <= 0 {
		event.Timestamp = event.ServerTimestamp
	}
	if req.UserID != nil {
		event.UserID = req.UserID
	}
	event.IPAddress = req.IPAddress
	event.UserAgent = req.UserAgent
	event.BrowserInfo = browserInfo(req.UserAgent)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	event.ServerMemoryUsage = mem.HeapAlloc
	event.ServerMemoryPeak = mem.HeapSys

	event.Data = sanitizeBag(event.Data)
	event.Context = sanitizeBag(event.Context)
	event.Fields = sanitizeBag(event.Fields)
}

func (g *Gateway) persistToSession(ctx context.Context, event *model.Event, req Request, response *Response) {
	token := strings.TrimSpace(req.SessionToken)
	if token == "" {
		token = strings.TrimSpace(event.SessionID)
	}

	meta, created, err := g.sessions.InitializeSession(ctx, session.RequestContext{
		Token:     token,
		UserID:    event.UserID,
		IPAddress: event.IPAddress,
		UserAgent: event.UserAgent,
	})
	if err != nil {
		g.logger.Warn("session initialize failed",
			zap.String("session_id", token),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		event.SessionID = token
		response.SessionID = token
		return
	}

	event.SessionID = meta.ID
	response.SessionID = meta.ID
	response.NewSession = created
	response.SessionExpiresAt = meta.ExpiresAt

	updated, err := g.sessions.AppendEvent(ctx, meta.ID, *event)
	if err != nil {
		g.logger.Warn("event not written to session",
			zap.String("session_id", meta.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return
	}
	response.SessionPersisted = true
	response.SessionExpiresAt = updated.ExpiresAt
}

// autoRemediate triggers the catalogue fix for each distinct auto-fixable
// issue. Throttled types are skipped quietly.
func (g *Gateway) autoRemediate(ctx context.Context, event model.Event, result model.AnalysisResult) []model.FixResult {
	if !g.autoFix {
		return nil
	}

	var fixes []model.FixResult
	seen := make(map[model.IssueType]struct{}, len(result.Issues))
	for _, issue := range result.Issues {
		if _, done := seen[issue.Type]; done || !autofix.CanAutoFix(issue.Type) {
			continue
		}
		seen[issue.Type] = struct{}{}

		outcome, err := g.fixer.TriggerFix(ctx, autofix.TriggerRequest{
			IssueType: issue.Type,
			Context: autofix.FixContext{
				SessionID: event.SessionID,
				Actor:     model.Actor{UserID: event.UserID, IP: event.IPAddress},
				UserAgent: event.UserAgent,
				Values:    fixValues(event),
			},
		})
		if err != nil {
			var limited *model.RateLimitedError
			if errors.As(err, &limited) {
				g.logger.Debug("auto-fix throttled",
					zap.String("session_id", event.SessionID),
					zap.String("issue_type", string(issue.Type)))
				continue
			}
			g.logger.Warn("auto-fix failed",
				zap.String("session_id", event.SessionID),
				zap.String("issue_type", string(issue.Type)),
				zap.Error(err))
			continue
		}
		fixes = append(fixes, outcome.Result)
		if g.feed != nil {
			g.feed.Offer(contextsync.FixUpdate(outcome.Result))
		}
	}
	return fixes
}

// fixValues flattens the event's bags for action handlers. Data wins over
// context, which wins over top-level extras.
func fixValues(event model.Event) map[string]any {
	values := make(map[string]any, len(event.Fields)+len(event.Context)+len(event.Data))
	for _, bag := range []map[string]any{event.Fields, event.Context, event.Data} {
		for key, value := range bag {
			values[key] = value
		}
	}
	return values
}

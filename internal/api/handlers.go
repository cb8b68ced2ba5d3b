package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"smartlog/internal/autofix"
	"smartlog/internal/ingest"
	"smartlog/internal/model"
	"smartlog/internal/query"
	"smartlog/internal/session"
)

const (
	maxRequestBytes          = 1 << 20
	defaultSessionCookieName = "smartlog_session"
	defaultSessionHeaderName = "X-Session-Token"
	immediateFeedbackHeader  = "X-Immediate-Feedback"
)

type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Response, error)
}

type Querier interface {
	Analyze(ctx context.Context, req query.Request) (query.Result, error)
}

type FixTrigger interface {
	TriggerFix(ctx context.Context, req autofix.TriggerRequest) (autofix.TriggerOutcome, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

// UserResolver maps a bearer token to a user id; nil means anonymous.
type UserResolver interface {
	ResolveUserIDByToken(ctx context.Context, token string) (*int64, error)
}

type DropCounter interface {
	Dropped() int64
}

type Dependencies struct {
	Ingestor Ingestor
	Queries  Querier
	Fixer    FixTrigger
	Health   HealthChecker
	Users    UserResolver
	Feed     DropCounter
	Logger   *zap.Logger
}

type Settings struct {
	CORSAllowedOrigins      []string
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	RequestTimeout          time.Duration
	SessionCookieName       string
	SessionHeaderName       string
	SecureCookies           bool
}

type Handler struct {
	ingestor           Ingestor
	queries            Querier
	fixer              FixTrigger
	health             HealthChecker
	users              UserResolver
	logger             *zap.Logger
	metrics            *apiMetrics
	rateLimiter        *apiRateLimiter
	corsAllowedOrigins []string
	requestTimeout     time.Duration
	cookieName         string
	headerName         string
	secureCookies      bool
}

func NewHandler(deps Dependencies, settings Settings) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		ingestor:           deps.Ingestor,
		queries:            deps.Queries,
		fixer:              deps.Fixer,
		health:             deps.Health,
		users:              deps.Users,
		logger:             logger,
		metrics:            newAPIMetrics(deps.Feed),
		rateLimiter:        newAPIRateLimiter(settings.RateLimitRequestsPerSec, settings.RateLimitBurst),
		corsAllowedOrigins: settings.CORSAllowedOrigins,
		requestTimeout:     settings.RequestTimeout,
		cookieName:         strings.TrimSpace(settings.SessionCookieName),
		headerName:         strings.TrimSpace(settings.SessionHeaderName),
		secureCookies:      settings.SecureCookies,
	}
	if len(h.corsAllowedOrigins) == 0 {
		h.corsAllowedOrigins = []string{"*"}
	}
	if h.requestTimeout <= 0 {
		h.requestTimeout = 15 * time.Second
	}
	if h.cookieName == "" {
		h.cookieName = defaultSessionCookieName
	}
	if h.headerName == "" {
		h.headerName = defaultSessionHeaderName
	}
	if h.rateLimiter != nil {
		h.rateLimiter.onReject = h.metrics.rateLimited.Inc
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.observe)
	r.Use(middleware.Timeout(h.requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", h.headerName, immediateFeedbackHeader},
		ExposedHeaders:   []string{h.headerName},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", h.metrics.handler())

	r.Route("/logging", func(r chi.Router) {
		for _, path := range []string{"/log-event", "/get-analysis", "/trigger-fix"} {
			r.Options(path, h.preflight)
		}
		r.Get("/get-analysis", h.getAnalysis)
		r.Group(func(r chi.Router) {
			if h.rateLimiter != nil {
				r.Use(h.rateLimiter.Middleware)
			}
			r.Post("/log-event", h.logEvent)
			r.Post("/trigger-fix", h.triggerFix)
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) logEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		h.metrics.ingestFailures.WithLabelValues("validation").Inc()
		writeError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	immediate, _ := strconv.ParseBool(strings.TrimSpace(r.Header.Get(immediateFeedbackHeader)))
	response, err := h.ingestor.Ingest(r.Context(), ingest.Request{
		Body:              body,
		SessionToken:      h.sessionToken(r),
		UserID:            h.resolveUser(r),
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		ImmediateFeedback: immediate,
	})
	if err != nil {
		var validation *model.ValidationError
		if errors.As(err, &validation) {
			h.metrics.ingestFailures.WithLabelValues("validation").Inc()
			writeError(w, http.StatusBadRequest, validation.Error())
			return
		}
		reason := "internal"
		var persistence *model.PersistenceError
		if errors.As(err, &persistence) {
			reason = "persistence"
		}
		h.metrics.ingestFailures.WithLabelValues(reason).Inc()
		h.logger.Error("log event failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event could not be logged")
		return
	}

	h.metrics.eventsIngested.WithLabelValues(string(response.EventType)).Inc()
	if !response.SessionPersisted {
		h.metrics.ingestFailures.WithLabelValues("session_not_persisted").Inc()
	}
	for _, fix := range response.AutoFixes {
		h.metrics.recordFix(string(fix.IssueType), fix.Success)
		for name, value := range fix.Headers {
			w.Header().Set(name, value)
		}
	}
	h.setSessionToken(w, response.SessionID, response.SessionExpiresAt)
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	req := query.Request{SessionID: strings.TrimSpace(params.Get("session_id"))}
	if raw := strings.TrimSpace(params.Get("user_id")); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_id must be an integer")
			return
		}
		req.UserID = &userID
	}
	if req.SessionID == "" && req.UserID == nil {
		writeError(w, http.StatusBadRequest, "session_id or user_id is required")
		return
	}

	kind, err := query.ParseType(params.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeframe, err := query.ParseTimeframe(params.Get("timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Type = kind
	req.Timeframe = timeframe

	result, err := h.queries.Analyze(r.Context(), req)
	if err != nil {
		if model.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("analysis query failed",
			zap.String("session_id", req.SessionID),
			zap.String("type", string(req.Type)),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analysis unavailable")
		return
	}

	metadata := map[string]any{
		"type":         result.Type,
		"found":        result.Found,
		"timeframe":    timeframe.String(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if req.SessionID != "" {
		metadata["session_id"] = req.SessionID
	}
	if req.UserID != nil {
		metadata["user_id"] = *req.UserID
	}
	if result.Message != "" {
		metadata["message"] = result.Message
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"analysis": result.Analysis,
		"metadata": metadata,
	})
}

type triggerFixRequest struct {
	IssueType  string         `json:"issue_type"`
	Context    map[string]any `json:"context"`
	SessionID  string         `json:"session_id"`
	UserID     *int64         `json:"user_id"`
	ForceApply bool           `json:"force_apply"`
}

func (h *Handler) triggerFix(w http.ResponseWriter, r *http.Request) {
	payload := triggerFixRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&payload); err != nil {
		h.metrics.fixRejections.WithLabelValues("validation").Inc()
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	userID := payload.UserID
	if userID == nil {
		userID = h.resolveUser(r)
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		sessionID = h.sessionToken(r)
	}
	issueType := model.IssueType(strings.TrimSpace(payload.IssueType))

	outcome, err := h.fixer.TriggerFix(r.Context(), autofix.TriggerRequest{
		IssueType: issueType,
		Force:     payload.ForceApply,
		Context: autofix.FixContext{
			SessionID: sessionID,
			Actor:     model.Actor{UserID: userID, IP: clientIP(r)},
			UserAgent: r.UserAgent(),
			Values:    payload.Context,
		},
	})
	if err != nil {
		h.writeFixError(w, r, issueType, err)
		return
	}

	result := outcome.Result
	h.metrics.recordFix(string(result.IssueType), result.Success)
	for name, value := range result.Headers {
		w.Header().Set(name, value)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    result.Success,
		"fix_result": result,
		"execute": map[string]any{
			"directives": nonNilDirectives(result.Directives),
			"headers":    result.Headers,
		},
		"notification":    result.UserNotification,
		"recommendations": outcome.Recommendations,
		"reliability":     outcome.Reliability,
	})
}

func (h *Handler) writeFixError(w http.ResponseWriter, r *http.Request, issueType model.IssueType, err error) {
	var (
		validation  *model.ValidationError
		unsupported *model.UnsupportedOperationError
		limited     *model.RateLimitedError
	)
	switch {
	case errors.As(err, &validation):
		h.metrics.fixRejections.WithLabelValues("validation").Inc()
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &unsupported):
		h.metrics.fixRejections.WithLabelValues("unsupported").Inc()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success":      false,
			"error":        unsupported.Error(),
			"auto_fixable": unsupported.Supported,
		})
	case errors.As(err, &limited):
		h.metrics.fixRejections.WithLabelValues("rate_limited").Inc()
		retryAfter := int(math.Ceil(limited.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":     false,
			"error":       "too many fix attempts",
			"retry_after": retryAfter,
		})
	default:
		h.metrics.fixRejections.WithLabelValues("internal").Inc()
		h.logger.Error("trigger fix failed",
			zap.String("issue_type", string(issueType)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "fix could not be applied")
	}
}

func (h *Handler) sessionToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(h.headerName)); token != "" {
		return token
	}
	if cookie, err := r.Cookie(h.cookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func (h *Handler) setSessionToken(w http.ResponseWriter, sessionID string, expiresAt time.Time) {
	if !session.ValidID(sessionID) {
		return
	}
	w.Header().Set(h.headerName, sessionID)
	cookie := &http.Cookie{
		Name:     h.cookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if !expiresAt.IsZero() {
		cookie.Expires = expiresAt.UTC()
		cookie.MaxAge = max(int(time.Until(expiresAt).Seconds()), 1)
	}
	http.SetCookie(w, cookie)
}

// resolveUser looks the bearer token up. Lookup failures count as anonymous.
func (h *Handler) resolveUser(r *http.Request) *int64 {
	if h.users == nil {
		return nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil
	}
	userID, err := h.users.ResolveUserIDByToken(r.Context(), strings.TrimSpace(token))
	if err != nil {
		h.logger.Warn("bearer token lookup failed", zap.Error(err))
		return nil
	}
	return userID
}

func nonNilDirectives(directives []model.Directive) []model.Directive {
	if directives == nil {
		return []model.Directive{}
	}
	return directives
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

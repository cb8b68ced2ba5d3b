package autofix

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"smartlog/internal/model"
)

const (
	CacheMaxAgeSeconds = 300
	RequestTimeoutMs   = 10000
	UploadChunkBytes   = 1024 * 1024
	SessionExtension   = 24 * time.Hour
)

// FixContext carries what an action may need about the affected client.
type FixContext struct {
	SessionID string
	Actor     model.Actor
	UserAgent string
	Values    map[string]any
}

func (c FixContext) String(key string) string {
	if c.Values == nil {
		return ""
	}
	if value, ok := c.Values[key].(string); ok {
		return value
	}
	return ""
}

type actionOutcome struct {
	details   map[string]any
	directive *model.Directive
	headers   map[string]string
}

type actionHandler func(ctx context.Context, f *Fixer, fc FixContext) (actionOutcome, error)

var actionHandlers = map[Action]actionHandler{
	ActionEnableCache:        enableCache,
	ActionShowLoading:        showLoading,
	ActionTimeoutHandler:     timeoutHandler,
	ActionHighlightField:     highlightField,
	ActionShowPersianMessage: showPersianMessage,
	ActionRetryWithChunks:    retryWithChunks,
	ActionCompressImage:      compressImage,
	ActionRefreshSession:     refreshSession,
	ActionShowWarning:        showWarning,
	ActionGarbageCollect:     garbageCollect,
	ActionShowHelp:           showHelp,
	ActionSimplifyUI:         simplifyUI,
}

func directive(action string, params map[string]any) *model.Directive {
	return &model.Directive{Action: action, Params: params}
}

func enableCache(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	return actionOutcome{
		details: map[string]any{"cache_ttl": CacheMaxAgeSeconds},
		headers: map[string]string{
			"Cache-Control": fmt.Sprintf("public, max-age=%d", CacheMaxAgeSeconds),
			"Vary":          "Accept-Encoding",
		},
	}, nil
}

func showLoading(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	return actionOutcome{
		details: map[string]any{"indicator": "spinner"},
		directive: directive("show_loading", map[string]any{
			"message": "در حال بارگذاری...",
		}),
	}, nil
}

func timeoutHandler(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	return actionOutcome{
		details: map[string]any{"timeout_ms": RequestTimeoutMs},
		directive: directive("set_timeout", map[string]any{
			"timeout_ms":  RequestTimeoutMs,
			"max_retries": 1,
		}),
	}, nil
}

func highlightField(_ context.Context, _ *Fixer, fc FixContext) (actionOutcome, error) {
	field := fc.String("field")
	if field == "" {
		return actionOutcome{}, errors.New("field is required")
	}
	return actionOutcome{
		details:   map[string]any{"field": field},
		directive: directive("highlight_field", map[string]any{"field": field, "style": "error"}),
	}, nil
}

func showPersianMessage(_ context.Context, _ *Fixer, fc FixContext) (actionOutcome, error) {
	params := map[string]any{
		"message": "لطفاً اطلاعات وارد شده را بررسی کنید",
		"lang":    "fa",
	}
	if field := fc.String("field"); field != "" {
		params["field"] = field
	}
	return actionOutcome{
		details:   map[string]any{"lang": "fa"},
		directive: directive("show_message", params),
	}, nil
}

func retryWithChunks(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	return actionOutcome{
		details: map[string]any{"chunk_size": UploadChunkBytes},
		directive: directive("retry_upload", map[string]any{
			"chunk_size":  UploadChunkBytes,
			"max_retries": 3,
		}),
	}, nil
}

func compressImage(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	return actionOutcome{
		details: map[string]any{"quality": 0.8},
		directive: directive("compress_image", map[string]any{
			"quality":   0.8,
			"max_width": 1920,
		}),
	}, nil
}

func refreshSession(ctx context.Context, f *Fixer, fc FixContext) (actionOutcome, error) {
	if fc.SessionID == "" {
		return actionOutcome{}, errors.New("session id is required")
	}
	if f.sessions == nil {
		return actionOutcome{}, errors.New("session store unavailable")
	}
	expiresAt, err := f.sessions.ExtendSession(ctx, fc.SessionID, SessionExtension)
	if err != nil {
		return actionOutcome{}, fmt.Errorf("extend session: %w", err)
	}
	return actionOutcome{
		details: map[string]any{"expires_at": expiresAt.UTC().Format(time.RFC3339)},
	}, nil
}

func showWarning(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	return actionOutcome{
		details: map[string]any{"kind": "session_expiry"},
		directive: directive("show_warning", map[string]any{
			"message": "نشست شما به زودی منقضی می‌شود",
			"lang":    "fa",
		}),
	}, nil
}

func garbageCollect(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	freed := int64(before.HeapAlloc) - int64(after.HeapAlloc)
	return actionOutcome{
		details: map[string]any{
			"heap_before": before.HeapAlloc,
			"heap_after":  after.HeapAlloc,
			"freed_bytes": freed,
		},
	}, nil
}

func showHelp(_ context.Context, _ *Fixer, fc FixContext) (actionOutcome, error) {
	params := map[string]any{"mode": "tooltip"}
	if page := fc.String("page"); page != "" {
		params["topic"] = page
	}
	return actionOutcome{
		details:   map[string]any{"mode": "tooltip"},
		directive: directive("show_help", params),
	}, nil
}

func simplifyUI(context.Context, *Fixer, FixContext) (actionOutcome, error) {
	return actionOutcome{
		details: map[string]any{"hide_secondary": true},
		directive: directive("simplify_ui", map[string]any{
			"hide_secondary":    true,
			"highlight_primary": true,
		}),
	}, nil
}

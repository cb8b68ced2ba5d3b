package api

import (
	"net/http/httptest"
	"testing"
)

func TestRateLimiterKeysOnClientIP(t *testing.T) {
	req := httptest.NewRequest("POST", "/logging/log-event", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 8.8.8.8")
	req.RemoteAddr = "127.0.0.1:1234"

	if got := clientIP(req); got != "8.8.8.8" {
		t.Fatalf("expected first public forwarded IP, got %q", got)
	}
}

func TestRateLimiterBlocksExcessBurst(t *testing.T) {
	limiter := newAPIRateLimiter(1, 1)
	if limiter == nil {
		t.Fatal("expected limiter to be created")
	}

	if !limiter.allow("192.0.2.10") {
		t.Fatal("first request should be allowed")
	}
	if limiter.allow("192.0.2.10") {
		t.Fatal("second immediate request should be rate limited")
	}
	if !limiter.allow("192.0.2.11") {
		t.Fatal("other clients keep their own bucket")
	}
}

func TestRateLimiterDisabledWithoutBudget(t *testing.T) {
	if newAPIRateLimiter(0, 10) != nil {
		t.Fatal("zero rate should disable the limiter")
	}
	if newAPIRateLimiter(5, 0) != nil {
		t.Fatal("zero burst should disable the limiter")
	}
}

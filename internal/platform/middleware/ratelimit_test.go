package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/shia/shia/internal/platform/auth"
)

func rateLimited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func sessionRequest(sessionID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	if sessionID != "" {
		req = req.WithContext(auth.WithSession(req.Context(), "reviewer", sessionID))
	}
	return req
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		if err := handler(e.NewContext(sessionRequest("s1"), rec)); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if err := handler(e.NewContext(sessionRequest("s1"), httptest.NewRecorder())); err != nil {
		t.Fatalf("first request: unexpected error %v", err)
	}

	rec := httptest.NewRecorder()
	err := handler(e.NewContext(sessionRequest("s1"), rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}

	retryVal, parseErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if parseErr != nil || retryVal < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerSessionIsolation(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if err := handler(e.NewContext(sessionRequest("tab-a"), httptest.NewRecorder())); err != nil {
		t.Fatalf("tab-a first request: %v", err)
	}
	if err := handler(e.NewContext(sessionRequest("tab-a"), httptest.NewRecorder())); err == nil {
		t.Fatal("tab-a second request: expected rate limit error")
	}
	if err := handler(e.NewContext(sessionRequest("tab-b"), httptest.NewRecorder())); err != nil {
		t.Fatalf("tab-b first request: expected separate bucket, got %v", err)
	}
	// Unauthenticated requests fall back to the client IP bucket.
	if err := handler(e.NewContext(sessionRequest(""), httptest.NewRecorder())); err != nil {
		t.Fatalf("ip request: expected separate bucket, got %v", err)
	}
}

func TestRateLimit_InvalidConfigUsesDefaults(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{})

	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(sessionRequest("s"), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "50" {
		t.Errorf("expected default limit 50, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestTokenBucket_RetryAfterWithZeroRate(t *testing.T) {
	b := newTokenBucket(0, 1)
	b.allow()
	if ra := b.retryAfter(); ra != 1 {
		t.Errorf("expected retryAfter 1 for zero rate, got %d", ra)
	}
}

func TestRateLimiterStore_SameKeySameBucket(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	b1 := store.getBucket("session:a")
	if b1 != store.getBucket("session:a") {
		t.Error("expected same bucket instance for same key")
	}
	if b1 == store.getBucket("session:b") {
		t.Error("expected different bucket for different key")
	}
}

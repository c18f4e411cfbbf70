package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/relay"
)

type stubStatus struct {
	stats  relay.Stats
	uptime time.Duration
}

func (s stubStatus) Stats() relay.Stats    { return s.stats }
func (s stubStatus) Uptime() time.Duration { return s.uptime }

func newTestHandlers(adminToken string, limiter RateLimiter) *HandlerSet {
	return NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Status:      stubStatus{stats: relay.Stats{Connections: 3, OnlineUsers: 2, Broadcasts: 10}, uptime: 90 * time.Second},
		AdminToken:  adminToken,
		RateLimiter: limiter,
	})
}

func TestLivenessHandler(t *testing.T) {
	h := newTestHandlers("", nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "alive" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadinessHandlerReportsCounts(t *testing.T) {
	h := newTestHandlers("", nil)
	rec := httptest.NewRecorder()
	h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" || body.Connections != 3 || body.OnlineUsers != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestStatusHandlerRequiresToken(t *testing.T) {
	h := newTestHandlers("admin-secret", nil)

	rec := httptest.NewRecorder()
	h.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.StatusHandler()(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec = httptest.NewRecorder()
	h.StatusHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer token: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status?token=admin-secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query token: expected 200, got %d", rec.Code)
	}

	var body struct {
		Broadcasts    int64   `json:"broadcasts_total"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Broadcasts != 10 || body.UptimeSeconds != 90 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestStatusHandlerDeniedWithoutConfiguredToken(t *testing.T) {
	h := newTestHandlers("", nil)
	rec := httptest.NewRecorder()
	h.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status?token=", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unconfigured token must deny all access, got %d", rec.Code)
	}
}

func TestStatusHandlerRateLimited(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewWindowLimiter(time.Minute, 2, func() time.Time { return now })
	h := newTestHandlers("admin-secret", limiter)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status?token=admin-secret", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status?token=admin-secret", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the limit, got %d", rec.Code)
	}
}

func TestWindowLimiterSlides(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewWindowLimiter(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("limiter should admit up to the limit")
	}
	if limiter.Allow() {
		t.Fatal("limiter should refuse past the limit")
	}

	now = now.Add(61 * time.Second)
	if !limiter.Allow() {
		t.Fatal("limiter should admit again after the window slides")
	}
}

func TestWindowLimiterDisabled(t *testing.T) {
	limiter := NewWindowLimiter(0, 0, nil)
	for i := 0; i < 100; i++ {
		if !limiter.Allow() {
			t.Fatal("disabled limiter should always admit")
		}
	}
	var nilLimiter *WindowLimiter
	if !nilLimiter.Allow() {
		t.Fatal("nil limiter should always admit")
	}
}

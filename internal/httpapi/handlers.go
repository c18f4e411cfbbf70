// Package httpapi exposes the relay's operational HTTP surface: liveness,
// readiness and an admin-guarded status endpoint.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mustafarec/KulturaX-sub003/internal/logging"
	"github.com/mustafarec/KulturaX-sub003/internal/relay"
)

// StatusSource exposes the relay state surfaced by the status endpoint.
type StatusSource interface {
	Stats() relay.Stats
	Uptime() time.Duration
}

// RateLimiter gates how frequently the status endpoint may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Status      StatusSource
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	status      StatusSource
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		status:      opts.Status,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/status", h.StatusHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports relay readiness with connection counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
		OnlineUsers   int     `json:"online_users"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Status: "ok"}
		if h.status != nil {
			stats := h.status.Stats()
			resp.Connections = stats.Connections
			resp.OnlineUsers = stats.OnlineUsers
			resp.UptimeSeconds = h.status.Uptime().Seconds()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatusHandler emits the full relay counters. Access requires the admin
// token and is rate limited.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	type response struct {
		relay.Stats
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		resp := response{}
		if h.status != nil {
			resp.Stats = h.status.Stats()
			resp.UptimeSeconds = h.status.Uptime().Seconds()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *HandlerSet) authorized(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	candidate := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(candidate), "bearer ") {
		candidate = strings.TrimSpace(candidate[7:])
	}
	if candidate == "" {
		candidate = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

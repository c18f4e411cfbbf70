package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":8080"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024
	// DefaultTypingTTL is how long a typing indicator stays fresh without updates.
	DefaultTypingTTL = 3 * time.Second

	// DefaultInboundRate caps envelopes accepted per second on one connection.
	DefaultInboundRate = 64
	// DefaultInboundBurst allows short envelope bursts above the sustained rate.
	DefaultInboundBurst = 128

	// DefaultStatusWindow bounds how frequently the status endpoint may be hit.
	DefaultStatusWindow = time.Minute
	// DefaultStatusBurst sets how many status requests fit in one window.
	DefaultStatusBurst = 30

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TypingTTL       time.Duration
	InboundRate     int
	InboundBurst    int

	// AuthSecret signs the HS256 tokens presented during the auth handshake.
	// Empty means every credential is accepted (development only).
	AuthSecret string
	// BridgeSecret guards the internal broadcast path. Empty disables the bridge.
	BridgeSecret string

	TLSCertPath  string
	TLSKeyPath   string
	AdminToken   string
	StatusWindow time.Duration
	StatusBurst  int

	// JournalDir enables the operational event journal when non-empty.
	JournalDir string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the relay configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("RELAY_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("RELAY_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		TypingTTL:       DefaultTypingTTL,
		InboundRate:     DefaultInboundRate,
		InboundBurst:    DefaultInboundBurst,
		AuthSecret:      strings.TrimSpace(os.Getenv("RELAY_AUTH_SECRET")),
		BridgeSecret:    strings.TrimSpace(os.Getenv("RELAY_BRIDGE_SECRET")),
		TLSCertPath:     strings.TrimSpace(os.Getenv("RELAY_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("RELAY_TLS_KEY")),
		AdminToken:      strings.TrimSpace(os.Getenv("RELAY_ADMIN_TOKEN")),
		StatusWindow:    DefaultStatusWindow,
		StatusBurst:     DefaultStatusBurst,
		JournalDir:      strings.TrimSpace(os.Getenv("RELAY_JOURNAL_DIR")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("RELAY_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("RELAY_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	loadInt64(&problems, "RELAY_MAX_PAYLOAD_BYTES", requirePositive, &cfg.MaxPayloadBytes)
	loadDuration(&problems, "RELAY_PING_INTERVAL", requirePositive, &cfg.PingInterval)
	loadInt(&problems, "RELAY_MAX_CLIENTS", allowZero, &cfg.MaxClients)
	loadDuration(&problems, "RELAY_TYPING_TTL", requirePositive, &cfg.TypingTTL)
	loadInt(&problems, "RELAY_INBOUND_RATE", allowZero, &cfg.InboundRate)
	loadInt(&problems, "RELAY_INBOUND_BURST", allowZero, &cfg.InboundBurst)
	loadDuration(&problems, "RELAY_STATUS_WINDOW", requirePositive, &cfg.StatusWindow)
	loadInt(&problems, "RELAY_STATUS_BURST", requirePositive, &cfg.StatusBurst)
	loadInt(&problems, "RELAY_LOG_MAX_SIZE_MB", requirePositive, &cfg.Logging.MaxSizeMB)
	loadInt(&problems, "RELAY_LOG_MAX_BACKUPS", allowZero, &cfg.Logging.MaxBackups)
	loadInt(&problems, "RELAY_LOG_MAX_AGE_DAYS", allowZero, &cfg.Logging.MaxAgeDays)

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "RELAY_TLS_CERT and RELAY_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

type bound int

const (
	requirePositive bound = iota
	allowZero
)

func (b bound) ok(v int64) bool {
	if b == allowZero {
		return v >= 0
	}
	return v > 0
}

func (b bound) String() string {
	if b == allowZero {
		return "a non-negative"
	}
	return "a positive"
}

func loadInt(problems *[]string, key string, b bound, dst *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || !b.ok(int64(value)) {
		*problems = append(*problems, fmt.Sprintf("%s must be %s integer, got %q", key, b, raw))
		return
	}
	*dst = value
}

func loadInt64(problems *[]string, key string, b bound, dst *int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !b.ok(value) {
		*problems = append(*problems, fmt.Sprintf("%s must be %s integer, got %q", key, b, raw))
		return
	}
	*dst = value
}

func loadDuration(problems *[]string, key string, b bound, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || !b.ok(int64(value)) {
		*problems = append(*problems, fmt.Sprintf("%s must be %s duration, got %q", key, b, raw))
		return
	}
	*dst = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

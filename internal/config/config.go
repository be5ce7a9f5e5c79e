// Package config provides application configuration loaded from environment
// variables with defaults and validation. The bot and the gateway are separate
// processes with separate settings, so each gets its own loader; shared
// concerns (logging, observability) use common sub-structs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ZulipConfig holds the chat-platform credentials and endpoint.
type ZulipConfig struct {
	OrgURL   string // ZULIP_ORG_URL, e.g. "https://your-org.zulipchat.com"
	BotEmail string // ZULIP_BOT_EMAIL
	BotToken string // ZULIP_BOT_TOKEN

	// BotName is the display name used to detect @-mentions in channels.
	// When empty the bot answers direct messages only.
	BotName string // ZULIP_BOT_NAME

	// EventTimeout is the server-side long-poll wait requested on the
	// events endpoint; the HTTP client timeout is derived from it.
	EventTimeout time.Duration // ZULIP_EVENT_TIMEOUT
	CallTimeout  time.Duration // ZULIP_CALL_TIMEOUT for short calls (send, members)
}

// OracleConfig holds the code-generation service endpoint settings.
type OracleConfig struct {
	BaseURL string        // GATEWAY_URL
	Token   string        // GATEWAY_TOKEN, optional bearer
	Timeout time.Duration // GATEWAY_TIMEOUT
}

// BotConfig holds all configuration values for the bot process.
type BotConfig struct {
	Zulip  ZulipConfig
	Oracle OracleConfig

	// Policy
	AllowedSenders []string // lowercase emails; empty = allow all
	AuditStream    string   // primary audit channel; empty disables chat audit
	AuditTopic     string   // topic within the audit channel
	FallbackStream string   // audit fallback channel

	// App
	DBPath       string        // SQLite path for audit log + cursor checkpoint
	RetryBackoff time.Duration // pause after a failed poll or handler crash

	// Admin HTTP server (health, metrics, audit API)
	AdminPort         string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	GinMode           string // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	OTEL OTELConfig
}

// GatewayConfig holds all configuration values for the gateway process.
type GatewayConfig struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string

	// Auth: when APIKey is empty, bearer auth is disabled.
	APIKey string

	// Labels maps "<client>-<service>" to a base32 TOTP seed, parsed
	// from LABELS ("label:seed,label:seed").
	Labels map[string]string

	// TOTP parameters
	Period int // seconds a code stays valid
	Digits int

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Logging
	LogLevel  string
	LogPretty bool

	OTEL OTELConfig
}

// MustLoadBot loads the bot configuration and panics if validation fails.
func MustLoadBot() BotConfig {
	cfg, err := LoadBot()
	if err != nil {
		panic(err)
	}
	return cfg
}

// MustLoadGateway loads the gateway configuration and panics if validation fails.
func MustLoadGateway() GatewayConfig {
	cfg, err := LoadGateway()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadBot reads the bot configuration from environment variables, applies
// defaults, normalizes values, and validates the result. Missing chat
// credentials are an error: the bot must never start half-configured.
func LoadBot() (BotConfig, error) {
	cfg := BotConfig{
		Zulip: ZulipConfig{
			OrgURL:       strings.TrimRight(getenv("ZULIP_ORG_URL", ""), "/"),
			BotEmail:     getenv("ZULIP_BOT_EMAIL", ""),
			BotToken:     getenv("ZULIP_BOT_TOKEN", ""),
			BotName:      strings.TrimSpace(getenv("ZULIP_BOT_NAME", "")),
			EventTimeout: getdur("ZULIP_EVENT_TIMEOUT", 90*time.Second),
			CallTimeout:  getdur("ZULIP_CALL_TIMEOUT", 10*time.Second),
		},
		Oracle: OracleConfig{
			BaseURL: strings.TrimRight(getenv("GATEWAY_URL", "http://localhost:8000"), "/"),
			Token:   getenv("GATEWAY_TOKEN", ""),
			Timeout: getdur("GATEWAY_TIMEOUT", 6*time.Second),
		},

		AllowedSenders: lowercaseAll(splitCSV(getenv("ALLOWED_SENDERS", ""))),
		AuditStream:    strings.TrimSpace(getenvSet("AUDIT_STREAM", "general")),
		AuditTopic:     strings.TrimSpace(getenv("AUDIT_TOPIC", "channel events")),
		FallbackStream: strings.TrimSpace(getenvSet("FALLBACK_STREAM", "general")),

		DBPath:       getenv("DB_PATH", "bot.db"),
		RetryBackoff: getdur("RETRY_BACKOFF", 2*time.Second),

		AdminPort:         getenv("ADMIN_PORT", "8081"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		OTEL: loadOTEL("totp-bot"),
	}

	// --- normalization ---
	normalizeLogLevel(&cfg.LogLevel)
	normalizeGinMode(&cfg.GinMode)
	if cfg.AuditTopic == "" {
		cfg.AuditTopic = "channel events"
	}

	// --- validation ---
	if cfg.Zulip.OrgURL == "" || cfg.Zulip.BotEmail == "" || cfg.Zulip.BotToken == "" {
		return cfg, errors.New("missing required env: ZULIP_ORG_URL, ZULIP_BOT_EMAIL, ZULIP_BOT_TOKEN")
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Oracle.BaseURL) == "" {
		return cfg, errors.New("GATEWAY_URL must not be empty")
	}
	if cfg.Oracle.Timeout <= 0 || cfg.Oracle.Timeout > 30*time.Second {
		return cfg, errors.New("GATEWAY_TIMEOUT must be positive and modest (<= 30s)")
	}
	if cfg.Zulip.EventTimeout < 10*time.Second {
		return cfg, errors.New("ZULIP_EVENT_TIMEOUT must be at least 10s")
	}
	if cfg.Zulip.CallTimeout <= 0 {
		return cfg, errors.New("ZULIP_CALL_TIMEOUT must be positive")
	}
	if cfg.RetryBackoff <= 0 {
		return cfg, errors.New("RETRY_BACKOFF must be positive")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.AdminPort) == "" {
		return cfg, errors.New("ADMIN_PORT must not be empty")
	}
	// An empty AUDIT_STREAM turns chat audit off, but a configured audit
	// channel needs somewhere to fall back to.
	if cfg.AuditStream != "" && cfg.FallbackStream == "" {
		return cfg, errors.New("FALLBACK_STREAM must not be empty when AUDIT_STREAM is set")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// LoadGateway reads the gateway configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func LoadGateway() (GatewayConfig, error) {
	cfg := GatewayConfig{
		Port:              getenv("PORT", "8000"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		APIKey: strings.TrimSpace(getenv("API_KEY", "")),
		Labels: parseLabels(getenv("LABELS", "")),

		Period: getint("TOTP_PERIOD", 30),
		Digits: getint("TOTP_DIGITS", 6),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		OTEL: loadOTEL("totp-gateway"),
	}

	// --- normalization ---
	normalizeLogLevel(&cfg.LogLevel)
	normalizeGinMode(&cfg.GinMode)

	// --- validation ---
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.Period < 5 || cfg.Period > 300 {
		return cfg, errors.New("TOTP_PERIOD must be between 5 and 300 seconds")
	}
	if cfg.Digits < 6 || cfg.Digits > 10 {
		return cfg, errors.New("TOTP_DIGITS must be between 6 and 10")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	for label := range cfg.Labels {
		if strings.TrimSpace(label) == "" {
			return cfg, fmt.Errorf("LABELS contains an empty label name")
		}
	}

	return cfg, nil
}

func loadOTEL(defaultService string) OTELConfig {
	return OTELConfig{
		Enabled:     getbool("OTEL_ENABLED", false),
		Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName: getenv("OTEL_SERVICE_NAME", defaultService),
		SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
	}
}

func normalizeLogLevel(lvl *string) {
	if *lvl == "warning" {
		*lvl = "warn"
	}
}

func normalizeGinMode(mode *string) {
	switch *mode {
	case "debug", "release", "test":
	default:
		*mode = "release"
	}
}

func validateLogLevel(lvl string) error {
	switch lvl {
	case "debug", "info", "warn", "error", "fatal", "panic":
		return nil
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
}

// parseLabels parses the LABELS env format "label:seed,label:seed" into a
// map. Pairs without a colon are skipped; the seed may itself contain colons.
func parseLabels(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		label, seed, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		label, seed = strings.TrimSpace(label), strings.TrimSpace(seed)
		if label == "" || seed == "" {
			continue
		}
		out[label] = seed
	}
	return out
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// getenvSet is getenv for variables where "set to empty" means something
// different from "unset". AUDIT_STREAM="" turns chat audit off; an unset
// AUDIT_STREAM gets the default.
func getenvSet(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func lowercaseAll(in []string) []string {
	for i, s := range in {
		in[i] = strings.ToLower(s)
	}
	return in
}

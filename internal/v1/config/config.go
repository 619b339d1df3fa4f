// Package config validates the environment of the broker and the messenger client.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvPaths are tried in order by LoadDotEnv.
var DefaultEnvPaths = []string{".env", "../../../.env", "../../.env"}

// LoadDotEnv loads the first .env file found and returns its path, or "" when none exists.
// Variables already set in the process environment win.
func LoadDotEnv(paths ...string) string {
	if len(paths) == 0 {
		paths = DefaultEnvPaths
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// Config is the validated broker configuration.
type Config struct {
	// Required
	Port      string
	JWTSecret string

	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	OtelCollectorAddr string
	OtelInsecure      bool
	OtelSkipVerify    bool
	HistoryLimit      int

	// Rate limits in ulule/limiter format, e.g. "100-M".
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// ValidateEnv reads and checks the broker environment. Every problem is reported at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if !isValidPort(cfg.Port) {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")

	// JWT_SECRET backs the HMAC validator; Auth0 or SKIP_AUTH make it optional.
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	usesAuth0 := cfg.Auth0Domain != "" && cfg.Auth0Audience != ""
	switch {
	case cfg.JWTSecret == "" && !cfg.SkipAuth && !usesAuth0:
		errs = append(errs, "JWT_SECRET is required unless SKIP_AUTH=true or Auth0 is configured")
	case cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32:
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OtelCollectorAddr != "" && !isValidHostPort(cfg.OtelCollectorAddr) {
		errs = append(errs, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
	}
	cfg.OtelInsecure = os.Getenv("OTEL_INSECURE") == "true"
	cfg.OtelSkipVerify = os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true"

	limit, err := strconv.Atoi(getEnvOrDefault("HISTORY_LIMIT", "200"))
	if err != nil || limit < 1 {
		errs = append(errs, fmt.Sprintf("HISTORY_LIMIT must be a positive integer (got '%s')", os.Getenv("HISTORY_LIMIT")))
	}
	cfg.HistoryLimit = limit

	// M = minute, H = hour
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	slog.Info("Environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"skip_auth", cfg.SkipAuth,
		"development_mode", cfg.DevelopmentMode,
		"history_limit", cfg.HistoryLimit,
	)
	return cfg, nil
}

// ClientConfig is the validated messenger configuration.
type ClientConfig struct {
	BrokerURL      string
	UserID         string
	DisplayName    string
	AccessToken    string
	HistoryURL     string
	CallSurfaceURL string
	LogLevel       string

	CallTimeout          time.Duration
	AutoReconnect        bool
	UseAcceptDestination bool

	// HeadlessSurface prints call URLs instead of launching a browser.
	HeadlessSurface bool
}

// ValidateClientEnv reads and checks the messenger environment.
func ValidateClientEnv() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	var errs []string

	cfg.BrokerURL = os.Getenv("BROKER_URL")
	if cfg.BrokerURL == "" {
		errs = append(errs, "BROKER_URL is required")
	} else if u, err := url.Parse(cfg.BrokerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("BROKER_URL must be a ws:// or wss:// URL (got '%s')", cfg.BrokerURL))
	}

	cfg.UserID = os.Getenv("USER_ID")
	if cfg.UserID == "" {
		errs = append(errs, "USER_ID is required")
	} else if strings.ContainsAny(cfg.UserID, "/ ") {
		errs = append(errs, fmt.Sprintf("USER_ID must not contain '/' or spaces (got '%s')", cfg.UserID))
	}

	cfg.DisplayName = getEnvOrDefault("DISPLAY_NAME", cfg.UserID)
	cfg.AccessToken = os.Getenv("ACCESS_TOKEN")
	cfg.HistoryURL = os.Getenv("HISTORY_URL")
	if cfg.HistoryURL != "" {
		if u, err := url.Parse(cfg.HistoryURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("HISTORY_URL must be an http(s) URL (got '%s')", cfg.HistoryURL))
		}
	}
	cfg.CallSurfaceURL = os.Getenv("CALL_SURFACE_URL")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	timeout, err := time.ParseDuration(getEnvOrDefault("CALL_TIMEOUT", "30s"))
	if err != nil || timeout < 0 {
		errs = append(errs, fmt.Sprintf("CALL_TIMEOUT must be a non-negative duration (got '%s')", os.Getenv("CALL_TIMEOUT")))
	}
	cfg.CallTimeout = timeout

	cfg.AutoReconnect = os.Getenv("AUTO_RECONNECT") == "true"
	cfg.UseAcceptDestination = os.Getenv("USE_ACCEPT_DESTINATION") == "true"
	cfg.HeadlessSurface = os.Getenv("CALL_SURFACE_HEADLESS") == "true"

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	slog.Info("Client configuration validated",
		"broker_url", cfg.BrokerURL,
		"user_id", cfg.UserID,
		"access_token", redactSecret(cfg.AccessToken),
		"history_url", cfg.HistoryURL,
		"call_timeout", cfg.CallTimeout,
		"auto_reconnect", cfg.AutoReconnect,
	)
	return cfg, nil
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks for "host:port".
func isValidHostPort(addr string) bool {
	i := strings.LastIndex(addr, ":")
	if i <= 0 {
		return false
	}
	return isValidPort(addr[i+1:])
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// redactSecret keeps only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

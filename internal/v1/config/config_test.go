package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var brokerVars = []string{
	"PORT", "JWT_SECRET", "SKIP_AUTH", "AUTH0_DOMAIN", "AUTH0_AUDIENCE", "REDIS_ENABLED",
	"REDIS_ADDR", "GO_ENV", "LOG_LEVEL", "OTEL_COLLECTOR_ADDR", "HISTORY_LIMIT",
}

var clientVars = []string{
	"BROKER_URL", "USER_ID", "DISPLAY_NAME", "ACCESS_TOKEN", "HISTORY_URL",
	"CALL_TIMEOUT", "AUTO_RECONNECT", "USE_ACCEPT_DESTINATION",
}

// clearEnv blanks every variable for the duration of the test.
func clearEnv(t *testing.T, keys []string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	clearEnv(t, brokerVars)
	t.Setenv("PORT", "8080")
	t.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected PORT=8080, got %s", cfg.Port)
	}
	if cfg.GoEnv != "production" || cfg.LogLevel != "info" {
		t.Errorf("Expected defaults, got GO_ENV=%s LOG_LEVEL=%s", cfg.GoEnv, cfg.LogLevel)
	}
	if cfg.HistoryLimit != 200 {
		t.Errorf("Expected default HISTORY_LIMIT 200, got %d", cfg.HistoryLimit)
	}
	if cfg.RateLimitWsIP != "100-M" || cfg.RateLimitWsUser != "10-M" {
		t.Errorf("Unexpected websocket rate defaults: %s %s", cfg.RateLimitWsIP, cfg.RateLimitWsUser)
	}
}

func TestValidateEnv_SecretOptionalWithSkipAuthOrAuth0(t *testing.T) {
	clearEnv(t, brokerVars)
	t.Setenv("PORT", "8080")

	if _, err := ValidateEnv(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Fatalf("Expected JWT_SECRET error, got %v", err)
	}

	t.Setenv("SKIP_AUTH", "true")
	if _, err := ValidateEnv(); err != nil {
		t.Fatalf("SKIP_AUTH should make JWT_SECRET optional: %v", err)
	}

	t.Setenv("SKIP_AUTH", "")
	t.Setenv("AUTH0_DOMAIN", "tenant.auth0.com")
	t.Setenv("AUTH0_AUDIENCE", "https://api.portal")
	if _, err := ValidateEnv(); err != nil {
		t.Fatalf("Auth0 should make JWT_SECRET optional: %v", err)
	}
}

func TestValidateEnv_ReportsEveryProblem(t *testing.T) {
	clearEnv(t, brokerVars)
	t.Setenv("PORT", "99999")
	t.Setenv("JWT_SECRET", "short")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "no-port")
	t.Setenv("OTEL_COLLECTOR_ADDR", "collector")
	t.Setenv("HISTORY_LIMIT", "-1")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"PORT must be", "JWT_SECRET must be at least 32", "REDIS_ADDR must be", "OTEL_COLLECTOR_ADDR must be", "HISTORY_LIMIT must be"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	clearEnv(t, brokerVars)
	t.Setenv("PORT", "8080")
	t.Setenv("SKIP_AUTH", "true")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected default redis addr, got %s", cfg.RedisAddr)
	}
}

func TestValidateClientEnv(t *testing.T) {
	clearEnv(t, clientVars)
	t.Setenv("BROKER_URL", "ws://localhost:8080/ws")
	t.Setenv("USER_ID", "candidate-1")

	cfg, err := ValidateClientEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.DisplayName != "candidate-1" {
		t.Errorf("Display name should default to user id, got %s", cfg.DisplayName)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Errorf("Expected 30s call timeout, got %s", cfg.CallTimeout)
	}
	if cfg.AutoReconnect || cfg.UseAcceptDestination {
		t.Errorf("Reconnect and accept routing are opt-in")
	}

	t.Setenv("CALL_TIMEOUT", "0")
	t.Setenv("AUTO_RECONNECT", "true")
	cfg, err = ValidateClientEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.CallTimeout != 0 || !cfg.AutoReconnect {
		t.Errorf("Expected disabled timeout and reconnect on, got %s %v", cfg.CallTimeout, cfg.AutoReconnect)
	}
}

func TestValidateClientEnv_Invalid(t *testing.T) {
	clearEnv(t, clientVars)
	t.Setenv("BROKER_URL", "http://localhost:8080")
	t.Setenv("USER_ID", "a/b")
	t.Setenv("HISTORY_URL", "ftp://x")
	t.Setenv("CALL_TIMEOUT", "soon")

	_, err := ValidateClientEnv()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"BROKER_URL must be", "USER_ID must not", "HISTORY_URL must be", "CALL_TIMEOUT must be"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("PORTAL_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("PORTAL_DOTENV_PROBE") })

	if got := LoadDotEnv(filepath.Join(dir, "missing.env"), path); got != path {
		t.Fatalf("Expected %s to be loaded, got %q", path, got)
	}
	if os.Getenv("PORTAL_DOTENV_PROBE") != "loaded" {
		t.Error("Expected variable from .env file")
	}
	if got := LoadDotEnv(filepath.Join(dir, "missing.env")); got != "" {
		t.Errorf("Expected no file, got %q", got)
	}
}

func TestHelpers(t *testing.T) {
	if redactSecret("abc") != "***" || redactSecret("0123456789") != "01234567***" {
		t.Error("redactSecret")
	}
	if !isValidHostPort("redis:6379") || isValidHostPort(":6379") || isValidHostPort("redis") {
		t.Error("isValidHostPort")
	}
}

// Package health serves the liveness and readiness probes of the broker.
package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
)

// Checker is a dependency probed by the readiness endpoint.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Ping implements Checker.
func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

type namedCheck struct {
	name    string
	checker Checker
}

// Handler manages health check endpoints
type Handler struct {
	checks  []namedCheck
	timeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithCheck adds a named readiness check.
func WithCheck(name string, c Checker) Option {
	return func(h *Handler) {
		if c != nil {
			h.checks = append(h.checks, namedCheck{name: name, checker: c})
		}
	}
}

// WithTimeout bounds the whole readiness probe. Default 3s.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler creates a handler. A nil redis checker means single-instance mode, which
// is always ready as far as redis goes.
func NewHandler(redis Checker, opts ...Option) *Handler {
	h := &Handler{timeout: 3 * time.Second}
	if redis != nil {
		h.checks = append(h.checks, namedCheck{name: "redis", checker: redis})
	}
	for _, opt := range opts {
		opt(h)
	}
	sort.SliceStable(h.checks, func(i, j int) bool { return h.checks[i].name < h.checks[j].name })
	return h
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Register mounts /health/live and /health/ready.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health/live", h.Liveness)
	r.GET("/health/ready", h.Readiness)
}

// Liveness handles GET /health/live. It never checks dependencies.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 when every check passes, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true
	for _, nc := range h.checks {
		if err := nc.checker.Ping(ctx); err != nil {
			logging.Error(ctx, "Readiness check failed", zap.String("check", nc.name), zap.Error(err))
			checks[nc.name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[nc.name] = "healthy"
	}

	status, code := "ready", http.StatusOK
	if !allHealthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
)

func run(t *testing.T, header string, check func(c *gin.Context)) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/test", check)

	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	if header != "" {
		req.Header.Set(HeaderXCorrelationID, header)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCorrelationID_GeneratesNew(t *testing.T) {
	var fromCtx any
	resp := run(t, "", func(c *gin.Context) {
		v, exists := c.Get(string(logging.CorrelationIDKey))
		assert.True(t, exists)
		assert.NotEmpty(t, v)
		fromCtx = c.Request.Context().Value(logging.CorrelationIDKey)
	})

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, resp.Header().Get(HeaderXCorrelationID), fromCtx)
}

func TestCorrelationID_PropagatesExisting(t *testing.T) {
	existingID := "existing-uuid-123"
	resp := run(t, existingID, func(c *gin.Context) {
		assert.Equal(t, existingID, c.Request.Context().Value(logging.CorrelationIDKey))
	})

	assert.Equal(t, existingID, resp.Header().Get(HeaderXCorrelationID))
}

func TestCorrelationID_ReplacesOversized(t *testing.T) {
	long := strings.Repeat("x", maxCorrelationIDLength+1)
	resp := run(t, long, func(*gin.Context) {})

	got := resp.Header().Get(HeaderXCorrelationID)
	assert.NotEqual(t, long, got)
	assert.Len(t, got, 36)
}

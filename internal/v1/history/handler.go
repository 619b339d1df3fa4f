package history

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/auth"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// Handler serves stored history over HTTP.
type Handler struct {
	store     *Store
	validator types.TokenValidator
}

// NewHandler creates a handler. A nil validator disables the ownership check.
func NewHandler(store *Store, validator types.TokenValidator) *Handler {
	return &Handler{store: store, validator: validator}
}

// Register mounts the history routes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/api/v1/conversations/:userId", h.Conversations)
	r.PUT("/api/v1/profiles/:userId", h.UpdateProfile)
}

type profileRequest struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Conversations handles GET /api/v1/conversations/:userId.
func (h *Handler) Conversations(c *gin.Context) {
	user, ok := h.authorize(c)
	if !ok {
		return
	}

	records, err := h.store.Conversations(c.Request.Context(), user)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to load history", zap.String("user", string(user)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, records)
}

// UpdateProfile handles PUT /api/v1/profiles/:userId.
func (h *Handler) UpdateProfile(c *gin.Context) {
	user, ok := h.authorize(c)
	if !ok {
		return
	}

	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile"})
		return
	}
	if err := h.store.SetProfile(c.Request.Context(), user, req.DisplayName, req.AvatarURL); err != nil {
		logging.Error(c.Request.Context(), "Failed to save profile", zap.String("user", string(user)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// authorize writes the error response itself when it returns false.
func (h *Handler) authorize(c *gin.Context) (types.UserID, bool) {
	user := types.UserID(c.Param("userId"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id required"})
		return "", false
	}
	if h.validator == nil {
		return user, true
	}

	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return "", false
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return "", false
	}
	if types.UserID(claims.Subject) != user {
		c.JSON(http.StatusForbidden, gin.H{"error": "history belongs to another user"})
		return "", false
	}
	return user, true
}

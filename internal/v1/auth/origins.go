package auth

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
)

// GetAllowedOriginsFromEnv reads a comma separated origin list, falling back to defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaults []string) []string {
	raw := os.Getenv(envVarName)
	if raw == "" {
		logging.Warn(context.Background(), "Allowed origins not set, using development defaults",
			zap.String("env", envVarName), zap.Strings("origins", defaults))
		return defaults
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

package broker

import (
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
)

// validateOrigin checks the request Origin against the allowed list by scheme and host.
// An empty allowed list admits every origin.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowedOrigins) == 0 {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowed", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

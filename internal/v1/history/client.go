package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/bus"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/conversation"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// ErrUnavailable is returned while the history breaker is open.
var ErrUnavailable = errors.New("history service unavailable")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history request failed with status %d", e.Code)
}

// maxResponseBytes bounds a history response body.
const maxResponseBytes = 8 << 20

// Client fetches a user's conversations from the broker history endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBearerToken authenticates requests.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for baseURL, e.g. http://localhost:8080.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		cb:      bus.NewBreaker("history"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchConversations returns user's stored conversations ready for conversation.ConversationsLoaded.
func (c *Client) FetchConversations(ctx context.Context, user types.UserID) ([]conversation.Conversation, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx, user)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("history").Inc()
			return nil, ErrUnavailable
		}
		return nil, err
	}

	records := res.([]Record)
	out := make([]conversation.Conversation, 0, len(records))
	for _, r := range records {
		conv := conversation.Conversation{
			ID:          r.Counterpart,
			DisplayName: r.DisplayName,
			AvatarURL:   r.AvatarURL,
			UnreadCount: r.UnreadCount,
			Messages:    make([]conversation.Entry, 0, len(r.Messages)),
		}
		for _, env := range r.Messages {
			conv.Messages = append(conv.Messages, conversation.Entry{Envelope: env})
		}
		out = append(out, conv)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, user types.UserID) ([]Record, error) {
	endpoint := fmt.Sprintf("%s/api/v1/conversations/%s", c.baseURL, url.PathEscape(string(user)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var records []Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}

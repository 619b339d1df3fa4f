// Package surface opens the external call view once a handshake is accepted.
package surface

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// ErrNoBaseURL is returned when the surface has nowhere to point.
var ErrNoBaseURL = errors.New("call surface URL is not configured")

// Browser opens {base}?fromUser=..&toUser=..&isCallee=.. in the system browser.
type Browser struct {
	base   string
	opener func(string) error
}

// Option configures a Browser.
type Option func(*Browser)

// WithOpener replaces the system browser launcher.
func WithOpener(fn func(url string) error) Option {
	return func(b *Browser) {
		if fn != nil {
			b.opener = fn
		}
	}
}

// NewBrowser creates a surface for the call page at base.
func NewBrowser(base string, opts ...Option) *Browser {
	b := &Browser{base: base, opener: browser.OpenURL}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// URL builds the call page address for a session.
func (b *Browser) URL(from, to types.UserID, isCallee bool) (string, error) {
	if b.base == "" {
		return "", ErrNoBaseURL
	}
	u, err := url.Parse(b.base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("fromUser", string(from))
	q.Set("toUser", string(to))
	q.Set("isCallee", strconv.FormatBool(isCallee))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open implements types.CallSurface.
func (b *Browser) Open(from, to types.UserID, isCallee bool) error {
	target, err := b.URL(from, to, isCallee)
	if err != nil {
		return err
	}
	logging.Info(context.Background(), "Opening call surface", zap.String("url", target))
	return b.opener(target)
}

// Printer writes the call URL through a callback instead of launching anything.
// Useful on headless hosts.
type Printer struct {
	Browser
}

// NewPrinter creates a surface that hands the call URL to out.
func NewPrinter(base string, out func(string)) *Printer {
	return &Printer{Browser: *NewBrowser(base, WithOpener(func(u string) error {
		out(u)
		return nil
	}))}
}

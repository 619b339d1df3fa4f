// Package dispatch fans every inbound envelope out to registered subscribers.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
)

// Key identifies one subscriber (e.g. "conversations", "signaling", "ui:inbox").
type Key string

// Handler observes one envelope. A returned error is logged; it never stops the pass.
type Handler func(env message.Envelope) error

type entry struct {
	key     Key
	handler Handler
}

// Registry maps subscriber keys to handlers and invokes them in registration order.
//
// Dispatch works on a snapshot taken at the start of the pass: a handler registered
// during a pass first runs for the next envelope, and an unregister takes effect for
// subsequent dispatches. Passes never interleave.
type Registry struct {
	mu      sync.RWMutex
	entries []entry

	dispatchMu sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds handler under key. Re-registering a key replaces its handler in place.
func (r *Registry) Register(key Key, handler Handler) {
	if handler == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].key == key {
			r.entries[i].handler = handler
			return
		}
	}
	r.entries = append(r.entries, entry{key: key, handler: handler})
}

// Unregister removes the handler registered under key. Unknown keys are ignored.
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].key == key {
			// Copy so a snapshot held by an in-flight pass is not mutated
			next := make([]entry, 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			next = append(next, r.entries[i+1:]...)
			r.entries = next
			return
		}
	}
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns the registered keys in registration order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, len(r.entries))
	for i, e := range r.entries {
		keys[i] = e.key
	}
	return keys
}

func (r *Registry) snapshot() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Dispatch invokes every registered handler synchronously, in registration order.
// A failing handler is isolated: the failure is logged and the pass continues.
func (r *Registry) Dispatch(env message.Envelope) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	for _, e := range r.snapshot() {
		r.invoke(e, env)
	}
}

func (r *Registry) invoke(e entry, env message.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.DispatchHandlerFailures.WithLabelValues(string(e.key), "panic").Inc()
			logging.Error(context.Background(), "Dispatch handler panicked",
				zap.String("key", string(e.key)),
				zap.String("status", string(env.Status)),
				zap.String("panic", fmt.Sprint(rec)))
		}
	}()

	if err := e.handler(env); err != nil {
		metrics.DispatchHandlerFailures.WithLabelValues(string(e.key), "error").Inc()
		logging.Warn(context.Background(), "Dispatch handler failed",
			zap.String("key", string(e.key)),
			zap.String("status", string(env.Status)),
			zap.Error(err))
	}
}

// Package notify provides Notification Sink implementations.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// LogSink writes notifications to the structured logger.
type LogSink struct{}

// Notify implements types.Notifier.
func (LogSink) Notify(level types.NotificationLevel, msg string) {
	fields := []zap.Field{zap.String("level", string(level))}
	if level == types.NotificationError {
		logging.Warn(context.Background(), msg, fields...)
		return
	}
	logging.Info(context.Background(), msg, fields...)
}

// Func adapts a plain function.
type Func func(level types.NotificationLevel, msg string)

// Notify implements types.Notifier.
func (f Func) Notify(level types.NotificationLevel, msg string) {
	f(level, msg)
}

// Multi fans one notification out to every non-nil sink.
func Multi(sinks ...types.Notifier) types.Notifier {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []types.Notifier

func (m multi) Notify(level types.NotificationLevel, msg string) {
	for _, s := range m {
		s.Notify(level, msg)
	}
}

// Recorder keeps every notification in memory. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Entry is one recorded notification.
type Entry struct {
	Level   types.NotificationLevel
	Message string
}

// Notify implements types.Notifier.
func (r *Recorder) Notify(level types.NotificationLevel, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg})
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many notifications of level were recorded.
func (r *Recorder) Count(level types.NotificationLevel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

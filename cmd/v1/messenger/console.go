package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/conversation"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// console serialises terminal output from the read goroutine and the prompt loop.
type console struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[types.UserID]int
}

func newConsole(w io.Writer) *console {
	return &console{w: w, seen: make(map[types.UserID]int)}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format+"\n", args...)
}

// Notify implements types.Notifier.
func (c *console) Notify(level types.NotificationLevel, msg string) {
	if level == types.NotificationError {
		c.printf("! %s", msg)
		return
	}
	c.printf("* %s", msg)
}

// IncomingCall implements signaling.Prompter.
func (c *console) IncomingCall(from types.UserID, fromName string) {
	c.printf("Incoming video call from %s (%s). /accept or /refuse", fromName, from)
}

// Dismiss implements signaling.Prompter.
func (c *console) Dismiss(from types.UserID) {
	c.printf("Call from %s is no longer ringing", from)
}

// conversationsChanged prints messages that arrived since the last render.
func (c *console) conversationsChanged(owner types.UserID) conversation.Listener {
	return func(s conversation.State) {
		for _, id := range s.Order {
			conv := s.Conversations[id]
			c.mu.Lock()
			from := c.seen[id]
			c.seen[id] = len(conv.Messages)
			c.mu.Unlock()

			for _, e := range conv.Messages[min(from, len(conv.Messages)):] {
				if e.Envelope.Sender == owner {
					continue
				}
				name := conv.DisplayName
				if name == "" {
					name = string(id)
				}
				if e.System {
					c.printf("-- %s: %s", name, e.Envelope.Status)
					continue
				}
				c.printf("[%s] %s: %s", e.Envelope.SentAt.Local().Format("15:04"), name, render(e.Envelope))
			}
		}
	}
}

func render(env message.Envelope) string {
	if env.ContentKind == message.ContentHTML {
		return "(html) " + env.Body
	}
	return env.Body
}

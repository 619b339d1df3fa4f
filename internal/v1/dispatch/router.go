package dispatch

import (
	"fmt"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
)

// Router turns per-status callbacks into a single Handler. Nil callbacks are skipped.
type Router struct {
	OnJoin        func(message.Envelope) error
	OnLeave       func(message.Envelope) error
	OnMessage     func(message.Envelope) error
	OnCallRequest func(message.Envelope) error
	OnCallAccept  func(message.Envelope) error
	OnCallRefuse  func(message.Envelope) error
}

// Handler returns the routing function to register with a Registry.
func (rt Router) Handler() Handler {
	return rt.Route
}

// Route selects the callback for env.Status. Every status of the closed set has a branch;
// a status outside it is reported as an error.
func (rt Router) Route(env message.Envelope) error {
	var fn func(message.Envelope) error

	switch env.Status {
	case message.StatusJoin:
		fn = rt.OnJoin
	case message.StatusLeave:
		fn = rt.OnLeave
	case message.StatusMessage:
		fn = rt.OnMessage
	case message.StatusVideoCallRequest:
		fn = rt.OnCallRequest
	case message.StatusVideoCallResponseAccept:
		fn = rt.OnCallAccept
	case message.StatusVideoCallResponseRefuse:
		fn = rt.OnCallRefuse
	default:
		return fmt.Errorf("no route for envelope status %q", env.Status)
	}

	if fn == nil {
		return nil
	}
	return fn(env)
}

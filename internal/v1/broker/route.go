package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/bus"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/frame"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// storeTimeout bounds history and bus calls made while routing one frame.
const storeTimeout = 5 * time.Second

// handleFrame routes one inbound frame. It returns false when the session must end.
func (h *Hub) handleFrame(c *Client, f frame.Frame) bool {
	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.WithLabelValues(string(f.Command)).Observe(time.Since(start).Seconds())
	}()

	if c.User() == "" && f.Command != frame.CommandConnect {
		h.reject(c, f.Command, "not connected")
		return false
	}

	switch f.Command {
	case frame.CommandConnect:
		return h.handleConnect(c, f)
	case frame.CommandSubscribe:
		h.handleSubscribe(c, f)
	case frame.CommandUnsubscribe:
		if !c.unsubscribe(f.ID) {
			h.reject(c, f.Command, "unknown subscription")
			return true
		}
		metrics.BrokerFrames.WithLabelValues(string(f.Command), "ok").Inc()
	case frame.CommandSend:
		h.handleSend(c, f)
	case frame.CommandDisconnect:
		metrics.BrokerFrames.WithLabelValues(string(f.Command), "ok").Inc()
		return false
	default:
		h.reject(c, f.Command, "unsupported command")
	}
	return true
}

func (h *Hub) reject(c *Client, cmd frame.Command, reason string) {
	metrics.BrokerFrames.WithLabelValues(string(cmd), "rejected").Inc()
	c.sendFrame(frame.Error(reason))
}

func (h *Hub) handleConnect(c *Client, f frame.Frame) bool {
	if c.User() != "" {
		h.reject(c, f.Command, "already connected")
		return true
	}

	token := f.Header(frame.HeaderAuthorization)
	if token == "" {
		token = c.upgradeToken
	}
	user, name, err := h.authenticate(f.Header(frame.HeaderLogin), token)
	if err != nil {
		logging.Warn(context.Background(), "CONNECT rejected",
			zap.String("login", f.Header(frame.HeaderLogin)),
			zap.String("token", logging.RedactToken(token)),
			zap.Error(err))
		h.reject(c, f.Command, "authentication failed")
		return false
	}

	ctx := logging.WithUser(h.ctx, string(user))
	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(ctx, string(user)); err != nil {
			h.reject(c, f.Command, "too many sessions")
			return false
		}
	}

	c.bind(user, name)
	if err := h.register(c); err != nil {
		h.reject(c, f.Command, "broker unavailable")
		return false
	}

	metrics.BrokerFrames.WithLabelValues(string(f.Command), "ok").Inc()
	c.sendFrame(frame.Connected(string(user)))
	logging.Info(ctx, "Session connected", zap.Int("sessions", h.Sessions(user)))
	return true
}

func (h *Hub) handleSubscribe(c *Client, f frame.Frame) {
	if f.ID == "" {
		h.reject(c, f.Command, "subscription id required")
		return
	}
	topic := types.Topic(f.Destination)
	if owner, ok := types.OwnerOfTopic(topic); !ok || owner != c.User() {
		logging.Warn(logging.WithUser(h.ctx, string(c.User())), "Subscription denied", zap.String("topic", f.Destination))
		h.reject(c, f.Command, "subscription denied")
		return
	}
	c.subscribe(f.ID, topic)
	metrics.BrokerFrames.WithLabelValues(string(f.Command), "ok").Inc()
}

// decodeSent parses a SEND body and stamps the session identity on it. Clients cannot
// speak for anyone else.
func decodeSent(c *Client, body []byte) (message.Envelope, error) {
	var env message.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return message.Envelope{}, errors.Join(message.ErrMalformedEnvelope, err)
	}
	env.Sender = c.User()
	if env.SenderName == "" {
		env.SenderName = c.DisplayName()
	}
	if env.ID == "" {
		env.ID = message.NewID()
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}
	env.SentAt = message.Timestamp(env.SentAt)
	if err := env.Validate(); err != nil {
		return message.Envelope{}, errors.Join(message.ErrMalformedEnvelope, err)
	}
	return env, nil
}

func (h *Hub) handleSend(c *Client, f frame.Frame) {
	if !types.IsKnownDestination(types.Destination(f.Destination)) {
		h.reject(c, f.Command, "unknown destination")
		return
	}
	env, err := decodeSent(c, f.Body)
	if err != nil {
		metrics.MalformedEnvelopes.WithLabelValues("broker").Inc()
		h.reject(c, f.Command, "malformed envelope")
		return
	}

	ctx, cancel := context.WithTimeout(logging.WithUser(h.ctx, string(env.Sender)), storeTimeout)
	defer cancel()

	targets, err := h.targets(ctx, env)
	if err != nil {
		logging.Error(ctx, "Failed to resolve counterparts", zap.Error(err))
		h.reject(c, f.Command, "delivery failed")
		return
	}

	if env.Status == message.StatusMessage && h.history != nil {
		if err := h.history.Append(ctx, env); err != nil {
			logging.Error(ctx, "Failed to store message", zap.String("receiver", string(env.Receiver)), zap.Error(err))
		}
	}

	data, err := message.Encode(env)
	if err != nil {
		h.reject(c, f.Command, "malformed envelope")
		return
	}
	for _, target := range targets {
		h.deliver(ctx, f.Destination, target, env.Sender, data)
	}
	if env.Status == message.StatusMessage {
		h.echo(c, data)
	}
	metrics.BrokerFrames.WithLabelValues(string(f.Command), "ok").Inc()
}

// targets resolves who receives env. Presence announcements without a receiver go to
// every known counterpart of the sender.
func (h *Hub) targets(ctx context.Context, env message.Envelope) ([]types.UserID, error) {
	if env.Receiver != "" {
		if env.Receiver == env.Sender {
			return nil, nil
		}
		return []types.UserID{env.Receiver}, nil
	}
	if (env.Status != message.StatusJoin && env.Status != message.StatusLeave) || h.history == nil {
		return nil, nil
	}
	peers, err := h.history.Counterparts(ctx, env.Sender)
	if err != nil {
		return nil, err
	}
	out := peers[:0]
	for _, p := range peers {
		if p != env.Sender {
			out = append(out, p)
		}
	}
	return out, nil
}

// deliver hands data to target's sessions here and publishes it for other instances.
func (h *Hub) deliver(ctx context.Context, destination string, target, sender types.UserID, data []byte) {
	if n := h.deliverLocal(target, data); n > 0 {
		metrics.BrokerDeliveries.WithLabelValues("local", "delivered").Inc()
	} else {
		metrics.BrokerDeliveries.WithLabelValues("local", "offline").Inc()
	}

	if h.bus == nil {
		return
	}
	if err := h.bus.PublishDirect(ctx, string(target), destination, json.RawMessage(data), string(sender)); err != nil {
		metrics.BrokerDeliveries.WithLabelValues("bus", "failed").Inc()
		logging.Warn(ctx, "Bus publish failed", zap.String("target", string(target)), zap.Error(err))
		return
	}
	metrics.BrokerDeliveries.WithLabelValues("bus", "published").Inc()
}

// deliverLocal sends data on every personal-topic subscription target holds here.
func (h *Hub) deliverLocal(target types.UserID, data []byte) int {
	topic := types.PersonalTopic(target)
	delivered := 0
	for _, c := range h.sessionsOf(target) {
		for _, id := range c.subscriptionsFor(topic) {
			if c.sendFrame(frame.Message(id, string(topic), data)) {
				delivered++
			}
		}
	}
	return delivered
}

// echo mirrors a sent chat message to the sender's other sessions.
func (h *Hub) echo(origin *Client, data []byte) {
	user := origin.User()
	topic := types.PersonalTopic(user)
	for _, c := range h.sessionsOf(user) {
		if c == origin {
			continue
		}
		for _, id := range c.subscriptionsFor(topic) {
			c.sendFrame(frame.Message(id, string(topic), data))
		}
	}
}

// deliverRemote handles an envelope another instance published for user.
func (h *Hub) deliverRemote(user types.UserID, p bus.PubSubPayload) {
	if _, err := message.Decode(p.Payload); err != nil {
		metrics.MalformedEnvelopes.WithLabelValues("bus").Inc()
		logging.Warn(h.ctx, "Dropping unreadable bus envelope", zap.String("user", string(user)), zap.Error(err))
		return
	}
	if n := h.deliverLocal(user, p.Payload); n > 0 {
		metrics.BrokerDeliveries.WithLabelValues("bus", "delivered").Inc()
	}
}

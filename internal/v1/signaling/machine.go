// Package signaling drives the video call request/accept/refuse handshake carried over
// the personal topic.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/notify"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// Phase is the handshake state of the local user.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseRequested Phase = "REQUESTED"
	PhaseRinging   Phase = "RINGING"
	PhaseAccepted  Phase = "ACCEPTED"
	PhaseRefused   Phase = "REFUSED"
	PhaseTimedOut  Phase = "TIMED_OUT"
	PhaseEnded     Phase = "ENDED"
)

// Role tells which side of the handshake the local user is on.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// DefaultRequestTimeout bounds how long an unanswered request stays REQUESTED.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrBusy is returned by InitiateCall while another call session exists.
	ErrBusy = errors.New("a call is already in progress")
	// ErrInvalidPhase is returned when an action does not apply to the current phase.
	ErrInvalidPhase = errors.New("action not valid in current call phase")
	// ErrInvalidPeer is returned for an empty peer or a call to oneself.
	ErrInvalidPeer = errors.New("invalid call peer")
)

// Timeline texts carried in the body of call envelopes.
const (
	bodyRequest = "Video call requested"
	bodyAccept  = "Video call accepted"
	bodyRefuse  = "Video call declined"
	bodyBusy    = "Busy in another call"
	bodyCancel  = "Video call cancelled"
	bodyEnd     = "Video call ended"
)

// CallSession is the single transient call of the local user.
type CallSession struct {
	Peer      types.UserID
	PeerName  string
	Role      Role
	Phase     Phase
	StartedAt time.Time
}

// Sender publishes envelopes on behalf of the session owner.
// *connection.Manager satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, env message.Envelope, destination ...types.Destination) (message.Envelope, error)
	Owner() types.UserID
}

// Prompter shows and hides the incoming call prompt.
type Prompter interface {
	IncomingCall(from types.UserID, fromName string)
	Dismiss(from types.UserID)
}

// Transition is reported to observers after every phase change.
type Transition struct {
	From    Phase
	To      Phase
	Session CallSession
}

// Option configures a Machine.
type Option func(*Machine)

// WithTimeout sets the caller-side request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) { m.timeout = d }
}

// WithClock replaces the real clock.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithAcceptDestination routes accept and refuse responses to /app/accept.
func WithAcceptDestination() Option {
	return func(m *Machine) { m.responseDest = types.DestinationAccept }
}

// WithPrompter sets the incoming call prompt.
func WithPrompter(p Prompter) Option {
	return func(m *Machine) {
		if p != nil {
			m.prompter = p
		}
	}
}

// WithSurface sets the external call surface.
func WithSurface(s types.CallSurface) Option {
	return func(m *Machine) {
		if s != nil {
			m.surface = s
		}
	}
}

// WithNotifier sets the Notification Sink.
func WithNotifier(n types.Notifier) Option {
	return func(m *Machine) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithObserver registers a callback for every transition.
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}

// Machine holds at most one CallSession. All methods are safe for concurrent use.
type Machine struct {
	sender       Sender
	prompter     Prompter
	surface      types.CallSurface
	notifier     types.Notifier
	clock        clock.WithDelayedExecution
	timeout      time.Duration
	responseDest types.Destination
	observers    []func(Transition)

	mu      sync.Mutex
	session *CallSession
	gen     uint64
	timer   clock.Timer
}

// NewMachine creates an idle machine.
func NewMachine(sender Sender, opts ...Option) *Machine {
	m := &Machine{
		sender:       sender,
		prompter:     nopPrompter{},
		surface:      nopSurface{},
		notifier:     notify.LogSink{},
		clock:        clock.RealClock{},
		timeout:      DefaultRequestTimeout,
		responseDest: types.DestinationPrivateMessage,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return PhaseIdle
	}
	return m.session.Phase
}

// Session returns a copy of the active session.
func (m *Machine) Session() (CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return CallSession{Phase: PhaseIdle}, false
	}
	return *m.session, true
}

// InitiateCall sends a request to peer and enters REQUESTED.
func (m *Machine) InitiateCall(ctx context.Context, peer types.UserID, peerName string) error {
	owner := m.sender.Owner()
	if peer == "" || peer == owner {
		return ErrInvalidPeer
	}

	now := m.clock.Now()
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	m.gen++
	gen := m.gen
	m.session = &CallSession{Peer: peer, PeerName: peerName, Role: RoleCaller, Phase: PhaseIdle, StartedAt: now}
	events := []Transition{m.setPhaseLocked(PhaseRequested)}
	m.mu.Unlock()
	m.emit(events)

	ctx = logging.WithPeer(ctx, string(peer))
	if err := m.send(ctx, peer, message.StatusVideoCallRequest, bodyRequest, types.DestinationPrivateMessage); err != nil {
		logging.Warn(ctx, "Call request not sent", zap.Error(err))
		m.resolve(gen)
		return err
	}

	if m.timeout > 0 {
		timer := m.clock.AfterFunc(m.timeout, func() { m.expire(gen) })
		m.mu.Lock()
		if m.gen == gen && m.session != nil && m.session.Phase == PhaseRequested {
			m.timer = timer
			timer = nil
		}
		m.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}

	logging.Info(ctx, "Call requested")
	return nil
}

// Accept answers a ringing call and opens the call surface as callee.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.session.Role != RoleCallee || m.session.Phase != PhaseRinging {
		phase := m.phaseLocked()
		m.mu.Unlock()
		return fmt.Errorf("%w: accept in %s", ErrInvalidPhase, phase)
	}
	gen := m.gen
	peer := m.session.Peer
	events := []Transition{m.setPhaseLocked(PhaseAccepted)}
	m.mu.Unlock()
	m.emit(events)

	m.prompter.Dismiss(peer)
	ctx = logging.WithPeer(ctx, string(peer))

	if err := m.send(ctx, peer, message.StatusVideoCallResponseAccept, bodyAccept, m.responseDest); err != nil {
		logging.Warn(ctx, "Call accept not sent", zap.Error(err))
		m.resolve(gen)
		return err
	}

	if err := m.surface.Open(peer, m.sender.Owner(), true); err != nil {
		logging.Error(ctx, "Failed to open call surface", zap.Error(err))
		m.notifier.Notify(types.NotificationError, "Unable to open the call window")
		m.resolve(gen)
		return err
	}
	return nil
}

// Refuse declines a ringing call.
func (m *Machine) Refuse(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.session.Role != RoleCallee || m.session.Phase != PhaseRinging {
		phase := m.phaseLocked()
		m.mu.Unlock()
		return fmt.Errorf("%w: refuse in %s", ErrInvalidPhase, phase)
	}
	peer := m.session.Peer
	events := m.clearLocked(PhaseRefused)
	m.mu.Unlock()
	m.emit(events)

	m.prompter.Dismiss(peer)
	return m.send(logging.WithPeer(ctx, string(peer)), peer, message.StatusVideoCallResponseRefuse, bodyRefuse, m.responseDest)
}

// Cancel abandons an unanswered request and tells the peer.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.session.Role != RoleCaller || m.session.Phase != PhaseRequested {
		phase := m.phaseLocked()
		m.mu.Unlock()
		return fmt.Errorf("%w: cancel in %s", ErrInvalidPhase, phase)
	}
	peer := m.session.Peer
	timer := m.takeTimerLocked()
	events := m.clearLocked(PhaseEnded)
	m.mu.Unlock()

	stopTimer(timer)
	m.emit(events)
	return m.send(logging.WithPeer(ctx, string(peer)), peer, message.StatusVideoCallResponseRefuse, bodyCancel, m.responseDest)
}

// End hangs up an accepted call.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || m.session.Phase != PhaseAccepted {
		phase := m.phaseLocked()
		m.mu.Unlock()
		return fmt.Errorf("%w: end in %s", ErrInvalidPhase, phase)
	}
	peer := m.session.Peer
	events := m.clearLocked(PhaseEnded)
	m.mu.Unlock()
	m.emit(events)

	return m.send(logging.WithPeer(ctx, string(peer)), peer, message.StatusLeave, bodyEnd, types.DestinationPrivateMessage)
}

// HandleEnvelope is the dispatch handler for call signals and peer departures.
func (m *Machine) HandleEnvelope(env message.Envelope) error {
	if env.Sender == m.sender.Owner() {
		return nil
	}

	switch env.Status {
	case message.StatusVideoCallRequest:
		return m.onRequest(env)
	case message.StatusVideoCallResponseAccept:
		return m.onAccept(env)
	case message.StatusVideoCallResponseRefuse:
		m.onRefuse(env)
	case message.StatusLeave:
		m.onLeave(env)
	case message.StatusJoin, message.StatusMessage:
	}
	return nil
}

func (m *Machine) onRequest(env message.Envelope) error {
	from := env.Sender
	ctx := logging.WithPeer(context.Background(), string(from))
	now := m.clock.Now()

	m.mu.Lock()
	if m.session != nil {
		duplicate := m.session.Peer == from && m.session.Phase == PhaseRinging
		m.mu.Unlock()
		if duplicate {
			return nil
		}
		logging.Info(ctx, "Busy: refusing incoming call")
		return m.send(ctx, from, message.StatusVideoCallResponseRefuse, bodyBusy, m.responseDest)
	}
	m.gen++
	m.session = &CallSession{Peer: from, PeerName: env.SenderName, Role: RoleCallee, Phase: PhaseIdle, StartedAt: now}
	events := []Transition{m.setPhaseLocked(PhaseRinging)}
	m.mu.Unlock()
	m.emit(events)

	logging.Info(ctx, "Incoming call")
	m.prompter.IncomingCall(from, env.SenderName)
	return nil
}

func (m *Machine) onAccept(env message.Envelope) error {
	m.mu.Lock()
	if m.session == nil || m.session.Peer != env.Sender || m.session.Role != RoleCaller || m.session.Phase != PhaseRequested {
		m.mu.Unlock()
		logging.GetLogger().Debug("Ignoring stale call accept", zap.String("from", string(env.Sender)))
		return nil
	}
	gen := m.gen
	peer := m.session.Peer
	timer := m.takeTimerLocked()
	events := []Transition{m.setPhaseLocked(PhaseAccepted)}
	m.mu.Unlock()

	stopTimer(timer)
	m.emit(events)

	if err := m.surface.Open(m.sender.Owner(), peer, false); err != nil {
		logging.Error(logging.WithPeer(context.Background(), string(peer)), "Failed to open call surface", zap.Error(err))
		m.notifier.Notify(types.NotificationError, "Unable to open the call window")
		m.resolve(gen)
		return err
	}
	return nil
}

func (m *Machine) onRefuse(env message.Envelope) {
	m.mu.Lock()
	if m.session == nil || m.session.Peer != env.Sender {
		m.mu.Unlock()
		return
	}

	var msg string
	var dismiss bool
	switch {
	case m.session.Role == RoleCaller && m.session.Phase == PhaseRequested:
		name := m.session.PeerName
		if name == "" {
			name = string(m.session.Peer)
		}
		msg = fmt.Sprintf("%s declined the call", name)
	case m.session.Role == RoleCallee && m.session.Phase == PhaseRinging:
		msg = "The caller hung up"
		dismiss = true
	default:
		m.mu.Unlock()
		return
	}

	peer := m.session.Peer
	timer := m.takeTimerLocked()
	events := m.clearLocked(PhaseRefused)
	m.mu.Unlock()

	stopTimer(timer)
	m.emit(events)
	if dismiss {
		m.prompter.Dismiss(peer)
	}
	m.notifier.Notify(types.NotificationInfo, msg)
}

func (m *Machine) onLeave(env message.Envelope) {
	m.mu.Lock()
	if m.session == nil || m.session.Peer != env.Sender {
		m.mu.Unlock()
		return
	}
	phase := m.session.Phase
	peer := m.session.Peer
	timer := m.takeTimerLocked()
	events := m.clearLocked(PhaseEnded)
	m.mu.Unlock()

	stopTimer(timer)
	m.emit(events)
	if phase == PhaseRinging {
		m.prompter.Dismiss(peer)
	}
	m.notifier.Notify(types.NotificationInfo, "The call has ended")
}

func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if m.session == nil || m.gen != gen || m.session.Phase != PhaseRequested {
		m.mu.Unlock()
		return
	}
	peer := m.session.Peer
	m.timer = nil
	events := m.clearLocked(PhaseTimedOut)
	m.mu.Unlock()

	m.emit(events)
	ctx := logging.WithPeer(context.Background(), string(peer))
	logging.Info(ctx, "Call request timed out")
	m.notifier.Notify(types.NotificationInfo, "No answer. The call request timed out")
	if err := m.send(ctx, peer, message.StatusVideoCallResponseRefuse, bodyCancel, m.responseDest); err != nil {
		logging.GetLogger().Debug("Timeout cancellation not sent", zap.Error(err))
	}
}

// resolve drops the session created in generation gen after a failure.
func (m *Machine) resolve(gen uint64) {
	m.mu.Lock()
	if m.session == nil || m.gen != gen {
		m.mu.Unlock()
		return
	}
	timer := m.takeTimerLocked()
	events := m.clearLocked(PhaseIdle)
	m.mu.Unlock()

	stopTimer(timer)
	m.emit(events)
}

func (m *Machine) send(ctx context.Context, peer types.UserID, status message.Status, body string, dest types.Destination) error {
	_, err := m.sender.SendMessage(ctx, message.Envelope{
		Receiver:    peer,
		Status:      status,
		Body:        body,
		ContentKind: message.ContentSystem,
	}, dest)
	return err
}

func (m *Machine) phaseLocked() Phase {
	if m.session == nil {
		return PhaseIdle
	}
	return m.session.Phase
}

func (m *Machine) setPhaseLocked(to Phase) Transition {
	from := m.session.Phase
	m.session.Phase = to
	metrics.CallTransitions.WithLabelValues(string(from), string(to)).Inc()
	return Transition{From: from, To: to, Session: *m.session}
}

// clearLocked moves through the terminal phase to IDLE and drops the session.
func (m *Machine) clearLocked(terminal Phase) []Transition {
	var events []Transition
	if terminal != PhaseIdle && m.session.Phase != terminal {
		events = append(events, m.setPhaseLocked(terminal))
	}
	events = append(events, m.setPhaseLocked(PhaseIdle))
	m.session = nil
	return events
}

func (m *Machine) takeTimerLocked() clock.Timer {
	t := m.timer
	m.timer = nil
	return t
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (m *Machine) emit(events []Transition) {
	for _, ev := range events {
		for _, fn := range m.observers {
			fn(ev)
		}
	}
}

type nopPrompter struct{}

func (nopPrompter) IncomingCall(types.UserID, string) {}
func (nopPrompter) Dismiss(types.UserID)              {}

type nopSurface struct{}

func (nopSurface) Open(types.UserID, types.UserID, bool) error { return nil }

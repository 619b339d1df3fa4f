// Package messenger wires the connection manager, conversation store and call machine
// into one session object per signed-in user.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/connection"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/conversation"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/dispatch"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/notify"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/signaling"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// Registry keys used by the session.
const (
	KeyConversations dispatch.Key = "conversations"
	KeyCalls         dispatch.Key = "calls"
)

// ErrNoTransport is returned by New without a transport.
var ErrNoTransport = errors.New("messenger: transport is required")

// HistoryFetcher loads stored conversations at sign-in.
type HistoryFetcher interface {
	FetchConversations(ctx context.Context, user types.UserID) ([]conversation.Conversation, error)
}

// Deps are the collaborators of a Session. Transport and Endpoint are required.
type Deps struct {
	Transport   types.Transport
	Endpoint    string
	Token       string
	DisplayName types.DisplayName
	Notifier    types.Notifier
	Surface     types.CallSurface
	Prompter    signaling.Prompter
	History     HistoryFetcher

	ConnectionOptions []connection.Option
	SignalingOptions  []signaling.Option
}

// Session is the explicit messaging context of one user, created at sign-in and torn
// down at sign-out.
type Session struct {
	user     types.UserID
	notifier types.Notifier
	history  HistoryFetcher

	conn  *connection.Manager
	store *conversation.Store
	calls *signaling.Machine

	historyOnce sync.Once
}

// New builds a session for user. Nothing touches the network until Init.
func New(user types.UserID, deps Deps) (*Session, error) {
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if user == "" {
		return nil, fmt.Errorf("messenger: %w", signaling.ErrInvalidPeer)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.LogSink{}
	}

	connOpts := []connection.Option{
		connection.WithNotifier(notifier),
		connection.WithToken(deps.Token),
		connection.WithDisplayName(deps.DisplayName),
	}
	conn := connection.NewManager(deps.Transport, deps.Endpoint, append(connOpts, deps.ConnectionOptions...)...)

	callOpts := []signaling.Option{
		signaling.WithNotifier(notifier),
		signaling.WithSurface(deps.Surface),
		signaling.WithPrompter(deps.Prompter),
	}
	calls := signaling.NewMachine(conn, append(callOpts, deps.SignalingOptions...)...)

	s := &Session{
		user:     user,
		notifier: notifier,
		history:  deps.History,
		conn:     conn,
		store:    conversation.NewStore(user),
		calls:    calls,
	}

	conn.Subscribe(KeyConversations, s.store.HandleEnvelope)
	conn.Subscribe(KeyCalls, dispatch.Router{
		OnLeave:       calls.HandleEnvelope,
		OnCallRequest: calls.HandleEnvelope,
		OnCallAccept:  calls.HandleEnvelope,
		OnCallRefuse:  calls.HandleEnvelope,
	}.Handler())
	return s, nil
}

// User returns the session owner.
func (s *Session) User() types.UserID { return s.user }

// Connection exposes the underlying manager.
func (s *Session) Connection() *connection.Manager { return s.conn }

// Calls exposes the call machine.
func (s *Session) Calls() *signaling.Machine { return s.calls }

// Init connects and, on the first successful connect, loads history once.
func (s *Session) Init(ctx context.Context) error {
	if err := s.conn.Connect(ctx, s.user); err != nil {
		return err
	}
	s.historyOnce.Do(func() { s.loadHistory(ctx) })
	return nil
}

func (s *Session) loadHistory(ctx context.Context) {
	if s.history == nil {
		return
	}
	ctx = logging.WithUser(ctx, string(s.user))
	convs, err := s.history.FetchConversations(ctx, s.user)
	if err != nil {
		logging.Warn(ctx, "History fetch failed", zap.Error(err))
		s.notifier.Notify(types.NotificationInfo, "Earlier conversations could not be loaded")
		return
	}
	s.store.Dispatch(conversation.ConversationsLoaded{Conversations: convs})
	logging.Info(ctx, "History loaded", zap.Int("conversations", len(convs)))
}

// Teardown abandons any call and disconnects. Conversations stay in memory.
func (s *Session) Teardown() {
	if s.calls.Phase() != signaling.PhaseIdle {
		if err := s.Hangup(context.Background()); err != nil {
			logging.GetLogger().Debug("Hangup during teardown failed", zap.Error(err))
		}
	}
	s.conn.Disconnect()
}

// SendChat sends a plain text message to peer.
func (s *Session) SendChat(ctx context.Context, peer types.UserID, body string) (message.Envelope, error) {
	return s.send(ctx, peer, body, message.ContentText)
}

// SendHTML sends a message whose body is rendered as HTML.
func (s *Session) SendHTML(ctx context.Context, peer types.UserID, body string) (message.Envelope, error) {
	return s.send(ctx, peer, body, message.ContentHTML)
}

// send records the envelope locally once the connected check passed and the frame was queued.
func (s *Session) send(ctx context.Context, peer types.UserID, body string, kind message.ContentKind) (message.Envelope, error) {
	if peer == "" || peer == s.user {
		return message.Envelope{}, signaling.ErrInvalidPeer
	}
	sent, err := s.conn.SendMessage(ctx, message.Envelope{
		Receiver:    peer,
		Body:        body,
		Status:      message.StatusMessage,
		ContentKind: kind,
	})
	if err != nil {
		return sent, err
	}
	s.store.Dispatch(conversation.EnvelopeSent{Envelope: sent})
	return sent, nil
}

// Call starts a video call with peer.
func (s *Session) Call(ctx context.Context, peer types.UserID) error {
	name := string(peer)
	if c, ok := s.store.Conversation(peer); ok && c.DisplayName != "" {
		name = c.DisplayName
	}
	return s.calls.InitiateCall(ctx, peer, name)
}

// Accept answers the ringing call.
func (s *Session) Accept(ctx context.Context) error { return s.calls.Accept(ctx) }

// Refuse declines the ringing call.
func (s *Session) Refuse(ctx context.Context) error { return s.calls.Refuse(ctx) }

// Hangup ends whatever call is in progress.
func (s *Session) Hangup(ctx context.Context) error {
	switch s.calls.Phase() {
	case signaling.PhaseRequested:
		return s.calls.Cancel(ctx)
	case signaling.PhaseRinging:
		return s.calls.Refuse(ctx)
	case signaling.PhaseAccepted:
		return s.calls.End(ctx)
	default:
		return signaling.ErrInvalidPhase
	}
}

// OpenConversation marks a conversation visible and clears its unread count.
func (s *Session) OpenConversation(peer types.UserID) {
	s.store.Dispatch(conversation.ConversationOpened{ID: peer})
}

// CloseConversation marks a conversation hidden.
func (s *Session) CloseConversation(peer types.UserID) {
	s.store.Dispatch(conversation.ConversationClosed{ID: peer})
}

// Conversations returns every conversation in creation order.
func (s *Session) Conversations() []conversation.Conversation { return s.store.Conversations() }

// Conversation returns one conversation.
func (s *Session) Conversation(peer types.UserID) (conversation.Conversation, bool) {
	return s.store.Conversation(peer)
}

// TotalUnread sums unread counts.
func (s *Session) TotalUnread() int { return s.store.TotalUnread() }

// OnChange registers a re-render callback.
func (s *Session) OnChange(l conversation.Listener) { s.store.OnChange(l) }

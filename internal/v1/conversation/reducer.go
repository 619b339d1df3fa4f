// Package conversation keeps per-counterpart message history and UI state.
//
// State changes only through Reduce. Store wraps it for concurrent use and change
// notification.
package conversation

import (
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// Entry is one timeline item of a conversation.
type Entry struct {
	Envelope  message.Envelope
	Direction message.Direction
	// System marks control envelopes (JOIN, LEAVE, call signals) shown as timeline notes.
	System bool
}

// Conversation is the history and UI state for one counterpart.
type Conversation struct {
	ID          types.UserID
	DisplayName string
	AvatarURL   string
	Messages    []Entry
	UnreadCount int
	IsOpenInUI  bool
}

// State is the full set of conversations in creation order.
type State struct {
	Owner         types.UserID
	Order         []types.UserID
	Conversations map[types.UserID]Conversation
}

// NewState returns empty state for the local user.
func NewState(owner types.UserID) State {
	return State{Owner: owner, Conversations: make(map[types.UserID]Conversation)}
}

// Action is a closed set of state transitions.
type Action interface {
	isAction()
}

// EnvelopeReceived applies an inbound envelope.
type EnvelopeReceived struct{ Envelope message.Envelope }

// EnvelopeSent applies an outbound envelope optimistically.
type EnvelopeSent struct{ Envelope message.Envelope }

// ConversationOpened marks a conversation visible and clears its unread count.
type ConversationOpened struct{ ID types.UserID }

// ConversationClosed marks a conversation hidden.
type ConversationClosed struct{ ID types.UserID }

// ConversationsLoaded hydrates state from the history service.
type ConversationsLoaded struct{ Conversations []Conversation }

func (EnvelopeReceived) isAction()    {}
func (EnvelopeSent) isAction()        {}
func (ConversationOpened) isAction()  {}
func (ConversationClosed) isAction()  {}
func (ConversationsLoaded) isAction() {}

// Reduce returns the state after applying a. The input state is not modified.
func Reduce(s State, a Action) State {
	switch act := a.(type) {
	case EnvelopeReceived:
		// Our own envelopes echoed from another device count as outgoing.
		return s.appendEnvelope(act.Envelope, act.Envelope.DirectionFor(s.Owner))
	case EnvelopeSent:
		return s.appendEnvelope(act.Envelope, message.DirectionOutgoing)
	case ConversationOpened:
		return s.update(act.ID, func(c *Conversation) {
			c.IsOpenInUI = true
			c.UnreadCount = 0
		})
	case ConversationClosed:
		if _, ok := s.Conversations[act.ID]; !ok {
			return s
		}
		return s.update(act.ID, func(c *Conversation) { c.IsOpenInUI = false })
	case ConversationsLoaded:
		return s.load(act.Conversations)
	default:
		return s
	}
}

func (s State) clone() State {
	out := State{
		Owner:         s.Owner,
		Order:         append([]types.UserID(nil), s.Order...),
		Conversations: make(map[types.UserID]Conversation, len(s.Conversations)),
	}
	for id, c := range s.Conversations {
		out.Conversations[id] = c
	}
	return out
}

// update applies fn to the conversation with id, creating it when absent.
func (s State) update(id types.UserID, fn func(c *Conversation)) State {
	out := s.clone()
	c, ok := out.Conversations[id]
	if !ok {
		c = Conversation{ID: id}
		out.Order = append(out.Order, id)
	}
	// Messages slices are shared with the previous state; copy before appending.
	c.Messages = append([]Entry(nil), c.Messages...)
	fn(&c)
	out.Conversations[id] = c
	return out
}

func (s State) appendEnvelope(env message.Envelope, dir message.Direction) State {
	peer := env.Counterpart(s.Owner)
	if dir == message.DirectionOutgoing {
		peer = env.Receiver
	}
	if peer == "" || peer == s.Owner {
		return s
	}

	system := env.Status != message.StatusMessage
	if system && env.Status.IsCallSignal() && env.Body == "" {
		return s
	}

	if existing, ok := s.Conversations[peer]; ok && env.ID != "" && containsID(existing.Messages, env.ID) {
		return s
	}

	return s.update(peer, func(c *Conversation) {
		if dir == message.DirectionIncoming && env.SenderName != "" {
			c.DisplayName = env.SenderName
		}
		c.Messages = append(c.Messages, Entry{Envelope: env, Direction: dir, System: system})
		if dir == message.DirectionIncoming && !system && !c.IsOpenInUI {
			c.UnreadCount++
		}
	})
}

func (s State) load(convs []Conversation) State {
	out := s
	for _, loaded := range convs {
		if loaded.ID == "" || loaded.ID == s.Owner {
			continue
		}
		out = out.update(loaded.ID, func(c *Conversation) {
			if loaded.DisplayName != "" && c.DisplayName == "" {
				c.DisplayName = loaded.DisplayName
			}
			if loaded.AvatarURL != "" {
				c.AvatarURL = loaded.AvatarURL
			}

			// History goes first; entries already seen live keep their place after it.
			merged := make([]Entry, 0, len(loaded.Messages)+len(c.Messages))
			for _, e := range loaded.Messages {
				if e.Envelope.ID != "" && (containsID(merged, e.Envelope.ID) || containsID(c.Messages, e.Envelope.ID)) {
					continue
				}
				if e.Direction == "" {
					e.Direction = e.Envelope.DirectionFor(s.Owner)
				}
				e.System = e.Envelope.Status != message.StatusMessage
				merged = append(merged, e)
			}
			c.Messages = append(merged, c.Messages...)
			if !c.IsOpenInUI {
				c.UnreadCount += loaded.UnreadCount
			}
		})
	}
	return out
}

func containsID(entries []Entry, id string) bool {
	for _, e := range entries {
		if e.Envelope.ID == id {
			return true
		}
	}
	return false
}

package conversation

import (
	"sync"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// Listener is called after every action that changed state.
type Listener func(State)

// Store serialises reducer applications and notifies listeners.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners []Listener
}

// NewStore creates an empty store for owner.
func NewStore(owner types.UserID) *Store {
	return &Store{state: NewState(owner)}
}

// OnChange registers a listener. Listeners run synchronously, outside the store lock.
func (s *Store) OnChange(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Dispatch applies a and returns the resulting state.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	before := s.state
	s.state = Reduce(s.state, a)
	after := s.state
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if changed(before, after) {
		for _, l := range listeners {
			l(after)
		}
	}
	return after
}

// HandleEnvelope is the dispatch handler feeding inbound envelopes into the store.
func (s *Store) HandleEnvelope(env message.Envelope) error {
	s.Dispatch(EnvelopeReceived{Envelope: env})
	return nil
}

// Snapshot returns the current state. Callers must not mutate it.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns one conversation by counterpart.
func (s *Store) Conversation(id types.UserID) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Conversations[id]
	return c, ok
}

// Conversations returns every conversation in creation order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.state.Order))
	for _, id := range s.state.Order {
		out = append(out, s.state.Conversations[id])
	}
	return out
}

// TotalUnread sums unread counts across conversations.
func (s *Store) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.state.Conversations {
		total += c.UnreadCount
	}
	return total
}

// changed relies on Reduce returning its input untouched for no-op actions.
func changed(before, after State) bool {
	if len(before.Order) != len(after.Order) {
		return true
	}
	if len(before.Conversations) == 0 && len(after.Conversations) == 0 {
		return false
	}
	for id, a := range after.Conversations {
		b, ok := before.Conversations[id]
		if !ok {
			return true
		}
		if len(a.Messages) != len(b.Messages) || a.UnreadCount != b.UnreadCount ||
			a.IsOpenInUI != b.IsOpenInUI || a.DisplayName != b.DisplayName || a.AvatarURL != b.AvatarURL {
			return true
		}
	}
	return false
}

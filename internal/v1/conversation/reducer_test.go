package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func inbound(from types.UserID, id, body string, at time.Time) message.Envelope {
	return message.Envelope{
		ID:         id,
		Sender:     from,
		Receiver:   "alice",
		SenderName: string(from) + " (recruiter)",
		Body:       body,
		Status:     message.StatusMessage,
		SentAt:     at,
	}
}

func apply(s State, actions ...Action) State {
	for _, a := range actions {
		s = Reduce(s, a)
	}
	return s
}

func bodies(c Conversation) []string {
	out := make([]string, 0, len(c.Messages))
	for _, e := range c.Messages {
		out = append(out, e.Envelope.Body)
	}
	return out
}

func TestReduce_UnreadAccounting(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{name: "one", n: 1},
		{name: "three", n: 3},
		{name: "many", n: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState("alice")
			for i := 0; i < tt.n; i++ {
				s = Reduce(s, EnvelopeReceived{Envelope: inbound("carol", message.NewID(), "m", t0.Add(time.Duration(i)*time.Second))})
			}
			assert.Equal(t, tt.n, s.Conversations["carol"].UnreadCount)

			s = Reduce(s, ConversationOpened{ID: "carol"})
			assert.Equal(t, 0, s.Conversations["carol"].UnreadCount)
			assert.True(t, s.Conversations["carol"].IsOpenInUI)
		})
	}
}

func TestReduce_ClosedConversationReceivesThree(t *testing.T) {
	s := apply(NewState("alice"),
		ConversationOpened{ID: "carol"},
		ConversationClosed{ID: "carol"},
	)
	require.Equal(t, 0, s.Conversations["carol"].UnreadCount)

	s = apply(s,
		EnvelopeReceived{Envelope: inbound("carol", "1", "first", t0)},
		EnvelopeReceived{Envelope: inbound("carol", "2", "second", t0.Add(time.Second))},
		EnvelopeReceived{Envelope: inbound("carol", "3", "third", t0.Add(2*time.Second))},
	)
	assert.Equal(t, 3, s.Conversations["carol"].UnreadCount)

	s = Reduce(s, ConversationOpened{ID: "carol"})
	assert.Equal(t, 0, s.Conversations["carol"].UnreadCount)
	assert.Equal(t, []string{"first", "second", "third"}, bodies(s.Conversations["carol"]))
}

func TestReduce_OpenConversationDoesNotCountUnread(t *testing.T) {
	s := apply(NewState("alice"),
		ConversationOpened{ID: "bob"},
		EnvelopeReceived{Envelope: inbound("bob", "1", "hi", t0)},
	)
	assert.Equal(t, 0, s.Conversations["bob"].UnreadCount)
	assert.Len(t, s.Conversations["bob"].Messages, 1)
}

func TestReduce_ArrivalOrderIsKept(t *testing.T) {
	s := apply(NewState("alice"),
		EnvelopeReceived{Envelope: inbound("bob", "late", "sent second", t0.Add(time.Minute))},
		EnvelopeReceived{Envelope: inbound("bob", "early", "sent first", t0)},
	)
	assert.Equal(t, []string{"sent second", "sent first"}, bodies(s.Conversations["bob"]))
}

func TestReduce_EnvelopeSentIsOptimistic(t *testing.T) {
	sent := message.Envelope{ID: "out-1", Sender: "alice", Receiver: "bob", Body: "hello", Status: message.StatusMessage, SentAt: t0}
	s := Reduce(NewState("alice"), EnvelopeSent{Envelope: sent})

	c := s.Conversations["bob"]
	require.Len(t, c.Messages, 1)
	assert.Equal(t, message.DirectionOutgoing, c.Messages[0].Direction)
	assert.Equal(t, 0, c.UnreadCount)

	// The broker echo of the same envelope is not duplicated.
	s = Reduce(s, EnvelopeReceived{Envelope: sent})
	assert.Len(t, s.Conversations["bob"].Messages, 1)
}

func TestReduce_JoinLeaveAreSystemEntries(t *testing.T) {
	s := apply(NewState("alice"),
		EnvelopeReceived{Envelope: message.Envelope{ID: "j", Sender: "bob", Receiver: "alice", Status: message.StatusJoin}},
		EnvelopeReceived{Envelope: message.Envelope{ID: "l", Sender: "bob", Receiver: "alice", Status: message.StatusLeave}},
	)

	c := s.Conversations["bob"]
	require.Len(t, c.Messages, 2)
	assert.True(t, c.Messages[0].System)
	assert.True(t, c.Messages[1].System)
	assert.Equal(t, 0, c.UnreadCount)
}

func TestReduce_CallSignals(t *testing.T) {
	s := apply(NewState("alice"),
		EnvelopeReceived{Envelope: message.Envelope{ID: "r1", Sender: "bob", Receiver: "alice", Status: message.StatusVideoCallRequest}},
	)
	assert.Empty(t, s.Conversations, "bodiless call signals leave no trace")

	s = Reduce(s, EnvelopeReceived{Envelope: message.Envelope{
		ID: "r2", Sender: "bob", Receiver: "alice", Status: message.StatusVideoCallRequest, Body: "Bob is calling",
	}})
	c := s.Conversations["bob"]
	require.Len(t, c.Messages, 1)
	assert.True(t, c.Messages[0].System)
	assert.Equal(t, 0, c.UnreadCount)
}

func TestReduce_IgnoresEnvelopesWithoutCounterpart(t *testing.T) {
	s := NewState("alice")
	out := apply(s,
		EnvelopeSent{Envelope: message.Envelope{ID: "j", Sender: "alice", Status: message.StatusJoin}},
		EnvelopeReceived{Envelope: message.Envelope{ID: "x", Sender: "alice", Status: message.StatusLeave}},
	)
	assert.Empty(t, out.Conversations)
}

func TestReduce_DisplayNameCachedFromInbound(t *testing.T) {
	s := Reduce(NewState("alice"), EnvelopeReceived{Envelope: inbound("bob", "1", "hi", t0)})
	assert.Equal(t, "bob (recruiter)", s.Conversations["bob"].DisplayName)
}

func TestReduce_ConversationClosedUnknownIsNoop(t *testing.T) {
	s := NewState("alice")
	out := Reduce(s, ConversationClosed{ID: "ghost"})
	assert.Empty(t, out.Conversations)
	assert.Empty(t, out.Order)
}

func TestReduce_ConversationsLoadedMerges(t *testing.T) {
	live := inbound("bob", "live-1", "live", t0.Add(time.Hour))
	s := Reduce(NewState("alice"), EnvelopeReceived{Envelope: live})

	s = Reduce(s, ConversationsLoaded{Conversations: []Conversation{
		{
			ID:          "bob",
			DisplayName: "Bob Builder",
			AvatarURL:   "https://cdn.example/bob.png",
			Messages: []Entry{
				{Envelope: inbound("bob", "h-1", "old", t0)},
				{Envelope: message.Envelope{ID: "h-2", Sender: "alice", Receiver: "bob", Body: "reply", Status: message.StatusMessage, SentAt: t0.Add(time.Minute)}},
				{Envelope: live},
			},
			UnreadCount: 2,
		},
		{ID: "dave", DisplayName: "Dave"},
		{ID: "alice"},
	}})

	bob := s.Conversations["bob"]
	assert.Equal(t, []string{"old", "reply", "live"}, bodies(bob))
	assert.Equal(t, message.DirectionOutgoing, bob.Messages[1].Direction)
	assert.Equal(t, "bob (recruiter)", bob.DisplayName, "live name wins over history")
	assert.Equal(t, "https://cdn.example/bob.png", bob.AvatarURL)
	assert.Equal(t, 3, bob.UnreadCount)

	assert.Equal(t, []types.UserID{"bob", "dave"}, s.Order)
	assert.NotContains(t, s.Conversations, types.UserID("alice"))
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	before := Reduce(NewState("alice"), EnvelopeReceived{Envelope: inbound("bob", "1", "one", t0)})
	_ = Reduce(before, EnvelopeReceived{Envelope: inbound("bob", "2", "two", t0)})

	assert.Len(t, before.Conversations["bob"].Messages, 1)
	assert.Equal(t, 1, before.Conversations["bob"].UnreadCount)
}

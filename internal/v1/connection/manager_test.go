package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/notify"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/transport"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/transport/transporttest"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const endpoint = "ws://broker.test/ws"

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *transporttest.Fake, *notify.Recorder) {
	t.Helper()
	fake := transporttest.New()
	rec := &notify.Recorder{}
	base := []Option{
		WithNotifier(rec),
		WithToken("secret-token"),
		WithDisplayName("Alice"),
		WithClock(func() time.Time { return fixedNow }),
	}
	m := NewManager(fake, endpoint, append(base, opts...)...)
	t.Cleanup(m.Disconnect)
	return m, fake, rec
}

func TestConnect_SubscribesPersonalTopicAndJoins(t *testing.T) {
	m, fake, rec := newTestManager(t)

	require.NoError(t, m.Connect(context.Background(), "alice"))

	assert.True(t, m.IsConnected())
	assert.Equal(t, types.UserID("alice"), m.Owner())
	assert.True(t, fake.Subscribed("/user/alice/private"))
	assert.Equal(t, types.Credentials{Login: "alice", Token: "secret-token"}, fake.Credentials())

	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, types.DestinationPrivateMessage, sent[0].Destination)

	joins := fake.SentWithStatus(message.StatusJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, types.UserID("alice"), joins[0].Sender)
	assert.Empty(t, rec.Entries())
}

func TestConnect_ConcurrentCallsShareOneSession(t *testing.T) {
	m, fake, _ := newTestManager(t)
	release := fake.Block()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = m.Connect(context.Background(), "alice")
	}()

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = m.Connect(context.Background(), "alice")
	}()
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, fake.Connects())
	assert.Len(t, fake.SentWithStatus(message.StatusJoin), 1)
}

func TestConnect_IdempotentWhenConnected(t *testing.T) {
	m, fake, _ := newTestManager(t)

	require.NoError(t, m.Connect(context.Background(), "alice"))
	require.NoError(t, m.Connect(context.Background(), "alice"))
	require.NoError(t, m.Connect(context.Background(), "bob"))

	assert.Equal(t, 1, fake.Connects())
	assert.Equal(t, types.UserID("alice"), m.Owner())
	assert.Len(t, fake.SentWithStatus(message.StatusJoin), 1)
}

func TestConnect_FailureNotifiesAndAllowsRetry(t *testing.T) {
	m, fake, rec := newTestManager(t)
	fake.FailConnect(errors.New("connection refused"))

	err := m.Connect(context.Background(), "alice")

	var connectErr *transport.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.False(t, m.IsConnected())
	assert.Equal(t, 1, rec.Count(types.NotificationError))
	assert.Empty(t, fake.Sent())

	fake.FailConnect(nil)
	require.NoError(t, m.Connect(context.Background(), "alice"))
	assert.True(t, m.IsConnected())
}

func TestConnect_SubscribeFailureTearsDown(t *testing.T) {
	m, fake, rec := newTestManager(t)
	fake.FailSubscribe(errors.New("forbidden"))

	err := m.Connect(context.Background(), "alice")

	var connectErr *transport.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.False(t, m.IsConnected())
	assert.False(t, fake.IsConnected())
	assert.Equal(t, 1, rec.Count(types.NotificationError))
}

func TestSendMessage_NotConnected(t *testing.T) {
	m, fake, rec := newTestManager(t)

	_, err := m.SendMessage(context.Background(), message.Envelope{
		Receiver: "bob",
		Status:   message.StatusMessage,
		Body:     "hi",
	})

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, fake.Sent())
	assert.Equal(t, 1, rec.Count(types.NotificationError))
}

func TestSendMessage_StampsEnvelope(t *testing.T) {
	m, fake, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	sent, err := m.SendMessage(context.Background(), message.Envelope{
		Receiver: "bob",
		Sender:   "mallory",
		Status:   message.StatusMessage,
		Body:     "hi",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, types.UserID("alice"), sent.Sender, "sender is always the session owner")
	assert.Equal(t, "Alice", sent.SenderName)
	assert.True(t, fixedNow.Equal(sent.SentAt))
	assert.Equal(t, message.ContentText, sent.ContentKind)

	onWire := fake.SentWithStatus(message.StatusMessage)
	require.Len(t, onWire, 1)
	assert.Equal(t, sent.ID, onWire[0].ID)
	assert.Equal(t, "hi", onWire[0].Body)
	assert.Equal(t, types.UserID("bob"), onWire[0].Receiver)
}

func TestSendMessage_ReturnsWhatGoesOnTheWire(t *testing.T) {
	now := time.Date(2026, 10, 14, 14, 0, 0, 123456789, time.FixedZone("CEST", 2*60*60))
	m, fake, _ := newTestManager(t, WithClock(func() time.Time { return now }))
	require.NoError(t, m.Connect(context.Background(), "alice"))

	sent, err := m.SendMessage(context.Background(), message.Envelope{Receiver: "bob", Status: message.StatusMessage, Body: "hi"})
	require.NoError(t, err)

	wire := fake.Sent()
	decoded, err := message.Decode(wire[len(wire)-1].Body)
	require.NoError(t, err)
	assert.Equal(t, decoded, sent)
	assert.Equal(t, time.UTC, sent.SentAt.Location())
}

func TestSendMessage_AlternateDestination(t *testing.T) {
	m, fake, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	_, err := m.SendMessage(context.Background(), message.Envelope{
		Receiver: "bob",
		Status:   message.StatusVideoCallResponseAccept,
	}, types.DestinationAccept)
	require.NoError(t, err)

	sent := fake.Sent()
	assert.Equal(t, types.DestinationAccept, sent[len(sent)-1].Destination)
}

func TestSendMessage_InvalidEnvelope(t *testing.T) {
	m, fake, rec := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "alice"))
	before := len(fake.Sent())

	_, err := m.SendMessage(context.Background(), message.Envelope{Receiver: "bob", Status: message.StatusMessage})

	assert.ErrorIs(t, err, message.ErrEmptyBody)
	assert.Len(t, fake.Sent(), before)
	assert.Equal(t, 1, rec.Count(types.NotificationError))
}

func TestInbound_FansOutToSubscribers(t *testing.T) {
	m, fake, _ := newTestManager(t)

	var order []string
	m.Subscribe("conversations", func(env message.Envelope) error {
		order = append(order, "conversations:"+env.Body)
		return nil
	})
	m.Subscribe("signaling", func(env message.Envelope) error {
		order = append(order, "signaling:"+env.Body)
		return nil
	})
	require.NoError(t, m.Connect(context.Background(), "alice"))

	fake.DeliverEnvelope(message.Envelope{Sender: "bob", Receiver: "alice", Status: message.StatusMessage, Body: "hi"})

	assert.Equal(t, []string{"conversations:hi", "signaling:hi"}, order)

	m.Unsubscribe("conversations")
	fake.DeliverEnvelope(message.Envelope{Sender: "bob", Receiver: "alice", Status: message.StatusMessage, Body: "again"})
	assert.Equal(t, []string{"conversations:hi", "signaling:hi", "signaling:again"}, order)
}

func TestInbound_MalformedDropped(t *testing.T) {
	m, fake, _ := newTestManager(t)

	var got []message.Envelope
	m.Subscribe("all", func(env message.Envelope) error {
		got = append(got, env)
		return nil
	})
	require.NoError(t, m.Connect(context.Background(), "alice"))

	fake.Deliver("/user/alice/private", []byte(`{not json`))
	fake.Deliver("/user/alice/private", []byte(`{"sender":"bob","status":"TYPING"}`))
	fake.Deliver("/user/alice/private", []byte(`{"status":"MESSAGE","body":"x"}`))

	assert.Empty(t, got)
	assert.True(t, m.IsConnected())

	fake.DeliverEnvelope(message.Envelope{Sender: "bob", Receiver: "alice", Status: message.StatusJoin})
	assert.Len(t, got, 1)
}

func TestDisconnect_SendsLeaveAndKeepsHandlers(t *testing.T) {
	m, fake, rec := newTestManager(t)

	var calls int
	m.Subscribe("all", func(message.Envelope) error { calls++; return nil })
	require.NoError(t, m.Connect(context.Background(), "alice"))

	m.Disconnect()

	assert.False(t, m.IsConnected())
	assert.False(t, fake.IsConnected())
	assert.Len(t, fake.SentWithStatus(message.StatusLeave), 1)
	assert.Equal(t, 1, m.Registry().Len())
	assert.Empty(t, rec.Entries())

	require.NoError(t, m.Connect(context.Background(), "alice"))
	fake.DeliverEnvelope(message.Envelope{Sender: "bob", Receiver: "alice", Status: message.StatusMessage, Body: "back"})
	assert.Equal(t, 1, calls)
}

func TestDisconnect_WhenNeverConnected(t *testing.T) {
	m, fake, rec := newTestManager(t)
	assert.NotPanics(t, m.Disconnect)
	assert.Empty(t, fake.Sent())
	assert.Empty(t, rec.Entries())
}

func TestConnectionLost_NoReconnectByDefault(t *testing.T) {
	m, fake, rec := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	fake.Drop(errors.New("broker went away"))

	assert.False(t, m.IsConnected())
	assert.Equal(t, 1, rec.Count(types.NotificationInfo))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fake.Connects())

	_, err := m.SendMessage(context.Background(), message.Envelope{Receiver: "bob", Status: message.StatusMessage, Body: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionLost_AutoReconnectResubscribes(t *testing.T) {
	m, fake, _ := newTestManager(t, WithAutoReconnect(ReconnectPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxTries:        5,
	}))
	require.NoError(t, m.Connect(context.Background(), "alice"))

	fake.Drop(errors.New("broker went away"))

	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fake.Connects())
	assert.True(t, fake.Subscribed("/user/alice/private"))
	assert.Len(t, fake.SentWithStatus(message.StatusJoin), 2)
}

func TestConnectionLost_AutoReconnectGivesUp(t *testing.T) {
	m, fake, rec := newTestManager(t, WithAutoReconnect(ReconnectPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxTries:        3,
	}))
	require.NoError(t, m.Connect(context.Background(), "alice"))

	fake.FailConnect(errors.New("still down"))
	fake.Drop(errors.New("broker went away"))

	require.Eventually(t, func() bool { return rec.Count(types.NotificationError) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1+3, fake.Connects())
	assert.False(t, m.IsConnected())
}

func TestDisconnect_StopsReconnectLoop(t *testing.T) {
	m, fake, _ := newTestManager(t, WithAutoReconnect(ReconnectPolicy{
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
	}))
	require.NoError(t, m.Connect(context.Background(), "alice"))

	fake.FailConnect(errors.New("still down"))
	fake.Drop(errors.New("broker went away"))
	require.Eventually(t, func() bool { return fake.Connects() == 2 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not stop the reconnect loop")
	}
	assert.False(t, m.IsConnected())
}

// dropOnSubscribe loses the connection right after the personal topic is subscribed,
// once.
type dropOnSubscribe struct {
	*transporttest.Fake
	dropped bool
}

func (d *dropOnSubscribe) SubscribeTopic(topic types.Topic, onMessage func(body []byte)) (types.Subscription, error) {
	sub, err := d.Fake.SubscribeTopic(topic, onMessage)
	if err == nil && !d.dropped {
		d.dropped = true
		d.Drop(errors.New("reset by peer"))
	}
	return sub, err
}

func TestConnect_LostBeforeLiveFailsAndAllowsRetry(t *testing.T) {
	tr := &dropOnSubscribe{Fake: transporttest.New()}
	rec := &notify.Recorder{}
	m := NewManager(tr, endpoint, WithNotifier(rec))
	t.Cleanup(m.Disconnect)

	err := m.Connect(context.Background(), "alice")

	var connErr *transport.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, m.IsConnected())
	assert.Equal(t, 1, rec.Count(types.NotificationError))
	assert.Empty(t, tr.SentWithStatus(message.StatusJoin))

	require.NoError(t, m.Connect(context.Background(), "alice"))
	assert.True(t, m.IsConnected())
	assert.Equal(t, 2, tr.Connects())
	assert.Len(t, tr.SentWithStatus(message.StatusJoin), 1)
}

func TestIsConnected_FollowsTransport(t *testing.T) {
	m, fake, _ := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	fake.Disconnect()

	assert.False(t, m.IsConnected())
	require.NoError(t, m.Connect(context.Background(), "alice"))
	assert.Equal(t, 2, fake.Connects())
}

func TestConnectionLost_AfterDisconnectDoesNotReconnect(t *testing.T) {
	m, fake, rec := newTestManager(t, WithAutoReconnect(ReconnectPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}))
	require.NoError(t, m.Connect(context.Background(), "alice"))

	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	fake.Drop(errors.New("broker went away"))
	m.Disconnect()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, fake.Connects())
	assert.False(t, m.IsConnected())
	assert.Zero(t, rec.Count(types.NotificationInfo))

	require.NoError(t, m.Connect(context.Background(), "alice"))
	assert.True(t, m.IsConnected())
}

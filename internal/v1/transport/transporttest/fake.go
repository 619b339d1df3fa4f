// Package transporttest provides an in-memory types.Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/transport"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// Sent is one frame handed to Send.
type Sent struct {
	Destination types.Destination
	Body        []byte
}

// Fake records every call and lets tests inject inbound traffic and failures.
type Fake struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	creds       types.Credentials
	endpoint    string
	connectErr  error
	subErr      error
	gate        chan struct{}
	pending     int
	subs        []*subscription
	sent        []Sent
	onLost      []func(error)
}

var _ types.Transport = (*Fake)(nil)

// New creates a disconnected fake.
func New() *Fake {
	return &Fake{}
}

// FailConnect makes subsequent Connect calls return err. Pass nil to recover.
func (f *Fake) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailSubscribe makes subsequent SubscribeTopic calls return err.
func (f *Fake) FailSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErr = err
}

// Block holds every Connect until the returned release func is called.
func (f *Fake) Block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

func (f *Fake) Connect(ctx context.Context, endpoint string, creds types.Credentials) error {
	f.mu.Lock()
	gate := f.gate
	if gate != nil {
		f.pending++
	}
	f.mu.Unlock()

	if gate != nil {
		defer func() {
			f.mu.Lock()
			f.pending--
			f.mu.Unlock()
		}()
		select {
		case <-gate:
		case <-ctx.Done():
			return &transport.ConnectError{Endpoint: endpoint, Cause: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.endpoint = endpoint
	f.creds = creds
	if f.connectErr != nil {
		return &transport.ConnectError{Endpoint: endpoint, Cause: f.connectErr}
	}
	f.connected = true
	return nil
}

func (f *Fake) SubscribeTopic(topic types.Topic, onMessage func(body []byte)) (types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, transport.ErrNotConnected
	}
	if f.subErr != nil {
		return nil, f.subErr
	}
	s := &subscription{fake: f, topic: topic, onMessage: onMessage}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *Fake) Send(destination types.Destination, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	f.sent = append(f.sent, Sent{Destination: destination, Body: cp})
}

func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	f.connected = false
	f.disconnects++
	f.subs = nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) OnConnectionLost(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = append(f.onLost, fn)
}

// Drop simulates the broker going away.
func (f *Fake) Drop(cause error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return
	}
	f.connected = false
	f.subs = nil
	callbacks := append([]func(error){}, f.onLost...)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(cause)
	}
}

// Deliver hands body to every subscription on topic, as the reader goroutine would.
func (f *Fake) Deliver(topic types.Topic, body []byte) int {
	f.mu.Lock()
	var targets []*subscription
	for _, s := range f.subs {
		if s.topic == topic {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	for _, s := range targets {
		s.onMessage(body)
	}
	return len(targets)
}

// DeliverEnvelope encodes env and delivers it on the receiver's personal topic.
func (f *Fake) DeliverEnvelope(env message.Envelope) int {
	data, err := message.Encode(env)
	if err != nil {
		panic(err)
	}
	return f.Deliver(types.PersonalTopic(env.Receiver), data)
}

// Connects returns how many Connect calls reached the transport.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Pending returns how many Connect calls are held by Block.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Disconnects returns how many live sessions were closed by Disconnect.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Credentials returns what the last Connect presented.
func (f *Fake) Credentials() types.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds
}

// Subscribed reports whether topic has a live subscription.
func (f *Fake) Subscribed(topic types.Topic) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.topic == topic {
			return true
		}
	}
	return false
}

// Sent returns a copy of everything sent so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent{}, f.sent...)
}

// SentEnvelopes decodes everything sent so far.
func (f *Fake) SentEnvelopes() []message.Envelope {
	var out []message.Envelope
	for _, s := range f.Sent() {
		if env, err := message.Decode(s.Body); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// SentWithStatus filters SentEnvelopes by status.
func (f *Fake) SentWithStatus(status message.Status) []message.Envelope {
	var out []message.Envelope
	for _, env := range f.SentEnvelopes() {
		if env.Status == status {
			out = append(out, env)
		}
	}
	return out
}

type subscription struct {
	fake      *Fake
	topic     types.Topic
	onMessage func([]byte)
}

func (s *subscription) Topic() types.Topic {
	return s.topic
}

func (s *subscription) Unsubscribe() {
	f := s.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.subs {
		if cur == s {
			f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
			return
		}
	}
}

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
)

func TestRouter_EveryStatusHasABranch(t *testing.T) {
	hits := make(map[message.Status]int)
	record := func(env message.Envelope) error {
		hits[env.Status]++
		return nil
	}

	rt := Router{
		OnJoin:        record,
		OnLeave:       record,
		OnMessage:     record,
		OnCallRequest: record,
		OnCallAccept:  record,
		OnCallRefuse:  record,
	}

	for _, s := range message.AllStatuses() {
		assert.NoError(t, rt.Route(message.Envelope{Sender: "bob", Status: s}))
	}

	for _, s := range message.AllStatuses() {
		assert.Equal(t, 1, hits[s], "status %s", s)
	}
}

func TestRouter_UnknownStatus(t *testing.T) {
	err := Router{}.Route(message.Envelope{Sender: "bob", Status: "TYPING"})
	assert.Error(t, err)
}

func TestRouter_NilCallbacksSkipped(t *testing.T) {
	var got message.Status
	rt := Router{OnMessage: func(env message.Envelope) error { got = env.Status; return nil }}

	assert.NoError(t, rt.Route(message.Envelope{Sender: "bob", Status: message.StatusJoin}))
	assert.Equal(t, message.Status(""), got)

	assert.NoError(t, rt.Handler()(message.Envelope{Sender: "bob", Status: message.StatusMessage, Body: "x"}))
	assert.Equal(t, message.StatusMessage, got)
}

func TestRouter_InRegistry(t *testing.T) {
	r := NewRegistry()
	var requests int
	r.Register("signaling", Router{
		OnCallRequest: func(message.Envelope) error { requests++; return nil },
	}.Handler())

	r.Dispatch(message.Envelope{Sender: "bob", Status: message.StatusVideoCallRequest})
	r.Dispatch(message.Envelope{Sender: "bob", Status: message.StatusMessage, Body: "hi"})

	assert.Equal(t, 1, requests)
}

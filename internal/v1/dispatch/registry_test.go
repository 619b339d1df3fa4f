package dispatch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
)

func chat(body string) message.Envelope {
	return message.Envelope{Sender: "bob", Receiver: "alice", Status: message.StatusMessage, Body: body}
}

func TestDispatch_FanOutInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var calls []string

	r.Register("a", func(message.Envelope) error { calls = append(calls, "a"); return nil })
	r.Register("b", func(message.Envelope) error { calls = append(calls, "b"); return nil })

	r.Dispatch(chat("hi"))

	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestDispatch_UnregisterBeforeDispatch(t *testing.T) {
	r := NewRegistry()
	var aCalls, bCalls int

	r.Register("a", func(message.Envelope) error { aCalls++; return nil })
	r.Register("b", func(message.Envelope) error { bCalls++; return nil })
	r.Unregister("a")

	r.Dispatch(chat("one"))
	r.Dispatch(chat("two"))

	assert.Equal(t, 0, aCalls)
	assert.Equal(t, 2, bCalls)
	assert.Equal(t, []Key{"b"}, r.Keys())
}

func TestDispatch_HandlerFailuresAreIsolated(t *testing.T) {
	r := NewRegistry()
	var reached []string

	r.Register("panics", func(message.Envelope) error { panic("boom") })
	r.Register("errors", func(message.Envelope) error { return errors.New("bad") })
	r.Register("ok", func(message.Envelope) error { reached = append(reached, "ok"); return nil })

	assert.NotPanics(t, func() { r.Dispatch(chat("hi")) })
	assert.Equal(t, []string{"ok"}, reached)
}

func TestDispatch_RegisterDuringPassRunsNextEnvelope(t *testing.T) {
	r := NewRegistry()
	var lateCalls int

	r.Register("first", func(message.Envelope) error {
		r.Register("late", func(message.Envelope) error { lateCalls++; return nil })
		return nil
	})

	r.Dispatch(chat("one"))
	assert.Equal(t, 0, lateCalls, "handler added during a pass is not invoked for that envelope")

	r.Dispatch(chat("two"))
	assert.Equal(t, 1, lateCalls)
}

func TestDispatch_UnregisterDuringPassAppliesToSubsequentDispatches(t *testing.T) {
	r := NewRegistry()
	var secondCalls int

	r.Register("first", func(message.Envelope) error {
		r.Unregister("second")
		return nil
	})
	r.Register("second", func(message.Envelope) error { secondCalls++; return nil })

	r.Dispatch(chat("one"))
	r.Dispatch(chat("two"))

	assert.Equal(t, 1, secondCalls, "the in-flight pass keeps its snapshot")
}

func TestRegister_ReplacesInPlace(t *testing.T) {
	r := NewRegistry()
	var calls []string

	r.Register("a", func(message.Envelope) error { calls = append(calls, "a1"); return nil })
	r.Register("b", func(message.Envelope) error { calls = append(calls, "b"); return nil })
	r.Register("a", func(message.Envelope) error { calls = append(calls, "a2"); return nil })

	r.Dispatch(chat("hi"))

	assert.Equal(t, []string{"a2", "b"}, calls)
	assert.Equal(t, 2, r.Len())
}

func TestRegister_NilHandlerIgnored(t *testing.T) {
	r := NewRegistry()
	r.Register("nil", nil)
	assert.Equal(t, 0, r.Len())
}

func TestUnregister_UnknownKey(t *testing.T) {
	r := NewRegistry()
	assert.NotPanics(t, func() { r.Unregister("missing") })
}

func TestDispatch_ConcurrentPassesDoNotInterleave(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	total := 0

	r.Register("counter", func(message.Envelope) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		total++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(chat("hi"))
		}()
	}
	wg.Wait()

	require.Equal(t, 50, total)
	assert.Equal(t, 1, maxInFlight)
}

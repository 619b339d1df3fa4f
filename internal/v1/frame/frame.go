// Package frame implements the pub/sub framing carried in websocket text messages.
//
// A frame is a JSON object with a command, an optional destination, an optional
// subscription id, free-form headers and a raw JSON body. Both the client transport and
// the broker speak it.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Command names the intent of a frame.
type Command string

const (
	// Client → broker
	CommandConnect     Command = "CONNECT"
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	CommandSend        Command = "SEND"
	CommandDisconnect  Command = "DISCONNECT"

	// Broker → client
	CommandConnected Command = "CONNECTED"
	CommandMessage   Command = "MESSAGE"
	CommandError     Command = "ERROR"
)

// Well-known header names.
const (
	HeaderLogin         = "login"
	HeaderAuthorization = "authorization"
	HeaderUser          = "user"
	HeaderMessage       = "message"
	HeaderReceipt       = "receipt"
)

// ErrInvalidFrame is returned when data cannot be parsed as a frame.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is a single unit of the pub/sub protocol.
type Frame struct {
	Command     Command           `json:"command"`
	Destination string            `json:"destination,omitempty"`
	ID          string            `json:"id,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// Header returns a header value or the empty string.
func (f Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// Connect builds a CONNECT frame.
func Connect(login, authorization string) Frame {
	h := map[string]string{HeaderLogin: login}
	if authorization != "" {
		h[HeaderAuthorization] = authorization
	}
	return Frame{Command: CommandConnect, Headers: h}
}

// Connected builds the broker's handshake acknowledgment.
func Connected(user string) Frame {
	return Frame{Command: CommandConnected, Headers: map[string]string{HeaderUser: user}}
}

// Subscribe builds a SUBSCRIBE frame for a topic.
func Subscribe(id, topic string) Frame {
	return Frame{Command: CommandSubscribe, ID: id, Destination: topic}
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) Frame {
	return Frame{Command: CommandUnsubscribe, ID: id}
}

// Send builds a SEND frame carrying an already encoded JSON body.
func Send(destination string, body []byte) Frame {
	return Frame{Command: CommandSend, Destination: destination, Body: json.RawMessage(body)}
}

// Message builds a MESSAGE frame delivered on a subscription.
func Message(subscriptionID, topic string, body []byte) Frame {
	return Frame{Command: CommandMessage, ID: subscriptionID, Destination: topic, Body: json.RawMessage(body)}
}

// Error builds an ERROR frame.
func Error(msg string) Frame {
	return Frame{Command: CommandError, Headers: map[string]string{HeaderMessage: msg}}
}

// Disconnect builds a DISCONNECT frame.
func Disconnect() Frame {
	return Frame{Command: CommandDisconnect}
}

// Encode serialises a frame without HTML escaping.
func Encode(f Frame) ([]byte, error) {
	if f.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrInvalidFrame)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: missing command", ErrInvalidFrame)
	}
	return f, nil
}

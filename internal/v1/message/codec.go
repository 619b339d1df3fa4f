package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// ErrMalformedEnvelope is returned by Decode for inbound data that cannot be used.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// wireEnvelope is the JSON shape on the wire. SentAt travels as epoch milliseconds.
type wireEnvelope struct {
	ID          string       `json:"id,omitempty"`
	Sender      types.UserID `json:"sender"`
	Receiver    types.UserID `json:"receiver,omitempty"`
	SenderName  string       `json:"senderName,omitempty"`
	Body        string       `json:"body,omitempty"`
	ContentKind ContentKind  `json:"contentKind,omitempty"`
	Status      Status       `json:"status"`
	SentAt      int64        `json:"sentAt,omitempty"`
}

// Encode serialises an envelope. Invalid envelopes are rejected before they reach the wire.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return json.Marshal(toWire(e))
}

// MarshalJSON lets envelopes be embedded in other JSON documents (history, bus payloads).
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(e))
}

// UnmarshalJSON is the lenient counterpart of MarshalJSON; it does not validate.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = fromWire(w)
	return nil
}

// Decode parses inbound data. Unknown fields are ignored; a missing sender or status,
// or a status outside the closed set, yields ErrMalformedEnvelope.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if w.Sender == "" {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, ErrMissingSender)
	}
	if w.Status == "" {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, ErrMissingStatus)
	}
	if !w.Status.Valid() {
		return Envelope{}, fmt.Errorf("%w: %v %q", ErrMalformedEnvelope, ErrUnknownStatus, w.Status)
	}

	return fromWire(w), nil
}

func toWire(e Envelope) wireEnvelope {
	w := wireEnvelope{
		ID:          e.ID,
		Sender:      e.Sender,
		Receiver:    e.Receiver,
		SenderName:  e.SenderName,
		Body:        e.Body,
		ContentKind: e.ContentKind,
		Status:      e.Status,
	}
	if !e.SentAt.IsZero() {
		w.SentAt = e.SentAt.UnixMilli()
	}
	return w
}

func fromWire(w wireEnvelope) Envelope {
	e := Envelope{
		ID:          w.ID,
		Sender:      w.Sender,
		Receiver:    w.Receiver,
		SenderName:  w.SenderName,
		Body:        w.Body,
		ContentKind: w.ContentKind,
		Status:      w.Status,
	}
	if w.SentAt != 0 {
		e.SentAt = Timestamp(time.UnixMilli(w.SentAt))
	}
	return e
}

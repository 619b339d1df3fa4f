// Package message defines the envelope exchanged over the personal topic and its codec.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// Status disambiguates protocol intent from chat content.
type Status string

const (
	StatusJoin                    Status = "JOIN"
	StatusLeave                   Status = "LEAVE"
	StatusMessage                 Status = "MESSAGE"
	StatusVideoCallRequest        Status = "VIDEO_CALL_REQUEST"
	StatusVideoCallResponseAccept Status = "VIDEO_CALL_RESPONSE_ACCEPT"
	StatusVideoCallResponseRefuse Status = "VIDEO_CALL_RESPONSE_REFUSE"
)

// AllStatuses returns the closed set of envelope kinds in declaration order.
func AllStatuses() []Status {
	return []Status{
		StatusJoin,
		StatusLeave,
		StatusMessage,
		StatusVideoCallRequest,
		StatusVideoCallResponseAccept,
		StatusVideoCallResponseRefuse,
	}
}

// Valid reports whether s belongs to the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusJoin, StatusLeave, StatusMessage,
		StatusVideoCallRequest, StatusVideoCallResponseAccept, StatusVideoCallResponseRefuse:
		return true
	}
	return false
}

// IsControl reports whether the envelope is a control signal rather than chat content.
func (s Status) IsControl() bool {
	return s != StatusMessage
}

// IsCallSignal reports whether the envelope belongs to the call handshake.
func (s Status) IsCallSignal() bool {
	switch s {
	case StatusVideoCallRequest, StatusVideoCallResponseAccept, StatusVideoCallResponseRefuse:
		return true
	}
	return false
}

// ContentKind tells the UI how Body should be rendered.
type ContentKind string

const (
	ContentText   ContentKind = "TEXT"
	ContentHTML   ContentKind = "HTML"
	ContentSystem ContentKind = "SYSTEM"
)

// Valid reports whether k is a known content kind. The empty kind is accepted and read as TEXT.
func (k ContentKind) Valid() bool {
	switch k {
	case "", ContentText, ContentHTML, ContentSystem:
		return true
	}
	return false
}

// Direction is derived locally and never transmitted.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Errors returned by Validate.
var (
	ErrMissingStatus = errors.New("envelope status is required")
	ErrUnknownStatus = errors.New("envelope status is not recognised")
	ErrMissingSender = errors.New("envelope sender is required")
	ErrEmptyBody     = errors.New("MESSAGE envelope body cannot be empty")
	ErrBodyTooLarge  = errors.New("envelope body exceeds maximum size")
	ErrUnknownKind   = errors.New("envelope content kind is not recognised")
)

// MaxBodyBytes bounds the size of a single envelope body.
const MaxBodyBytes = 16 * 1024

// Envelope is one transmitted unit: a chat message or a signaling control event.
type Envelope struct {
	ID          string
	Sender      types.UserID
	Receiver    types.UserID
	SenderName  string
	Body        string
	ContentKind ContentKind
	Status      Status
	SentAt      time.Time
}

// Timestamp reduces t to the precision carried on the wire: UTC, whole milliseconds.
// The zero time stays zero.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// NewID returns a fresh envelope identifier.
func NewID() string {
	return uuid.NewString()
}

// DirectionFor derives the direction of e relative to the local user.
func (e Envelope) DirectionFor(local types.UserID) Direction {
	if e.Sender == local {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// Counterpart returns the other party of e from the local user's point of view.
func (e Envelope) Counterpart(local types.UserID) types.UserID {
	if e.Sender == local {
		return e.Receiver
	}
	return e.Sender
}

// Kind returns the content kind, reading an unset kind as TEXT.
func (e Envelope) Kind() ContentKind {
	if e.ContentKind == "" {
		return ContentText
	}
	return e.ContentKind
}

// Validate checks the invariants every envelope on the wire must satisfy.
func (e Envelope) Validate() error {
	if e.Status == "" {
		return ErrMissingStatus
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, e.Status)
	}
	if e.Sender == "" {
		return ErrMissingSender
	}
	if !e.ContentKind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.ContentKind)
	}
	if e.Status == StatusMessage && e.Body == "" {
		return ErrEmptyBody
	}
	if len(e.Body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	return nil
}

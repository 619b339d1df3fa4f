package types

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/auth"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/bus"
)

// --- Core Domain Types ---

// UserID is the opaque, stable identifier of a principal (candidate, recruiter or service).
// It doubles as the routing key of the personal topic.
type UserID string

// DisplayName is the human-readable name cached alongside a UserID.
type DisplayName string

// Topic is a named inbound channel a subscriber listens to.
type Topic string

// Destination is a named outbound address envelopes are published to.
type Destination string

// Routing constants shared by the client core and the broker.
const (
	// DestinationPrivateMessage is the default send target for every envelope kind.
	DestinationPrivateMessage Destination = "/app/private-message"
	// DestinationAccept carries explicit accept/refuse acknowledgments.
	DestinationAccept Destination = "/app/accept"

	personalTopicPrefix = "/user/"
	personalTopicSuffix = "/private"
)

// PersonalTopic returns the sole inbound channel of a connected user.
func PersonalTopic(id UserID) Topic {
	return Topic(fmt.Sprintf("%s%s%s", personalTopicPrefix, id, personalTopicSuffix))
}

// OwnerOfTopic extracts the user a personal topic belongs to.
func OwnerOfTopic(topic Topic) (UserID, bool) {
	s := string(topic)
	if !strings.HasPrefix(s, personalTopicPrefix) || !strings.HasSuffix(s, personalTopicSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(s, personalTopicPrefix), personalTopicSuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return UserID(id), true
}

// IsKnownDestination reports whether the broker routes the given destination.
func IsKnownDestination(d Destination) bool {
	return d == DestinationPrivateMessage || d == DestinationAccept
}

// --- Shared Interfaces ---

// Subscription is the handle returned by a topic subscription.
type Subscription interface {
	Topic() Topic
	Unsubscribe()
}

// Credentials identify the session owner to the broker during the handshake.
type Credentials struct {
	Login UserID
	Token string
}

// Transport is the publish/subscribe session the Connection Manager drives.
type Transport interface {
	Connect(ctx context.Context, endpoint string, creds Credentials) error
	SubscribeTopic(topic Topic, onMessage func(body []byte)) (Subscription, error)
	Send(destination Destination, body []byte)
	Disconnect()
	IsConnected() bool
	OnConnectionLost(func(err error))
}

// NotificationLevel classifies a user-facing notification.
type NotificationLevel string

const (
	NotificationInfo  NotificationLevel = "info"
	NotificationError NotificationLevel = "error"
)

// Notifier is the fire-and-forget "show a message" collaborator. The core never renders UI.
type Notifier interface {
	Notify(level NotificationLevel, message string)
}

// CallSurface opens the external call view once a handshake is accepted.
type CallSurface interface {
	Open(fromUser UserID, toUser UserID, isCallee bool) error
}

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// BusService defines the interface for cross-instance delivery.
type BusService interface {
	PublishDirect(ctx context.Context, targetUserID string, event string, payload any, senderID string) error
	SubscribeUser(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload)) func()
	Close() error
	// Redis Set operations for distributed state management
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

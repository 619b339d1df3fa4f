// Package history keeps per-pair conversation history on the broker and fetches it on the client.
package history

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/message"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// DefaultLimit caps the messages kept per conversation pair.
const DefaultLimit = 200

// Backend is the subset of bus.Service the store needs.
type Backend interface {
	SetAdd(ctx context.Context, key string, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	ListAppendCapped(ctx context.Context, key string, value string, max int64) error
	ListRange(ctx context.Context, key string) ([]string, error)
	HashSet(ctx context.Context, key, field, value string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Record is one conversation as served by the history endpoint.
type Record struct {
	Counterpart types.UserID       `json:"counterpart"`
	DisplayName string             `json:"displayName,omitempty"`
	AvatarURL   string             `json:"avatarUrl,omitempty"`
	UnreadCount int                `json:"unreadCount"`
	Messages    []message.Envelope `json:"messages"`
}

// Profile fields stored per user.
const (
	profileName   = "displayName"
	profileAvatar = "avatarUrl"
)

// Store persists chat envelopes in redis.
//
// Keys:
//
//	portal:counterparts:{user}  set of users {user} has talked with
//	portal:history:{a}:{b}      capped list of encoded envelopes, a < b
//	portal:profile:{user}       hash with displayName and avatarUrl
type Store struct {
	backend Backend
	limit   int64
}

// NewStore creates a store. A non-positive limit selects DefaultLimit.
func NewStore(backend Backend, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{backend: backend, limit: int64(limit)}
}

func counterpartsKey(user types.UserID) string {
	return fmt.Sprintf("portal:counterparts:%s", user)
}

func pairKey(a, b types.UserID) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("portal:history:%s:%s", a, b)
}

func profileKey(user types.UserID) string {
	return fmt.Sprintf("portal:profile:%s", user)
}

// Append records env in the sender/receiver pair history. Only MESSAGE envelopes are kept.
func (s *Store) Append(ctx context.Context, env message.Envelope) error {
	if env.Status != message.StatusMessage || env.Receiver == "" || env.Sender == env.Receiver {
		return nil
	}
	data, err := message.Encode(env)
	if err != nil {
		return err
	}

	if err := s.backend.ListAppendCapped(ctx, pairKey(env.Sender, env.Receiver), string(data), s.limit); err != nil {
		return err
	}
	if err := s.Link(ctx, env.Sender, env.Receiver); err != nil {
		return err
	}
	if env.SenderName != "" {
		if err := s.backend.HashSet(ctx, profileKey(env.Sender), profileName, env.SenderName); err != nil {
			logging.Warn(ctx, "Failed to cache sender name", zap.Error(err))
		}
	}
	return nil
}

// Link marks two users as counterparts of each other.
func (s *Store) Link(ctx context.Context, a, b types.UserID) error {
	if err := s.backend.SetAdd(ctx, counterpartsKey(a), string(b)); err != nil {
		return err
	}
	return s.backend.SetAdd(ctx, counterpartsKey(b), string(a))
}

// Counterparts lists every user owner has exchanged messages with, sorted.
func (s *Store) Counterparts(ctx context.Context, owner types.UserID) ([]types.UserID, error) {
	members, err := s.backend.SetMembers(ctx, counterpartsKey(owner))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]types.UserID, 0, len(members))
	for _, m := range members {
		out = append(out, types.UserID(m))
	}
	return out, nil
}

// SetProfile stores the display name and avatar shown to a user's counterparts.
func (s *Store) SetProfile(ctx context.Context, user types.UserID, displayName, avatarURL string) error {
	if displayName != "" {
		if err := s.backend.HashSet(ctx, profileKey(user), profileName, displayName); err != nil {
			return err
		}
	}
	if avatarURL != "" {
		if err := s.backend.HashSet(ctx, profileKey(user), profileAvatar, avatarURL); err != nil {
			return err
		}
	}
	return nil
}

// Conversations returns owner's conversations, oldest message first within each.
// Entries that no longer decode are skipped.
func (s *Store) Conversations(ctx context.Context, owner types.UserID) ([]Record, error) {
	peers, err := s.Counterparts(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(peers))
	for _, peer := range peers {
		raw, err := s.backend.ListRange(ctx, pairKey(owner, peer))
		if err != nil {
			return nil, err
		}
		rec := Record{Counterpart: peer, Messages: make([]message.Envelope, 0, len(raw))}
		for _, item := range raw {
			env, err := message.Decode([]byte(item))
			if err != nil {
				logging.Warn(ctx, "Skipping unreadable history entry", zap.String("peer", string(peer)), zap.Error(err))
				continue
			}
			rec.Messages = append(rec.Messages, env)
		}

		profile, err := s.backend.HashGetAll(ctx, profileKey(peer))
		if err != nil {
			return nil, err
		}
		rec.DisplayName = profile[profileName]
		rec.AvatarURL = profile[profileAvatar]
		out = append(out, rec)
	}
	return out, nil
}

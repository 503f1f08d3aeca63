package store

import (
	"context"
	"errors"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// ErrUnavailable marks a backend connection problem as opposed to an
// unknown failure. Callers treat both as best-effort misses; the
// distinction only matters for logging and health checks.
var ErrUnavailable = errors.New("store unavailable")

// Channel is the persisted form of a relay channel.
type Channel struct {
	ID       string   `json:"id"`
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Owner    string   `json:"owner"`
	ServerID string   `json:"server"`
	IsOpen   bool     `json:"isOpen"`
	Members  []string `json:"members"`
}

// ChannelUpdate carries a partial channel update. Nil fields are untouched.
type ChannelUpdate struct {
	Name    *string
	Owner   *string
	Members []string
}

// ChannelStore persists channel definitions.
type ChannelStore interface {
	HasID(ctx context.Context, channelID string) (bool, error)
	Store(ctx context.Context, ch *Channel) error
	Update(ctx context.Context, channelID string, upd ChannelUpdate) error
	Remove(ctx context.Context, channelID string) error
	// RemoveAllOwnedBy returns the number of removed channels.
	RemoveAllOwnedBy(ctx context.Context, userID string) (int, error)
	GetByID(ctx context.Context, channelID string) (*Channel, error)
	GetAll(ctx context.Context, includeOtherServers bool, serverID string) ([]*Channel, error)
	GetAllOwnedBy(ctx context.Context, userID string) ([]*Channel, error)
}

// ChatStore persists sanitized channel messages and per-user
// missed-channel bookkeeping.
type ChatStore interface {
	StoreMessage(ctx context.Context, msg *proto.Message) error
	// GetAllOfChannel returns messages with timeUNIX >= notOlderThan
	// (0 disables the filter), in no guaranteed order.
	GetAllOfChannel(ctx context.Context, channelID string, notOlderThan int64) ([]*proto.Message, error)
	// RemoveOlderThan deletes messages at/under ts and returns the count.
	RemoveOlderThan(ctx context.Context, channelID string, ts int64) (int, error)
	// UpdateMissedChannelsForUser overwrites the user's missed-channel
	// set. acknowledged=true means the user has seen the notice.
	UpdateMissedChannelsForUser(ctx context.Context, userID string, channelIDs []string, acknowledged bool) error
	GetMissedChannelsForUser(ctx context.Context, userID string) ([]string, error)
}

// Store bundles both sub-contracts behind one closable handle.
type Store interface {
	ChannelStore
	ChatStore
	Close() error
}

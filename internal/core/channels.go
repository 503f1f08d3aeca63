package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/store"
)

// Channels is the directory of channels known to this server. Store
// writes are scheduled on the task pool and never block callers;
// in-memory state stays authoritative regardless of store failures.
type Channels struct {
	serverID    string
	assistantID string
	maxPerUser  int
	maxTotal    int

	ids   *ChannelIDs
	db    store.ChannelStore
	tasks *TaskPool
	log   *zerolog.Logger

	mu   sync.RWMutex
	pool map[string]*Channel
}

// NewChannels creates the channel registry.
func NewChannels(serverID, assistantID string, maxPerUser, maxTotal int, db store.ChannelStore, tasks *TaskPool, logger *zerolog.Logger) *Channels {
	return &Channels{
		serverID:    serverID,
		assistantID: assistantID,
		maxPerUser:  maxPerUser,
		maxTotal:    maxTotal,
		ids:         NewChannelIDs(serverID),
		db:          db,
		tasks:       tasks,
		log:         logger,
		pool:        make(map[string]*Channel),
	}
}

// Restore loads persisted channels into the pool. Called once at startup.
func (cs *Channels) Restore(ctx context.Context) error {
	stored, err := cs.db.GetAll(ctx, false, cs.serverID)
	if err != nil {
		return fmt.Errorf("restore channels: %w", err)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, sc := range stored {
		cs.pool[sc.ID] = FromStored(sc, cs.assistantID)
	}
	return nil
}

// NewID returns a fresh unique channel id.
func (cs *Channels) NewID() string {
	return cs.ids.Next()
}

// Has reports whether a channel id is registered.
func (cs *Channels) Has(channelID string) bool {
	return cs.Get(channelID) != nil
}

// Get returns the channel or nil.
func (cs *Channels) Get(channelID string) *Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.pool[channelID]
}

// Create builds, registers and persists a new channel. The returned
// channel carries the generated access key (OpenChannelKey for open
// channels); private channel keys are random.
func (cs *Channels) Create(channelID, owner string, isOpen bool, name string, members []string, addAssistant bool) (*Channel, error) {
	if channelID == "" {
		channelID = cs.ids.Next()
	}

	key := OpenChannelKey
	if !isOpen {
		key = NewChannelKey()
	}
	ch := NewChannel(channelID, key, owner, name, cs.serverID, cs.assistantID)

	cs.mu.Lock()
	if _, exists := cs.pool[channelID]; exists {
		cs.mu.Unlock()
		return nil, ErrChannelExists
	}
	if cs.maxTotal > 0 && len(cs.pool) >= cs.maxTotal {
		cs.mu.Unlock()
		cs.log.Error().Msg("server reached maximum number of channels")
		return nil, ErrChannelLimit
	}
	if cs.maxPerUser > 0 && owner != "" && owner != cs.serverID {
		owned := 0
		for _, existing := range cs.pool {
			if existing.Owner() == owner {
				owned++
			}
		}
		if owned >= cs.maxPerUser {
			cs.mu.Unlock()
			cs.log.Warn().Str("owner", owner).Msg("user reached maximum number of channels")
			return nil, ErrChannelLimit
		}
	}
	cs.pool[channelID] = ch
	cs.mu.Unlock()

	// the owner is always a member, unless the server itself owns it
	if owner != "" && owner != cs.serverID {
		ch.AddMember(owner, key)
	}
	for _, m := range members {
		ch.AddMember(m, key)
	}
	if addAssistant {
		ch.AddDefaultAssistant()
	}

	cs.log.Info().Str("channel_id", channelID).Str("owner", owner).Bool("open", isOpen).Msg("channel created")
	cs.persist(ch, "store channel")
	return ch, nil
}

// PersistMembers schedules a membership update after AddMember calls
// done outside Create.
func (cs *Channels) PersistMembers(ch *Channel) {
	snap := ch.Snapshot()
	cs.tasks.Submit("update channel", func(ctx context.Context) {
		if err := cs.db.Update(ctx, snap.ID, store.ChannelUpdate{Members: snap.Members}); err != nil {
			cs.log.Error().Err(err).Str("channel_id", snap.ID).Msg("failed to update channel")
		}
	})
}

// Delete evicts the channel from the registry and schedules removal
// from the persistent store.
func (cs *Channels) Delete(channelID string) bool {
	cs.mu.Lock()
	_, ok := cs.pool[channelID]
	delete(cs.pool, channelID)
	cs.mu.Unlock()
	if !ok {
		return false
	}
	cs.tasks.Submit("remove channel", func(ctx context.Context) {
		if err := cs.db.Remove(ctx, channelID); err != nil {
			cs.log.Error().Err(err).Str("channel_id", channelID).Msg("failed to delete channel")
		}
	})
	cs.log.Info().Str("channel_id", channelID).Msg("channel deleted")
	return true
}

// AllIDs returns a snapshot of every registered channel id.
func (cs *Channels) AllIDs() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]string, 0, len(cs.pool))
	for id := range cs.pool {
		out = append(out, id)
	}
	return out
}

// ListOwnedBy returns all channels owned by a user.
func (cs *Channels) ListOwnedBy(userID string) []*Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []*Channel
	for _, ch := range cs.pool {
		if ch.Owner() == userID {
			out = append(out, ch)
		}
	}
	return out
}

// ListAvailableTo returns all channels the user is a member of,
// optionally including open channels.
func (cs *Channels) ListAvailableTo(userID string, includeOpen bool) []*Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []*Channel
	for _, ch := range cs.pool {
		if (includeOpen && ch.IsOpen()) || ch.IsMember(userID) {
			out = append(out, ch)
		}
	}
	return out
}

// ClientList renders channels for the wire. The internal key is only
// attached for channels owned by the receiver, so owners can build
// invite links.
func ClientList(channels []*Channel, receiverUserID string) []map[string]any {
	out := make([]map[string]any, 0, len(channels))
	for _, ch := range channels {
		entry := map[string]any{
			"id":     ch.ID(),
			"name":   ch.Name(),
			"owner":  ch.Owner(),
			"server": ch.ServerID(),
			"isOpen": ch.IsOpen(),
		}
		if receiverUserID != "" && ch.Owner() == receiverUserID {
			entry["key"] = ch.Key()
		}
		out = append(out, entry)
	}
	return out
}

func (cs *Channels) persist(ch *Channel, op string) {
	snap := ch.Snapshot()
	cs.tasks.Submit(op, func(ctx context.Context) {
		if err := cs.db.Store(ctx, snap); err != nil {
			cs.log.Error().Err(err).Str("channel_id", snap.ID).Msg("failed to store channel")
		}
	})
}

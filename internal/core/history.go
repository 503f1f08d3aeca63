package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
	"github.com/chanrelay/chanrelay-server/internal/store"
)

// History keeps a bounded in-memory cache of sanitized messages per
// channel plus the per-user missed-channel sets. Store writes are
// fire-and-forget; the cache stays authoritative when they fail.
type History struct {
	max          int
	cleanupDelay time.Duration
	chats        store.ChatStore
	tasks        *TaskPool
	log          *zerolog.Logger

	mu             sync.Mutex
	queues         map[string][]*proto.Message
	watermarks     map[string]int64
	pendingCleanup map[string]struct{}
	missed         map[string]map[string]struct{}
}

// NewHistory creates the engine. max <= 0 disables message caching
// entirely (missed-channel tracking still works).
func NewHistory(max int, cleanupDelay time.Duration, chats store.ChatStore, tasks *TaskPool, logger *zerolog.Logger) *History {
	return &History{
		max:            max,
		cleanupDelay:   cleanupDelay,
		chats:          chats,
		tasks:          tasks,
		log:            logger,
		queues:         make(map[string][]*proto.Message),
		watermarks:     make(map[string]int64),
		pendingCleanup: make(map[string]struct{}),
		missed:         make(map[string]map[string]struct{}),
	}
}

// Append stores a sanitized snapshot of the message in the channel's
// bounded queue and schedules persistence. On overflow the oldest entry
// is evicted and its timestamp+1 becomes the channel's prune watermark.
func (h *History) Append(channelID string, msg *proto.Message) {
	if h.max <= 0 {
		return
	}
	safe := msg.Sanitize()

	h.mu.Lock()
	q := append(h.queues[channelID], safe)
	if len(q) > h.max {
		evicted := q[0]
		q = append(q[:0], q[1:]...)
		// +1 so the prune query catches the evicted message itself
		h.watermarks[channelID] = evicted.TimeUNIX + 1
		if _, pending := h.pendingCleanup[channelID]; !pending {
			h.pendingCleanup[channelID] = struct{}{}
			if len(h.pendingCleanup) == 1 {
				h.scheduleCleanupLocked()
			}
		}
	}
	h.queues[channelID] = q
	h.mu.Unlock()

	h.tasks.Submit("store message", func(ctx context.Context) {
		if err := h.chats.StoreMessage(ctx, safe); err != nil {
			h.log.Error().Err(err).Str("channel_id", channelID).Msg("failed to store channel message")
		}
	})
}

// Messages returns the cached history of a channel, optionally filtered
// by a minimum timestamp. A cold cache is rehydrated from the store
// once, bounded to the configured maximum, oldest first.
func (h *History) Messages(channelID string, notOlderThan int64) []*proto.Message {
	h.mu.Lock()
	q, ok := h.queues[channelID]
	h.mu.Unlock()

	if !ok && h.max > 0 {
		q = h.rehydrate(channelID)
	}

	var out []*proto.Message
	for _, msg := range q {
		if notOlderThan == 0 || msg.TimeUNIX >= notOlderThan {
			out = append(out, msg)
		}
	}
	return out
}

func (h *History) rehydrate(channelID string) []*proto.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := h.chats.GetAllOfChannel(ctx, channelID, h.watermarkFor(channelID))
	if err != nil {
		h.log.Error().Err(err).Str("channel_id", channelID).Msg("failed to load channel history")
		msgs = nil
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].TimeUNIX < msgs[j].TimeUNIX })
	if skip := len(msgs) - h.max; skip > 0 {
		h.log.Info().Str("channel_id", channelID).Int("skipped", skip).Msg("trimmed channel history to cache size")
		msgs = msgs[skip:]
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.queues[channelID]; ok {
		// another reader rehydrated concurrently
		return existing
	}
	h.queues[channelID] = msgs
	if len(msgs) > 0 {
		h.watermarks[channelID] = msgs[0].TimeUNIX - 5000
	} else {
		h.watermarks[channelID] = 0
	}
	return msgs
}

func (h *History) watermarkFor(channelID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watermarks[channelID]
}

// Size returns the cached queue length for a channel.
func (h *History) Size(channelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[channelID])
}

// Info describes every cached channel history for the control surface.
func (h *History) Info() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, 0, len(h.queues))
	for channelID, q := range h.queues {
		out = append(out, map[string]any{
			"channelId": channelID,
			"size":      len(q),
			"lastPoll":  h.watermarks[channelID],
		})
	}
	return out
}

func (h *History) scheduleCleanupLocked() {
	time.AfterFunc(h.cleanupDelay, func() {
		h.tasks.Submit("history cleanup", h.cleanupNow)
	})
	h.log.Info().Dur("delay", h.cleanupDelay).Msg("scheduled channel history cleanup")
}

// cleanupNow prunes the persistent store for every channel whose cache
// evicted entries since the last pass. One batched pass per window.
func (h *History) cleanupNow(ctx context.Context) {
	h.mu.Lock()
	pending := make(map[string]int64, len(h.pendingCleanup))
	for channelID := range h.pendingCleanup {
		pending[channelID] = h.watermarks[channelID]
	}
	h.pendingCleanup = make(map[string]struct{})
	h.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	start := time.Now()
	removedAll := 0
	for channelID, watermark := range pending {
		removed, err := h.chats.RemoveOlderThan(ctx, channelID, watermark)
		if err != nil {
			h.log.Error().Err(err).Str("channel_id", channelID).Msg("history cleanup failed")
			continue
		}
		removedAll += removed
	}
	h.log.Info().Int("removed", removedAll).Int("channels", len(pending)).
		Dur("took", time.Since(start)).Msg("channel history cleanup done")
}

// ==== missed-channel tracking ====

// AddMissed records that a user should re-check a channel and mirrors
// the set to the store.
func (h *History) AddMissed(userID, channelID string) {
	h.mu.Lock()
	set, ok := h.missed[userID]
	if !ok {
		set = make(map[string]struct{})
		h.missed[userID] = set
	}
	_, had := set[channelID]
	set[channelID] = struct{}{}
	snapshot := setToSlice(set)
	h.mu.Unlock()

	if had {
		return
	}
	h.mirrorMissed(userID, snapshot, false)
}

// Missed returns the channels flagged for a user, loading the persisted
// set on first access.
func (h *History) Missed(userID string) []string {
	h.mu.Lock()
	set, ok := h.missed[userID]
	if ok {
		out := setToSlice(set)
		h.mu.Unlock()
		return out
	}
	set = make(map[string]struct{})
	h.missed[userID] = set
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stored, err := h.chats.GetMissedChannelsForUser(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load missed channels")
		return nil
	}

	h.mu.Lock()
	for _, channelID := range stored {
		set[channelID] = struct{}{}
	}
	out := setToSlice(set)
	h.mu.Unlock()
	return out
}

// AcknowledgeMissed removes one channel from a user's set after the
// user checked it, and mirrors the change with the acknowledged flag.
func (h *History) AcknowledgeMissed(userID, channelID string) {
	h.mu.Lock()
	set, ok := h.missed[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(set, channelID)
	snapshot := setToSlice(set)
	h.mu.Unlock()

	h.mirrorMissed(userID, snapshot, true)
}

// ClearMissed drops the whole set for a user.
func (h *History) ClearMissed(userID string) {
	h.mu.Lock()
	delete(h.missed, userID)
	h.mu.Unlock()
	h.mirrorMissed(userID, []string{}, false)
}

func (h *History) mirrorMissed(userID string, channelIDs []string, acknowledged bool) {
	h.tasks.Submit("update missed channels", func(ctx context.Context) {
		if err := h.chats.UpdateMissedChannelsForUser(ctx, userID, channelIDs, acknowledged); err != nil {
			h.log.Error().Err(err).Str("user_id", userID).Msg("failed to update missed channels")
		}
	})
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

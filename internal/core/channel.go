package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/chanrelay/chanrelay-server/internal/store"
)

// OpenChannelKey is the sentinel access key marking a channel anyone
// may join. Open channels always include the default assistant.
const OpenChannelKey = "open"

// Channel is a named topic with membership, ownership and an
// open/private access mode. Membership is per user identity, not per
// connection; presence is resolved through the connection registry.
type Channel struct {
	id          string
	key         string
	name        string
	serverID    string
	open        bool
	assistantID string

	mu      sync.RWMutex
	owner   string
	members map[string]struct{}
}

// NewChannel creates a channel. A key equal to OpenChannelKey makes it
// open and seeds the default assistant as a member.
func NewChannel(id, key, owner, name, serverID, assistantID string) *Channel {
	ch := &Channel{
		id:          id,
		key:         key,
		name:        name,
		serverID:    serverID,
		assistantID: assistantID,
		owner:       owner,
		members:     make(map[string]struct{}),
	}
	if key == OpenChannelKey {
		ch.open = true
		ch.members[assistantID] = struct{}{}
	}
	return ch
}

func (ch *Channel) ID() string       { return ch.id }
func (ch *Channel) Key() string      { return ch.key }
func (ch *Channel) Name() string     { return ch.name }
func (ch *Channel) ServerID() string { return ch.serverID }
func (ch *Channel) IsOpen() bool     { return ch.open }

func (ch *Channel) Owner() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.owner
}

func (ch *Channel) SetOwner(userID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.owner = userID
}

// UserChannelKey derives the per-user invite hash for a channel key:
// HMAC-SHA256 keyed with the internal channel key over the user id.
// It lets owners hand out invite links without exposing the shared key.
func UserChannelKey(userID, channelKey string) string {
	mac := hmac.New(sha256.New, []byte(channelKey))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckKey validates an access key in constant time. With a non-empty
// userID the supplied key may also be that user's invite hash.
func (ch *Channel) CheckKey(userID, key string) bool {
	if hmac.Equal([]byte(key), []byte(ch.key)) {
		return true
	}
	if userID == "" {
		return false
	}
	return hmac.Equal([]byte(key), []byte(UserChannelKey(userID, ch.key)))
}

// AddMember adds a user after validating the key. The key check inside
// this method is the authority; outer membership checks may be stale.
func (ch *Channel) AddMember(userID, key string) bool {
	if userID == "" || !ch.CheckKey(userID, key) {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.members[userID] = struct{}{}
	return true
}

// AddDefaultAssistant registers the system assistant as a member.
func (ch *Channel) AddDefaultAssistant() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.members[ch.assistantID] = struct{}{}
}

// RemoveMember drops a user after validating the key.
func (ch *Channel) RemoveMember(userID, key string) bool {
	if userID == "" || !ch.CheckKey(userID, key) {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.members, userID)
	return true
}

// IsMember reports registered membership for a user identity.
func (ch *Channel) IsMember(userID string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	_, ok := ch.members[userID]
	return ok
}

// MemberIDs returns a snapshot of all registered member identities.
func (ch *Channel) MemberIDs() []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]string, 0, len(ch.members))
	for id := range ch.members {
		out = append(out, id)
	}
	return out
}

// OnlineMembers returns every connected participant whose identity is
// registered in this channel, in whatever channel they are active.
func (ch *Channel) OnlineMembers(conns *Connections) []*Participant {
	var out []*Participant
	for _, id := range ch.MemberIDs() {
		out = append(out, conns.ListByUserID(id)...)
	}
	return out
}

// ActiveMembers returns connected members currently present in this
// channel (or omnipresent). includeDeactivated also returns sessions
// that lost a presence conflict but still want status updates.
func (ch *Channel) ActiveMembers(conns *Connections, includeDeactivated bool) []*Participant {
	var out []*Participant
	for _, p := range ch.OnlineMembers(conns) {
		if !p.ActiveInChannelOrOmnipresent(ch.id) {
			continue
		}
		if includeDeactivated || p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot renders the persisted form of the channel.
func (ch *Channel) Snapshot() *store.Channel {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	members := make([]string, 0, len(ch.members))
	for id := range ch.members {
		members = append(members, id)
	}
	return &store.Channel{
		ID:       ch.id,
		Key:      ch.key,
		Name:     ch.name,
		Owner:    ch.owner,
		ServerID: ch.serverID,
		IsOpen:   ch.open,
		Members:  members,
	}
}

// FromStored rebuilds a channel from its persisted form.
func FromStored(sc *store.Channel, assistantID string) *Channel {
	ch := NewChannel(sc.ID, sc.Key, sc.Owner, sc.Name, sc.ServerID, assistantID)
	ch.mu.Lock()
	for _, m := range sc.Members {
		ch.members[m] = struct{}{}
	}
	ch.mu.Unlock()
	return ch
}

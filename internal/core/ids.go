package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageIDs hands out server-local monotonic message ids. The counter
// wraps to the negative range before it can overflow.
type MessageIDs struct {
	n atomic.Int64
}

// Next returns the next message id.
func (m *MessageIDs) Next() int64 {
	id := m.n.Add(1)
	if id > math.MaxInt64-1000 {
		m.n.Store(math.MinInt64)
	}
	return id
}

// SessionIDs hands out monotonic session ids, one per authenticated
// connection, used to tell apart same-account logins.
type SessionIDs struct {
	n atomic.Int64
}

// Next returns the next session id.
func (s *SessionIDs) Next() int64 {
	return s.n.Add(1)
}

// ChannelIDs produces unique channel ids salted with the local server
// name, a counter and the wall clock.
type ChannelIDs struct {
	serverID string
	n        atomic.Int64
}

// NewChannelIDs creates a generator bound to the local server name.
func NewChannelIDs(serverID string) *ChannelIDs {
	return &ChannelIDs{serverID: serverID}
}

// Next returns a fresh hex channel id.
func (c *ChannelIDs) Next() string {
	seed := fmt.Sprintf("%d-%s-%d", c.n.Add(1), c.serverID, time.Now().UnixMilli())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// NewChannelKey returns a fresh random access key for a private channel.
func NewChannelKey() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

package core

import (
	"sync"
	"time"
)

// Connections maps live transport connections to participants and
// tracks connections that have not authenticated yet. All methods are
// safe for concurrent use; none of them touch the network.
type Connections struct {
	distinguishDevices bool

	mu      sync.RWMutex
	byConn  map[string]*Participant
	pending map[string]time.Time
}

// NewConnections creates an empty connection registry.
// distinguishDevices controls whether same-account sessions on
// different devices count as presence conflicts.
func NewConnections(distinguishDevices bool) *Connections {
	return &Connections{
		distinguishDevices: distinguishDevices,
		byConn:             make(map[string]*Participant),
		pending:            make(map[string]time.Time),
	}
}

// Put registers an authenticated participant under its connection.
func (c *Connections) Put(p *Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byConn[p.Conn().ID()] = p
}

// Get returns the participant for a connection or nil.
func (c *Connections) Get(conn Conn) *Participant {
	if conn == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byConn[conn.ID()]
}

// Remove drops the participant of a connection. Idempotent.
func (c *Connections) Remove(p *Participant) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byConn, p.Conn().ID())
}

// PutPending marks a freshly opened connection as awaiting auth.
func (c *Connections) PutPending(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[conn.ID()] = time.Now()
}

// RemovePending clears the pre-auth marker. Idempotent.
func (c *Connections) RemovePending(conn Conn) {
	if conn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, conn.ID())
}

// PendingCount returns the number of connections awaiting auth.
func (c *Connections) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// All returns a snapshot of every registered participant.
func (c *Connections) All() []*Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Participant, 0, len(c.byConn))
	for _, p := range c.byConn {
		out = append(out, p)
	}
	return out
}

// ListByUserID returns all participants sharing one user identity.
func (c *Connections) ListByUserID(userID string) []*Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Participant
	for _, p := range c.byConn {
		if p.SameUser(userID) {
			out = append(out, p)
		}
	}
	return out
}

// FirstActiveByUserID returns the first active participant for the
// user, on any device and channel, or nil.
func (c *Connections) FirstActiveByUserID(userID string) *Participant {
	for _, p := range c.ListByUserID(userID) {
		if p.Active() {
			return p
		}
	}
	return nil
}

// DeactivateConflicting marks every other participant with the same
// user id, active in the same channel (and, when device distinction is
// enabled, on the same device) as inactive. Returns the deactivated
// sessions so the caller can notify them.
func (c *Connections) DeactivateConflicting(p *Participant) []*Participant {
	channelID := p.ActiveChannel()
	var deactivated []*Participant
	for _, other := range c.ListByUserID(p.UserID()) {
		if other.Conn().ID() == p.Conn().ID() {
			continue
		}
		if channelID != "" && other.ActiveChannel() != channelID {
			continue
		}
		if c.distinguishDevices && !other.SameDevice(p.DeviceID()) {
			continue
		}
		if other.Active() {
			other.SetInactive()
			deactivated = append(deactivated, other)
		}
	}
	return deactivated
}

package core

import (
	"strings"
	"sync"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// Role is the trust level granted to a participant by the identity
// provider. Assistants are the only role that receives unsanitized
// payloads.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleThing     Role = "thing"
)

// RoleFromGrants picks the strongest role out of a grant list:
// assistant > thing > user.
func RoleFromGrants(roles []string) Role {
	hasThing := false
	for _, r := range roles {
		switch Role(r) {
		case RoleAssistant:
			return RoleAssistant
		case RoleThing:
			hasThing = true
		}
	}
	if hasThing {
		return RoleThing
	}
	return RoleUser
}

// SharedAccessGrant allows another user's device to act through this
// participant for one capability. An empty DeviceID matches any device.
type SharedAccessGrant struct {
	GrantingUser string
	DeviceID     string
}

// Participant is one live, possibly-authenticated connection's presence
// record. Multiple participants may share the same user id (multi-device).
type Participant struct {
	conn      Conn
	userID    string
	name      string
	role      Role
	deviceID  string
	sessionID int64

	mu            sync.Mutex
	activeChannel string
	omnipresent   bool
	active        bool
	authenticated bool
	info          map[string]any
	sharedAccess  map[string][]SharedAccessGrant
}

// NewParticipant builds a presence record for an authenticated connection.
func NewParticipant(conn Conn, userID, name string, role Role, deviceID string, sessionID int64) *Participant {
	return &Participant{
		conn:      conn,
		userID:    userID,
		name:      name,
		role:      role,
		deviceID:  deviceID,
		sessionID: sessionID,
		info:      make(map[string]any),
	}
}

func (p *Participant) Conn() Conn        { return p.conn }
func (p *Participant) UserID() string    { return p.userID }
func (p *Participant) Name() string      { return p.name }
func (p *Participant) Role() Role        { return p.role }
func (p *Participant) DeviceID() string  { return p.deviceID }
func (p *Participant) SessionID() int64  { return p.sessionID }

// SameUser reports whether the given id names this participant's user,
// compared case-insensitively like all identity fields on the wire.
func (p *Participant) SameUser(userID string) bool {
	return strings.EqualFold(p.userID, userID)
}

// SameDevice compares device ids case-insensitively.
func (p *Participant) SameDevice(deviceID string) bool {
	return strings.EqualFold(p.deviceID, deviceID)
}

func (p *Participant) ActiveChannel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeChannel
}

func (p *Participant) SetActiveChannel(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeChannel = channelID
}

func (p *Participant) Omnipresent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.omnipresent
}

func (p *Participant) SetOmnipresent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omnipresent = true
}

// ActiveInChannelOrOmnipresent reports whether this participant should
// receive messages addressed to the given channel.
func (p *Participant) ActiveInChannelOrOmnipresent(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.omnipresent || p.activeChannel == channelID
}

func (p *Participant) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Participant) SetActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
}

func (p *Participant) SetInactive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
}

func (p *Participant) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

func (p *Participant) SetAuthenticated() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authenticated = true
}

// SetInfo stores opaque client metadata; nil removes the key.
func (p *Participant) SetInfo(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value == nil {
		delete(p.info, key)
	} else {
		p.info[key] = value
	}
}

// Info returns the stored metadata value or nil.
func (p *Participant) Info(key string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info[key]
}

// SetSharedAccess replaces the per-capability grant lists.
func (p *Participant) SetSharedAccess(grants map[string][]SharedAccessGrant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sharedAccess = grants
}

// SharedAccess returns the grant list for a capability.
func (p *Participant) SharedAccess(capability string) []SharedAccessGrant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sharedAccess[capability]
}

// ListEntry renders the participant as a member snapshot row.
func (p *Participant) ListEntry() proto.UserEntry {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()
	return proto.UserEntry{
		Name:      p.name,
		ID:        p.userID,
		IsActive:  active,
		DeviceID:  p.deviceID,
		SessionID: p.sessionID,
		Role:      string(p.role),
	}
}

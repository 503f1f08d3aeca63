package core

import (
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// slashCommandEcho matches plain-text command repeats that must never
// reach untrusted recipients (command-replay loop prevention).
var slashCommandEcho = regexp.MustCompile(`^(\w+ )?saythis .*`)

// BroadcastPolicy carries the presence/fan-out switches.
type BroadcastPolicy struct {
	// DistinguishDeviceIDs narrows conflict checks and single-receiver
	// matching to the same device id.
	DistinguishDeviceIDs bool
	// PrivateChannelAssistantOnly narrows a user's private-channel echo
	// to their own device plus assistant members.
	PrivateChannelAssistantOnly bool
}

// Broadcaster resolves recipient sets, applies trust sanitization and
// hands frames to the transport. It also performs presence conflict
// resolution before broadcasts.
type Broadcaster struct {
	serverID    string
	assistantID string
	policy      BroadcastPolicy

	conns    *Connections
	channels *Channels
	history  *History
	log      *zerolog.Logger

	lastBroadcast atomic.Int64
}

// NewBroadcaster wires the broadcaster to the registries.
func NewBroadcaster(serverID, assistantID string, policy BroadcastPolicy, conns *Connections, channels *Channels, history *History, logger *zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		serverID:    serverID,
		assistantID: assistantID,
		policy:      policy,
		conns:       conns,
		channels:    channels,
		history:     history,
		log:         logger,
	}
}

// LastBroadcastTime returns the UNIX ms timestamp of the last frame sent.
func (b *Broadcaster) LastBroadcastTime() int64 {
	return b.lastBroadcast.Load()
}

// StatusMessage builds a server status message for a channel. Receiver
// is everyone; send it to a single connection to make it private.
func (b *Broadcaster) StatusMessage(msgID, channelID, text string, dt proto.DataType, withUserList bool) *proto.Message {
	msg := proto.New(channelID, b.serverID, b.serverID, "", "")
	msg.ServerID = b.serverID
	msg.SenderType = proto.SenderTypeServer
	msg.Text = text
	msg.TextType = string(proto.TextTypeStatus)
	if dt != "" {
		msg.SetDataType(dt)
	}
	if msgID != "" {
		msg.MsgID = msgID
	}
	if withUserList {
		if ch := b.channels.Get(channelID); ch != nil {
			msg.UserList = b.UserList(ch)
		}
	}
	return msg
}

// UpdateDataMessage tells a client to refresh specific data, e.g.
// "missedChannelMessage" or "availableChannels". It carries no channel
// and no receiver and is meant for a single connection.
func (b *Broadcaster) UpdateDataMessage(updateType string, data any) *proto.Message {
	msg := proto.New("", b.serverID, b.serverID, "", "")
	msg.ServerID = b.serverID
	msg.SenderType = proto.SenderTypeServer
	msg.Data = map[string]any{
		"dataType":   string(proto.DataTypeUpdateData),
		"updateData": updateType,
		"data":       data,
	}
	return msg
}

// PingMessage builds a keepalive probe with a fresh correlation id.
func (b *Broadcaster) PingMessage() *proto.Message {
	msg := proto.New("", b.serverID, b.serverID, "", "")
	msg.ServerID = b.serverID
	msg.SenderType = proto.SenderTypeServer
	msg.MsgID = uuid.NewString()
	msg.SetDataType(proto.DataTypePing)
	msg.AddData("sendPing", int64(1))
	return msg
}

// UserList renders the channel member snapshot, including deactivated
// sessions so clients can show presence state.
func (b *Broadcaster) UserList(ch *Channel) []proto.UserEntry {
	members := ch.ActiveMembers(b.conns, true)
	out := make([]proto.UserEntry, 0, len(members))
	for _, p := range members {
		out = append(out, p.ListEntry())
	}
	return out
}

// Trusty reports whether a recipient may receive unsanitized payloads.
func Trusty(p *Participant) bool {
	return p != nil && p.Role() == RoleAssistant
}

// OpenTextFromAssistAnswer converts an assistant answer into a plain
// openText message safe for channel history: credentials, parameters
// and commands are left behind, card data survives.
func OpenTextFromAssistAnswer(msg *proto.Message) *proto.Message {
	answer := msg.DataObject("assistAnswer")
	if answer == nil {
		return nil
	}
	nu := proto.New(msg.ChannelID, msg.Sender, msg.SenderDeviceID, msg.Receiver, msg.ReceiverDeviceID)
	nu.MsgID = msg.MsgID
	nu.ServerID = msg.ServerID
	if clean, ok := answer["answer_clean"].(string); ok {
		nu.Text = clean
	}
	if hasCard, _ := answer["hasCard"].(bool); hasCard {
		nu.AddData("assistAnswer", map[string]any{
			"hasCard":  true,
			"cardInfo": answer["cardInfo"],
		})
	}
	nu.SetDataType(proto.DataTypeOpenText)
	return nu
}

// PreBroadcast marks the participant active and, unless skipped,
// resolves presence conflicts: all other sessions of the same user
// active in the same channel are deactivated and each gets a byebye
// status with a fresh member snapshot.
func (b *Broadcaster) PreBroadcast(p *Participant, singleSession, allSessions, skipActiveCheck bool) {
	if p == nil {
		return
	}
	p.SetActive()
	if skipActiveCheck || singleSession || allSessions || p.UserID() == "" {
		return
	}
	deactivated := b.conns.DeactivateConflicting(p)
	// just in case the current session lost a race above
	p.SetActive()
	if len(deactivated) == 0 {
		return
	}
	notice := b.StatusMessage("", p.ActiveChannel(),
		fmt.Sprintf("Your session is now inactive in channel (%s) until you send a message", p.ActiveChannel()),
		proto.DataTypeByebye, true)
	b.BroadcastTo(notice, deactivated)
}

// Broadcast resolves the recipient set from the message: by channel id
// when present, else by the explicit single receiver.
func (b *Broadcaster) Broadcast(msg *proto.Message) {
	switch {
	case msg.ChannelID != "":
		b.broadcastToChannel(msg, msg.ChannelID)
	case msg.Receiver != "":
		b.BroadcastTo(msg, b.conns.ListByUserID(msg.Receiver))
	}
}

// broadcastToChannel fans a message out to a channel, branching on the
// channel kind. Assumes the channel id was validated beforehand.
func (b *Broadcaster) broadcastToChannel(msg *proto.Message, channelID string) {
	ch := b.channels.Get(channelID)
	if ch == nil {
		b.log.Warn().Str("channel_id", channelID).Msg("broadcast to missing channel dropped")
		return
	}

	switch {
	case ch.IsOpen():
		// open channels only reach currently-active members
		b.BroadcastTo(msg, ch.ActiveMembers(b.conns, false))

	case ch.Owner() == channelID:
		// private self-channel: optionally narrow the echo to the
		// sender's own device plus assistant members
		active := ch.ActiveMembers(b.conns, false)
		if b.policy.PrivateChannelAssistantOnly && msg.Sender == channelID {
			narrowed := active[:0:0]
			for _, p := range active {
				if p.SameDevice(msg.SenderDeviceID) || p.SameUser(b.assistantID) {
					narrowed = append(narrowed, p)
				}
			}
			active = narrowed
		}
		b.BroadcastTo(msg, active)

	default:
		b.broadcastToGroupChannel(msg, ch)
	}
}

// broadcastToGroupChannel partitions registered members into active-here
// (delivered now), online-elsewhere (nudged to check the channel) and
// offline/inactive (missed-message bookkeeping).
func (b *Broadcaster) broadcastToGroupChannel(msg *proto.Message, ch *Channel) {
	var active, inactive []*Participant
	offline := make(map[string]struct{})
	for _, id := range ch.MemberIDs() {
		offline[id] = struct{}{}
	}
	delete(offline, msg.Sender)

	for _, p := range ch.OnlineMembers(b.conns) {
		if p.ActiveInChannelOrOmnipresent(ch.ID()) {
			active = append(active, p)
			delete(offline, p.UserID())
		} else {
			inactive = append(inactive, p)
		}
	}

	b.BroadcastTo(msg, active)

	if len(inactive) > 0 {
		nudge := b.UpdateDataMessage("missedChannelMessage", []map[string]any{
			{"channelId": ch.ID()},
		})
		b.BroadcastTo(nudge, inactive)
	}

	// channel history and missed-message flags only apply to true group
	// broadcasts of open text (or assistant answers convertible to it)
	registerAsMissed := false
	switch msg.DataType() {
	case proto.DataTypeAssistAnswer, proto.DataTypeFollowUp:
		if msg.Receiver == "" {
			if open := OpenTextFromAssistAnswer(msg); open != nil {
				b.history.Append(ch.ID(), open)
				registerAsMissed = true
			}
		}
	case proto.DataTypeOpenText:
		if msg.Receiver == "" {
			b.history.Append(ch.ID(), msg)
		}
		registerAsMissed = true
	}
	if registerAsMissed {
		for userID := range offline {
			if msg.Receiver == "" || msg.Receiver == userID {
				b.history.AddMissed(userID, ch.ID())
			}
		}
	}
}

// BroadcastTo delivers a message to an explicit participant list,
// applying receiver filtering and per-recipient trust sanitization.
func (b *Broadcaster) BroadcastTo(msg *proto.Message, recipients []*Participant) {
	switch {
	case msg.Receiver == "":
		for _, p := range recipients {
			b.sendTo(msg, p)
		}

	case msg.Receiver == b.serverID:
		// dead end: the server does not echo to itself

	default:
		for _, p := range recipients {
			isReceiver := p.SameUser(msg.Receiver) &&
				(!b.policy.DistinguishDeviceIDs || p.SameDevice(msg.ReceiverDeviceID))
			// the sender receives its own confirmation echo
			isSender := p.SameUser(msg.Sender) &&
				(!b.policy.DistinguishDeviceIDs || p.SameDevice(msg.SenderDeviceID))
			if isReceiver || isSender {
				b.sendTo(msg, p)
			}
		}
	}
}

// BroadcastToConn addresses a message to whoever owns the connection.
// Unauthenticated connections get the sanitized form directly.
func (b *Broadcaster) BroadcastToConn(msg *proto.Message, conn Conn) {
	p := b.conns.Get(conn)
	if p == nil {
		b.sendRaw(msg.Sanitize(), conn)
		return
	}
	p.SetActive()
	msg.Receiver = p.UserID()
	msg.ReceiverDeviceID = p.DeviceID()
	b.BroadcastTo(msg, []*Participant{p})
}

// sendTo delivers one frame to one participant. Closed connections are
// pruned from the registry as a side effect.
func (b *Broadcaster) sendTo(msg *proto.Message, p *Participant) {
	if !p.Conn().Open() {
		b.conns.Remove(p)
		return
	}
	out := msg
	if !Trusty(p) {
		if msg.Text != "" && slashCommandEcho.MatchString(msg.Text) {
			return
		}
		out = msg.Sanitize()
	}
	b.sendRaw(out, p.Conn())
}

func (b *Broadcaster) sendRaw(msg *proto.Message, conn Conn) {
	data, err := msg.Export()
	if err != nil {
		b.log.Error().Err(err).Msg("failed to encode outbound message")
		return
	}
	if err := conn.Send(data); err != nil {
		b.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("send failed, connection probably dead")
		if p := b.conns.Get(conn); p != nil {
			b.conns.Remove(p)
		}
		return
	}
	b.lastBroadcast.Store(time.Now().UnixMilli())
}

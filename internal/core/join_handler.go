package core

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// JoinHandler moves a participant between channels, enforcing the
// membership and key rules.
type JoinHandler struct {
	serverID string

	conns       *Connections
	channels    *Channels
	broadcaster *Broadcaster
	log         *zerolog.Logger
}

// NewJoinHandler wires the channel switch pipeline.
func NewJoinHandler(serverID string, conns *Connections, channels *Channels, broadcaster *Broadcaster, logger *zerolog.Logger) *JoinHandler {
	return &JoinHandler{
		serverID:    serverID,
		conns:       conns,
		channels:    channels,
		broadcaster: broadcaster,
		log:         logger,
	}
}

// Handle implements MessageHandler for joinChannel payloads.
func (h *JoinHandler) Handle(conn Conn, msg *proto.Message) {
	user := h.conns.Get(conn)
	if user == nil {
		return
	}
	creds := msg.DataObject("credentials")
	targetID, _ := creds["channelId"].(string)
	if targetID == "" {
		return
	}
	ch := h.channels.Get(targetID)
	if ch == nil {
		h.fail(conn, msg.MsgID, "Channel join failed, channel does not exist!")
		return
	}

	allowed := ch.IsMember(user.UserID())
	if !allowed {
		if ch.IsOpen() {
			allowed = ch.AddMember(user.UserID(), OpenChannelKey)
		} else if key, _ := creds["channelKey"].(string); key != "" {
			allowed = ch.AddMember(user.UserID(), key)
		}
		if allowed {
			h.channels.PersistMembers(ch)
		}
	}
	if !allowed {
		h.fail(conn, msg.MsgID, "Channel join failed, are you allowed in this channel?")
		return
	}

	// leave the old channel first, then announce it there
	oldChannelID := user.ActiveChannel()
	user.SetActiveChannel(ch.ID())
	if oldChannelID != "" && h.channels.Has(oldChannelID) {
		byebye := h.broadcaster.StatusMessage("", oldChannelID,
			fmt.Sprintf("%s (%s) left the channel", user.Name(), user.UserID()),
			proto.DataTypeByebye, true)
		h.broadcaster.PreBroadcast(user, false, false, true)
		h.broadcaster.Broadcast(byebye)
	}

	// confirm the switch to this session only
	confirm := proto.New("", h.serverID, "", user.UserID(), user.DeviceID())
	confirm.ServerID = h.serverID
	confirm.SenderType = proto.SenderTypeServer
	confirm.SetDataType(proto.DataTypeJoinChannel)
	confirm.AddData("channelId", ch.ID())
	confirm.AddData("channelName", ch.Name())
	confirm.AddData("givenName", user.Name())
	confirm.UserList = h.broadcaster.UserList(ch)
	if msg.MsgID != "" {
		confirm.MsgID = msg.MsgID
	}
	h.broadcaster.PreBroadcast(user, true, false, false)
	h.broadcaster.BroadcastToConn(confirm, conn)

	// announce the arrival to the new channel
	welcome := h.broadcaster.StatusMessage("", ch.ID(),
		fmt.Sprintf("%s (%s) joined the channel (%s)", user.Name(), user.UserID(), ch.Name()),
		proto.DataTypeWelcome, true)
	h.broadcaster.PreBroadcast(user, false, false, false)
	h.broadcaster.Broadcast(welcome)
}

func (h *JoinHandler) fail(conn Conn, msgID, text string) {
	errMsg := h.broadcaster.StatusMessage(msgID, proto.ChannelAuto, text, proto.DataTypeError, false)
	errMsg.AddData("errorType", proto.ErrorTypeChannel)
	h.broadcaster.BroadcastToConn(errMsg, conn)
}

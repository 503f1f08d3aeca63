package core

import (
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// RemoteActionHandler relays assistant-mediated actions to the sessions
// of the user that triggered them. The router already verified that the
// mediating connection is an authenticated assistant.
type RemoteActionHandler struct {
	conns       *Connections
	broadcaster *Broadcaster
	log         *zerolog.Logger
}

// NewRemoteActionHandler wires the remote action relay.
func NewRemoteActionHandler(conns *Connections, broadcaster *Broadcaster, logger *zerolog.Logger) *RemoteActionHandler {
	return &RemoteActionHandler{conns: conns, broadcaster: broadcaster, log: logger}
}

// Handle implements MessageHandler for remoteAction payloads.
func (h *RemoteActionHandler) Handle(conn Conn, msg *proto.Message) {
	targets := h.findTargets(msg)
	if len(targets) == 0 {
		return
	}
	actionType := msg.DataString("type")
	action := msg.Data["action"]

	for _, target := range targets {
		receiver := target.UserID()
		remoteMsg := h.broadcaster.StatusMessage("", target.ActiveChannel(),
			receiver+" sent remoteAction: "+actionType,
			proto.DataTypeRemoteAction, false)
		remoteMsg.AddData("user", receiver)
		remoteMsg.AddData("type", actionType)
		remoteMsg.AddData("action", action)
		if msg.MsgID != "" {
			remoteMsg.MsgID = msg.MsgID
		}
		h.broadcaster.BroadcastToConn(remoteMsg, target.Conn())
	}
}

// findTargets resolves the sessions a remote action addresses. With
// device and channel left on auto (and no skip filter) the first active
// session wins; "<all>" devices fans out to every matching session.
func (h *RemoteActionHandler) findTargets(msg *proto.Message) []*Participant {
	remoteUserID := msg.DataString("remoteUserId")
	if remoteUserID == "" {
		return nil
	}
	targetDeviceID := msg.DataString("targetDeviceId")
	targetChannelID := msg.DataString("targetChannelId")
	skipDeviceID := msg.DataString("skipDeviceId")

	channelIsAuto := targetChannelID == "" || targetChannelID == proto.ChannelAuto
	deviceIsAuto := targetDeviceID == "" || targetDeviceID == proto.DeviceAuto
	deviceIsAll := targetDeviceID == proto.DeviceAll

	if channelIsAuto && deviceIsAuto && skipDeviceID == "" {
		if p := h.conns.FirstActiveByUserID(remoteUserID); p != nil {
			return []*Participant{p}
		}
	}

	var targets []*Participant
	for _, p := range h.conns.ListByUserID(remoteUserID) {
		correctDevice := deviceIsAll || deviceIsAuto || p.SameDevice(targetDeviceID)
		if correctDevice && skipDeviceID != "" && p.SameDevice(skipDeviceID) {
			correctDevice = false
		}
		correctChannel := channelIsAuto || p.ActiveChannel() == targetChannelID
		if correctDevice && correctChannel {
			targets = append(targets, p)
			if !deviceIsAll {
				return targets
			}
		}
	}
	return targets
}

package core

import (
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// MessageHandler processes one validated inbound message.
type MessageHandler interface {
	Handle(conn Conn, msg *proto.Message)
}

// HandlerFunc adapts a function to the MessageHandler interface.
type HandlerFunc func(conn Conn, msg *proto.Message)

func (f HandlerFunc) Handle(conn Conn, msg *proto.Message) { f(conn, msg) }

// Router owns the connection lifecycle and the inbound message pipeline:
// parse, validate sender and channel, rewrite identity fields, dispatch
// to the handler registered for the payload's dataType.
type Router struct {
	serverID string

	conns       *Connections
	channels    *Channels
	broadcaster *Broadcaster
	pings       *Pings
	log         *zerolog.Logger

	msgIDs   MessageIDs
	handlers map[proto.DataType]MessageHandler
}

// NewRouter creates a router with an empty handler registry.
func NewRouter(serverID string, conns *Connections, channels *Channels, broadcaster *Broadcaster, pings *Pings, logger *zerolog.Logger) *Router {
	r := &Router{
		serverID:    serverID,
		conns:       conns,
		channels:    channels,
		broadcaster: broadcaster,
		pings:       pings,
		log:         logger,
		handlers:    make(map[proto.DataType]MessageHandler),
	}
	r.Register(proto.DataTypePing, HandlerFunc(pings.HandleReply))
	return r
}

// Register binds a handler to a payload dataType.
func (r *Router) Register(dt proto.DataType, h MessageHandler) {
	r.handlers[dt] = h
}

// HandleConnect stores the fresh connection as pending and asks the
// client to authenticate.
func (r *Router) HandleConnect(conn Conn) {
	r.conns.PutPending(conn)
	req := proto.New("", r.serverID, "", "", "")
	req.ServerID = r.serverID
	req.SenderType = proto.SenderTypeServer
	req.SetDataType(proto.DataTypeAuthenticate)
	r.broadcaster.BroadcastToConn(req, conn)
}

// HandleClose removes the participant and tells the channel it left.
func (r *Router) HandleClose(conn Conn) {
	r.pings.Cancel(conn)
	p := r.conns.Get(conn)
	if p == nil {
		// never authenticated
		r.conns.RemovePending(conn)
		return
	}
	r.conns.Remove(p)
	notice := r.broadcaster.StatusMessage("", p.ActiveChannel(),
		p.Name()+" ("+p.UserID()+") left the chat",
		proto.DataTypeByebye, true)
	r.broadcaster.Broadcast(notice)
}

// HandleMessage runs the inbound pipeline for one raw frame.
func (r *Router) HandleMessage(conn Conn, raw []byte) {
	msg, err := proto.Import(raw)
	if err != nil {
		r.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("dropping unparseable frame")
		return
	}
	seq := r.msgIDs.Next()
	dataType := msg.DataType()
	user := r.conns.Get(conn)

	if !r.acceptUser(user, dataType) || !r.acceptChannel(user, msg, dataType) {
		safe, _ := msg.Sanitize().Export()
		r.log.Info().Int64("seq", seq).Str("conn_id", conn.ID()).
			RawJSON("message", safe).Msg("message failed user or channel validation")
		return
	}

	// the sender is who the registry says, not what the frame claims;
	// the device id of an unauthenticated frame survives for auth
	if user == nil {
		msg.Sender = ""
	} else {
		msg.Sender = user.UserID()
		msg.SenderDeviceID = user.DeviceID()
	}
	if msg.SenderType == proto.SenderTypeServer && msg.Sender != r.serverID {
		msg.SenderType = ""
	}

	if h, ok := r.handlers[dataType]; ok {
		h.Handle(conn, msg)
		return
	}
	switch dataType {
	case "", proto.DataTypeOpenText, proto.DataTypeAssistAnswer, proto.DataTypeFollowUp, proto.DataTypeDirectCmd:
		r.broadcaster.PreBroadcast(user, false, false, false)
		r.broadcaster.Broadcast(msg)
	case proto.DataTypeError:
		msg.TextType = string(proto.TextTypeStatus)
		r.broadcaster.PreBroadcast(user, false, false, false)
		r.broadcaster.Broadcast(msg)
	default:
		r.log.Error().Int64("seq", seq).Str("data_type", string(dataType)).Msg("unhandled message dataType")
	}
}

// acceptUser checks what the sender is allowed to do in its current
// authentication state.
func (r *Router) acceptUser(user *Participant, dataType proto.DataType) bool {
	if user == nil {
		// without a stored participant only authentication attempts pass
		return dataType == proto.DataTypeAuthenticate
	}
	if dataType == proto.DataTypeRemoteAction {
		// remote actions must be mediated by an authenticated assistant
		return user.Authenticated() && user.Role() == RoleAssistant
	}
	return true
}

// acceptChannel validates the channelId and resolves the "<auto>"
// sentinel against the sender's presence.
func (r *Router) acceptChannel(user *Participant, msg *proto.Message, dataType proto.DataType) bool {
	switch msg.ChannelID {
	case "":
		switch dataType {
		case proto.DataTypeJoinChannel, proto.DataTypeAuthenticate,
			proto.DataTypePing, proto.DataTypeUpdateData:
			return true
		}
		return false

	case proto.ChannelAuto:
		if user == nil {
			return false
		}
		msg.ChannelID = user.ActiveChannel()
		return true

	default:
		if user == nil {
			return false
		}
		ch := r.channels.Get(msg.ChannelID)
		if ch == nil {
			return false
		}
		return user.ActiveChannel() == ch.ID() || ch.IsMember(user.UserID())
	}
}

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/identity"
	"github.com/chanrelay/chanrelay-server/internal/proto"
)

const authTimeout = 15 * time.Second

// AuthHandler verifies credentials with the identity provider, promotes
// the pending connection to a participant and drops it into its private
// channel.
type AuthHandler struct {
	serverID    string
	assistantID string

	provider    identity.Provider
	conns       *Connections
	channels    *Channels
	broadcaster *Broadcaster
	pings       *Pings
	sessions    *SessionIDs
	log         *zerolog.Logger

	onLogin func(userID, deviceID string)
}

// OnLogin registers a hook invoked after every successful login.
func (h *AuthHandler) OnLogin(fn func(userID, deviceID string)) {
	h.onLogin = fn
}

// NewAuthHandler wires the authentication pipeline.
func NewAuthHandler(serverID, assistantID string, provider identity.Provider, conns *Connections, channels *Channels, broadcaster *Broadcaster, pings *Pings, sessions *SessionIDs, logger *zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		serverID:    serverID,
		assistantID: assistantID,
		provider:    provider,
		conns:       conns,
		channels:    channels,
		broadcaster: broadcaster,
		pings:       pings,
		sessions:    sessions,
		log:         logger,
	}
}

// Handle implements MessageHandler for authenticate payloads.
func (h *AuthHandler) Handle(conn Conn, msg *proto.Message) {
	creds := msg.DataObject("credentials")
	if len(creds) == 0 {
		h.fail(conn, msg.MsgID, identity.ErrWrongCredentials(), "Login failed, missing credentials (401)")
		return
	}
	params := msg.DataObject("parameters")
	clientInfo, _ := params["client"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	userID, _ := creds["userId"].(string)
	pwd, _ := creds["pwd"].(string)
	id, err := h.provider.Authenticate(ctx, identity.Credentials{
		UserID:     userID,
		Password:   pwd,
		ClientInfo: clientInfo,
	})
	if err != nil {
		ae := identity.AsAuthError(err)
		switch ae.Code {
		case identity.CodeWrongCredentials:
			h.fail(conn, msg.MsgID, ae, "Login failed, credentials wrong or token expired (401)")
		case identity.CodeTooManyRequests:
			h.fail(conn, msg.MsgID, ae, "Login temporarily blocked due to too many failed requests (429)")
		default:
			h.fail(conn, msg.MsgID, ae, "Login failed, account backend not reachable or unknown error (500)")
		}
		return
	}

	deviceID := msg.SenderDeviceID
	if deviceID == "" {
		deviceID, _ = params["deviceId"].(string)
	}
	if deviceID == "" {
		deviceID = msg.DataString("deviceId")
	}
	role := RoleFromGrants(id.Roles)
	h.log.Info().Str("user_id", id.UserID).Str("role", string(role)).
		Str("device_id", deviceID).Msg("authenticated")

	p := NewParticipant(conn, id.UserID, id.Name, role, deviceID, h.sessions.Next())
	if clientInfo != "" {
		p.SetInfo("clientInfo", clientInfo)
	}
	if len(id.SharedAccess) > 0 {
		p.SetSharedAccess(convertSharedAccess(id.SharedAccess))
	}
	h.conns.Put(p)
	p.SetAuthenticated()
	h.conns.RemovePending(conn)

	// every user gets a private channel with the default assistant
	ch := h.channels.Get(id.UserID)
	if ch == nil {
		created, err := h.channels.Create(id.UserID, id.UserID, false, "Private", nil, true)
		if err != nil {
			// lost a race or over the limit, try the pool once more
			ch = h.channels.Get(id.UserID)
			if ch == nil {
				h.log.Error().Err(err).Str("user_id", id.UserID).Msg("failed to create private channel")
				h.fail(conn, msg.MsgID, identity.ErrBackendError(err), "Login failed, account backend not reachable or unknown error (500)")
				return
			}
		} else {
			ch = created
		}
	}
	p.SetActive()
	p.SetActiveChannel(ch.ID())
	if role == RoleAssistant {
		p.SetOmnipresent()
	}

	// confirm the join to the client
	confirm := proto.New(ch.ID(), h.serverID, "", id.UserID, deviceID)
	confirm.ServerID = h.serverID
	confirm.SenderType = proto.SenderTypeServer
	confirm.SetDataType(proto.DataTypeJoinChannel)
	confirm.AddData("channelId", ch.ID())
	confirm.AddData("channelName", ch.Name())
	confirm.AddData("givenName", id.Name)
	if msg.MsgID != "" {
		confirm.MsgID = msg.MsgID
	}
	h.broadcaster.BroadcastToConn(confirm, conn)

	// push the channels this user can see
	available := h.channels.ListAvailableTo(id.UserID, true)
	chanUpdate := h.broadcaster.UpdateDataMessage("availableChannels", ClientList(available, id.UserID))
	h.broadcaster.BroadcastToConn(chanUpdate, conn)

	// tell the channel someone arrived
	welcome := h.broadcaster.StatusMessage("", ch.ID(),
		fmt.Sprintf("%s (%s) joined the chat", id.Name, id.UserID),
		proto.DataTypeWelcome, true)
	h.broadcaster.PreBroadcast(p, false, false, false)
	h.broadcaster.Broadcast(welcome)

	if h.pings.Enabled() {
		h.pings.Schedule(conn, 0)
	}
	if h.onLogin != nil {
		h.onLogin(id.UserID, deviceID)
	}
}

// fail sends a typed login error back to the connection.
func (h *AuthHandler) fail(conn Conn, msgID string, ae *identity.AuthError, text string) {
	errMsg := h.broadcaster.StatusMessage(msgID, proto.ChannelAuto, text, proto.DataTypeError, false)
	errMsg.AddData("errorType", proto.ErrorTypeAuthentication)
	errMsg.AddData("errorCode", ae.Code)
	h.broadcaster.BroadcastToConn(errMsg, conn)
}

func convertSharedAccess(in map[string][]identity.SharedAccessItem) map[string][]SharedAccessGrant {
	out := make(map[string][]SharedAccessGrant, len(in))
	for capability, items := range in {
		grants := make([]SharedAccessGrant, 0, len(items))
		for _, it := range items {
			grants = append(grants, SharedAccessGrant{GrantingUser: it.User, DeviceID: it.DeviceID})
		}
		out[capability] = grants
	}
	return out
}

package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/core"
	"github.com/chanrelay/chanrelay-server/internal/events"
	"github.com/chanrelay/chanrelay-server/internal/identity"
	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// channelAdminRole is required to create channels via the control API.
const channelAdminRole = "developer"

// ControlHandlers implements the REST control surface next to the
// websocket endpoint.
type ControlHandlers struct {
	serverID string

	provider    identity.Provider
	channels    *core.Channels
	conns       *core.Connections
	history     *core.History
	pings       *core.Pings
	broadcaster *core.Broadcaster
	remote      *core.RemoteActionHandler
	events      events.Publisher
	started     time.Time
	log         *zerolog.Logger
}

// NewControlHandlers creates the control surface handler set.
func NewControlHandlers(serverID string, provider identity.Provider, channels *core.Channels, conns *core.Connections, history *core.History, pings *core.Pings, broadcaster *core.Broadcaster, remote *core.RemoteActionHandler, publisher events.Publisher, logger *zerolog.Logger) *ControlHandlers {
	return &ControlHandlers{
		serverID:    serverID,
		provider:    provider,
		channels:    channels,
		conns:       conns,
		history:     history,
		pings:       pings,
		broadcaster: broadcaster,
		remote:      remote,
		events:      publisher,
		started:     time.Now(),
		log:         logger,
	}
}

// UserCredentials are inline credentials of control requests made on
// behalf of a user account.
type UserCredentials struct {
	UserID   string `json:"userId" binding:"required"`
	Password string `json:"pwd" binding:"required"`
}

func (h *ControlHandlers) authenticate(c *gin.Context, creds UserCredentials) *identity.Identity {
	id, err := h.provider.Authenticate(c.Request.Context(), identity.Credentials{
		UserID:   creds.UserID,
		Password: creds.Password,
	})
	if err != nil {
		ae := identity.AsAuthError(err)
		h.log.Debug().Err(err).Str("user_id", creds.UserID).Msg("control request auth failed")
		c.JSON(ae.Code, ErrorResponse{Error: "not authorized"})
		return nil
	}
	return id
}

// CreateChannelRequest is the body of POST /control/channel/create.
type CreateChannelRequest struct {
	UserCredentials
	ChannelID    string   `json:"channelId"`
	ChannelName  string   `json:"channelName"`
	IsPublic     bool     `json:"isPublic"`
	Members      []string `json:"members"`
	AddAssistant *bool    `json:"addAssistant"`
}

// CreateChannel creates a group channel owned by the calling user.
// POST /control/channel/create
func (h *ControlHandlers) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	id := h.authenticate(c, req.UserCredentials)
	if id == nil {
		return
	}
	if !id.HasRole(channelAdminRole) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not authorized, missing required role"})
		return
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = h.channels.NewID()
	}
	addAssistant := req.AddAssistant == nil || *req.AddAssistant
	ch, err := h.channels.Create(channelID, id.UserID, req.IsPublic, req.ChannelName, req.Members, addAssistant)
	if err != nil {
		h.log.Warn().Err(err).Str("channel_id", channelID).Msg("channel creation failed")
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.events.Publish(c.Request.Context(), events.Event{
		Type:      events.TypeChannelCreated,
		ChannelID: ch.ID(),
		UserID:    id.UserID,
	}); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish channel-created event")
	}
	c.JSON(http.StatusOK, gin.H{
		"result":    "success",
		"channelId": ch.ID(),
		"key":       ch.Key(),
	})
}

// DeleteChannelRequest is the body of POST /control/channel/delete.
type DeleteChannelRequest struct {
	UserCredentials
	ChannelID string `json:"channelId" binding:"required"`
}

// DeleteChannel removes a channel the calling user owns.
// POST /control/channel/delete
func (h *ControlHandlers) DeleteChannel(c *gin.Context) {
	var req DeleteChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	id := h.authenticate(c, req.UserCredentials)
	if id == nil {
		return
	}
	ch := h.channels.Get(req.ChannelID)
	if ch == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel does not exist"})
		return
	}
	if ch.Owner() != id.UserID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "only the owner can delete a channel"})
		return
	}
	h.channels.Delete(ch.ID())
	if err := h.events.Publish(c.Request.Context(), events.Event{
		Type:      events.TypeChannelDeleted,
		ChannelID: ch.ID(),
		UserID:    id.UserID,
	}); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish channel-deleted event")
	}
	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

// ChannelHistoryRequest is the body of POST /control/channel/history.
type ChannelHistoryRequest struct {
	UserCredentials
	ChannelID    string `json:"channelId" binding:"required"`
	NotOlderThan int64  `json:"notOlderThan"`
}

// ChannelHistory returns the cached tail of a channel's messages and
// acknowledges the caller's missed-message flag for it.
// POST /control/channel/history
func (h *ControlHandlers) ChannelHistory(c *gin.Context) {
	var req ChannelHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	id := h.authenticate(c, req.UserCredentials)
	if id == nil {
		return
	}
	ch := h.channels.Get(req.ChannelID)
	if ch == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "channel does not exist"})
		return
	}
	if !ch.IsMember(id.UserID) && !ch.IsOpen() {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not a member of this channel"})
		return
	}
	messages := h.history.Messages(ch.ID(), req.NotOlderThan)
	h.history.AcknowledgeMissed(id.UserID, ch.ID())
	c.JSON(http.StatusOK, gin.H{
		"result":    "success",
		"channelId": ch.ID(),
		"messages":  messages,
	})
}

// ListChannelsRequest is the body of POST /control/channel/list.
type ListChannelsRequest struct {
	UserCredentials
	IncludePublic *bool `json:"includePublic"`
}

// ListChannels returns the channels visible to the calling user.
// POST /control/channel/list
func (h *ControlHandlers) ListChannels(c *gin.Context) {
	var req ListChannelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	id := h.authenticate(c, req.UserCredentials)
	if id == nil {
		return
	}
	includePublic := req.IncludePublic == nil || *req.IncludePublic
	channels := h.channels.ListAvailableTo(id.UserID, includePublic)
	c.JSON(http.StatusOK, gin.H{
		"result":   "success",
		"channels": core.ClientList(channels, id.UserID),
	})
}

// Connections lists live sessions. Cluster-authenticated.
// GET /control/connections
func (h *ControlHandlers) Connections(c *gin.Context) {
	all := h.conns.All()
	list := make([]proto.UserEntry, 0, len(all))
	for _, p := range all {
		list = append(list, p.ListEntry())
	}
	c.JSON(http.StatusOK, gin.H{
		"result":      "success",
		"connections": list,
		"pending":     h.conns.PendingCount(),
	})
}

// RemoteActionRequest is the body of POST /control/remote-action.
type RemoteActionRequest struct {
	RemoteUserID    string `json:"remoteUserId" binding:"required"`
	TargetDeviceID  string `json:"targetDeviceId"`
	TargetChannelID string `json:"targetChannelId"`
	SkipDeviceID    string `json:"skipDeviceId"`
	Type            string `json:"type"`
	Action          any    `json:"action"`
}

// RemoteAction relays an action to a user's sessions on behalf of the
// assist backend. Cluster-authenticated.
// POST /control/remote-action
func (h *ControlHandlers) RemoteAction(c *gin.Context) {
	var req RemoteActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	msg := proto.New("", h.serverID, "", "", "")
	msg.ServerID = h.serverID
	msg.SenderType = proto.SenderTypeServer
	msg.SetDataType(proto.DataTypeRemoteAction)
	msg.AddData("remoteUserId", req.RemoteUserID)
	msg.AddData("targetDeviceId", req.TargetDeviceID)
	msg.AddData("targetChannelId", req.TargetChannelID)
	msg.AddData("skipDeviceId", req.SkipDeviceID)
	msg.AddData("type", req.Type)
	msg.AddData("action", req.Action)
	h.remote.Handle(nil, msg)
	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

// RefreshConnections schedules a prompt liveness probe on every known
// connection so dead sockets get reaped. Cluster-authenticated.
// POST /control/refresh-connections
func (h *ControlHandlers) RefreshConnections(c *gin.Context) {
	if !h.pings.Enabled() {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "alive pings are disabled"})
		return
	}
	scheduled := 0
	for _, p := range h.conns.All() {
		if h.pings.Schedule(p.Conn(), time.Second) != "" {
			scheduled++
		}
	}
	h.log.Info().Int("scheduled", scheduled).Msg("connection refresh requested")
	c.JSON(http.StatusOK, gin.H{"result": "success", "scheduled": scheduled})
}

// Stats reports node health counters. Cluster-authenticated.
// GET /control/stats
func (h *ControlHandlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":            h.serverID,
		"uptimeMs":          time.Since(h.started).Milliseconds(),
		"connections":       len(h.conns.All()),
		"pendingSessions":   h.conns.PendingCount(),
		"channels":          len(h.channels.AllIDs()),
		"scheduledPings":    h.pings.OpenRequests(),
		"lastBroadcastUNIX": h.broadcaster.LastBroadcastTime(),
	})
}

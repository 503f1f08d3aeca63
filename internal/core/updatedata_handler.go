package core

import (
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// UpdateDataHandler answers client data refresh requests and stores
// whitelisted device metadata.
type UpdateDataHandler struct {
	conns       *Connections
	history     *History
	broadcaster *Broadcaster
	log         *zerolog.Logger
}

// NewUpdateDataHandler wires the updateData pipeline.
func NewUpdateDataHandler(conns *Connections, history *History, broadcaster *Broadcaster, logger *zerolog.Logger) *UpdateDataHandler {
	return &UpdateDataHandler{
		conns:       conns,
		history:     history,
		broadcaster: broadcaster,
		log:         logger,
	}
}

// Handle implements MessageHandler for updateData payloads.
func (h *UpdateDataHandler) Handle(conn Conn, msg *proto.Message) {
	user := h.conns.Get(conn)
	if user == nil {
		return
	}
	switch updateType := msg.DataString("updateData"); updateType {
	case "missedChannelMessage":
		channels := h.history.Missed(user.UserID())
		data := make([]map[string]any, 0, len(channels))
		for _, channelID := range channels {
			data = append(data, map[string]any{"channelId": channelID})
		}
		reply := h.broadcaster.UpdateDataMessage("missedChannelMessage", data)
		h.broadcaster.BroadcastToConn(reply, conn)

	case "userOrDeviceInfo":
		data := msg.DataObject("data")
		if data == nil {
			return
		}
		// only whitelisted items are stored, and only complete ones
		if dls, ok := data["deviceLocalSite"].(map[string]any); ok {
			if loc, _ := dls["location"].(string); loc == "" {
				user.SetInfo("deviceLocalSite", nil)
			} else {
				user.SetInfo("deviceLocalSite", dls)
			}
		}
		if dgl, ok := data["deviceGlobalLocation"].(map[string]any); ok {
			if lat, hasLat := dgl["latitude"]; !hasLat || lat == nil || lat == "" {
				user.SetInfo("deviceGlobalLocation", nil)
			} else {
				user.SetInfo("deviceGlobalLocation", dgl)
			}
		}

	default:
		h.log.Info().Str("update_type", updateType).Msg("unknown updateData request")
		errMsg := h.broadcaster.StatusMessage("", "", "Error in updateData: unknown request", proto.DataTypeError, false)
		errMsg.AddData("errorType", proto.ErrorTypeUpdateRequest)
		errMsg.AddData("errorCode", 501)
		h.broadcaster.BroadcastToConn(errMsg, conn)
	}
}

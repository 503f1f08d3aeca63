package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/core"
	"github.com/chanrelay/chanrelay-server/internal/events"
)

// WSHandler upgrades HTTP connections and feeds their frames into the
// message router.
type WSHandler struct {
	router *core.Router
	conns  *core.Connections
	events events.Publisher
	log    *zerolog.Logger
}

// NewWSHandler builds the websocket endpoint handler.
func NewWSHandler(router *core.Router, conns *core.Connections, publisher events.Publisher, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{router: router, conns: conns, events: publisher, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}

	conn := newWSConn(ws)
	h.router.HandleConnect(conn)

	err = h.readLoop(r.Context(), ws, conn)

	// remember who this was before the router forgets
	var userID string
	if p := h.conns.Get(conn); p != nil {
		userID = p.UserID()
	}
	h.router.HandleClose(conn)

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		status = websocket.StatusInternalError
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("ws connection closed with error")
		}
	}
	_ = conn.Close(reason)
	ws.Close(status, reason)

	if userID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.events.Publish(ctx, events.Event{Type: events.TypeUserLeft, UserID: userID}); err != nil {
			h.log.Warn().Err(err).Msg("failed to publish user-left event")
		}
	}
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		h.router.HandleMessage(conn, data)
	}
}

package core

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

// Ping timing defaults. The next regular ping gets a random offset so
// clients connected at the same moment do not reply in lockstep.
const (
	DefaultPingExpiry   = 10 * time.Second
	DefaultPingInterval = 45 * time.Minute
	pingJitterMax       = 10 * time.Second
)

// pingRequest tracks one scheduled keepalive probe for one connection.
type pingRequest struct {
	id      string
	conn    Conn
	msg     *proto.Message
	oneShot bool

	sendTimer   *time.Timer
	expireTimer *time.Timer
	expireAt    time.Time
}

func (pr *pingRequest) expired() bool {
	return !pr.expireAt.IsZero() && time.Now().After(pr.expireAt)
}

// Pings schedules application-level keepalive probes and force-closes
// connections that do not answer in time. At most one probe is tracked
// per connection.
type Pings struct {
	enabled  bool
	interval time.Duration
	expiry   time.Duration

	broadcaster *Broadcaster
	conns       *Connections
	log         *zerolog.Logger

	mu     sync.Mutex
	open   map[string]*pingRequest // by ping id
	byConn map[string]string       // conn id -> ping id
}

// NewPings builds the liveness manager. With enabled false, probes are
// only sent when a client explicitly requests one.
func NewPings(enabled bool, interval, expiry time.Duration, broadcaster *Broadcaster, conns *Connections, logger *zerolog.Logger) *Pings {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if expiry <= 0 {
		expiry = DefaultPingExpiry
	}
	return &Pings{
		enabled:     enabled,
		interval:    interval,
		expiry:      expiry,
		broadcaster: broadcaster,
		conns:       conns,
		log:         logger,
		open:        make(map[string]*pingRequest),
		byConn:      make(map[string]string),
	}
}

// Enabled reports whether the regular ping cycle runs.
func (pg *Pings) Enabled() bool {
	return pg.enabled
}

// OpenRequests returns the number of tracked probes, for stats.
func (pg *Pings) OpenRequests() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return len(pg.open)
}

// Schedule queues a probe for the connection after the given delay, or
// after the regular interval plus jitter when delay <= 0. A previously
// scheduled probe for the same connection is cancelled first. Returns
// the ping id, or "" when the connection is already gone.
func (pg *Pings) Schedule(conn Conn, delay time.Duration) string {
	return pg.schedule(conn, delay, false)
}

func (pg *Pings) schedule(conn Conn, delay time.Duration, oneShot bool) string {
	if conn == nil || !conn.Open() {
		// make sure there is nothing left
		if conn != nil {
			pg.conns.RemovePending(conn)
			pg.conns.Remove(pg.conns.Get(conn))
		}
		return ""
	}
	if delay <= 0 {
		delay = pg.interval + time.Duration(rand.Int63n(int64(pingJitterMax)))
	}

	pr := &pingRequest{
		conn:    conn,
		msg:     pg.broadcaster.PingMessage(),
		oneShot: oneShot,
	}
	pr.id = pr.msg.MsgID

	pg.mu.Lock()
	if oldID, ok := pg.byConn[conn.ID()]; ok {
		if old := pg.open[oldID]; old != nil {
			old.stopTimers()
		}
		delete(pg.open, oldID)
	}
	pg.open[pr.id] = pr
	pg.byConn[conn.ID()] = pr.id
	pr.sendTimer = time.AfterFunc(delay, func() { pg.fire(pr) })
	pg.mu.Unlock()

	return pr.id
}

func (pr *pingRequest) stopTimers() {
	if pr.sendTimer != nil {
		pr.sendTimer.Stop()
	}
	if pr.expireTimer != nil {
		pr.expireTimer.Stop()
	}
}

// fire sends the probe and arms the expiry watchdog.
func (pg *Pings) fire(pr *pingRequest) {
	if !pr.conn.Open() {
		pg.drop(pr.id)
		return
	}
	pg.mu.Lock()
	pr.expireAt = time.Now().Add(pg.expiry)
	pr.expireTimer = time.AfterFunc(pg.expiry, func() { pg.resolve(pr.id, pr.conn) })
	pg.mu.Unlock()
	pg.broadcaster.BroadcastToConn(pr.msg, pr.conn)
}

// HandleReply resolves an inbound ping frame. A replyId closes the
// matching probe; data.sendPing requests a probe: a positive value is
// the delay in ms for a one-shot probe, -1 starts the regular cycle.
func (pg *Pings) HandleReply(conn Conn, msg *proto.Message) {
	if !msg.HasData() {
		return
	}
	if replyID := msg.DataString("replyId"); replyID != "" {
		pg.mu.Lock()
		pr, known := pg.open[replyID]
		oneShot := known && pr.oneShot
		pg.mu.Unlock()
		if known && pg.resolve(replyID, conn) && pg.enabled && !oneShot {
			pg.Schedule(conn, 0)
		}
		return
	}
	switch sendPing := msg.DataInt("sendPing", 0); {
	case sendPing > 0:
		pg.schedule(conn, time.Duration(sendPing)*time.Millisecond, true)
	case sendPing == -1:
		pg.Schedule(conn, 0)
	}
}

// Cancel drops any tracked probe for the connection, e.g. on close.
func (pg *Pings) Cancel(conn Conn) {
	pg.mu.Lock()
	id, ok := pg.byConn[conn.ID()]
	pg.mu.Unlock()
	if ok {
		pg.drop(id)
	}
}

// resolve closes the probe and reports whether the reply came in time.
// Late or missing replies reset the connection.
func (pg *Pings) resolve(pingID string, conn Conn) bool {
	pg.mu.Lock()
	pr, ok := pg.open[pingID]
	if ok {
		pr.stopTimers()
		delete(pg.open, pingID)
		if pg.byConn[pr.conn.ID()] == pingID {
			delete(pg.byConn, pr.conn.ID())
		}
	}
	pg.mu.Unlock()
	if !ok {
		return false
	}

	inTime := !pr.expired()
	if inTime {
		return true
	}

	p := pg.conns.Get(conn)
	userID := "unknown"
	if p != nil {
		userID = p.UserID()
	}
	if conn.Open() {
		pg.log.Error().Str("user_id", userID).Msg("client did not answer alive-ping in time, resetting connection")
		_ = conn.Close("ping timeout")
	} else {
		pg.log.Error().Str("user_id", userID).Msg("client did not answer alive-ping and connection seems lost, resetting data")
		pg.conns.Remove(p)
		pg.conns.RemovePending(conn)
	}
	return false
}

// drop removes a probe without liveness consequences.
func (pg *Pings) drop(pingID string) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pr, ok := pg.open[pingID]
	if !ok {
		return
	}
	pr.stopTimers()
	delete(pg.open, pingID)
	if pg.byConn[pr.conn.ID()] == pingID {
		delete(pg.byConn, pr.conn.ID())
	}
}

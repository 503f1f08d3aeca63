package core

import (
	"testing"
	"time"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func newPingKit(t *testing.T, enabled bool, interval, expiry time.Duration) (*testKit, *Pings) {
	t.Helper()
	kit := newTestKit(t, 0, BroadcastPolicy{})
	logger := kit.channels.log
	return kit, NewPings(enabled, interval, expiry, kit.broadcaster, kit.conns, logger)
}

func pingReply(replyID string) *proto.Message {
	msg := proto.New("", "alice", "phone", "", "")
	msg.SetDataType(proto.DataTypePing)
	msg.AddData("replyId", replyID)
	return msg
}

func TestPingProbeAndReply(t *testing.T) {
	kit, pings := newPingKit(t, true, time.Hour, time.Second)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	id := pings.Schedule(conn, 10*time.Millisecond)
	if id == "" {
		t.Fatal("no ping scheduled for open connection")
	}
	waitFor(t, func() bool { return conn.sentCount() == 1 })

	probe := conn.lastMessage(t)
	if probe.DataType() != proto.DataTypePing {
		t.Fatalf("probe dataType = %q, want ping", probe.DataType())
	}
	if probe.MsgID != id {
		t.Errorf("probe msgId = %q, want scheduled id %q", probe.MsgID, id)
	}
	if got := probe.DataInt("sendPing", 0); got != 1 {
		t.Errorf("probe sendPing = %d, want 1", got)
	}

	pings.HandleReply(conn, pingReply(id))
	if !conn.Open() {
		t.Error("connection closed after timely reply")
	}
	// a timely reply reschedules the regular cycle
	if n := pings.OpenRequests(); n != 1 {
		t.Errorf("open requests after reply = %d, want 1 rescheduled", n)
	}
}

func TestPingExpiryClosesConnection(t *testing.T) {
	kit, pings := newPingKit(t, true, time.Hour, 20*time.Millisecond)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	pings.Schedule(conn, time.Millisecond)
	waitFor(t, func() bool { return !conn.Open() })

	if n := pings.OpenRequests(); n != 0 {
		t.Errorf("expired probe still tracked, open = %d", n)
	}
}

func TestPingOneShotDoesNotStartCycle(t *testing.T) {
	kit, pings := newPingKit(t, true, time.Hour, time.Second)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	req := proto.New("", "alice", "phone", "", "")
	req.SetDataType(proto.DataTypePing)
	req.AddData("sendPing", float64(10)) // as the JSON decoder delivers it
	pings.HandleReply(conn, req)

	waitFor(t, func() bool { return conn.sentCount() == 1 })
	probe := conn.lastMessage(t)
	pings.HandleReply(conn, pingReply(probe.MsgID))

	if n := pings.OpenRequests(); n != 0 {
		t.Errorf("one-shot probe restarted the cycle, open = %d", n)
	}
}

func TestPingRequestRegularCycle(t *testing.T) {
	kit, pings := newPingKit(t, true, time.Hour, time.Second)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	req := proto.New("", "alice", "phone", "", "")
	req.SetDataType(proto.DataTypePing)
	req.AddData("sendPing", float64(-1))
	pings.HandleReply(conn, req)

	if n := pings.OpenRequests(); n != 1 {
		t.Errorf("regular cycle not started, open = %d", n)
	}
}

func TestPingRescheduleReplacesPreviousProbe(t *testing.T) {
	kit, pings := newPingKit(t, true, time.Hour, time.Second)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	first := pings.Schedule(conn, time.Hour)
	second := pings.Schedule(conn, time.Hour)
	if first == second {
		t.Fatal("expected a fresh ping id")
	}
	if n := pings.OpenRequests(); n != 1 {
		t.Errorf("open requests = %d, want 1 after reschedule", n)
	}
}

func TestPingCancelOnClose(t *testing.T) {
	kit, pings := newPingKit(t, true, time.Hour, time.Second)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	pings.Schedule(conn, time.Hour)
	pings.Cancel(conn)
	if n := pings.OpenRequests(); n != 0 {
		t.Errorf("open requests = %d after cancel, want 0", n)
	}
}

func TestPingScheduleSkipsClosedConnection(t *testing.T) {
	kit, pings := newPingKit(t, true, time.Hour, time.Second)
	p, conn := kit.join(t, "alice", "phone", "", RoleUser)
	conn.Close("gone")

	if id := pings.Schedule(conn, time.Millisecond); id != "" {
		t.Errorf("probe scheduled for closed connection, id %q", id)
	}
	if got := kit.conns.Get(p.Conn()); got != nil {
		t.Error("closed connection not purged from registry")
	}
}

package core

import (
	"testing"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func newRouterKit(t *testing.T, policy BroadcastPolicy) (*testKit, *Router) {
	t.Helper()
	kit := newTestKit(t, 10, policy)
	logger := kit.channels.log
	pings := NewPings(false, 0, 0, kit.broadcaster, kit.conns, logger)
	return kit, NewRouter(testServerID, kit.conns, kit.channels, kit.broadcaster, pings, logger)
}

func rawFrame(t *testing.T, msg *proto.Message) []byte {
	t.Helper()
	data, err := msg.Export()
	if err != nil {
		t.Fatalf("export frame: %v", err)
	}
	return data
}

func TestRouterConnectRequestsAuthentication(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	conn := newFakeConn("fresh")

	router.HandleConnect(conn)

	if n := kit.conns.PendingCount(); n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
	req := conn.lastMessage(t)
	if req.DataType() != proto.DataTypeAuthenticate {
		t.Errorf("greeting dataType = %q, want authenticate", req.DataType())
	}
	if req.SenderType != proto.SenderTypeServer {
		t.Errorf("greeting senderType = %q, want server", req.SenderType)
	}
}

func TestRouterDropsChatFromUnauthenticated(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	stranger := newFakeConn("stranger")
	router.HandleConnect(stranger)

	router.HandleMessage(stranger, rawFrame(t, chatMessage("team", "alice", "phone", "let me in")))

	if n := aliceConn.sentCount(); n != 0 {
		t.Errorf("unauthenticated chat reached the channel, %d frames", n)
	}
}

func TestRouterRewritesSenderIdentity(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	_, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)

	spoofed := chatMessage("team", "alice", "phone", "it is me, alice")
	spoofed.SenderType = proto.SenderTypeServer
	router.HandleMessage(bobConn, rawFrame(t, spoofed))

	got := aliceConn.lastMessage(t)
	if got.Sender != "bob" {
		t.Errorf("sender = %q, want registry identity bob", got.Sender)
	}
	if got.SenderDeviceID != "laptop" {
		t.Errorf("senderDeviceId = %q, want laptop", got.SenderDeviceID)
	}
	if got.SenderType == proto.SenderTypeServer {
		t.Error("client kept the reserved server senderType")
	}
}

func TestRouterResolvesAutoChannel(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	_, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)

	router.HandleMessage(bobConn, rawFrame(t, chatMessage(proto.ChannelAuto, "bob", "laptop", "where am I")))

	got := aliceConn.lastMessage(t)
	if got.ChannelID != "team" {
		t.Errorf("channelId = %q, want resolved team", got.ChannelID)
	}
}

func TestRouterRejectsForeignChannel(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	kit.makeChannel(t, "others", "carol", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	_, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)

	// bob is neither member of nor active in "others"
	router.HandleMessage(bobConn, rawFrame(t, chatMessage("others", "bob", "laptop", "knock knock")))
	// and a channel that does not exist at all
	router.HandleMessage(bobConn, rawFrame(t, chatMessage("nowhere", "bob", "laptop", "hello?")))

	if n := aliceConn.sentCount(); n != 0 {
		t.Errorf("invalid channel frames leaked, %d frames", n)
	}
}

func TestRouterRemoteActionNeedsAssistant(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	called := false
	router.Register(proto.DataTypeRemoteAction, HandlerFunc(func(Conn, *proto.Message) { called = true }))
	_, bobConn := kit.join(t, "bob", "laptop", "", RoleUser)
	_, assistConn := kit.join(t, testAssistantID, "brain", "", RoleAssistant)

	action := proto.New(proto.ChannelAuto, "bob", "laptop", "", "")
	action.SetDataType(proto.DataTypeRemoteAction)

	router.HandleMessage(bobConn, rawFrame(t, action))
	if called {
		t.Error("remote action accepted from a regular user")
	}
	router.HandleMessage(assistConn, rawFrame(t, action))
	if !called {
		t.Error("remote action from assistant not dispatched")
	}
}

func TestRouterDispatchesRegisteredHandler(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	var gotType proto.DataType
	router.Register(proto.DataTypeUpdateData, HandlerFunc(func(_ Conn, m *proto.Message) {
		gotType = m.DataType()
	}))
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	req := proto.New("", "alice", "phone", "", "")
	req.SetDataType(proto.DataTypeUpdateData)
	router.HandleMessage(conn, rawFrame(t, req))

	if gotType != proto.DataTypeUpdateData {
		t.Errorf("handler saw dataType %q", gotType)
	}
}

func TestRouterErrorMessageForcedToStatus(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	_, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)

	errMsg := proto.New("team", "bob", "laptop", "", "")
	errMsg.Text = "something broke"
	errMsg.TextType = string(proto.TextTypeChat)
	errMsg.SetDataType(proto.DataTypeError)
	router.HandleMessage(aliceConn, rawFrame(t, errMsg))

	got := bobConn.lastMessage(t)
	if got.TextType != string(proto.TextTypeStatus) {
		t.Errorf("error message textType = %q, want status", got.TextType)
	}
}

func TestRouterCloseAnnouncesLeave(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	_, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)

	router.HandleClose(bobConn)

	if got := kit.conns.Get(bobConn); got != nil {
		t.Error("closed participant still registered")
	}
	notice := aliceConn.lastMessage(t)
	if notice.DataType() != proto.DataTypeByebye {
		t.Errorf("leave notice dataType = %q, want byebye", notice.DataType())
	}
}

func TestRouterCloseOfPendingConnection(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	conn := newFakeConn("fresh")
	router.HandleConnect(conn)
	router.HandleClose(conn)
	if n := kit.conns.PendingCount(); n != 0 {
		t.Errorf("pending count = %d after close, want 0", n)
	}
}

func TestRouterDropsUnparseableFrame(t *testing.T) {
	kit, router := newRouterKit(t, BroadcastPolicy{})
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)
	router.HandleMessage(conn, []byte("{not json"))
	if n := conn.sentCount(); n != 0 {
		t.Errorf("garbage frame produced %d responses", n)
	}
}

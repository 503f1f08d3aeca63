package core

import (
	"testing"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func newRemoteKit(t *testing.T) (*testKit, *RemoteActionHandler) {
	t.Helper()
	kit := newTestKit(t, 10, BroadcastPolicy{})
	logger := kit.channels.log
	return kit, NewRemoteActionHandler(kit.conns, kit.broadcaster, logger)
}

func remoteFrame(remoteUserID, targetDeviceID, actionType string) *proto.Message {
	msg := proto.New("", testAssistantID, "brain", "", "")
	msg.SetDataType(proto.DataTypeRemoteAction)
	msg.AddData("remoteUserId", remoteUserID)
	if targetDeviceID != "" {
		msg.AddData("targetDeviceId", targetDeviceID)
	}
	msg.AddData("type", actionType)
	msg.AddData("action", map[string]any{"volume": 3})
	return msg
}

func TestRemoteActionReachesFirstActiveSession(t *testing.T) {
	kit, handler := newRemoteKit(t)
	_, phoneConn := kit.join(t, "alice", "phone", "", RoleUser)

	handler.Handle(nil, remoteFrame("alice", "", "media"))

	got := phoneConn.lastMessage(t)
	if got.DataType() != proto.DataTypeRemoteAction {
		t.Fatalf("dataType = %q, want remoteAction", got.DataType())
	}
	if got.DataString("type") != "media" {
		t.Errorf("action type = %q", got.DataString("type"))
	}
	if got.DataObject("action") == nil {
		t.Error("action payload missing")
	}
}

func TestRemoteActionTargetsSpecificDevice(t *testing.T) {
	kit, handler := newRemoteKit(t)
	_, phoneConn := kit.join(t, "alice", "phone", "", RoleUser)
	_, deskConn := kit.join(t, "alice", "desk", "", RoleUser)

	handler.Handle(nil, remoteFrame("alice", "desk", "media"))

	if n := deskConn.sentCount(); n != 1 {
		t.Errorf("targeted device got %d frames, want 1", n)
	}
	if n := phoneConn.sentCount(); n != 0 {
		t.Errorf("other device got %d frames, want 0", n)
	}
}

func TestRemoteActionFansOutToAllDevices(t *testing.T) {
	kit, handler := newRemoteKit(t)
	_, phoneConn := kit.join(t, "alice", "phone", "", RoleUser)
	_, deskConn := kit.join(t, "alice", "desk", "", RoleUser)

	handler.Handle(nil, remoteFrame("alice", proto.DeviceAll, "hotkey"))

	if phoneConn.sentCount() != 1 || deskConn.sentCount() != 1 {
		t.Errorf("fan-out reached %d/%d devices, want 1/1",
			phoneConn.sentCount(), deskConn.sentCount())
	}
}

func TestRemoteActionSkipsDevice(t *testing.T) {
	kit, handler := newRemoteKit(t)
	_, phoneConn := kit.join(t, "alice", "phone", "", RoleUser)
	_, deskConn := kit.join(t, "alice", "desk", "", RoleUser)

	msg := remoteFrame("alice", proto.DeviceAll, "sync")
	msg.AddData("skipDeviceId", "phone")
	handler.Handle(nil, msg)

	if n := phoneConn.sentCount(); n != 0 {
		t.Errorf("skipped device got %d frames, want 0", n)
	}
	if n := deskConn.sentCount(); n != 1 {
		t.Errorf("remaining device got %d frames, want 1", n)
	}
}

func TestRemoteActionWithoutTarget(t *testing.T) {
	kit, handler := newRemoteKit(t)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	msg := proto.New("", testAssistantID, "brain", "", "")
	msg.SetDataType(proto.DataTypeRemoteAction)
	msg.AddData("type", "media")
	handler.Handle(nil, msg)

	if n := conn.sentCount(); n != 0 {
		t.Errorf("remote action without target produced %d frames", n)
	}
}

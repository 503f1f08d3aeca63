package core

import (
	"testing"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func newUpdateKit(t *testing.T) (*testKit, *UpdateDataHandler) {
	t.Helper()
	kit := newTestKit(t, 10, BroadcastPolicy{})
	logger := kit.channels.log
	return kit, NewUpdateDataHandler(kit.conns, kit.history, kit.broadcaster, logger)
}

func updateFrame(updateType string, data map[string]any) *proto.Message {
	msg := proto.New("", "", "", "", "")
	msg.SetDataType(proto.DataTypeUpdateData)
	msg.AddData("updateData", updateType)
	if data != nil {
		msg.AddData("data", data)
	}
	return msg
}

func TestUpdateDataReturnsMissedChannels(t *testing.T) {
	kit, handler := newUpdateKit(t)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)
	kit.history.AddMissed("alice", "team")

	handler.Handle(conn, updateFrame("missedChannelMessage", nil))

	reply := conn.lastMessage(t)
	if reply.DataString("updateData") != "missedChannelMessage" {
		t.Fatalf("reply updateData = %q", reply.DataString("updateData"))
	}
	entries, _ := reply.Data["data"].([]any)
	if len(entries) != 1 {
		t.Fatalf("reply lists %d channels, want 1", len(entries))
	}
	entry, _ := entries[0].(map[string]any)
	if entry["channelId"] != "team" {
		t.Errorf("reply channelId = %v, want team", entry["channelId"])
	}
}

func TestUpdateDataStoresDeviceInfo(t *testing.T) {
	kit, handler := newUpdateKit(t)
	p, conn := kit.join(t, "alice", "phone", "", RoleUser)

	handler.Handle(conn, updateFrame("userOrDeviceInfo", map[string]any{
		"deviceLocalSite": map[string]any{"location": "kitchen"},
	}))
	if p.Info("deviceLocalSite") == nil {
		t.Fatal("device site not stored")
	}

	// an incomplete entry removes the stored value
	handler.Handle(conn, updateFrame("userOrDeviceInfo", map[string]any{
		"deviceLocalSite": map[string]any{"location": ""},
	}))
	if p.Info("deviceLocalSite") != nil {
		t.Error("incomplete device site not removed")
	}
}

func TestUpdateDataIgnoresUnlistedInfo(t *testing.T) {
	kit, handler := newUpdateKit(t)
	p, conn := kit.join(t, "alice", "phone", "", RoleUser)

	handler.Handle(conn, updateFrame("userOrDeviceInfo", map[string]any{
		"favoriteColor": map[string]any{"value": "green"},
	}))
	if p.Info("favoriteColor") != nil {
		t.Error("unlisted info key was stored")
	}
}

func TestUpdateDataUnknownRequest(t *testing.T) {
	kit, handler := newUpdateKit(t)
	_, conn := kit.join(t, "alice", "phone", "", RoleUser)

	handler.Handle(conn, updateFrame("fluxCapacitor", nil))

	errMsg := conn.lastMessage(t)
	if errMsg.DataType() != proto.DataTypeError {
		t.Fatalf("reply dataType = %q, want errorMessage", errMsg.DataType())
	}
	if errMsg.DataString("errorType") != proto.ErrorTypeUpdateRequest {
		t.Errorf("errorType = %q", errMsg.DataString("errorType"))
	}
	if code := errMsg.DataInt("errorCode", 0); code != 501 {
		t.Errorf("errorCode = %d, want 501", code)
	}
}

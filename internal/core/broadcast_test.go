package core

import (
	"testing"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func chatMessage(channelID, sender, deviceID, text string) *proto.Message {
	msg := proto.New(channelID, sender, deviceID, "", "")
	msg.Text = text
	msg.SetDataType(proto.DataTypeOpenText)
	return msg
}

func TestBroadcastSanitizesUntrustedRecipients(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	_, assistConn := kit.join(t, testAssistantID, "brain", "team", RoleAssistant)

	msg := chatMessage("team", "alice", "phone", "hello")
	msg.AddData("credentials", map[string]any{"pwd": "secret"})
	msg.AddData("parameters", map[string]any{"lang": "en"})
	kit.broadcaster.Broadcast(msg)

	got := aliceConn.lastMessage(t)
	if _, ok := got.Data["credentials"]; ok {
		t.Error("credentials leaked to regular user")
	}
	if _, ok := got.Data["parameters"]; ok {
		t.Error("parameters leaked to regular user")
	}

	trusted := assistConn.lastMessage(t)
	if _, ok := trusted.Data["credentials"]; !ok {
		t.Error("credentials stripped for assistant recipient")
	}
}

func TestBroadcastSuppressesCommandEcho(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	_, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)
	_, assistConn := kit.join(t, testAssistantID, "brain", "team", RoleAssistant)

	kit.broadcaster.Broadcast(chatMessage("team", "alice", "phone", "saythis I am a robot"))

	if n := bobConn.sentCount(); n != 0 {
		t.Errorf("command echo reached regular user, got %d frames", n)
	}
	if n := assistConn.sentCount(); n != 1 {
		t.Errorf("assistant should still receive the command, got %d frames", n)
	}
}

func TestOpenChannelReachesActiveMembersOnly(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	kit.makeChannel(t, "lobby", testServerID, true)
	_, aliceConn := kit.join(t, "alice", "phone", "lobby", RoleUser)
	bob, bobConn := kit.join(t, "bob", "laptop", "lobby", RoleUser)
	bob.SetActiveChannel("somewhere-else")

	kit.broadcaster.Broadcast(chatMessage("lobby", "alice", "phone", "hi all"))

	if n := aliceConn.sentCount(); n != 1 {
		t.Errorf("active member got %d frames, want 1", n)
	}
	if n := bobConn.sentCount(); n != 0 {
		t.Errorf("member active elsewhere got %d frames, want 0", n)
	}
}

func TestPrivateChannelNarrowsToSenderDeviceAndAssistant(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{PrivateChannelAssistantOnly: true})
	kit.makeChannel(t, "alice", "alice", false)
	_, phoneConn := kit.join(t, "alice", "phone", "alice", RoleUser)
	_, deskConn := kit.join(t, "alice", "desk", "alice", RoleUser)
	_, assistConn := kit.join(t, testAssistantID, "brain", "alice", RoleAssistant)

	kit.broadcaster.Broadcast(chatMessage("alice", "alice", "phone", "remind me later"))

	if n := phoneConn.sentCount(); n != 1 {
		t.Errorf("sending device got %d frames, want 1", n)
	}
	if n := assistConn.sentCount(); n != 1 {
		t.Errorf("assistant got %d frames, want 1", n)
	}
	if n := deskConn.sentCount(); n != 0 {
		t.Errorf("other device of same user got %d frames, want 0", n)
	}
}

func TestGroupChannelPartition(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	ch := kit.makeChannel(t, "team", "alice", false)
	_, aliceConn := kit.join(t, "alice", "phone", "team", RoleUser)
	bob, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)
	bob.SetActiveChannel("lobby")
	if !ch.AddMember("carol", ch.Key()) {
		t.Fatal("failed to register offline member")
	}

	kit.broadcaster.Broadcast(chatMessage("team", "alice", "phone", "standup in 5"))

	// active member gets the message itself
	if got := aliceConn.lastMessage(t); got.Text != "standup in 5" {
		t.Errorf("active member got text %q", got.Text)
	}

	// online-elsewhere member only gets a nudge to check the channel
	nudge := bobConn.lastMessage(t)
	if nudge.DataString("updateData") != "missedChannelMessage" {
		t.Errorf("expected missedChannelMessage nudge, got data %v", nudge.Data)
	}

	// the message lands in channel history, the offline member is flagged
	if n := kit.history.Size("team"); n != 1 {
		t.Errorf("history size = %d, want 1", n)
	}
	missed := kit.history.Missed("carol")
	if len(missed) != 1 || missed[0] != "team" {
		t.Errorf("missed channels for offline member = %v, want [team]", missed)
	}
	if missed := kit.history.Missed("bob"); len(missed) != 0 {
		t.Errorf("online member flagged as missing: %v", missed)
	}
}

func TestGroupChannelConvertsAssistAnswerForHistory(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	ch := kit.makeChannel(t, "team", "alice", false)
	kit.join(t, "alice", "phone", "team", RoleUser)
	if !ch.AddMember("carol", ch.Key()) {
		t.Fatal("failed to register offline member")
	}

	msg := proto.New("team", testAssistantID, "brain", "", "")
	msg.SetDataType(proto.DataTypeAssistAnswer)
	msg.AddData("assistAnswer", map[string]any{
		"answer":       "<speak>It is noon.</speak>",
		"answer_clean": "It is noon.",
		"hasCard":      true,
		"cardInfo":     map[string]any{"type": "clock"},
	})
	kit.broadcaster.Broadcast(msg)

	stored := kit.history.Messages("team", 0)
	if len(stored) != 1 {
		t.Fatalf("history contains %d messages, want 1", len(stored))
	}
	if stored[0].Text != "It is noon." {
		t.Errorf("stored text = %q, want clean answer", stored[0].Text)
	}
	if stored[0].DataType() != proto.DataTypeOpenText {
		t.Errorf("stored dataType = %q, want openText", stored[0].DataType())
	}
	if missed := kit.history.Missed("carol"); len(missed) != 1 {
		t.Errorf("offline member not flagged: %v", missed)
	}
}

func TestBroadcastReceiverFilterDistinguishesDevices(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{DistinguishDeviceIDs: true})
	_, phoneConn := kit.join(t, "alice", "phone", "", RoleUser)
	_, deskConn := kit.join(t, "alice", "desk", "", RoleUser)

	msg := proto.New("", "bob", "laptop", "alice", "phone")
	msg.Text = "direct"
	msg.SetDataType(proto.DataTypeOpenText)
	kit.broadcaster.Broadcast(msg)

	if n := phoneConn.sentCount(); n != 1 {
		t.Errorf("target device got %d frames, want 1", n)
	}
	if n := deskConn.sentCount(); n != 0 {
		t.Errorf("other device got %d frames, want 0", n)
	}
}

func TestBroadcastToServerIsDeadEnd(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	p, conn := kit.join(t, "alice", "phone", "", RoleUser)

	msg := proto.New("", "alice", "phone", testServerID, "")
	msg.Text = "hello server"
	kit.broadcaster.BroadcastTo(msg, []*Participant{p})

	if n := conn.sentCount(); n != 0 {
		t.Errorf("server-addressed message echoed back, got %d frames", n)
	}
}

func TestBroadcastToConnSanitizesUnauthenticated(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	conn := newFakeConn("stranger")

	msg := kit.broadcaster.StatusMessage("", "", "please log in", proto.DataTypeAuthenticate, false)
	msg.AddData("credentials", map[string]any{"pwd": "oops"})
	kit.broadcaster.BroadcastToConn(msg, conn)

	got := conn.lastMessage(t)
	if _, ok := got.Data["credentials"]; ok {
		t.Error("credentials leaked to unauthenticated connection")
	}
	if got.DataType() != proto.DataTypeAuthenticate {
		t.Errorf("dataType = %q, want authenticate", got.DataType())
	}
}

func TestPreBroadcastDeactivatesConflictingSessions(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	phone, _ := kit.join(t, "alice", "phone", "team", RoleUser)
	desk, deskConn := kit.join(t, "alice", "desk", "team", RoleUser)

	kit.broadcaster.PreBroadcast(phone, false, false, false)

	if !phone.Active() {
		t.Error("current session lost its active flag")
	}
	if desk.Active() {
		t.Error("conflicting session still active")
	}
	notice := deskConn.lastMessage(t)
	if notice.DataType() != proto.DataTypeByebye {
		t.Errorf("deactivation notice dataType = %q, want byebye", notice.DataType())
	}
	if notice.TextType != string(proto.TextTypeStatus) {
		t.Errorf("deactivation notice textType = %q, want status", notice.TextType)
	}
}

func TestPreBroadcastKeepsDistinctDevicesActive(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{DistinguishDeviceIDs: true})
	kit.makeChannel(t, "team", "alice", false)
	phone, _ := kit.join(t, "alice", "phone", "team", RoleUser)
	desk, deskConn := kit.join(t, "alice", "desk", "team", RoleUser)

	kit.broadcaster.PreBroadcast(phone, false, false, false)

	if !desk.Active() {
		t.Error("session on a different device was deactivated")
	}
	if n := deskConn.sentCount(); n != 0 {
		t.Errorf("different device got %d notices, want 0", n)
	}
}

func TestBroadcastPrunesClosedConnections(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})
	kit.makeChannel(t, "team", "alice", false)
	kit.join(t, "alice", "phone", "team", RoleUser)
	_, bobConn := kit.join(t, "bob", "laptop", "team", RoleUser)
	bobConn.Close("gone")

	kit.broadcaster.Broadcast(chatMessage("team", "alice", "phone", "anyone here?"))

	if got := kit.conns.ListByUserID("bob"); len(got) != 0 {
		t.Errorf("closed connection still registered: %d sessions", len(got))
	}
}

func TestOpenTextFromAssistAnswerWithoutAnswerPayload(t *testing.T) {
	msg := proto.New("team", testAssistantID, "brain", "", "")
	msg.SetDataType(proto.DataTypeAssistAnswer)
	if got := OpenTextFromAssistAnswer(msg); got != nil {
		t.Errorf("conversion without assistAnswer payload = %v, want nil", got)
	}
}

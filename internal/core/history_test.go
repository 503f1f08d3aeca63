package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func historyMessage(channelID, text string, at int64) *proto.Message {
	msg := proto.New(channelID, "alice", "phone", "", "")
	msg.Text = text
	msg.TimeUNIX = at
	msg.SetDataType(proto.DataTypeOpenText)
	return msg
}

func TestHistoryBoundedQueue(t *testing.T) {
	kit := newTestKit(t, 3, BroadcastPolicy{})

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		kit.history.Append("team", historyMessage("team", fmt.Sprintf("msg-%d", i), base+int64(i)))
	}

	if n := kit.history.Size("team"); n != 3 {
		t.Fatalf("cache size = %d, want 3", n)
	}
	msgs := kit.history.Messages("team", 0)
	if msgs[0].Text != "msg-2" || msgs[len(msgs)-1].Text != "msg-4" {
		t.Errorf("cache kept %q..%q, want msg-2..msg-4", msgs[0].Text, msgs[len(msgs)-1].Text)
	}
}

func TestHistorySanitizesStoredMessages(t *testing.T) {
	kit := newTestKit(t, 5, BroadcastPolicy{})

	msg := historyMessage("team", "hello", time.Now().UnixMilli())
	msg.AddData("credentials", map[string]any{"pwd": "secret"})
	kit.history.Append("team", msg)

	stored := kit.history.Messages("team", 0)
	if _, ok := stored[0].Data["credentials"]; ok {
		t.Error("credentials survived into history")
	}
}

func TestHistoryTimestampFilter(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})

	base := time.Now().UnixMilli()
	kit.history.Append("team", historyMessage("team", "old", base))
	kit.history.Append("team", historyMessage("team", "new", base+1000))

	recent := kit.history.Messages("team", base+500)
	if len(recent) != 1 || recent[0].Text != "new" {
		t.Errorf("filtered history = %d messages, want only the new one", len(recent))
	}
}

func TestHistoryDisabled(t *testing.T) {
	kit := newTestKit(t, 0, BroadcastPolicy{})
	kit.history.Append("team", historyMessage("team", "hello", time.Now().UnixMilli()))
	if n := kit.history.Size("team"); n != 0 {
		t.Errorf("disabled history cached %d messages", n)
	}
}

func TestHistoryRehydratesFromStore(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})

	base := time.Now().UnixMilli()
	kit.history.Append("team", historyMessage("team", "persisted", base))
	// background persistence must land before the fresh engine loads
	waitFor(t, func() bool {
		msgs, err := kit.store.GetAllOfChannel(context.Background(), "team", 0)
		return err == nil && len(msgs) == 1
	})

	logger := kit.channels.log
	fresh := NewHistory(10, time.Minute, kit.store, kit.tasks, logger)
	msgs := fresh.Messages("team", 0)
	if len(msgs) != 1 || msgs[0].Text != "persisted" {
		t.Fatalf("rehydrated %d messages, want the persisted one", len(msgs))
	}
}

func TestHistoryMissedLifecycle(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})

	kit.history.AddMissed("carol", "team")
	kit.history.AddMissed("carol", "lobby")

	missed := kit.history.Missed("carol")
	if len(missed) != 2 {
		t.Fatalf("missed set size = %d, want 2", len(missed))
	}

	kit.history.AcknowledgeMissed("carol", "team")
	missed = kit.history.Missed("carol")
	if len(missed) != 1 || missed[0] != "lobby" {
		t.Errorf("after acknowledge, missed = %v, want [lobby]", missed)
	}

	kit.history.ClearMissed("carol")
	// the cleared set is mirrored to the store in the background
	waitFor(t, func() bool {
		stored, err := kit.store.GetMissedChannelsForUser(context.Background(), "carol")
		return err == nil && len(stored) == 0
	})
	if missed := kit.history.Missed("carol"); len(missed) != 0 {
		t.Errorf("after clear, missed = %v, want empty", missed)
	}
}

func TestHistoryMissedLoadsPersistedSet(t *testing.T) {
	kit := newTestKit(t, 10, BroadcastPolicy{})

	kit.history.AddMissed("carol", "team")
	waitFor(t, func() bool {
		stored, err := kit.store.GetMissedChannelsForUser(context.Background(), "carol")
		return err == nil && len(stored) == 1
	})

	logger := kit.channels.log
	fresh := NewHistory(10, time.Minute, kit.store, kit.tasks, logger)
	missed := fresh.Missed("carol")
	if len(missed) != 1 || missed[0] != "team" {
		t.Errorf("persisted missed set = %v, want [team]", missed)
	}
}

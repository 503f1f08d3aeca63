package core

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/proto"
	"github.com/chanrelay/chanrelay-server/internal/store/memory"
)

// fakeConn records everything sent over it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	open   bool
	sent   [][]byte
	reason string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return net.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.reason = reason
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) messages(t *testing.T) []*proto.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*proto.Message, 0, len(c.sent))
	for _, raw := range c.sent {
		var m proto.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal sent frame: %v", err)
		}
		out = append(out, &m)
	}
	return out
}

func (c *fakeConn) lastMessage(t *testing.T) *proto.Message {
	t.Helper()
	msgs := c.messages(t)
	if len(msgs) == 0 {
		t.Fatal("no frames sent")
	}
	return msgs[len(msgs)-1]
}

// testKit bundles the registries a core test needs.
type testKit struct {
	conns       *Connections
	channels    *Channels
	history     *History
	broadcaster *Broadcaster
	tasks       *TaskPool
	store       *memory.Store
	cancel      context.CancelFunc
}

const (
	testServerID    = "relay-test"
	testAssistantID = "assistant"
)

func newTestKit(t *testing.T, historyMax int, policy BroadcastPolicy) *testKit {
	t.Helper()
	logger := zerolog.Nop()
	st := memory.New()

	ctx, cancel := context.WithCancel(context.Background())
	tasks := NewTaskPool(64, &logger)
	go tasks.Run(ctx, 2)

	conns := NewConnections(policy.DistinguishDeviceIDs)
	channels := NewChannels(testServerID, testAssistantID, 10, 100, st, tasks, &logger)
	history := NewHistory(historyMax, time.Minute, st, tasks, &logger)
	broadcaster := NewBroadcaster(testServerID, testAssistantID, policy, conns, channels, history, &logger)

	kit := &testKit{
		conns:       conns,
		channels:    channels,
		history:     history,
		broadcaster: broadcaster,
		tasks:       tasks,
		store:       st,
		cancel:      cancel,
	}
	t.Cleanup(cancel)
	return kit
}

// join creates a participant, registers it and makes it active in the
// given channel.
func (k *testKit) join(t *testing.T, userID, deviceID, channelID string, role Role) (*Participant, *fakeConn) {
	t.Helper()
	conn := newFakeConn(userID + "-" + deviceID)
	p := NewParticipant(conn, userID, userID, role, deviceID, 1)
	p.SetAuthenticated()
	p.SetActive()
	p.SetActiveChannel(channelID)
	if role == RoleAssistant {
		p.SetOmnipresent()
	}
	k.conns.Put(p)
	if ch := k.channels.Get(channelID); ch != nil && !ch.IsMember(userID) {
		if !ch.AddMember(userID, ch.Key()) {
			t.Fatalf("failed to add %s to channel %s", userID, channelID)
		}
	}
	return p, conn
}

func (k *testKit) makeChannel(t *testing.T, channelID, owner string, isOpen bool) *Channel {
	t.Helper()
	ch, err := k.channels.Create(channelID, owner, isOpen, channelID, nil, false)
	if err != nil {
		t.Fatalf("create channel %s: %v", channelID, err)
	}
	return ch
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

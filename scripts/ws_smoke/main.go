package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:20723/messages", "WebSocket address")
	user := flag.String("user", "uid1001", "user id to authenticate with")
	pwd := flag.String("pwd", "", "password")
	device := flag.String("device", "smoke", "device id")
	channel := flag.String("channel", proto.ChannelAuto, "channel to send into")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	msgID := 0
	nextID := func() string {
		msgID++
		return strconv.Itoa(msgID)
	}

	login := proto.New("", *user, *device, "", "")
	login.MsgID = nextID()
	login.Data = map[string]any{
		"dataType":    string(proto.DataTypeAuthenticate),
		"credentials": map[string]any{"userId": *user, "pwd": *pwd},
		"parameters":  map[string]any{"client": "ws_smoke", "deviceId": *device},
	}
	if err := wsjson.Write(ctx, conn, login); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	sent := false
	for {
		var msg proto.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		dt := msg.DataType()
		fmt.Printf("received: dataType=%s channel=%s sender=%s\n", dt, msg.ChannelID, msg.Sender)

		switch dt {
		case proto.DataTypeError:
			return fmt.Errorf("server error: %s", msg.Text)
		case proto.DataTypeWelcome:
			if sent {
				continue
			}
			sent = true
			chat := proto.New(*channel, *user, *device, "", "")
			chat.MsgID = nextID()
			chat.Text = *text
			chat.TextType = string(proto.TextTypeChat)
			chat.SetDataType(proto.DataTypeOpenText)
			if err := wsjson.Write(ctx, conn, chat); err != nil {
				return fmt.Errorf("send chat: %w", err)
			}
		case proto.DataTypeOpenText:
			if msg.Text == *text {
				fmt.Printf("echo ok: channel=%s sender=%s text=%q\n", msg.ChannelID, msg.Sender, msg.Text)
				return nil
			}
		}
	}
}

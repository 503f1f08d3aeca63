package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/chanrelay/chanrelay-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

var msgID atomic.Int64

func nextID() string {
	return strconv.FormatInt(msgID.Add(1), 10)
}

func run() error {
	addr := flag.String("addr", "ws://localhost:20723/messages", "WebSocket address")
	user := flag.String("user", "uid1001", "user id")
	pwd := flag.String("pwd", "", "password")
	device := flag.String("device", "cli", "device id")
	channel := flag.String("channel", proto.ChannelAuto, "channel to chat in")
	key := flag.String("key", "", "channel access key")
	flag.Parse()

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	login := proto.New("", *user, *device, "", "")
	login.MsgID = nextID()
	login.Data = map[string]any{
		"dataType":    string(proto.DataTypeAuthenticate),
		"credentials": map[string]any{"userId": *user, "pwd": *pwd},
		"parameters":  map[string]any{"client": "ws_chat", "deviceId": *device},
	}
	if err := wsjson.Write(ctx, conn, login); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	if *channel != proto.ChannelAuto {
		join := proto.New("", *user, *device, "", "")
		join.MsgID = nextID()
		join.Data = map[string]any{
			"dataType":    string(proto.DataTypeJoinChannel),
			"credentials": map[string]any{"channelId": *channel, "channelKey": *key},
		}
		if err := wsjson.Write(ctx, conn, join); err != nil {
			return fmt.Errorf("send join: %w", err)
		}
	}

	fmt.Printf("Connected to %s as %s\n", *addr, *user)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn, *user, *device, *channel)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg proto.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		switch msg.DataType() {
		case proto.DataTypeOpenText, proto.DataTypeAssistAnswer:
			fmt.Printf("[%s] %s: %s\n", msg.ChannelID, msg.Sender, msg.Text)
		case proto.DataTypeWelcome:
			fmt.Printf("[%s] welcome, %d members online\n", msg.ChannelID, len(msg.UserList))
		case proto.DataTypeByebye:
			fmt.Printf("[%s] %s\n", msg.ChannelID, msg.Text)
		case proto.DataTypeJoinChannel:
			fmt.Printf("[%s] joined\n", msg.ChannelID)
		case proto.DataTypeError:
			fmt.Printf("server error: %s\n", msg.Text)
		case proto.DataTypePing:
			reply := proto.New("", "", "", "", "")
			reply.MsgID = nextID()
			reply.SetDataType(proto.DataTypePing)
			reply.AddData("replyId", msg.MsgID)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				log.Printf("ping reply: %v", err)
				return
			}
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, user, device, channel string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			msg := proto.New(channel, user, device, "", "")
			msg.MsgID = nextID()
			msg.Text = text
			msg.TextType = string(proto.TextTypeChat)
			msg.SetDataType(proto.DataTypeOpenText)
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}

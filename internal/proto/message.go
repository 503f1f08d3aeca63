package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DataType selects the handler for an inbound message and tags outbound ones.
type DataType string

const (
	DataTypeOpenText     DataType = "openText"
	DataTypeAuthenticate DataType = "authenticate"
	DataTypeJoinChannel  DataType = "joinChannel"
	DataTypeWelcome      DataType = "welcome"
	DataTypeByebye       DataType = "byebye"
	DataTypeUpgrade      DataType = "upgradeClient"
	DataTypeAssistAnswer DataType = "assistAnswer"
	DataTypeFollowUp     DataType = "assistFollowUp"
	DataTypeDirectCmd    DataType = "directCmd"
	DataTypeUpdateData   DataType = "updateData"
	DataTypeRemoteAction DataType = "remoteAction"
	DataTypeError        DataType = "errorMessage"
	DataTypePing         DataType = "ping"
)

// TextType distinguishes regular chat lines from status lines.
type TextType string

const (
	TextTypeChat   TextType = "chat"
	TextTypeStatus TextType = "status"
)

// SenderType values. "server" is reserved and stripped from client input.
const (
	SenderTypeUser      = "user"
	SenderTypeServer    = "server"
	SenderTypeAssistant = "assistant"
	SenderTypeClient    = "client"
)

// ErrorType values carried in data.errorType of errorMessage payloads.
const (
	ErrorTypeAuthentication = "authentication"
	ErrorTypeChannel        = "channel"
	ErrorTypeUpdateRequest  = "updateRequest"
	ErrorTypeUnknown        = "unknown"
)

// ChannelAuto is the sentinel clients use when the server should resolve
// the target channel from the sender's presence.
const ChannelAuto = "<auto>"

// Device targeting sentinels for remote actions.
const (
	DeviceAuto = "<auto>"
	DeviceAll  = "<all>"
)

// UserEntry is one row of a channel member snapshot.
type UserEntry struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	IsActive  bool   `json:"isActive"`
	DeviceID  string `json:"deviceId"`
	SessionID int64  `json:"sessionId"`
	Role      string `json:"role"`
}

// Message is the JSON envelope exchanged over the socket connection.
// Sender identity fields are rewritten by the router before dispatch;
// client-supplied values are never trusted.
type Message struct {
	MsgID     string `json:"msgId"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`

	Sender         string `json:"sender"`
	SenderDeviceID string `json:"senderDeviceId,omitempty"`
	SenderType     string `json:"senderType,omitempty"`

	TimeUNIX int64  `json:"timeUNIX"`
	Time     string `json:"time"`

	Receiver         string `json:"receiver,omitempty"`
	ReceiverDeviceID string `json:"receiverDeviceId,omitempty"`

	Text     string         `json:"text,omitempty"`
	TextType string         `json:"textType,omitempty"`
	HTML     string         `json:"html,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	ClientType string      `json:"clientType,omitempty"`
	UserList   []UserEntry `json:"userList,omitempty"`
}

// New creates a message with the current timestamp.
func New(channelID, sender, senderDeviceID, receiver, receiverDeviceID string) *Message {
	now := time.Now()
	return &Message{
		ChannelID:        channelID,
		Sender:           sender,
		SenderDeviceID:   senderDeviceID,
		Receiver:         receiver,
		ReceiverDeviceID: receiverDeviceID,
		TimeUNIX:         now.UnixMilli(),
		Time:             now.Format("15:04:05"),
	}
}

// Import parses a raw inbound frame. Text is trimmed on import.
func Import(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.TimeUNIX == 0 {
		msg.TimeUNIX = time.Now().UnixMilli()
	}
	if msg.Time == "" {
		msg.Time = time.UnixMilli(msg.TimeUNIX).Format("15:04:05")
	}
	return &msg, nil
}

// Export renders the message for the wire.
func (m *Message) Export() ([]byte, error) {
	return json.Marshal(m)
}

// DataType returns the data.dataType value or "".
func (m *Message) DataType() DataType {
	return DataType(m.DataString("dataType"))
}

// SetDataType tags the message payload, creating the data map if needed.
func (m *Message) SetDataType(dt DataType) {
	m.AddData("dataType", string(dt))
}

// HasData reports whether the message carries a non-empty data payload.
func (m *Message) HasData() bool {
	return len(m.Data) > 0
}

// AddData sets a field in the data payload, creating the map if needed.
func (m *Message) AddData(key string, value any) {
	if m.Data == nil {
		m.Data = make(map[string]any)
	}
	m.Data[key] = value
}

// DataString returns data[key] as string or "".
func (m *Message) DataString(key string) string {
	if m.Data == nil {
		return ""
	}
	s, _ := m.Data[key].(string)
	return s
}

// DataObject returns data[key] as an object or nil.
func (m *Message) DataObject(key string) map[string]any {
	if m.Data == nil {
		return nil
	}
	o, _ := m.Data[key].(map[string]any)
	return o
}

// DataInt returns data[key] as int64, accepting the float64 the JSON
// decoder produces for numbers, or def when absent.
func (m *Message) DataInt(key string, def int64) int64 {
	if m.Data == nil {
		return def
	}
	switch v := m.Data[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return def
}

// Clone returns a copy with a shallow-copied data map, safe to mutate
// independently of the original's payload keys.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Data != nil {
		cp.Data = make(map[string]any, len(m.Data))
		for k, v := range m.Data {
			cp.Data[k] = v
		}
	}
	if m.UserList != nil {
		cp.UserList = append([]UserEntry(nil), m.UserList...)
	}
	return &cp
}

// Sanitize returns a copy of the message with untrusted payload fields
// removed. Sent to every recipient that is not an assistant.
func (m *Message) Sanitize() *Message {
	safe := m.Clone()
	if safe.Data != nil {
		delete(safe.Data, "credentials")
		delete(safe.Data, "parameters")
	}
	return safe
}

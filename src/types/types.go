package types

import (
	"encoding/json"
	"time"
)

// Command names a frame type.
type Command string

// Client commands.
const (
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	CommandSend        Command = "SEND"
	CommandDisconnect  Command = "DISCONNECT"
	CommandHeartbeat   Command = "HEARTBEAT"
)

// Server commands. HEARTBEAT is shared by both directions.
const (
	CommandConnected Command = "CONNECTED"
	CommandMessage   Command = "MESSAGE"
	CommandError     Command = "ERROR"
	CommandReceipt   Command = "RECEIPT"
)

// Frame is a single protocol frame exchanged with a client.
type Frame struct {
	Command      Command         `json:"command"`
	Destination  string          `json:"destination,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Receipt      string          `json:"receipt,omitempty"`
	ReceiptID    string          `json:"receipt_id,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	Session      string          `json:"session,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Message is what an application handler receives for a SEND to an /app destination.
type Message struct {
	ClientID    string          `json:"client_id"`
	Principal   string          `json:"principal,omitempty"`
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// MessageHandler handles a client message sent to an application destination.
type MessageHandler func(clientID string, msg Message) error

// ClientInfo holds metadata about a connected client.
type ClientInfo struct {
	ID            string            `json:"id"`
	Principal     string            `json:"principal,omitempty"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastSeen      time.Time         `json:"last_seen"`
	Subscriptions map[string]string `json:"subscriptions"`
}

// Conn abstracts a client connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

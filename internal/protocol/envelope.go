// Package protocol defines the JSON frames exchanged between the relay and
// realtime clients over a websocket.
package protocol

import "encoding/json"

// MessageType represents the type of a relay frame.
type MessageType string

const (
	// Relay -> client
	MessageTypeConnected MessageType = "connected"
	MessageTypeEvent     MessageType = "event"
	MessageTypeError     MessageType = "error"
	MessageTypePong      MessageType = "pong"

	// Client -> relay
	MessageTypePing MessageType = "ping"
)

// Close codes sent by the relay.
const (
	CloseTokenExpired = 4001
	CloseTokenRevoked = 4003
)

// Envelope is one relay frame.
type Envelope struct {
	Type         MessageType     `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	Name         string          `json:"name,omitempty"`
	ID           string          `json:"id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// PublishRequest is the body of a publish call.
type PublishRequest struct {
	Channel string          `json:"channel" binding:"required"`
	Name    string          `json:"name" binding:"required"`
	Data    json.RawMessage `json:"data"`
}

package audiohook

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version tag carried by every server message.
const Version = "2"

// MessageType defines the type of an AudioHook control message
type MessageType string

// Supported message types
const (
	MessageTypeOpen              MessageType = "open"
	MessageTypeOpened            MessageType = "opened"
	MessageTypePing              MessageType = "ping"
	MessageTypePong              MessageType = "pong"
	MessageTypeClose             MessageType = "close"
	MessageTypeClosed            MessageType = "closed"
	MessageTypePlaybackStarted   MessageType = "playback_started"
	MessageTypePlaybackCompleted MessageType = "playback_completed"
	MessageTypeUpdate            MessageType = "update"
	MessageTypeClear             MessageType = "clear"
	MessageTypeDisconnect        MessageType = "disconnect"
)

// Media descriptor negotiated on open: single external channel of
// 8kHz PCMU, matching what the telephony platform streams.
const (
	MediaTypeAudio  = "audio"
	MediaFormatPCMU = "PCMU"
	MediaChannel    = "external"
	MediaRate       = 8000
)

// ClientMessage is a control message received from the platform.
type ClientMessage struct {
	Version    string          `json:"version"`
	Type       MessageType     `json:"type"`
	Seq        uint64          `json:"seq"`
	ServerSeq  uint64          `json:"serverseq"`
	ID         string          `json:"id"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ServerMessage is a control message sent to the platform. Parameters is
// one of the typed parameter structs below, or EmptyParameters.
type ServerMessage struct {
	Version    string      `json:"version"`
	Type       MessageType `json:"type"`
	Seq        uint64      `json:"seq"`
	ClientSeq  uint64      `json:"clientseq"`
	ID         string      `json:"id"`
	Parameters interface{} `json:"parameters"`
}

// EmptyParameters marshals to the empty object required when a message
// type defines no parameters.
type EmptyParameters struct{}

// MediaDescriptor describes one negotiated media stream.
type MediaDescriptor struct {
	Type     string   `json:"type"`
	Format   string   `json:"format"`
	Channels []string `json:"channels"`
	Rate     int      `json:"rate"`
}

// OpenedParameters carries the negotiated media for an opened reply.
type OpenedParameters struct {
	Media []MediaDescriptor `json:"media"`
}

// DisconnectParameters carries the reason for a server-initiated disconnect.
type DisconnectParameters struct {
	Reason          string            `json:"reason"`
	OutputVariables map[string]string `json:"outputVariables"`
}

// DefaultMedia returns the fixed media descriptor offered to the platform.
func DefaultMedia() []MediaDescriptor {
	return []MediaDescriptor{
		{
			Type:     MediaTypeAudio,
			Format:   MediaFormatPCMU,
			Channels: []string{MediaChannel},
			Rate:     MediaRate,
		},
	}
}

// DecodeClientMessage parses an inbound text frame into a control message.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid control message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("control message missing type field")
	}
	return &msg, nil
}

// Encode serializes a server message for the wire.
func (m ServerMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

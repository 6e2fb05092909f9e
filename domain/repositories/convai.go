package repositories

// DisconnectReasonCompleted is the disconnect reason reported to the
// platform when a conversation finishes normally.
const DisconnectReasonCompleted = "completed"

// ConversationRelay abstracts one live upstream conversation with the AI
// service. Each accepted platform connection owns exactly one relay.
type ConversationRelay interface {
	// SendAudio forwards one chunk of raw caller audio to the AI service.
	SendAudio(audio []byte) error
	// Close tears down the upstream connection. Safe to call more than once.
	Close() error
}

// AudioSink is the downstream half of a bridge as seen from the upstream
// side: the platform session that AI audio and control signals are relayed
// back into.
type AudioSink interface {
	// ID returns the connection identity assigned at accept time.
	ID() string
	// IsOpen reports whether the session completed the open handshake.
	IsOpen() bool
	// RelayAudio writes raw AI audio to the platform as binary frames,
	// chunked to the transport frame limit.
	RelayAudio(audio []byte)
	// Clear tells the platform to drop any buffered playback.
	Clear()
	// Disconnect notifies the platform that the conversation ended.
	Disconnect(reason string)
	// Shutdown closes the platform socket.
	Shutdown()
}

// SinkRegistry looks up live downstream sessions by connection identity.
// Relays hold an identity, never a session reference.
type SinkRegistry interface {
	Lookup(id string) (AudioSink, bool)
}

// RelayFactory dials one upstream conversation per accepted downstream
// connection.
type RelayFactory interface {
	Dial(downstreamID string, sinks SinkRegistry) (ConversationRelay, error)
}

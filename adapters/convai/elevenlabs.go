package convai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicegw/audiohook-bridge/domain/repositories"
)

const (
	defaultAPIBaseURL = "https://api.elevenlabs.io" // REST endpoint for the signed-URL exchange
	defaultWSBaseURL  = "wss://api.elevenlabs.io"   // WebSocket endpoint for conversations

	conversationPath = "/v1/convai/conversation"
	signedURLPath    = "/v1/convai/conversation/get_signed_url"

	// Upper bound on one queued outbound message plus socket write.
	sendWait = 10 * time.Second
)

// AccessMode selects how a conversation socket is established.
type AccessMode string

// Access modes. Public agents connect directly with the agent identifier in
// the URL; private agents first exchange the API key for a signed URL.
const (
	AccessModePublic  AccessMode = "public"
	AccessModePrivate AccessMode = "private"
)

// Config holds configuration for the ElevenLabs Conversational AI dialer.
// Required fields:
// - AgentID: the conversational agent to talk to
// Required for private access mode:
// - APIKey: the ElevenLabs API key used for the signed-URL exchange
// Optional fields with defaults:
// - AccessMode: "public" or "private" (default: "public")
// - APIBaseURL: REST base URL (default: "https://api.elevenlabs.io")
// - WSBaseURL: WebSocket base URL (default: "wss://api.elevenlabs.io")
type Config struct {
	AgentID    string
	APIKey     string
	AccessMode AccessMode
	APIBaseURL string
	WSBaseURL  string
}

// ValidateConfig validates the dialer configuration.
func ValidateConfig(config Config) error {
	if config.AgentID == "" {
		return fmt.Errorf("conversational AI agent ID is required")
	}

	switch config.AccessMode {
	case AccessModePublic, AccessModePrivate, "":
	default:
		return fmt.Errorf("access mode must be %q or %q, got %q", AccessModePublic, AccessModePrivate, config.AccessMode)
	}

	if config.AccessMode == AccessModePrivate && config.APIKey == "" {
		return fmt.Errorf("API key is required for private access mode")
	}

	return nil
}

// NewConfigFromEnv creates a Config from environment variables.
func NewConfigFromEnv() Config {
	config := Config{
		AgentID:    os.Getenv("AGENT_ID"),
		APIKey:     os.Getenv("API_KEY"),
		AccessMode: AccessMode(os.Getenv("AGENT_ACCESS_MODE")),
		APIBaseURL: os.Getenv("ELEVENLABS_API_BASE_URL"),
		WSBaseURL:  os.Getenv("ELEVENLABS_WS_BASE_URL"),
	}
	return config
}

// Dialer establishes one ElevenLabs conversation per accepted platform
// session.
type Dialer struct {
	config     Config
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	logger     *zap.Logger
}

// Ensure Dialer implements the RelayFactory interface
var _ repositories.RelayFactory = (*Dialer)(nil)

// NewDialer creates a new conversation dialer.
func NewDialer(config Config, logger *zap.Logger) (*Dialer, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	if config.AccessMode == "" {
		config.AccessMode = AccessModePublic
		logger.Info("Using default access mode", zap.String("accessMode", string(config.AccessMode)))
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}

	if config.WSBaseURL == "" {
		config.WSBaseURL = defaultWSBaseURL
	}

	return &Dialer{
		config: config,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		wsDialer: websocket.DefaultDialer,
		logger:   logger,
	}, nil
}

// Dial connects to the conversation endpoint, sends the initiation message
// and starts the dispatch loop. The returned relay answers AI events back
// into the downstream session found through sinks.
func (d *Dialer) Dial(downstreamID string, sinks repositories.SinkRegistry) (repositories.ConversationRelay, error) {
	wsURL, err := d.conversationURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := d.wsDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to conversation endpoint: %w", err)
	}

	session := &Session{
		conn:         conn,
		downstreamID: downstreamID,
		sinks:        sinks,
		send:         make(chan []byte, 256),
		done:         make(chan struct{}),
		logger:       d.logger,
	}

	if err := session.sendInitiation(); err != nil {
		conn.Close()
		return nil, err
	}

	d.logger.Info("Connected to Conversational AI",
		zap.String("connectionID", downstreamID),
		zap.String("accessMode", string(d.config.AccessMode)))

	go session.writeLoop()
	go session.readLoop()

	return session, nil
}

// conversationURL resolves the WebSocket URL for the configured access mode.
func (d *Dialer) conversationURL() (string, error) {
	if d.config.AccessMode == AccessModePrivate {
		return d.getSignedURL()
	}
	return fmt.Sprintf("%s%s?agent_id=%s", d.config.WSBaseURL, conversationPath, url.QueryEscape(d.config.AgentID)), nil
}

// getSignedURL exchanges the API key for a single-use conversation URL.
// Any failure here is fatal to the session; there is no retry.
func (d *Dialer) getSignedURL() (string, error) {
	endpoint := fmt.Sprintf("%s%s?agent_id=%s", d.config.APIBaseURL, signedURLPath, url.QueryEscape(d.config.AgentID))

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create signed URL request: %w", err)
	}
	req.Header.Set("xi-api-key", d.config.APIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get signed URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("signed URL endpoint returned %d: %s", resp.StatusCode, string(errorBody))
	}

	var payload struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode signed URL response: %w", err)
	}
	if payload.SignedURL == "" {
		return "", fmt.Errorf("signed URL response missing signed_url field")
	}

	return payload.SignedURL, nil
}

// Conversational AI event types.
const (
	eventTypeInitiationMetadata = "conversation_initiation_metadata"
	eventTypeAudio              = "audio"
	eventTypeInterruption       = "interruption"
	eventTypePing               = "ping"
	eventTypeAgentResponse      = "agent_response"
	eventTypeUserTranscript     = "user_transcript"
)

// event is the envelope of an inbound Conversational AI message. Only the
// payload matching Type is populated.
type event struct {
	Type                   string                 `json:"type"`
	Audio                  *audioPayload          `json:"audio,omitempty"`
	AudioEvent             *audioEventPayload     `json:"audio_event,omitempty"`
	PingEvent              *pingEventPayload      `json:"ping_event,omitempty"`
	AgentResponseEvent     *agentResponsePayload  `json:"agent_response_event,omitempty"`
	UserTranscriptionEvent *userTranscriptPayload `json:"user_transcription_event,omitempty"`
}

// Audio payloads arrive in one of two shapes depending on the service
// variant; both carry base64-encoded audio.
type audioPayload struct {
	Chunk string `json:"chunk"`
}

type audioEventPayload struct {
	AudioBase64 string `json:"audio_base_64"`
}

type pingEventPayload struct {
	EventID string `json:"event_id"`
}

type agentResponsePayload struct {
	AgentResponse string `json:"agent_response"`
}

type userTranscriptPayload struct {
	UserTranscript string `json:"user_transcript"`
}

type initiationMessage struct {
	Type                       string                 `json:"type"`
	DynamicVariables           map[string]interface{} `json:"dynamic_variables"`
	ConversationConfigOverride configOverride         `json:"conversation_config_override"`
}

type configOverride struct {
	Agent struct{} `json:"agent"`
	TTS   struct{} `json:"tts"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

type userAudioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// Session is one live conversation with the AI service. It holds the
// downstream identity only for registry lookups, never the session itself.
type Session struct {
	conn         *websocket.Conn
	downstreamID string
	sinks        repositories.SinkRegistry
	send         chan []byte
	done         chan struct{}
	logger       *zap.Logger
	closeOnce    sync.Once
}

// Ensure Session implements the ConversationRelay interface
var _ repositories.ConversationRelay = (*Session)(nil)

// sendInitiation sends the initiation message with deliberately empty
// dynamic variables and overrides; the agent configuration lives with the
// service.
func (s *Session) sendInitiation() error {
	msg := initiationMessage{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: map[string]interface{}{},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode initiation message: %w", err)
	}

	s.conn.SetWriteDeadline(time.Now().Add(sendWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send initiation message: %w", err)
	}
	return nil
}

// SendAudio forwards one chunk of raw caller audio to the AI service.
func (s *Session) SendAudio(audio []byte) error {
	data, err := json.Marshal(userAudioChunkMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		return fmt.Errorf("failed to encode audio chunk: %w", err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("conversation closed")
	case s.send <- data:
		return nil
	default:
		s.logger.Warn("Conversation send buffer full, dropping audio chunk",
			zap.String("connectionID", s.downstreamID))
		return nil
	}
}

// Close tears down the upstream connection. Safe to call more than once.
func (s *Session) Close() error {
	s.shutdown()
	s.conn.Close()
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writeLoop serializes all socket writes after initiation.
func (s *Session) writeLoop() {
	defer s.conn.Close()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(sendWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error("Failed to write conversation message",
					zap.String("connectionID", s.downstreamID),
					zap.Error(err))
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(sendWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readLoop dispatches inbound AI events until the socket closes.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}
		s.dispatch(data)
	}
}

// handleDisconnect tears down both sessions when the AI socket closes or
// errors. On a clean close the platform receives a disconnect notice first.
func (s *Session) handleDisconnect(err error) {
	select {
	case <-s.done:
		// Locally initiated teardown; the platform side drives the rest.
		return
	default:
	}

	failed := !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if failed {
		s.logger.Error("Conversation socket error",
			zap.String("connectionID", s.downstreamID),
			zap.Error(err))
	} else {
		s.logger.Info("Conversation ended by service",
			zap.String("connectionID", s.downstreamID))
	}

	s.shutdown()

	sink, ok := s.sinks.Lookup(s.downstreamID)
	if !ok {
		return
	}
	if !failed {
		sink.Disconnect(repositories.DisconnectReasonCompleted)
	}
	sink.Shutdown()
}

// dispatch handles one inbound AI event. A malformed or unhandled event is
// logged and never terminates the session.
func (s *Session) dispatch(data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Error("Malformed conversation message",
			zap.String("connectionID", s.downstreamID),
			zap.Error(err))
		return
	}

	switch ev.Type {
	case eventTypeInitiationMetadata:
		s.logger.Info("Received conversation initiation metadata",
			zap.String("connectionID", s.downstreamID))

	case eventTypeAudio:
		s.handleAudio(&ev)

	case eventTypePing:
		if ev.PingEvent != nil && ev.PingEvent.EventID != "" {
			s.sendPong(ev.PingEvent.EventID)
		}

	case eventTypeInterruption:
		if sink, ok := s.sinks.Lookup(s.downstreamID); ok {
			sink.Clear()
		}

	case eventTypeAgentResponse:
		if ev.AgentResponseEvent != nil {
			s.logger.Info("Agent response",
				zap.String("connectionID", s.downstreamID),
				zap.String("response", ev.AgentResponseEvent.AgentResponse))
		}

	case eventTypeUserTranscript:
		if ev.UserTranscriptionEvent != nil {
			s.logger.Info("User transcript",
				zap.String("connectionID", s.downstreamID),
				zap.String("transcript", ev.UserTranscriptionEvent.UserTranscript))
		}

	default:
		s.logger.Warn("Unhandled conversation message type",
			zap.String("connectionID", s.downstreamID),
			zap.String("type", ev.Type))
	}
}

// handleAudio extracts the audio payload from either supported shape and
// relays it to the platform session.
func (s *Session) handleAudio(ev *event) {
	var chunk string
	switch {
	case ev.Audio != nil && ev.Audio.Chunk != "":
		chunk = ev.Audio.Chunk
	case ev.AudioEvent != nil && ev.AudioEvent.AudioBase64 != "":
		chunk = ev.AudioEvent.AudioBase64
	default:
		s.logger.Warn("Audio message without payload",
			zap.String("connectionID", s.downstreamID))
		return
	}

	sink, ok := s.sinks.Lookup(s.downstreamID)
	if !ok || !sink.IsOpen() {
		s.logger.Warn("Dropping AI audio, platform session not open",
			zap.String("connectionID", s.downstreamID))
		return
	}

	raw, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		s.logger.Error("Failed to decode audio payload",
			zap.String("connectionID", s.downstreamID),
			zap.Error(err))
		return
	}

	sink.RelayAudio(raw)
}

func (s *Session) sendPong(eventID string) {
	data, err := json.Marshal(pongMessage{Type: "pong", EventID: eventID})
	if err != nil {
		s.logger.Error("Failed to encode pong message", zap.Error(err))
		return
	}

	select {
	case s.send <- data:
	case <-s.done:
	default:
		s.logger.Warn("Conversation send buffer full, dropping pong",
			zap.String("connectionID", s.downstreamID))
	}
}

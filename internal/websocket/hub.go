package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/voicegw/audiohook-bridge/domain/repositories"
	"github.com/voicegw/audiohook-bridge/internal/audiohook"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio frames
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The platform connects server-to-server without an Origin header.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionState tracks the control handshake of a platform session.
type SessionState int

// Session states. Errored is absorbing.
const (
	StateConnected SessionState = iota
	StateOpened
	StateClosed
	StateErrored
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Hub pairs each accepted platform session with its upstream conversation
// and resolves identity lookups between the two.
type Hub struct {
	// Registered sessions keyed by connection identity.
	clients map[string]*Client

	// Register requests from the sessions.
	register chan *Client

	// Unregister requests from sessions.
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	relays repositories.RelayFactory

	logger *zap.Logger
}

var _ repositories.SinkRegistry = (*Hub)(nil)

// NewHub creates a new session hub.
func NewHub(relays repositories.RelayFactory, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		relays:     relays,
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Session registered", zap.String("connectionID", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.id)
			h.mu.Unlock()
			h.logger.Info("Session unregistered", zap.String("connectionID", client.id))
		}
	}
}

// Lookup resolves a live session by its connection identity.
func (h *Hub) Lookup(id string) (repositories.AudioSink, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	if !ok {
		return nil, false
	}
	return client, true
}

// ActiveSessions returns the identities of all registered sessions.
func (h *Hub) ActiveSessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is one platform session: it runs the control-message state machine
// and forwards caller audio to its paired upstream conversation.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Closed when the session starts tearing down.
	done chan struct{}

	// Connection identity assigned at accept time.
	id string

	// Logger
	logger *zap.Logger

	// Outbound sequence counters, incremented once per sent message.
	serverSeq audiohook.SequenceCounter
	clientSeq audiohook.SequenceCounter

	mu            sync.Mutex
	state         SessionState
	lastMessageID string
	relay         repositories.ConversationRelay

	// Serializes stamped control sends and chunked payload writes so
	// sequence numbers stay in wire order and frames of two payloads
	// never interleave on the socket.
	sendMu sync.Mutex

	closeOnce sync.Once
}

var _ repositories.AudioSink = (*Client)(nil)

// HandleWebSocket accepts a platform connection and starts its session.
func HandleWebSocket(hub *Hub, c echo.Context, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan WriteData, 256),
		done:   make(chan struct{}),
		id:     uuid.NewString(),
		state:  StateConnected,
		logger: logger,
	}

	client.hub.register <- client

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	go client.connectUpstream()

	return nil
}

// connectUpstream dials the paired upstream conversation. Establishment is
// asynchronous: caller audio arriving before it completes is dropped.
func (c *Client) connectUpstream() {
	relay, err := c.hub.relays.Dial(c.id, c.hub)
	if err != nil {
		c.logger.Error("Upstream conversation setup failed",
			zap.String("connectionID", c.id),
			zap.Error(err))
		return
	}
	c.attachRelay(relay)
}

func (c *Client) attachRelay(relay repositories.ConversationRelay) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateErrored {
		c.mu.Unlock()
		relay.Close()
		return
	}
	c.relay = relay
	c.mu.Unlock()

	c.logger.Info("Upstream conversation attached", zap.String("connectionID", c.id))
}

// closeRelay tears down the paired upstream conversation, if any.
func (c *Client) closeRelay() {
	c.mu.Lock()
	relay := c.relay
	c.relay = nil
	c.mu.Unlock()

	if relay == nil {
		return
	}
	if err := relay.Close(); err != nil {
		c.logger.Error("Failed to close upstream conversation",
			zap.String("connectionID", c.id),
			zap.Error(err))
	}
}

func (c *Client) signalDone() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump pumps messages from the websocket connection to the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.signalDone()
		c.conn.Close()
		c.closeRelay()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.setFinalState(StateClosed)
			} else {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Error("WebSocket error",
						zap.String("connectionID", c.id),
						zap.Error(err))
				}
				c.setFinalState(StateErrored)
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			// Control messages travel as JSON text frames.
			c.processControlMessage(message)
		case websocket.BinaryMessage:
			// Binary frames are raw caller audio.
			c.processAudioFrame(message)
		default:
			c.logger.Warn("Received unknown message type",
				zap.String("connectionID", c.id),
				zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("connectionID", c.id),
					zap.Error(err))
				return
			}

		case <-c.done:
			// Flush whatever is already queued before closing.
			for {
				select {
				case message := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processControlMessage runs the state machine over an inbound control message.
func (c *Client) processControlMessage(message []byte) {
	msg, err := audiohook.DecodeClientMessage(message)
	if err != nil {
		// Malformed control traffic never terminates the session.
		c.logger.Error("Protocol error on control channel",
			zap.String("connectionID", c.id),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	c.lastMessageID = msg.ID
	c.mu.Unlock()

	switch msg.Type {
	case audiohook.MessageTypeOpen:
		c.handleOpen(msg)
	case audiohook.MessageTypePing:
		c.sendControl(audiohook.MessageTypePong, msg.ID, audiohook.EmptyParameters{})
	case audiohook.MessageTypeClose:
		c.handleClose(msg)
	case audiohook.MessageTypePlaybackStarted, audiohook.MessageTypePlaybackCompleted:
		c.logger.Info("Playback event",
			zap.String("connectionID", c.id),
			zap.String("type", string(msg.Type)))
	case audiohook.MessageTypeUpdate:
		c.logger.Warn("Unhandled control message",
			zap.String("connectionID", c.id),
			zap.String("type", string(msg.Type)))
	default:
		c.logger.Error("Protocol error: unexpected message type",
			zap.String("connectionID", c.id),
			zap.String("type", string(msg.Type)))
	}
}

func (c *Client) handleOpen(msg *audiohook.ClientMessage) {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Error("Received open outside connected state",
			zap.String("connectionID", c.id),
			zap.String("state", state.String()))
		return
	}
	c.state = StateOpened
	c.mu.Unlock()

	c.logger.Info("Session opened",
		zap.String("connectionID", c.id),
		zap.String("id", msg.ID))

	c.sendControl(audiohook.MessageTypeOpened, msg.ID, audiohook.OpenedParameters{
		Media: audiohook.DefaultMedia(),
	})
}

func (c *Client) handleClose(msg *audiohook.ClientMessage) {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Info("Session closed by platform",
		zap.String("connectionID", c.id),
		zap.String("id", msg.ID))

	c.sendControl(audiohook.MessageTypeClosed, msg.ID, audiohook.EmptyParameters{})
	c.closeRelay()
}

// processAudioFrame forwards one raw audio frame to the paired upstream
// conversation.
func (c *Client) processAudioFrame(frame []byte) {
	c.mu.Lock()
	state := c.state
	relay := c.relay
	c.mu.Unlock()

	if state != StateOpened {
		c.logger.Warn("Dropping audio frame received before session opened",
			zap.String("connectionID", c.id),
			zap.Int("size", len(frame)))
		return
	}

	if relay == nil {
		c.logger.Warn("Dropping audio frame, upstream conversation not ready",
			zap.String("connectionID", c.id),
			zap.Int("size", len(frame)))
		return
	}

	if err := relay.SendAudio(frame); err != nil {
		c.logger.Error("Failed to forward audio upstream",
			zap.String("connectionID", c.id),
			zap.Error(err))
	}
}

// sendControl stamps the next sequence values on a server message and
// queues it for delivery. Counters advance exactly once per sent message,
// and stamping plus enqueue happen under sendMu so concurrent senders
// cannot queue stamped messages out of sequence order.
func (c *Client) sendControl(t audiohook.MessageType, id string, params interface{}) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	msg := audiohook.ServerMessage{
		Version:    audiohook.Version,
		Type:       t,
		Seq:        c.serverSeq.Next(),
		ClientSeq:  c.clientSeq.Next(),
		ID:         id,
		Parameters: params,
	}

	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("Failed to encode control message",
			zap.String("connectionID", c.id),
			zap.Error(err))
		return
	}

	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: data})
}

// enqueue hands a frame to the write pump without blocking the caller.
// A full buffer means the platform stopped draining its socket; the
// session is torn down rather than leaving a gap in the wire sequence.
func (c *Client) enqueue(data WriteData) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Error("Send buffer full, closing session",
			zap.String("connectionID", c.id))
		c.setFinalState(StateErrored)
		c.signalDone()
		return false
	}
}

func (c *Client) setFinalState(state SessionState) {
	c.mu.Lock()
	if c.state != StateClosed && c.state != StateErrored {
		c.state = state
	}
	c.mu.Unlock()
}

// ID returns the connection identity assigned at accept time.
func (c *Client) ID() string {
	return c.id
}

// IsOpen reports whether the session completed the open handshake.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpened
}

// Clear tells the platform to drop any buffered playback.
func (c *Client) Clear() {
	c.mu.Lock()
	id := c.lastMessageID
	c.mu.Unlock()

	c.sendControl(audiohook.MessageTypeClear, id, audiohook.EmptyParameters{})
}

// Disconnect notifies the platform that the conversation ended.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	id := c.lastMessageID
	c.mu.Unlock()

	c.sendControl(audiohook.MessageTypeDisconnect, id, audiohook.DisconnectParameters{
		Reason:          reason,
		OutputVariables: map[string]string{},
	})
}

// Shutdown closes the platform socket. The read pump then unregisters the
// session and closes its paired upstream conversation.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.state != StateErrored {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.signalDone()
}

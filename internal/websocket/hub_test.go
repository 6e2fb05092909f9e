package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/voicegw/audiohook-bridge/adapters/convai"
	"github.com/voicegw/audiohook-bridge/domain/repositories"
)

// serverReply mirrors the wire shape of messages sent to the platform.
type serverReply struct {
	Version    string          `json:"version"`
	Type       string          `json:"type"`
	Seq        uint64          `json:"seq"`
	ClientSeq  uint64          `json:"clientseq"`
	ID         string          `json:"id"`
	Parameters json.RawMessage `json:"parameters"`
}

func setupBridge(t *testing.T) (*Hub, *convai.MockDialer, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dialer := convai.NewMockDialer()
	hub := NewHub(dialer, logger)
	go hub.Run()

	e := echo.New()
	e.GET("/audiohook", func(c echo.Context) error {
		return HandleWebSocket(hub, c, logger)
	})

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/audiohook"
	return hub, dialer, wsURL
}

func dialPlatform(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func sessionID(t *testing.T, hub *Hub) string {
	t.Helper()
	var id string
	waitFor(t, func() bool {
		ids := hub.ActiveSessions()
		if len(ids) == 1 {
			id = ids[0]
			return true
		}
		return false
	}, "session was not registered")
	return id
}

func readReply(t *testing.T, ws *websocket.Conn) serverReply {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("Expected text reply, got message type %d", messageType)
	}

	var reply serverReply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("Failed to unmarshal reply: %v", err)
	}
	return reply
}

func TestSession_OpenPingCloseSequence(t *testing.T) {
	hub, dialer, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	id := sessionID(t, hub)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"open","seq":1,"serverseq":0,"id":"a1","parameters":{}}`))
	opened := readReply(t, ws)
	if opened.Type != "opened" {
		t.Errorf("Expected 'opened' reply, got '%s'", opened.Type)
	}
	if opened.Version != "2" {
		t.Errorf("Expected version '2', got '%s'", opened.Version)
	}
	if opened.Seq != 1 || opened.ClientSeq != 1 {
		t.Errorf("Expected seq 1 and clientseq 1, got %d and %d", opened.Seq, opened.ClientSeq)
	}
	if opened.ID != "a1" {
		t.Errorf("Expected id 'a1', got '%s'", opened.ID)
	}

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"ping","seq":2,"serverseq":1,"id":"p1","parameters":{}}`))
	pong := readReply(t, ws)
	if pong.Type != "pong" {
		t.Errorf("Expected 'pong' reply, got '%s'", pong.Type)
	}
	if pong.Seq != 2 || pong.ClientSeq != 2 {
		t.Errorf("Expected seq 2 and clientseq 2, got %d and %d", pong.Seq, pong.ClientSeq)
	}
	if pong.ID != "p1" {
		t.Errorf("Expected id 'p1', got '%s'", pong.ID)
	}

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"close","seq":3,"serverseq":2,"id":"c1","parameters":{}}`))
	closed := readReply(t, ws)
	if closed.Type != "closed" {
		t.Errorf("Expected 'closed' reply, got '%s'", closed.Type)
	}
	if closed.Seq != 3 || closed.ClientSeq != 3 {
		t.Errorf("Expected seq 3 and clientseq 3, got %d and %d", closed.Seq, closed.ClientSeq)
	}
	if closed.ID != "c1" {
		t.Errorf("Expected id 'c1', got '%s'", closed.ID)
	}

	// Replying closed must shut the paired upstream conversation down.
	waitFor(t, func() bool {
		relay, ok := dialer.Relay(id)
		return ok && relay.Closed()
	}, "upstream conversation was not closed after close handshake")
}

func TestSession_AudioBeforeOpenDropped(t *testing.T) {
	hub, dialer, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	id := sessionID(t, hub)

	waitFor(t, func() bool {
		_, ok := dialer.Relay(id)
		return ok
	}, "upstream conversation was not dialed")

	// Audio before the open handshake must never reach the upstream.
	ws.WriteMessage(websocket.BinaryMessage, []byte("early"))

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"open","seq":1,"serverseq":0,"id":"a1","parameters":{}}`))
	if reply := readReply(t, ws); reply.Type != "opened" {
		t.Fatalf("Expected 'opened' reply, got '%s'", reply.Type)
	}

	relay, _ := dialer.Relay(id)
	waitFor(t, func() bool {
		ws.WriteMessage(websocket.BinaryMessage, []byte("voice"))
		return len(relay.SentAudio()) > 0
	}, "audio sent after open never reached the upstream")

	for _, chunk := range relay.SentAudio() {
		if string(chunk) == "early" {
			t.Error("Audio sent before open reached the upstream")
		}
	}
}

func TestSession_RelayAudioChunking(t *testing.T) {
	hub, _, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	id := sessionID(t, hub)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"open","seq":1,"serverseq":0,"id":"a1","parameters":{}}`))
	if reply := readReply(t, ws); reply.Type != "opened" {
		t.Fatalf("Expected 'opened' reply, got '%s'", reply.Type)
	}

	sink, ok := hub.Lookup(id)
	if !ok {
		t.Fatal("Session not found in hub")
	}

	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 150000)
	rng.Read(payload)

	sink.RelayAudio(payload)

	wantFrames := (len(payload) + MaxFrameSize - 1) / MaxFrameSize
	var reassembled []byte
	for i := 0; i < wantFrames; i++ {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read frame %d: %v", i, err)
		}
		if messageType != websocket.BinaryMessage {
			t.Fatalf("Frame %d: expected binary message, got type %d", i, messageType)
		}
		if len(frame) > MaxFrameSize {
			t.Errorf("Frame %d exceeds limit: %d bytes", i, len(frame))
		}
		reassembled = append(reassembled, frame...)
	}

	if !bytes.Equal(reassembled, payload) {
		t.Error("Relayed frames do not reconstruct the original payload")
	}
}

func TestSession_ClientCloseTearsDownUpstream(t *testing.T) {
	hub, dialer, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	id := sessionID(t, hub)

	waitFor(t, func() bool {
		_, ok := dialer.Relay(id)
		return ok
	}, "upstream conversation was not dialed")

	ws.Close()

	waitFor(t, func() bool {
		return len(hub.ActiveSessions()) == 0
	}, "session was not unregistered after platform disconnect")

	relay, _ := dialer.Relay(id)
	waitFor(t, func() bool {
		return relay.Closed()
	}, "upstream conversation was not closed after platform disconnect")

	if _, ok := hub.Lookup(id); ok {
		t.Error("Session still reachable after teardown")
	}
}

func TestSession_UpstreamDisconnectNotifiesPlatform(t *testing.T) {
	hub, dialer, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	id := sessionID(t, hub)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"open","seq":1,"serverseq":0,"id":"a1","parameters":{}}`))
	if reply := readReply(t, ws); reply.Type != "opened" {
		t.Fatalf("Expected 'opened' reply, got '%s'", reply.Type)
	}

	sink, ok := hub.Lookup(id)
	if !ok {
		t.Fatal("Session not found in hub")
	}

	// The upstream side signals a finished conversation.
	sink.Disconnect(repositories.DisconnectReasonCompleted)
	sink.Shutdown()

	disconnect := readReply(t, ws)
	if disconnect.Type != "disconnect" {
		t.Errorf("Expected 'disconnect' message, got '%s'", disconnect.Type)
	}
	if disconnect.Seq != 2 || disconnect.ClientSeq != 2 {
		t.Errorf("Expected seq 2 and clientseq 2, got %d and %d", disconnect.Seq, disconnect.ClientSeq)
	}
	if disconnect.ID != "a1" {
		t.Errorf("Expected id 'a1', got '%s'", disconnect.ID)
	}

	var params struct {
		Reason          string            `json:"reason"`
		OutputVariables map[string]string `json:"outputVariables"`
	}
	if err := json.Unmarshal(disconnect.Parameters, &params); err != nil {
		t.Fatalf("Failed to unmarshal disconnect parameters: %v", err)
	}
	if params.Reason != "completed" {
		t.Errorf("Expected reason 'completed', got '%s'", params.Reason)
	}

	waitFor(t, func() bool {
		return len(hub.ActiveSessions()) == 0
	}, "session was not unregistered after upstream disconnect")

	waitFor(t, func() bool {
		relay, ok := dialer.Relay(id)
		return ok && relay.Closed()
	}, "upstream conversation was not closed after teardown")
}

func TestSession_MalformedControlKeepsConnectionOpen(t *testing.T) {
	hub, _, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	sessionID(t, hub)

	ws.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"ping","seq":1,"serverseq":0,"id":"p1","parameters":{}}`))

	pong := readReply(t, ws)
	if pong.Type != "pong" {
		t.Errorf("Expected 'pong' reply after malformed message, got '%s'", pong.Type)
	}

	// The malformed message must not advance the sequence counters.
	if pong.Seq != 1 || pong.ClientSeq != 1 {
		t.Errorf("Expected seq 1 and clientseq 1, got %d and %d", pong.Seq, pong.ClientSeq)
	}
}

func TestSession_ControlBurstKeepsSequenceContiguous(t *testing.T) {
	hub, _, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	id := sessionID(t, hub)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"open","seq":1,"serverseq":0,"id":"a1","parameters":{}}`))
	opened := readReply(t, ws)
	if opened.Type != "opened" {
		t.Fatalf("Expected 'opened' reply, got '%s'", opened.Type)
	}

	sink, ok := hub.Lookup(id)
	if !ok {
		t.Fatal("Session not found in hub")
	}

	// Far more concurrent control sends than the send buffer holds.
	const bursts = 1600
	var wg sync.WaitGroup
	for i := 0; i < bursts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Clear()
		}()
	}

	// Every message that reaches the wire must carry the next sequence
	// value. Under pressure the session may close instead, but it must
	// never skip a value.
	received := 0
	lastSeq := opened.Seq
	for received < bursts {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				t.Fatalf("Reader starved after %d messages, control frames were dropped", received)
			}
			break
		}

		var reply serverReply
		if err := json.Unmarshal(data, &reply); err != nil {
			t.Fatalf("Failed to unmarshal reply: %v", err)
		}
		if reply.Seq != lastSeq+1 {
			t.Fatalf("Sequence gap on the wire: got seq %d after %d", reply.Seq, lastSeq)
		}
		lastSeq = reply.Seq
		received++
	}

	wg.Wait()
}

func TestSession_ConcurrentRelayPayloadsDoNotInterleave(t *testing.T) {
	hub, _, wsURL := setupBridge(t)
	ws := dialPlatform(t, wsURL)
	id := sessionID(t, hub)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"open","seq":1,"serverseq":0,"id":"a1","parameters":{}}`))
	if reply := readReply(t, ws); reply.Type != "opened" {
		t.Fatalf("Expected 'opened' reply, got '%s'", reply.Type)
	}

	sink, ok := hub.Lookup(id)
	if !ok {
		t.Fatal("Session not found in hub")
	}

	// Two payloads with distinguishable fill bytes, three frames each.
	const payloadSize = 150000
	payloadA := bytes.Repeat([]byte{0xAA}, payloadSize)
	payloadB := bytes.Repeat([]byte{0xBB}, payloadSize)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sink.RelayAudio(payloadA)
	}()
	go func() {
		defer wg.Done()
		sink.RelayAudio(payloadB)
	}()
	wg.Wait()

	framesPerPayload := (payloadSize + MaxFrameSize - 1) / MaxFrameSize
	var order []byte
	totals := make(map[byte]int)
	for i := 0; i < 2*framesPerPayload; i++ {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read frame %d: %v", i, err)
		}
		if messageType != websocket.BinaryMessage {
			t.Fatalf("Frame %d: expected binary message, got type %d", i, messageType)
		}

		fill := frame[0]
		for _, b := range frame {
			if b != fill {
				t.Fatalf("Frame %d mixes bytes of both payloads", i)
			}
		}
		order = append(order, fill)
		totals[fill] += len(frame)
	}

	// All frames of one payload must arrive before any frame of the other.
	for i := 1; i < framesPerPayload; i++ {
		if order[i] != order[0] || order[framesPerPayload+i] != order[framesPerPayload] {
			t.Fatalf("Frames of concurrent payloads interleaved: %v", order)
		}
	}
	if totals[0xAA] != payloadSize || totals[0xBB] != payloadSize {
		t.Errorf("Expected %d bytes per payload, got %v", payloadSize, totals)
	}
}

func TestSession_UpstreamSetupFailureKeepsSessionOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dialer := convai.NewMockDialer()
	dialer.Err = errors.New("signed URL endpoint returned 403")
	hub := NewHub(dialer, logger)
	go hub.Run()

	e := echo.New()
	e.GET("/audiohook", func(c echo.Context) error {
		return HandleWebSocket(hub, c, logger)
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	ws := dialPlatform(t, "ws"+strings.TrimPrefix(server.URL, "http")+"/audiohook")
	sessionID(t, hub)

	// The control channel keeps working without an upstream conversation.
	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"open","seq":1,"serverseq":0,"id":"a1","parameters":{}}`))
	if reply := readReply(t, ws); reply.Type != "opened" {
		t.Errorf("Expected 'opened' reply, got '%s'", reply.Type)
	}

	// Audio is dropped instead of crashing the session.
	ws.WriteMessage(websocket.BinaryMessage, []byte("voice"))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"version":"2","type":"ping","seq":2,"serverseq":1,"id":"p1","parameters":{}}`))
	if reply := readReply(t, ws); reply.Type != "pong" {
		t.Errorf("Expected 'pong' reply, got '%s'", reply.Type)
	}
}

// Command ahclient simulates a platform connector call against a running
// bridge. It performs the open handshake, streams u-law audio as binary
// frames, exchanges a ping, and closes the session cleanly.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicegw/audiohook-bridge/internal/audiohook"
)

var (
	addr      = flag.String("addr", "localhost:8080", "bridge host:port")
	audioPath = flag.String("audio", "", "raw 8kHz u-law audio file to stream (silence when empty)")
	duration  = flag.Duration("duration", 5*time.Second, "how long to stream before closing")
)

// chunkSize is 200ms of 8kHz u-law audio.
const chunkSize = 1600

type outboundMessage struct {
	Version    string                `json:"version"`
	Type       audiohook.MessageType `json:"type"`
	Seq        uint64                `json:"seq"`
	ServerSeq  uint64                `json:"serverseq"`
	ID         string                `json:"id"`
	Parameters interface{}           `json:"parameters"`
}

type session struct {
	conn      *websocket.Conn
	seq       uint64
	serverSeq uint64
	opened    chan struct{}
	closed    chan struct{}
	done      chan struct{}
}

func main() {
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/audiohook"}
	log.Printf("connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer conn.Close()

	s := &session{
		conn:   conn,
		opened: make(chan struct{}),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.readLoop()

	if err := s.sendControl(audiohook.MessageTypeOpen, audiohook.EmptyParameters{}); err != nil {
		log.Fatal("open:", err)
	}
	select {
	case <-s.opened:
		log.Println("session opened")
	case <-time.After(5 * time.Second):
		log.Fatal("timed out waiting for opened")
	case <-s.done:
		log.Fatal("connection closed before opened")
	}

	audio := loadAudio(*audioPath)
	streamEnd := time.After(*duration)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	pings := time.NewTicker(2 * time.Second)
	defer pings.Stop()

	offset := 0
	streaming := true
	for streaming {
		select {
		case <-ticker.C:
			chunk := audio[offset : offset+chunkSize]
			offset = (offset + chunkSize) % (len(audio) - chunkSize + 1)
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				log.Println("write audio:", err)
				streaming = false
			}
		case <-pings.C:
			if err := s.sendControl(audiohook.MessageTypePing, audiohook.EmptyParameters{}); err != nil {
				log.Println("ping:", err)
				streaming = false
			}
		case <-streamEnd:
			streaming = false
		case <-interrupt:
			log.Println("interrupt")
			streaming = false
		case <-s.done:
			log.Println("connection closed by bridge")
			return
		}
	}

	if err := s.sendControl(audiohook.MessageTypeClose, audiohook.EmptyParameters{}); err != nil {
		log.Println("close:", err)
		return
	}
	select {
	case <-s.closed:
		log.Println("session closed")
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Println("timed out waiting for closed")
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
}

func (s *session) sendControl(messageType audiohook.MessageType, parameters interface{}) error {
	s.seq++
	data, err := json.Marshal(outboundMessage{
		Version:    audiohook.Version,
		Type:       messageType,
		Seq:        s.seq,
		ServerSeq:  s.serverSeq,
		ID:         uuid.New().String(),
		Parameters: parameters,
	})
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) readLoop() {
	defer close(s.done)
	audioBytes := 0

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			log.Println("read:", err)
			if audioBytes > 0 {
				log.Printf("received %d bytes of playback audio in total", audioBytes)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			audioBytes += len(message)
			continue
		}

		var msg struct {
			Type audiohook.MessageType `json:"type"`
			Seq  uint64                `json:"seq"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Println("unmarshal:", err)
			continue
		}
		if msg.Seq > s.serverSeq {
			s.serverSeq = msg.Seq
		}

		switch msg.Type {
		case audiohook.MessageTypeOpened:
			close(s.opened)
		case audiohook.MessageTypeClosed:
			close(s.closed)
		case audiohook.MessageTypePong:
			log.Println("pong received")
		case audiohook.MessageTypeDisconnect:
			log.Printf("bridge requested disconnect: %s", string(message))
			s.sendControl(audiohook.MessageTypeClose, audiohook.EmptyParameters{})
		default:
			log.Printf("received %s: %s", msg.Type, string(message))
		}
	}
}

func loadAudio(path string) []byte {
	if path == "" {
		// u-law silence
		audio := make([]byte, 10*chunkSize)
		for i := range audio {
			audio[i] = 0xFF
		}
		return audio
	}

	audio, err := os.ReadFile(path)
	if err != nil {
		log.Fatal("read audio file:", err)
	}
	if len(audio) < chunkSize {
		log.Fatal(fmt.Errorf("audio file shorter than one chunk (%d bytes)", chunkSize))
	}
	log.Printf("loaded %s (%d bytes)", path, len(audio))
	return audio
}

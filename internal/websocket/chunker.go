package websocket

import (
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MaxFrameSize bounds a single binary frame written to the platform socket.
// Larger relayed payloads are split into ordered frames of at most this size.
const MaxFrameSize = 64000

// splitFrames slices payload into contiguous frames of at most max bytes,
// preserving byte order. A payload within the limit yields a single frame,
// so concatenating the frames in order always reconstructs the payload.
func splitFrames(payload []byte, max int) [][]byte {
	if len(payload) <= max {
		return [][]byte{payload}
	}

	frames := make([][]byte, 0, (len(payload)+max-1)/max)
	for start := 0; start < len(payload); start += max {
		end := start + max
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, payload[start:end])
	}
	return frames
}

// RelayAudio writes AI audio to the platform as ordered binary frames of at
// most MaxFrameSize bytes each. All frames of one payload are queued before
// any frame of a later payload, so chunked payloads never interleave. The
// whole operation is a no-op when the session is not open.
func (c *Client) RelayAudio(audio []byte) {
	if !c.IsOpen() {
		c.logger.Warn("Dropping relayed audio, session not open",
			zap.String("connectionID", c.id),
			zap.Int("size", len(audio)))
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for i, frame := range splitFrames(audio, MaxFrameSize) {
		if !c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: frame}) {
			c.logger.Warn("Dropped relayed audio mid-payload",
				zap.String("connectionID", c.id),
				zap.Int("framesSent", i))
			return
		}
	}
}

package convai

import (
	"sync"

	"github.com/voicegw/audiohook-bridge/domain/repositories"
)

// MockRelay is a placeholder conversation that records forwarded audio
type MockRelay struct {
	mu     sync.Mutex
	audio  [][]byte
	closed bool
}

// NewMockRelay creates a new mock conversation relay
func NewMockRelay() *MockRelay {
	return &MockRelay{}
}

// SendAudio implements repositories.ConversationRelay
func (m *MockRelay) SendAudio(audio []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk := make([]byte, len(audio))
	copy(chunk, audio)
	m.audio = append(m.audio, chunk)
	return nil
}

// Close implements repositories.ConversationRelay
func (m *MockRelay) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SentAudio returns every audio chunk forwarded so far.
func (m *MockRelay) SentAudio() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	audio := make([][]byte, len(m.audio))
	copy(audio, m.audio)
	return audio
}

// Closed reports whether the relay has been torn down.
func (m *MockRelay) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockDialer hands out mock relays and remembers them by downstream identity
type MockDialer struct {
	mu     sync.Mutex
	relays map[string]*MockRelay

	// Err, when set, is returned from Dial to simulate a setup failure.
	Err error
}

// NewMockDialer creates a new mock relay factory
func NewMockDialer() *MockDialer {
	return &MockDialer{
		relays: make(map[string]*MockRelay),
	}
}

// Dial implements repositories.RelayFactory
func (m *MockDialer) Dial(downstreamID string, sinks repositories.SinkRegistry) (repositories.ConversationRelay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	relay := NewMockRelay()
	m.relays[downstreamID] = relay
	return relay, nil
}

// Relay returns the relay dialed for a downstream identity, if any.
func (m *MockDialer) Relay(downstreamID string) (*MockRelay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	relay, ok := m.relays[downstreamID]
	return relay, ok
}

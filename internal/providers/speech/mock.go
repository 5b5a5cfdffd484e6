package speech

import (
	"context"
	"strings"
	"sync"

	"github.com/voicegate/voicegate/internal/stream"
)

// Mock synthesizes one chunk per whitespace-separated word, delivering
// the word's bytes verbatim. Deterministic and synchronous, for tests and
// local development.
type Mock struct {
	// Err, when set, fails every cycle via OnError.
	Err error
	// ChunkHook runs before each chunk is delivered; lets tests inject
	// barge-in mid-stream.
	ChunkHook func(i int, chunk []byte)

	mu    sync.Mutex
	sends []string
}

func (m *Mock) Send(_ context.Context, text string, h Handlers) (*stream.AudioStream, error) {
	m.mu.Lock()
	m.sends = append(m.sends, text)
	m.mu.Unlock()

	out := stream.NewAudioStream(stream.AudioInfo{
		Encoding:   "linear16",
		SampleRate: 48000,
		Channels:   1,
		MimeType:   "audio/raw",
	}, 0)

	if m.Err != nil {
		out.Fail(m.Err)
		if h.OnError != nil {
			h.OnError(m.Err)
		}
		return out, m.Err
	}

	for i, word := range strings.Fields(text) {
		chunk := []byte(word)
		if m.ChunkHook != nil {
			m.ChunkHook(i, chunk)
		}
		out.Push(chunk)
		if h.OnAudioChunk != nil {
			h.OnAudioChunk(chunk)
		}
	}
	out.Close()
	if h.OnClose != nil {
		h.OnClose()
	}
	return out, nil
}

func (m *Mock) Close() error { return nil }

// Sends returns the texts synthesized so far.
func (m *Mock) Sends() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sends))
	copy(out, m.sends)
	return out
}

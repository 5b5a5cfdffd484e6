package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// AudioInfo is the fixed metadata of a synthesized-audio stream.
type AudioInfo struct {
	Encoding   string
	SampleRate int
	Channels   int
	MimeType   string
}

// ReleaseHandler is notified when no more consumers should reference the
// stream. Release is distinct from Close: a producer may close the stream
// while a consumer is still draining buffered audio.
type ReleaseHandler func(*AudioStream)

// AudioStream is a finite, lazily produced sequence of byte chunks with
// fixed audio metadata. It is written by exactly one producer and read by
// exactly one consumer.
type AudioStream struct {
	ID string
	AudioInfo

	q *Queue[[]byte]

	mu       sync.Mutex
	released bool
	handlers map[int]ReleaseHandler
	nextID   int
}

// NewAudioStream creates a stream with the given chunk capacity; see
// Queue for the capacity policy.
func NewAudioStream(info AudioInfo, capacity int) *AudioStream {
	return &AudioStream{
		ID:        uuid.NewString(),
		AudioInfo: info,
		q:         NewQueue[[]byte](capacity),
		handlers:  make(map[int]ReleaseHandler),
	}
}

// Push enqueues a copy of chunk, so later mutation of the caller's buffer
// cannot corrupt queued data.
func (s *AudioStream) Push(chunk []byte) {
	copied := make([]byte, len(chunk))
	copy(copied, chunk)
	s.q.Push(copied)
}

// Close marks the end of the audio sequence.
func (s *AudioStream) Close() { s.q.Close() }

// Fail terminates the stream with err.
func (s *AudioStream) Fail(err error) { s.q.Fail(err) }

// Pull returns the next audio chunk; io.EOF once closed and drained.
func (s *AudioStream) Pull(ctx context.Context) ([]byte, error) {
	return s.q.Pull(ctx)
}

// OnRelease registers a one-shot cleanup handler, invoked exactly once.
// If the stream was already released the handler runs immediately. The
// returned function unregisters the handler.
func (s *AudioStream) OnRelease(fn ReleaseHandler) (cancel func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		fn(s)
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Release signals that no more consumers should reference this instance.
// Idempotent; independent of Close/Fail.
func (s *AudioStream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	handlers := make([]ReleaseHandler, 0, len(s.handlers))
	// Registration order.
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.handlers[i]; ok {
			handlers = append(handlers, fn)
		}
	}
	s.handlers = map[int]ReleaseHandler{}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

// Released reports whether Release has been called.
func (s *AudioStream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

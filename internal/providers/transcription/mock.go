package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mock is a deterministic in-process provider for tests and local
// development. Finish emits the configured transcript exactly once;
// TriggerPartial and TriggerSpeechEnd drive the stream from outside, the
// way a real provider's network callbacks would.
type Mock struct {
	// Transcript returned on Finish or on the first speech-end trigger.
	// Empty means "mock transcript (<n> chunks)".
	Transcript string

	// CreateErr, when set, makes CreateStream fail.
	CreateErr error

	mu      sync.Mutex
	stream  *MockStream
	created int
}

func (m *Mock) CreateStream(_ context.Context, cfg StreamConfig) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	m.created++
	m.stream = &MockStream{provider: m, cfg: cfg}
	return m.stream, nil
}

func (m *Mock) Close() error { return nil }

// Stream returns the most recently created stream.
func (m *Mock) Stream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// Created reports how many streams have been opened.
func (m *Mock) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// TriggerPartial delivers a non-final transcript fragment.
func (m *Mock) TriggerPartial(transcript string) {
	if s := m.Stream(); s != nil {
		s.deliver(Result{Transcript: transcript, IsFinal: false})
	}
}

// TriggerFinal delivers a final transcript fragment.
func (m *Mock) TriggerFinal(transcript string) {
	if s := m.Stream(); s != nil {
		s.markEmitted()
		s.deliver(Result{Transcript: transcript, IsFinal: true})
	}
}

// TriggerSpeechEnd emits the default transcript if none was emitted yet,
// then fires the speech-end hint.
func (m *Mock) TriggerSpeechEnd(hint *EndHint) {
	s := m.Stream()
	if s == nil {
		return
	}
	s.emitDefaultOnce()
	if s.cfg.OnSpeechEnd != nil {
		s.cfg.OnSpeechEnd(hint)
	}
}

// TriggerError delivers a fatal transcription error.
func (m *Mock) TriggerError(err error) {
	if s := m.Stream(); s != nil && s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// MockStream records forwarded audio and replays the configured
// transcript on finish.
type MockStream struct {
	provider *Mock
	cfg      StreamConfig

	mu       sync.Mutex
	chunks   int
	bytes    int
	emitted  bool
	aborted  bool
	finished bool

	SendErr   error
	FinishErr error
	AbortErr  error
}

func (s *MockStream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.aborted {
		return errors.New("stream aborted")
	}
	s.chunks++
	s.bytes += len(chunk)
	return nil
}

func (s *MockStream) Finish(context.Context) error {
	s.mu.Lock()
	if s.FinishErr != nil {
		err := s.FinishErr
		s.mu.Unlock()
		return err
	}
	s.finished = true
	s.mu.Unlock()
	s.emitDefaultOnce()
	return nil
}

func (s *MockStream) Abort(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AbortErr != nil {
		return s.AbortErr
	}
	s.aborted = true
	return nil
}

// Chunks reports how many audio chunks were forwarded.
func (s *MockStream) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Aborted reports whether the stream was aborted.
func (s *MockStream) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *MockStream) deliver(res Result) {
	if s.cfg.OnTranscript != nil {
		s.cfg.OnTranscript(res)
	}
}

func (s *MockStream) markEmitted() {
	s.mu.Lock()
	s.emitted = true
	s.mu.Unlock()
}

func (s *MockStream) emitDefaultOnce() {
	s.mu.Lock()
	if s.emitted || s.aborted {
		s.mu.Unlock()
		return
	}
	s.emitted = true
	transcript := s.provider.Transcript
	if transcript == "" {
		transcript = fmt.Sprintf("mock transcript (%d chunks)", s.chunks)
	}
	s.mu.Unlock()
	s.deliver(Result{Transcript: transcript, IsFinal: true})
}

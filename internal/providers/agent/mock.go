package agent

import (
	"context"
	"sync"
)

// Mock is a scripted processor for tests and local development.
type Mock struct {
	// ResponseText is returned for every transcript unless Handler is set.
	ResponseText string
	// Fields ride along on the completion event.
	Fields map[string]any
	// Err, when set, fails every call.
	Err error
	// Gate, when set, blocks each call until the channel yields or
	// closes. Lets tests hold a turn in flight.
	Gate <-chan struct{}
	// Handler, when set, replaces the scripted behavior entirely.
	Handler func(ctx context.Context, req Request) (*Response, error)

	mu    sync.Mutex
	calls []Request
}

func (m *Mock) Process(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Handler != nil {
		return m.Handler(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	text := m.ResponseText
	if text == "" {
		text = "ok: " + req.Transcript
	}
	return &Response{ResponseText: text, Fields: m.Fields}, nil
}

func (m *Mock) Close() error { return nil }

// Calls returns a copy of the recorded requests.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

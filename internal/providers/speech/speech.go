// Package speech defines the text-to-speech provider contract consumed by
// the session core, plus concrete adapters.
package speech

import (
	"context"

	"github.com/voicegate/voicegate/internal/stream"
)

// Handlers receive the synthesized audio for one cycle. OnAudioChunk is
// called per chunk in order, then exactly one of OnClose or OnError.
type Handlers struct {
	OnAudioChunk func(chunk []byte)
	OnClose      func()
	OnError      func(err error)
}

// Provider synthesizes speech for one response text. Send blocks until
// the cycle is fully delivered or has failed; the returned stream carries
// the same chunks for consumers that prefer pull semantics.
type Provider interface {
	Send(ctx context.Context, text string, h Handlers) (*stream.AudioStream, error)
	Close() error
}

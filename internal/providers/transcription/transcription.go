// Package transcription defines the speech-to-text provider contract
// consumed by the session core, plus concrete adapters.
package transcription

import "context"

// Result is one transcript fragment from the provider. Providers may
// re-segment speech; the session joins fragments into a running aggregate.
type Result struct {
	Transcript string
	IsFinal    bool
}

// EndHint is a provider-originated signal that the speaker has likely
// stopped talking.
type EndHint struct {
	Reason     string
	Confidence float64
}

// SpeechEndConfig mirrors the client's speech-end detection request.
type SpeechEndConfig struct {
	Mode     string
	Provider string
	Options  map[string]any
}

// StreamConfig carries the audio parameters and the callbacks wired back
// into the session. Callbacks may be invoked from provider goroutines.
type StreamConfig struct {
	Encoding   string
	SampleRate int
	Channels   int
	Language   string
	SpeechEnd  SpeechEndConfig

	OnTranscript func(Result)
	OnError      func(error)
	OnSpeechEnd  func(*EndHint)
}

// Stream is one live transcription stream for a command.
type Stream interface {
	// Send forwards a raw audio chunk to the provider.
	Send(chunk []byte) error
	// Finish flushes the stream and waits for remaining results.
	Finish(ctx context.Context) error
	// Abort terminates the stream without waiting for results.
	Abort(reason string) error
}

// Provider creates transcription streams.
type Provider interface {
	CreateStream(ctx context.Context, cfg StreamConfig) (Stream, error)
	Close() error
}

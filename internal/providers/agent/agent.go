// Package agent defines the response-processor contract consumed by the
// session core, plus concrete adapters.
package agent

import (
	"context"

	"github.com/voicegate/voicegate/internal/protocol"
)

// Request is one turn's input to the processor.
type Request struct {
	Transcript string
	UserID     string

	// ExcludeFromConversation reports whether this turn has been
	// superseded by newer speech. Processors that keep conversation
	// history can consult it before persisting the exchange; the call
	// itself always runs to completion.
	ExcludeFromConversation func() bool

	// Send lets the processor emit intermediate protocol events. Events
	// of type session.completed are dropped here; the one completion per
	// turn is sourced from the returned Response.
	Send func(protocol.ServerEvent)
}

// Response is the processor's result. ResponseText must be non-empty;
// Fields ride along on the session.completed event untouched.
type Response struct {
	ResponseText string
	Fields       map[string]any
}

// Processor runs one agent round-trip per turn.
type Processor interface {
	Process(ctx context.Context, req Request) (*Response, error)
	Close() error
}

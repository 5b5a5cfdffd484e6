// Package presence tracks which process instance owns a user's live voice
// session, so duplicate connections can be detected across a multi
// instance deployment. Within one process the session registry remains
// the authority; this guard is advisory.
package presence

import (
	"context"
	"time"
)

// Guard marks and releases per-user session ownership.
type Guard interface {
	// Acquire claims userID for instanceID with a TTL. When another
	// instance already holds the claim, ok is false and prev names it.
	Acquire(ctx context.Context, userID, instanceID string, ttl time.Duration) (ok bool, prev string, err error)
	// Refresh extends an existing claim.
	Refresh(ctx context.Context, userID, instanceID string, ttl time.Duration) error
	// Release drops the claim, but only while instanceID still holds it.
	Release(ctx context.Context, userID, instanceID string) error
}

// Noop is the single-instance guard: every claim succeeds.
type Noop struct{}

func (Noop) Acquire(context.Context, string, string, time.Duration) (bool, string, error) {
	return true, "", nil
}

func (Noop) Refresh(context.Context, string, string, time.Duration) error { return nil }

func (Noop) Release(context.Context, string, string) error { return nil }

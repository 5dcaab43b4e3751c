// Package eventstore implements the Event Store: append events per session
// and support live subscription, with swappable backends.
package eventstore

import (
	"context"

	"github.com/brightloop/agentcore/pkg/models"
)

// Store is the Event Store contract. Append is synchronous from the
// producing operation; Stream delivers events emitted from the moment of
// subscription onward only — historical replay is not required.
type Store interface {
	Append(ctx context.Context, sessionID string, event models.Event) error

	// Stream returns a channel of events for sessionID and an unsubscribe
	// function. The channel is closed when unsubscribe is called; the
	// store itself never closes it. A slow subscriber must not block producers: if the
	// subscriber's queue fills, events for it are dropped with a warning.
	Stream(ctx context.Context, sessionID string) (<-chan models.Event, func(), error)
}

// DefaultRingBufferCapacity is the default bound on the ephemeral backend's
// per-session ring buffer of retained events (§4.2, "capacity configurable, default 1000").
const DefaultRingBufferCapacity = 1000

// DefaultSubscriberQueueSize bounds each subscriber's delivery channel so a
// slow consumer cannot apply backpressure to the producer.
const DefaultSubscriberQueueSize = 64

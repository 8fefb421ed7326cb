// Package bus provides the topic-per-slot publish/subscribe abstraction
// (C2, spec.md §4.2) used by the Cross-Instance Router, the Web Client Hub,
// and the Event Pipe to cross process boundaries. Two implementations are
// provided: Local (in-memory, single-process/tests) and a Redis Streams
// adapter (internal/bus.Redis) for horizontally-scaled deployments.
package bus

import (
	"context"

	"github.com/homecast/relay/internal/protocol"
)

// Handler processes one delivered frame. Returning a non-nil error causes
// the adapter to log and drop the message rather than redeliver it into a
// poison loop (spec.md §7: "a single bad iteration never terminates the
// process").
type Handler func(ctx context.Context, frame protocol.BusFrame) error

// Bus is the interface internal/router, internal/webhub, and
// internal/eventpipe depend on instead of a concrete transport.
type Bus interface {
	// EnsureTopic idempotently prepares topic for publish/subscribe.
	// "already exists" is treated as success (spec.md §4.2).
	EnsureTopic(ctx context.Context, topic string) error

	// Publish delivers frame to topic with at-least-once semantics.
	Publish(ctx context.Context, topic string, frame protocol.BusFrame) error

	// Subscribe starts delivering frames published to topic to handler,
	// acking each message only after handler returns nil. It runs until ctx
	// is cancelled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

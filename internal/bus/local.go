package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/homecast/relay/internal/protocol"
)

// Local is an in-memory Bus for single-process deployments and tests
// (activated when the bus project id config key is empty, spec.md §6.4).
// It has no real at-least-once semantics — delivery is direct, synchronous
// fan-out to registered handlers — which is sufficient because there is
// only ever one process to deliver to.
type Local struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewLocal constructs an idle Local bus.
func NewLocal(logger *zap.Logger) *Local {
	return &Local{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

func (l *Local) EnsureTopic(ctx context.Context, topic string) error {
	return nil
}

func (l *Local) Publish(ctx context.Context, topic string, frame protocol.BusFrame) error {
	l.mu.RLock()
	handlers := append([]Handler(nil), l.handlers[topic]...)
	l.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, frame); err != nil {
			l.logger.Warn("bus: local handler returned error", zap.String("topic", topic), zap.Error(err))
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, topic string, handler Handler) error {
	l.mu.Lock()
	idx := len(l.handlers[topic])
	l.handlers[topic] = append(l.handlers[topic], handler)
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic][idx] = func(context.Context, protocol.BusFrame) error { return nil }
	return ctx.Err()
}

package events

import (
	"context"
	"errors"
	"sync"

	"github.com/nyotapay/nyotapay/internal/metrics"
)

// Handler consumes one envelope. Returning an error signals the transport to
// redeliver; handlers must therefore tolerate duplicates.
type Handler func(ctx context.Context, env Envelope) error

// Publisher sends envelopes to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Subscriber attaches a named consumer to a topic. The name scopes the
// consumer's delivery queue so independent consumers each see every event.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, consumer string, h Handler) error
}

// Bus is an in-process publisher/subscriber used in dev mode and tests.
// Delivery is synchronous: Publish runs every matching handler before
// returning, which keeps tests deterministic.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
}

type namedHandler struct {
	consumer string
	h        Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]namedHandler)}
}

func (b *Bus) Subscribe(_ context.Context, topic, consumer string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], namedHandler{consumer: consumer, h: h})
	return nil
}

func (b *Bus) Publish(ctx context.Context, topic string, env Envelope) error {
	b.mu.RLock()
	subs := make([]namedHandler, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(topic).Inc()

	var errs []error
	for _, sub := range subs {
		if err := sub.h(ctx, env); err != nil {
			metrics.EventsConsumed.WithLabelValues(sub.consumer, "error").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.EventsConsumed.WithLabelValues(sub.consumer, "ok").Inc()
	}
	return errors.Join(errs...)
}

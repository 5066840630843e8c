package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tsarna/wmslive/pkg/wmslive/o11y"
	"go.uber.org/zap"
)

// dispatch delivers a message that arrived once per connection: the exact
// entry for its topic plus every matching pattern entry.
func (h *EventHub) dispatch(destination string, body []byte) {
	topic := h.topicFor(destination)

	h.mu.Lock()
	listeners := h.registry.snapshot(topic)
	h.mu.Unlock()

	h.deliver(destination, topic, listeners, body)
}

// dispatchSubscription delivers one copy of a message to the entry it was
// subscribed under only. Overlapping entries each get their own copy from the
// transport.
func (h *EventHub) dispatchSubscription(subscription, destination string, body []byte) {
	topic := h.topicFor(destination)

	h.mu.Lock()
	listeners := h.registry.listeners(h.topicFor(subscription))
	h.mu.Unlock()

	h.deliver(destination, topic, listeners, body)
}

// deliver decodes body and invokes a snapshot of listeners, so listeners may
// subscribe or unsubscribe re-entrantly.
func (h *EventHub) deliver(destination, topic string, listeners []Listener, body []byte) {
	ctx := context.Background()

	if h.receivedCounter != nil {
		h.receivedCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	}

	if len(listeners) == 0 {
		h.logger.Debug("No listeners for message", zap.String("topic", topic))
		return
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("Dropping malformed message",
			zap.String("destination", destination),
			zap.Int("size", len(body)),
			zap.Error(err),
		)
		if h.droppedCounter != nil {
			h.droppedCounter.Add(ctx, 1, o11y.Label{Key: "reason", Value: "decode"})
		}
		if h.monitor != nil {
			h.monitor.OnDrop(ctx, destination, err)
		}
		return
	}

	var span o11y.Span
	if h.tracingProvider != nil {
		ctx, span = h.tracingProvider.StartSpan(ctx, "wmslive.dispatch")
		span.SetAttributes(
			o11y.Label{Key: "topic", Value: topic},
			o11y.Label{Key: "listeners", Value: fmt.Sprint(len(listeners))},
		)
		defer span.End()
	}

	start := time.Now()
	panics := 0
	for _, listener := range listeners {
		if !h.invoke(ctx, topic, listener, payload) {
			panics++
		}
	}

	if h.dispatchHistogram != nil {
		h.dispatchHistogram.Record(ctx, time.Since(start).Seconds(), o11y.Label{Key: "topic", Value: topic})
	}
	if span != nil {
		if panics > 0 {
			span.SetStatus(o11y.SpanStatusError, fmt.Sprintf("%d listeners panicked", panics))
		} else {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
	}
}

// invoke calls one listener and contains any panic so the remaining
// listeners still receive the message.
func (h *EventHub) invoke(ctx context.Context, topic string, listener Listener, payload any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			h.logger.Error("Listener panicked",
				zap.String("topic", topic),
				zap.Any("panic", r),
			)
			if h.panicCounter != nil {
				h.panicCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
			}
		}
	}()

	listener(payload)
	return true
}

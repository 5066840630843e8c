package hub

import (
	"context"
	"time"

	"github.com/tsarna/wmslive/pkg/wmslive/o11y"
	"go.uber.org/zap"
)

// run is the connection loop. It is the only goroutine that calls the
// transport, so transport calls never race with each other.
func (h *EventHub) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	everConnected := false

	for {
		h.drainLost()
		h.setState(ctx, Connecting, nil)
		if h.connectCounter != nil {
			h.connectCounter.Add(ctx, 1)
		}

		err := h.transport.Connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			attempt++
			h.logger.Warn("Failed to connect", zap.Error(err), zap.Int("attempt", attempt))
			h.setState(ctx, Disconnected, err)
		} else {
			if everConnected && h.reconnectCounter != nil {
				h.reconnectCounter.Add(ctx, 1)
			}
			everConnected = true
			attempt = 0

			err = h.serve(ctx)
			if ctx.Err() != nil {
				return
			}

			attempt = 1
			h.logger.Warn("Connection lost", zap.Error(err))
			h.setState(ctx, Disconnected, err)
		}

		if !h.policy.ShouldRetry(attempt) {
			h.logger.Error("Not reconnecting",
				zap.Int("attempt", attempt),
				zap.Bool("enabled", h.policy.IsEnabled()),
			)
			return
		}

		delay := h.policy.Delay(attempt)
		h.logger.Info("Reconnecting after delay",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt),
		)

		if !sleep(ctx, delay) {
			return
		}
	}
}

// serve runs while a connection is established. It subscribes every
// registered topic before reporting Connected, retrying failed topics, then
// keeps the transport's subscriptions in line with the registry until the
// connection ends.
func (h *EventHub) serve(ctx context.Context) error {
	subscribed := make(map[string]struct{})

	for h.reconcile(ctx, subscribed) > 0 {
		// reconcile schedules a wake for the retry
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-h.lost:
			return connectionError(err)
		case <-h.wake:
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-h.lost:
		return connectionError(err)
	default:
	}

	h.setState(ctx, Connected, nil)
	h.logger.Info("Event hub connected", zap.Int("topics", len(subscribed)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-h.lost:
			return connectionError(err)
		case <-h.wake:
			h.reconcile(ctx, subscribed)
		}
	}
}

// reconcile makes the set of destinations subscribed on the current
// connection equal to the registry's topics. It returns the number of topics
// that failed to subscribe.
func (h *EventHub) reconcile(ctx context.Context, subscribed map[string]struct{}) int {
	topics := h.Topics()

	wanted := make(map[string]struct{}, len(topics))
	failed := 0

	for _, topic := range topics {
		wanted[topic] = struct{}{}
		if _, ok := subscribed[topic]; ok {
			continue
		}

		if err := h.transportCall(ctx, h.transport.Subscribe, topic); err != nil {
			if ctx.Err() != nil {
				return 0
			}
			failed++
			h.logger.Warn("Failed to subscribe topic",
				zap.String("topic", topic),
				zap.String("destination", h.destination(topic)),
				zap.Error(err),
			)
			continue
		}

		subscribed[topic] = struct{}{}
		h.logger.Debug("Subscribed topic", zap.String("topic", topic))
		if h.subscribeCounter != nil {
			h.subscribeCounter.Add(ctx, 1, o11y.Label{Key: "operation", Value: "subscribe"})
		}
		if h.monitor != nil {
			h.monitor.OnSubscribe(ctx, topic)
		}
	}

	for topic := range subscribed {
		if _, ok := wanted[topic]; ok {
			continue
		}

		delete(subscribed, topic)

		// best effort: a leftover subscription without listeners is harmless
		if err := h.transportCall(ctx, h.transport.Unsubscribe, topic); err != nil {
			h.logger.Debug("Failed to unsubscribe topic", zap.String("topic", topic), zap.Error(err))
		}
		if h.subscribeCounter != nil {
			h.subscribeCounter.Add(ctx, 1, o11y.Label{Key: "operation", Value: "unsubscribe"})
		}
		if h.monitor != nil {
			h.monitor.OnUnsubscribe(ctx, topic)
		}
	}

	if failed > 0 {
		time.AfterFunc(h.policy.Delay(1), h.kick)
	}
	return failed
}

func (h *EventHub) transportCall(ctx context.Context, call func(context.Context, string) error, topic string) error {
	callCtx, cancel := context.WithTimeout(ctx, h.operationTimeout)
	defer cancel()
	return call(callCtx, h.destination(topic))
}

func (h *EventHub) drainLost() {
	for {
		select {
		case <-h.lost:
		default:
			return
		}
	}
}

func connectionError(err error) error {
	if err == nil {
		return errConnectionClosed
	}
	return err
}

// sleep waits for d and returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

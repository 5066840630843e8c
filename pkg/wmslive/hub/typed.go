package hub

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// SubscribeAs registers a listener that receives payloads converted to T.
// Payloads that cannot be converted are logged and skipped for this listener
// only.
//
//	type VehicleUpdate struct {
//	    VehicleID string `json:"vehicleId"`
//	    Active    bool   `json:"active"`
//	}
//
//	unsubscribe, err := hub.SubscribeAs(h, "vehicles", func(u VehicleUpdate) { ... })
func SubscribeAs[T any](h *EventHub, topic string, listener func(T)) (Unsubscribe, error) {
	if listener == nil {
		return nil, ErrNilListener
	}

	return h.Subscribe(topic, func(payload any) {
		if v, ok := payload.(T); ok {
			listener(v)
			return
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			h.logger.Warn("Failed to re-encode payload", zap.String("topic", topic), zap.Error(err))
			return
		}

		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			h.logger.Warn("Payload does not match listener type",
				zap.String("topic", topic),
				zap.String("type", typeName[T]()),
				zap.Error(err),
			)
			return
		}

		listener(v)
	})
}

func typeName[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

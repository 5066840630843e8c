// Package hub provides the EventHub, which multiplexes one persistent
// transport connection into many independent topic subscriptions.
//
// Consumers register listeners per topic. The hub keeps at most one
// transport-level subscription per topic no matter how many listeners share
// it, fans inbound messages out locally, and re-subscribes every registered
// topic after a reconnect so that no subscription is lost across a transient
// disconnect.
//
// A process normally builds exactly one EventHub in its composition root and
// passes it to whatever needs live updates:
//
//	h, err := hub.NewEventHub().WithTransport(factory).WithLogger(logger).Build()
//	if err != nil {
//	    return err
//	}
//	h.Activate()
//	defer h.Deactivate()
//
//	unsubscribe, err := h.Subscribe("orders", func(payload any) {
//	    // update the view
//	})
//	defer unsubscribe()
package hub

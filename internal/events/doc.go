// Package events provides the relay notification bus.
//
// The bus fans asynchronous notifications out to subscribed agents:
// lead.processed when a conversation closes, agent.status when directory
// entries change, handoff.failed when delivery retries exhaust, plus any
// caller-defined broadcast types.
//
// # Delivery semantics
//
// Delivery is at-least-once and unordered across subscribers. Publish never
// blocks: a subscriber whose buffer is full loses the event (reported
// through the error handler) while the rest are unaffected. Consumers must
// therefore tolerate both duplicates and gaps and treat events as hints to
// re-read authoritative state, not as state themselves.
//
// # Usage
//
//	bus := events.NewBus(
//		events.WithDefaultBufferSize(256),
//		events.WithErrorHandler(func(err error, ctx map[string]any) {
//			logger.Warn(context.Background(), "event dropped", "context", ctx)
//		}),
//	)
//	defer bus.Close()
//
//	ch, cleanup := bus.Subscribe(ctx, events.Filter{
//		Types:  []events.EventType{events.EventHandoffFailed},
//		LeadID: "lead-42",
//	}, 0)
//	defer cleanup()
//
//	for event := range ch {
//		// react to the failure
//	}
//
// Filter fields use AND logic; empty fields match everything.
package events

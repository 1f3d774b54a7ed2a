package events

import "github.com/kelindar/event"

// SubscribeToChannel adapts a bus subscription to a channel so the SSE
// handlers can select on client events alongside ctx.Done. A slow
// client loses events rather than stalling the dispatcher.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

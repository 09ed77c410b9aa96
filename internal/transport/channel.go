package transport

import "context"

// Channel is the duplex named-event channel the coordination core rides on.
// Send is asynchronous with respect to delivery; inbound events arrive on
// the handler registered with OnEvent.
type Channel interface {
	Send(ctx context.Context, evt Event) error
	OnEvent(fn func(Event))
	Close() error
}

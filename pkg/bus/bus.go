// Package bus carries normalized events from the transport to the routing
// workers and replies from the workers to the delivery loop. It is the only
// seam between those tasks, so a slow consumer never blocks frame receipt
// beyond the buffer size.
package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

type MessageBus struct {
	inbound  chan Event
	outbound chan OutboundMessage

	done      chan struct{}
	closeOnce sync.Once
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan Event, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a normalized event. It returns false when the bus
// is closed or the context ends before the event is accepted.
func (mb *MessageBus) PublishInbound(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.inbound <- event:
		return true
	}
}

// TryPublishInbound enqueues a normalized event without waiting. It returns
// false when the bus is closed or the buffer is full. The transport receive
// loop uses this so a backed-up queue can never delay frame acknowledgment.
func (mb *MessageBus) TryPublishInbound(event Event) bool {
	select {
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-mb.done:
		return false
	case mb.inbound <- event:
		return true
	default:
		return false
	}
}

// ConsumeInbound blocks for the next normalized event.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (Event, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return Event{}, false
	case <-mb.done:
		return Event{}, false
	case event := <-mb.inbound:
		return event, true
	}
}

// PublishOutbound enqueues a reply for delivery.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.outbound <- msg:
		return true
	}
}

// ConsumeOutbound blocks for the next reply to deliver.
func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-mb.done:
		return OutboundMessage{}, false
	case msg := <-mb.outbound:
		return msg, true
	}
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)
	})
}

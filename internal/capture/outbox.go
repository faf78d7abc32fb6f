package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/chatterhouse/internal/wire"
)

// ItemKind distinguishes the two things that travel through an [Outbox].
type ItemKind int

const (
	ItemFrame ItemKind = iota
	ItemControl
)

// Item is one queued outbound message. Frame payloads are borrowed from the
// pipeline pool; call [Item.Release] once the payload is no longer needed.
type Item struct {
	Kind    ItemKind
	Frame   wire.Frame
	Control wire.Control

	buf  *[]byte
	pool *sync.Pool
}

// Message returns the wire message carried by the item.
func (it *Item) Message() wire.Message {
	if it.Kind == ItemControl {
		return &it.Control
	}
	return &it.Frame
}

// Release returns the frame payload to its pool. It is a no-op for control
// items and safe to call more than once.
func (it *Item) Release() {
	if it.buf != nil && it.pool != nil {
		it.pool.Put(it.buf)
	}
	it.buf, it.pool = nil, nil
	it.Frame.Payload = nil
}

// ControlItem wraps c for [Outbox.Push].
func ControlItem(c wire.Control) Item {
	return Item{Kind: ItemControl, Control: c}
}

// Outbox is the bounded FIFO between the real-time capture context and the
// network sender. Audio frames use the non-blocking [Outbox.TryPush]; control
// messages use [Outbox.Push] so they are never lost and keep their position
// relative to frames.
//
// A control that cannot be queued in time may be parked with [Outbox.Defer].
// The parked item is sent once the queue ahead of it is empty, and always
// before any later control.
type Outbox struct {
	ch       chan Item
	deferred chan Item
}

// NewOutbox creates an outbox holding up to size items. size <= 0 uses 64.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{ch: make(chan Item, size), deferred: make(chan Item, 1)}
}

// TryPush enqueues it without blocking. It reports false when the outbox is
// full; the caller still owns the item.
func (o *Outbox) TryPush(it Item) bool {
	select {
	case o.ch <- it:
		return true
	default:
		return false
	}
}

// Push enqueues it, blocking until there is room or ctx is done. A parked
// item is queued first.
func (o *Outbox) Push(ctx context.Context, it Item) error {
	select {
	case d := <-o.deferred:
		select {
		case o.ch <- d:
		case <-ctx.Done():
			o.deferred <- d
			return fmt.Errorf("capture: enqueue %s: %w", it.Message().Tag(), ctx.Err())
		}
	default:
	}
	select {
	case o.ch <- it:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture: enqueue %s: %w", it.Message().Tag(), ctx.Err())
	}
}

// Defer parks a control item that [Outbox.Push] could not queue. Only one
// item can be parked; Defer reports false when the slot is taken.
//
// Defer and Push must not be called concurrently.
func (o *Outbox) Defer(it Item) bool {
	select {
	case o.deferred <- it:
		return true
	default:
		return false
	}
}

// Deferred reports whether an item is parked.
func (o *Outbox) Deferred() bool { return len(o.deferred) > 0 }

// C returns the receive side of the outbox.
func (o *Outbox) C() <-chan Item { return o.ch }

// Len returns the number of queued items.
func (o *Outbox) Len() int { return len(o.ch) }

// Cap returns the outbox capacity.
func (o *Outbox) Cap() int { return cap(o.ch) }

// Package eventbus provides a small per-instance publish/subscribe
// primitive. Handlers for one event run in subscription order; a
// panicking handler is logged and isolated so it cannot prevent later
// handlers from running or corrupt bus state.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler is invoked with the arguments passed to Emit.
type Handler func(args ...any)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	event string
	id    uint64
}

var subSeq atomic.Uint64

type entry struct {
	id      uint64
	fn      Handler
	once    bool
	removed atomic.Bool // set by Off
	fired   atomic.Bool // set when a once entry is claimed by an Emit
}

// Bus is a per-instance event emitter. The zero value is ready to use.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*entry
}

// New creates a Bus. Equivalent to new(Bus); provided for symmetry with
// other constructors in this module.
func New() *Bus {
	return &Bus{}
}

// On registers fn for event and returns a Subscription for Off.
func (b *Bus) On(event string, fn Handler) Subscription {
	return b.subscribe(event, fn, false)
}

// Once registers fn for event; it runs at most once and is removed
// before it is invoked, so a re-emit from inside fn cannot recurse.
func (b *Bus) Once(event string, fn Handler) Subscription {
	return b.subscribe(event, fn, true)
}

func (b *Bus) subscribe(event string, fn Handler, once bool) Subscription {
	e := &entry{id: subSeq.Add(1), fn: fn, once: once}
	b.mu.Lock()
	if b.handlers == nil {
		b.handlers = make(map[string][]*entry)
	}
	b.handlers[event] = append(b.handlers[event], e)
	b.mu.Unlock()
	return Subscription{event: event, id: e.id}
}

// Off removes a subscription. Removing an unknown or already-removed
// subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.event]
	for i, e := range list {
		if e.id == sub.id {
			e.removed.Store(true)
			b.handlers[sub.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit invokes all handlers registered for event, in subscription order,
// with args. The handler list is snapshotted first, so handlers may call
// On/Off/Once for the same event without deadlocking; a handler removed
// during the same Emit is skipped. A panic inside one handler is
// recovered and logged, and delivery continues with the next handler.
func (b *Bus) Emit(event string, args ...any) {
	b.mu.Lock()
	list := b.handlers[event]
	snapshot := make([]*entry, len(list))
	copy(snapshot, list)
	// Once entries leave the live list now; they fire at most once below.
	if len(list) > 0 {
		kept := list[:0]
		for _, e := range list {
			if !e.once {
				kept = append(kept, e)
			}
		}
		b.handlers[event] = kept
	}
	b.mu.Unlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		if e.once && !e.fired.CompareAndSwap(false, true) {
			continue
		}
		invoke(event, e.fn, args)
	}
}

func invoke(event string, fn Handler, args []any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: handler panic", "event", event, "panic", r)
		}
	}()
	fn(args...)
}

// Len reports the number of handlers currently registered for event.
func (b *Bus) Len(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}

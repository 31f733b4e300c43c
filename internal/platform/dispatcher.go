package platform

import (
	"log/slog"
	"sync"

	"proctord/internal/logging"
)

// Dispatcher is an in-process Bus. Dispatch delivers an event to every
// handler subscribed to its kind, in subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
	log    *slog.Logger
}

type subscription struct {
	id uint64
	h  Handler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[Kind][]subscription),
		log:  logging.Default().WithComponent("platform"),
	}
}

// Subscribe implements Bus.
func (d *Dispatcher) Subscribe(kind Kind, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[kind] = append(d.subs[kind], subscription{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(kind, id) })
	}
}

func (d *Dispatcher) unsubscribe(kind Kind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[kind]
	for i, s := range subs {
		if s.id == id {
			d.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.subs[kind]) == 0 {
		delete(d.subs, kind)
	}
}

// Dispatch delivers ev and reports whether any handler prevented the
// default action. A panicking handler is logged and skipped.
func (d *Dispatcher) Dispatch(ev *Event) bool {
	d.mu.RLock()
	subs := append([]subscription(nil), d.subs[ev.Kind]...)
	d.mu.RUnlock()

	for _, s := range subs {
		d.call(s.h, ev)
	}
	return ev.DefaultPrevented()
}

func (d *Dispatcher) call(h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("signal handler panicked", "kind", string(ev.Kind), "panic", r)
		}
	}()
	h(ev)
}

// Subscribers returns the number of handlers registered for kind.
func (d *Dispatcher) Subscribers(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[kind])
}

// Total returns the number of handlers registered across all kinds.
func (d *Dispatcher) Total() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, s := range d.subs {
		n += len(s)
	}
	return n
}

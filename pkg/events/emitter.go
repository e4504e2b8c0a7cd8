package events

import (
	"sync"
)

// Listener receives the value published for an event.
type Listener func(value any)

// ListenerID identifies a registration for Off.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

type pending struct {
	event string
	value any
}

// Emitter is a named-event publish/subscribe hub. Emit never blocks:
// values are queued and handed to listeners on a single dispatch
// goroutine in the order they were emitted, so a listener may call back
// into whatever emitted the event.
type Emitter struct {
	mu        sync.Mutex
	cond      *sync.Cond
	listeners map[string][]registration
	queue     []pending
	nextID    ListenerID
	closed    bool
	done      chan struct{}
}

func NewEmitter() *Emitter {
	e := &Emitter{
		listeners: make(map[string][]registration),
		done:      make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.dispatch()
	return e
}

// On registers fn for event.
func (e *Emitter) On(event string, fn Listener) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[event] = append(e.listeners[event], registration{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes a registration. Unknown ids are ignored.
func (e *Emitter) Off(id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for event, regs := range e.listeners {
		for i, r := range regs {
			if r.id != id {
				continue
			}
			e.listeners[event] = append(regs[:i:i], regs[i+1:]...)
			if len(e.listeners[event]) == 0 {
				delete(e.listeners, event)
			}
			return
		}
	}
}

// Emit queues value for the listeners of event.
func (e *Emitter) Emit(event string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, pending{event: event, value: value})
	e.cond.Signal()
}

// Close delivers what is already queued, then stops the dispatcher.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cond.Signal()
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) dispatch() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = pending{}
		e.queue = e.queue[1:]
		regs := e.listeners[next.event]
		e.mu.Unlock()

		for _, r := range regs {
			r.fn(next.value)
		}
	}
}

// Package discoverytest provides an in-process discovery.Transport.
package discoverytest

import (
	"sync"

	"tarun-kavipurapu/hubnet/pkg/discovery"
)

// Registry is a shared advertisement board. Every Manager in a test that
// uses the same Registry sees the others' advertisements, the way they
// would over mDNS on one LAN. Callbacks run synchronously on the goroutine
// that caused the change, outside the registry lock.
type Registry struct {
	Host string

	mu       sync.Mutex
	services map[int]discovery.Service // by advertisement handle
	browsers map[int]func(discovery.Change)
	nextID   int
}

func NewRegistry() *Registry {
	return &Registry{
		Host:     "127.0.0.1",
		services: make(map[int]discovery.Service),
		browsers: make(map[int]func(discovery.Change)),
	}
}

func (r *Registry) Advertise(port int, id string) (discovery.Stoppable, error) {
	svc := discovery.Service{Name: id, Host: r.Host, Port: port}

	r.mu.Lock()
	r.nextID++
	handle := r.nextID
	r.services[handle] = svc
	browsers := r.browsersLocked()
	r.mu.Unlock()

	notify(browsers, discovery.Change{Available: true, Service: svc})

	var once sync.Once
	return discovery.StopFunc(func() error {
		once.Do(func() {
			r.mu.Lock()
			delete(r.services, handle)
			browsers := r.browsersLocked()
			r.mu.Unlock()
			notify(browsers, discovery.Change{Available: false, Service: svc})
		})
		return nil
	}), nil
}

// Browse replays the current advertisements, then reports later ones.
func (r *Registry) Browse(onChange func(discovery.Change)) (discovery.Stoppable, error) {
	r.mu.Lock()
	r.nextID++
	handle := r.nextID
	r.browsers[handle] = onChange
	existing := make([]discovery.Service, 0, len(r.services))
	for _, svc := range r.services {
		existing = append(existing, svc)
	}
	r.mu.Unlock()

	for _, svc := range existing {
		onChange(discovery.Change{Available: true, Service: svc})
	}

	return discovery.StopFunc(func() error {
		r.mu.Lock()
		delete(r.browsers, handle)
		r.mu.Unlock()
		return nil
	}), nil
}

// Announce pushes a change to every browser without registering it,
// e.g. to point managers at a hand-made listener.
func (r *Registry) Announce(change discovery.Change) {
	r.mu.Lock()
	browsers := r.browsersLocked()
	r.mu.Unlock()
	notify(browsers, change)
}

// Services returns the current advertisements.
func (r *Registry) Services() []discovery.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]discovery.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

func (r *Registry) browsersLocked() []func(discovery.Change) {
	out := make([]func(discovery.Change), 0, len(r.browsers))
	for _, fn := range r.browsers {
		out = append(out, fn)
	}
	return out
}

func notify(browsers []func(discovery.Change), change discovery.Change) {
	for _, fn := range browsers {
		fn(change)
	}
}

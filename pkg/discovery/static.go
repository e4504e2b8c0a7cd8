package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Static is a Transport over a fixed seed list, for networks where
// multicast is unavailable. Advertising is a no-op; browsing reports every
// seed as available immediately and again on every interval, so a peer
// that was evicted and comes back is dialed again.
type Static struct {
	seeds    []Service
	interval time.Duration
}

// ParseSeed parses "id@host:port".
func ParseSeed(seed string) (Service, error) {
	id, hostPort, ok := strings.Cut(seed, "@")
	if !ok || id == "" {
		return Service{}, fmt.Errorf("seed %q: want id@host:port", seed)
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Service{}, fmt.Errorf("seed %q: %w", seed, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Service{}, fmt.Errorf("seed %q: invalid port %q", seed, portStr)
	}
	return Service{Name: id, Host: host, Port: port}, nil
}

// NewStatic builds a Static transport. An interval of zero announces the
// seeds once.
func NewStatic(seeds []string, interval time.Duration) (*Static, error) {
	s := &Static{interval: interval}
	for _, seed := range seeds {
		svc, err := ParseSeed(seed)
		if err != nil {
			return nil, err
		}
		s.seeds = append(s.seeds, svc)
	}
	return s, nil
}

func (s *Static) Advertise(port int, id string) (Stoppable, error) {
	return StopFunc(func() error { return nil }), nil
}

func (s *Static) Browse(onChange func(Change)) (Stoppable, error) {
	quit := make(chan struct{})
	done := make(chan struct{})

	announce := func() {
		for _, svc := range s.seeds {
			onChange(Change{Available: true, Service: svc})
		}
	}

	go func() {
		defer close(done)
		announce()
		if s.interval <= 0 {
			return
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				announce()
			}
		}
	}()

	var once sync.Once
	return StopFunc(func() error {
		once.Do(func() { close(quit) })
		<-done
		return nil
	}), nil
}

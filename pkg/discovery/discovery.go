package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"tarun-kavipurapu/hubnet/pkg/logger"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType defines the mDNS service type for hubnet
	ServiceType = "_hubnet._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."

	idKey = "id"
)

// Service describes one advertised network identity.
type Service struct {
	Name string
	Host string
	Port int
}

// Change reports that a service became available or went away.
type Change struct {
	Available bool
	Service   Service
}

// Stoppable is a handle to a running advertisement or browse.
type Stoppable interface {
	Stop() error
}

// StopFunc adapts a function to Stoppable.
type StopFunc func() error

func (f StopFunc) Stop() error { return f() }

// Transport is the advertise/browse mechanism the network layer uses.
type Transport interface {
	Advertise(port int, id string) (Stoppable, error)
	Browse(onChange func(Change)) (Stoppable, error)
}

// MDNS is a Transport over multicast DNS.
type MDNS struct {
	// Ifaces restricts the interfaces used; nil means all.
	Ifaces []string
}

func NewMDNS() *MDNS {
	return &MDNS{}
}

// interfaces resolves Ifaces by name. A nil result lets zeroconf use
// every multicast-capable interface.
func (m *MDNS) interfaces() ([]net.Interface, error) {
	if len(m.Ifaces) == 0 {
		return nil, nil
	}
	out := make([]net.Interface, 0, len(m.Ifaces))
	for _, name := range m.Ifaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("mDNS interface %q: %w", name, err)
		}
		out = append(out, *iface)
	}
	return out, nil
}

// Advertiser handles service broadcasting
type Advertiser struct {
	// Ifaces limits the announcement; nil means all interfaces.
	Ifaces []net.Interface

	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers id on port until the returned handle is stopped.
func (m *MDNS) Advertise(port int, id string) (Stoppable, error) {
	ifaces, err := m.interfaces()
	if err != nil {
		return nil, err
	}
	a := &Advertiser{Ifaces: ifaces}
	if err := a.Start(id, port, map[string]string{idKey: id}); err != nil {
		return nil, err
	}
	return a, nil
}

// Start begins broadcasting the service
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		txtRecords,
		a.Ifaces,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()
	logger.Sugar.Debugf("[Discovery] advertising: instance=%s port=%d", instanceName, port)
	return nil
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	return nil
}

// Browse reports every service found on the local network as an
// available change. mDNS goodbye packets are not surfaced; peers age out
// through heartbeat expiry instead.
func (m *MDNS) Browse(onChange func(Change)) (Stoppable, error) {
	ifaces, err := m.interfaces()
	if err != nil {
		return nil, err
	}
	var opts []zeroconf.ClientOption
	if ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}
	resolver, err := zeroconf.NewResolver(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc, ok := serviceFromEntry(entry)
				if !ok {
					continue
				}
				logger.Sugar.Debugf("[Discovery] discovered service: name=%s host=%s port=%d", svc.Name, svc.Host, svc.Port)
				onChange(Change{Available: true, Service: svc})
			}
		}
	}()

	return StopFunc(func() error {
		cancel()
		<-done
		return nil
	}), nil
}

func serviceFromEntry(entry *zeroconf.ServiceEntry) (Service, bool) {
	svc := Service{
		Name: entry.Instance,
		Port: entry.Port,
	}
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 && parts[0] == idKey {
			svc.Name = parts[1]
		}
	}

	// Prefer IPv4
	switch {
	case len(entry.AddrIPv4) > 0:
		svc.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		svc.Host = entry.AddrIPv6[0].String()
	default:
		return Service{}, false
	}
	return svc, svc.Name != "" && svc.Port > 0
}

// Package network lets processes running the hub discover each other on
// the local network and exchange typed event messages.
//
// A Manager owns the local identity, the listening socket and the peer
// table. All of its state is confined to one goroutine; discovery
// callbacks, inbound frames, timers and API calls are posted to it as
// commands, so the table is never touched concurrently.
package network

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tarun-kavipurapu/hubnet/pkg/discovery"
	"tarun-kavipurapu/hubnet/pkg/events"
	"tarun-kavipurapu/hubnet/pkg/logger"
	"tarun-kavipurapu/hubnet/pkg/monitor"
	"tarun-kavipurapu/hubnet/pkg/protocol"
	"tarun-kavipurapu/hubnet/pkg/transport"
	"tarun-kavipurapu/hubnet/pkg/transport/tcp"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Event names published by a Manager.
const (
	// EventMessage carries a Message.
	EventMessage = "message"
	// EventPeerConnected carries the peer id as a string.
	EventPeerConnected = "peerConnected"
	// EventPeerDisconnected carries the peer id as a string.
	EventPeerDisconnected = "peerDisconnected"
)

// Message is a non-heartbeat frame received from a peer.
type Message struct {
	Peer    string
	Type    string
	Payload any
}

// PeerInfo is a snapshot of one peer table entry.
type PeerInfo struct {
	ID    string
	Addr  string
	State string
}

type Manager struct {
	id        string
	cfg       Config
	disc      discovery.Transport
	transport transport.Transport
	metrics   *monitor.Metrics
	events    *events.Emitter

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	joinMu sync.Mutex
	joined bool

	// Owned by the loop goroutine.
	port       int
	peers      map[string]*Peer
	stoppables []discovery.Stoppable
}

// NewManager creates a manager and starts its event loop. disc may be nil,
// in which case the manager only talks to peers that reach it directly.
func NewManager(cfg Config, disc discovery.Transport) *Manager {
	cfg = cfg.withDefaults()

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	m := &Manager{
		id:      id,
		cfg:     cfg,
		disc:    disc,
		metrics: cfg.Metrics,
		events:  events.NewEmitter(),
		cmds:    make(chan func(), 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		peers:   make(map[string]*Peer),
	}
	m.transport = tcp.NewTCPTransport(tcp.Options{
		Host:         cfg.Host,
		BasePort:     cfg.BasePort,
		PortAttempts: cfg.PortAttempts,
		MaxFrameSize: cfg.MaxFrameSize,
		WriteTimeout: cfg.WriteTimeout,
		OnCorrupt: func(remote string, skippedBytes, droppedFrames int) {
			m.metrics.RecordResync(skippedBytes)
			m.metrics.RecordDropped(monitor.DropCorrupt, droppedFrames)
		},
	})

	go m.loop()
	return m
}

func (m *Manager) ID() string {
	return m.id
}

// Port returns the bound listening port, or 0 before a successful Join.
func (m *Manager) Port() int {
	return m.transport.Port()
}

func (m *Manager) Metrics() *monitor.Metrics {
	return m.metrics
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case fn := <-m.cmds:
			fn()
		case rpc := <-m.transport.Consume():
			m.handleIncomingMessage(rpc.Envelope)
		}
	}
}

// do posts fn to the loop. It reports false once the manager is closed.
func (m *Manager) do(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.cmds <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(fn func()) error {
	ack := make(chan struct{})
	if !m.do(func() {
		defer close(ack)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-ack:
		return nil
	case <-m.quit:
		select {
		case <-ack:
			return nil
		default:
			return ErrClosed
		}
	}
}

// task is a cancellable timer whose callback runs on the loop.
type task struct {
	timer   *time.Timer
	stopped bool
}

func (m *Manager) after(d time.Duration, fn func()) *task {
	t := &task{}
	t.timer = time.AfterFunc(d, func() {
		m.do(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// stop cancels t. A callback already queued on the loop sees the flag
// and does nothing.
func (t *task) stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

// Join starts the listening socket on the first free port from BasePort,
// advertises (id, port) and starts browsing for peers. If binding fails
// nothing else is started. Errors from discovery are returned after the
// listener is already up. After Leave, Join advertises and browses again
// on the listener that is already bound.
func (m *Manager) Join() error {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()

	select {
	case <-m.quit:
		return ErrClosed
	default:
	}
	if m.joined {
		return ErrAlreadyJoined
	}

	port := m.transport.Port()
	if port == 0 {
		logger.Sugar.Debugf("[Network] about to join network as %s", m.id)
		if err := m.transport.ListenAndAccept(); err != nil {
			logger.Sugar.Debugf("[Network] no port to bind, staying inert: base=%d err=%v", m.cfg.BasePort, err)
			return fmt.Errorf("join: %w", err)
		}
		port = m.transport.Port()
		if err := m.call(func() { m.port = port }); err != nil {
			return err
		}
		logger.Sugar.Infof("[Network] started local server: id=%s port=%d", m.id, port)
	}
	m.joined = true

	if m.disc == nil {
		return nil
	}

	var errs error
	adv, err := m.disc.Advertise(port, m.id)
	if err != nil {
		logger.Sugar.Errorf("[Network] failed to advertise: port=%d err=%v", port, err)
		errs = multierr.Append(errs, fmt.Errorf("advertise: %w", err))
	} else {
		m.track(adv)
	}

	browse, err := m.disc.Browse(func(change discovery.Change) {
		m.do(func() { m.handlePeerChange(change) })
	})
	if err != nil {
		logger.Sugar.Errorf("[Network] failed to browse for peers: err=%v", err)
		errs = multierr.Append(errs, fmt.Errorf("browse: %w", err))
	} else {
		m.track(browse)
	}
	return errs
}

func (m *Manager) track(s discovery.Stoppable) {
	if err := m.call(func() { m.stoppables = append(m.stoppables, s) }); err != nil {
		_ = s.Stop()
	}
}

// Leave stops advertising and browsing. Existing peers, their connections
// and the listening socket stay up until they expire or Close is called.
func (m *Manager) Leave() error {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()

	var stoppables []discovery.Stoppable
	if err := m.call(func() {
		stoppables = m.stoppables
		m.stoppables = nil
	}); err != nil {
		return err
	}
	m.joined = false
	logger.Sugar.Infof("[Network] leaving network: id=%s", m.id)
	return stopAll(stoppables)
}

// Close leaves the network and releases everything: the listener and its
// inbound connections, every peer with its connection and timers, and the
// event dispatcher. Remaining peers are reported as disconnected. Close
// must not be called from an event listener.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		var stoppables []discovery.Stoppable
		_ = m.call(func() {
			stoppables = m.stoppables
			m.stoppables = nil
		})
		err = stopAll(stoppables)

		close(m.quit)
		<-m.done

		// The loop has exited; the table is ours now.
		for _, p := range m.peers {
			p.remove(monitor.ReasonClosed)
		}

		err = multierr.Append(err, m.transport.Close())
		m.events.Close()
	})
	return err
}

func stopAll(stoppables []discovery.Stoppable) error {
	var err error
	for _, s := range stoppables {
		err = multierr.Append(err, s.Stop())
	}
	return err
}

func (m *Manager) peer(id string) *Peer {
	if p, ok := m.peers[id]; ok {
		return p
	}

	p := newPeer(m, id)
	m.peers[id] = p
	m.metrics.SetPeers(len(m.peers))
	p.pinged()
	return p
}

func (m *Manager) handlePeerChange(change discovery.Change) {
	svc := change.Service

	// Ignore changes to ourselves
	if svc.Name == m.id && svc.Port == m.port {
		return
	}

	// Unavailable peers age out through heartbeat expiry.
	if !change.Available {
		return
	}

	logger.Sugar.Debugf("[Network] connecting with peer %s at %s:%d", svc.Name, svc.Host, svc.Port)
	m.peer(svc.Name).setAddress(svc.Host, svc.Port)
}

func (m *Manager) handleIncomingMessage(env protocol.Envelope) {
	p := m.peer(env.Sender)
	p.pinged()

	m.metrics.RecordReceived(env.IsPing())
	if env.IsPing() {
		return
	}

	m.emit(EventMessage, Message{
		Peer:    env.Sender,
		Type:    env.Type,
		Payload: env.Payload,
	})
}

// Broadcast queues (msgType, payload) for every peer in the table and
// returns how many accepted it. Peers without an outbound connection are
// skipped.
func (m *Manager) Broadcast(msgType string, payload any) int {
	var sent int
	_ = m.call(func() {
		frame, err := m.encode(msgType, payload)
		if err != nil {
			logger.Sugar.Warnf("[Network] dropping broadcast: type=%s err=%v", msgType, err)
			return
		}
		for _, p := range m.peers {
			if p.sendFrame(frame, false) == nil {
				sent++
			}
		}
	})
	return sent
}

// Send queues (msgType, payload) for one peer. An unknown peer gets a
// table entry, but without an address it has no connection and the
// message is dropped with ErrNotConnected. Callers after best-effort
// delivery may ignore the error.
func (m *Manager) Send(peerID, msgType string, payload any) error {
	var err error
	if cerr := m.call(func() {
		err = m.peer(peerID).send(msgType, payload)
	}); cerr != nil {
		return cerr
	}
	return err
}

func (m *Manager) encode(msgType string, payload any) ([]byte, error) {
	frame, err := tcp.EncodeFrame(protocol.Envelope{
		Sender:  m.id,
		Type:    msgType,
		Payload: payload,
	})
	if err == nil {
		err = tcp.CheckFrameSize(frame, m.cfg.MaxFrameSize)
	}
	if err != nil {
		m.metrics.RecordDropped(monitor.DropEncode, 1)
		return nil, err
	}
	return frame, nil
}

// Peers returns the current peer table sorted by id.
func (m *Manager) Peers() []PeerInfo {
	var out []PeerInfo
	_ = m.call(func() {
		out = make([]PeerInfo, 0, len(m.peers))
		for _, p := range m.peers {
			out = append(out, PeerInfo{ID: p.id, Addr: p.addr, State: p.state.String()})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// On registers a listener for one of the Event names.
func (m *Manager) On(event string, l events.Listener) events.ListenerID {
	return m.events.On(event, l)
}

// Off removes a listener registered with On or one of its typed variants.
func (m *Manager) Off(id events.ListenerID) {
	m.events.Off(id)
}

func (m *Manager) OnMessage(fn func(Message)) events.ListenerID {
	return m.On(EventMessage, func(v any) { fn(v.(Message)) })
}

func (m *Manager) OnPeerConnected(fn func(peerID string)) events.ListenerID {
	return m.On(EventPeerConnected, func(v any) { fn(v.(string)) })
}

func (m *Manager) OnPeerDisconnected(fn func(peerID string)) events.ListenerID {
	return m.On(EventPeerDisconnected, func(v any) { fn(v.(string)) })
}

func (m *Manager) emit(event string, value any) {
	m.events.Emit(event, value)
}

package network

import (
	"context"
	"net"
	"strconv"

	"tarun-kavipurapu/hubnet/pkg/logger"
	"tarun-kavipurapu/hubnet/pkg/monitor"
	"tarun-kavipurapu/hubnet/pkg/protocol"
	"tarun-kavipurapu/hubnet/pkg/transport"
)

type peerState int

const (
	stateDisconnected peerState = iota
	stateConnecting
	stateConnected
	stateRemoved
)

func (s peerState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Peer is one remote process. It only tracks the connection it opened
// itself; frames from the remote arrive over the remote's own outbound
// connection to our listener. A Peer never goes back to disconnected:
// once removed it is discarded, and a later sighting of the same id
// creates a new Peer.
//
// All fields are owned by the manager loop.
type Peer struct {
	id    string
	owner *Manager

	state  peerState
	addr   string
	node   transport.Node
	outbox chan []byte
	cancel context.CancelFunc

	heartbeat *task
	expiry    *task
}

func newPeer(owner *Manager, id string) *Peer {
	return &Peer{id: id, owner: owner}
}

func (p *Peer) ID() string {
	return p.id
}

// setAddress opens the outbound connection, once per Peer. peerConnected
// fires here, when the connection is initiated, not when it completes.
func (p *Peer) setAddress(host string, port int) {
	if p.state != stateDisconnected {
		return
	}

	cfg := p.owner.cfg
	p.addr = net.JoinHostPort(host, strconv.Itoa(port))
	p.state = stateConnecting
	p.outbox = make(chan []byte, cfg.OutboxSize)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx, p.addr, p.outbox)

	p.heartbeat.stop()
	p.scheduleHeartbeat()
	p.ping()

	p.owner.metrics.RecordConnect()
	p.owner.emit(EventPeerConnected, p.id)
}

// run dials and then drains the outbox onto the connection. It lives on
// its own goroutine and reports back to the loop through owner.do.
func (p *Peer) run(ctx context.Context, addr string, outbox <-chan []byte) {
	owner := p.owner

	dialCtx, cancelDial := context.WithTimeout(ctx, owner.cfg.DialTimeout)
	node, err := owner.transport.Dial(dialCtx, addr)
	cancelDial()
	if err != nil {
		owner.do(func() { p.connectionError(err) })
		return
	}
	defer node.Close()

	if !owner.do(func() { p.connected(node) }) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-node.Done():
			err := node.Err()
			owner.do(func() { p.connectionError(err) })
			return
		case frame := <-outbox:
			if err := node.Write(frame); err != nil {
				owner.do(func() { p.connectionError(err) })
				return
			}
		}
	}
}

func (p *Peer) connected(node transport.Node) {
	if p.state != stateConnecting {
		node.Close()
		return
	}
	p.node = node
	p.state = stateConnected
	logger.Sugar.Debugf("[Peer %s] connected to %s", p.id, node.Addr())
}

func (p *Peer) connectionError(err error) {
	if p.state == stateRemoved {
		return
	}
	logger.Sugar.Debugf("[Peer %s] error occurred during connection: addr=%s err=%v", p.id, p.addr, err)
	p.remove(monitor.ReasonError)
}

// remove drops the peer from the table, reports it disconnected and tears
// down its connection and both timers. Only the first call has effect.
func (p *Peer) remove(reason string) {
	if p.state == stateRemoved {
		return
	}
	p.state = stateRemoved

	p.heartbeat.stop()
	p.expiry.stop()
	if p.cancel != nil {
		p.cancel()
	}
	if p.node != nil {
		p.node.Close()
		p.node = nil
	}

	owner := p.owner
	if owner.peers[p.id] == p {
		delete(owner.peers, p.id)
		owner.metrics.SetPeers(len(owner.peers))
	}
	owner.metrics.RecordDisconnect(reason)
	owner.emit(EventPeerDisconnected, p.id)
}

func (p *Peer) scheduleHeartbeat() {
	p.heartbeat = p.owner.after(p.owner.cfg.HeartbeatInterval, func() {
		p.ping()
		p.scheduleHeartbeat()
	})
}

func (p *Peer) ping() {
	_ = p.send(protocol.PingType, nil)
}

// pinged re-arms the liveness timer. It is called for every frame
// received from this peer, heartbeats included.
func (p *Peer) pinged() {
	p.expiry.stop()
	p.expiry = p.owner.after(p.owner.cfg.ExpiryTimeout, func() {
		logger.Sugar.Debugf("[Peer %s] expired due to missed ping, removing from peers", p.id)
		p.remove(monitor.ReasonExpired)
	})
}

func (p *Peer) send(msgType string, payload any) error {
	if p.outbox == nil {
		p.owner.metrics.RecordDropped(monitor.DropNoConnection, 1)
		return ErrNotConnected
	}
	frame, err := p.owner.encode(msgType, payload)
	if err != nil {
		return err
	}
	return p.sendFrame(frame, msgType == protocol.PingType)
}

func (p *Peer) sendFrame(frame []byte, ping bool) error {
	metrics := p.owner.metrics
	if p.outbox == nil || p.state == stateRemoved {
		metrics.RecordDropped(monitor.DropNoConnection, 1)
		return ErrNotConnected
	}

	select {
	case p.outbox <- frame:
		metrics.RecordSent(ping)
		return nil
	default:
		metrics.RecordDropped(monitor.DropQueueFull, 1)
		logger.Sugar.Debugf("[Peer %s] outbox full, dropping frame", p.id)
		return ErrQueueFull
	}
}

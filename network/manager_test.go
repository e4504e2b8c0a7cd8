package network

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"tarun-kavipurapu/hubnet/pkg/discovery"
	"tarun-kavipurapu/hubnet/pkg/discovery/discoverytest"
	"tarun-kavipurapu/hubnet/pkg/protocol"
	"tarun-kavipurapu/hubnet/pkg/transport/tcp"

	"github.com/stretchr/testify/require"
)

const (
	testHeartbeat = 50 * time.Millisecond
	testExpiry    = 250 * time.Millisecond
	waitFor       = 3 * time.Second
	tick          = 5 * time.Millisecond
)

func testConfig(id string) Config {
	cfg := DefaultConfig()
	cfg.ID = id
	cfg.Host = "127.0.0.1"
	cfg.BasePort = 0
	cfg.HeartbeatInterval = testHeartbeat
	cfg.ExpiryTimeout = testExpiry
	cfg.DialTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, id string, disc discovery.Transport) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(testConfig(id), disc)
	t.Cleanup(func() { m.Close() })
	return m, record(m)
}

type recorder struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	messages     []Message
}

func record(m *Manager) *recorder {
	r := &recorder{}
	m.OnPeerConnected(func(id string) {
		r.mu.Lock()
		r.connected = append(r.connected, id)
		r.mu.Unlock()
	})
	m.OnPeerDisconnected(func(id string) {
		r.mu.Lock()
		r.disconnected = append(r.disconnected, id)
		r.mu.Unlock()
	})
	m.OnMessage(func(msg Message) {
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		r.mu.Unlock()
	})
	return r
}

func count(ids []string, id string) int {
	n := 0
	for _, v := range ids {
		if v == id {
			n++
		}
	}
	return n
}

func (r *recorder) connects(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return count(r.connected, id)
}

func (r *recorder) disconnects(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return count(r.disconnected, id)
}

func (r *recorder) messagesOf(msgType string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, msg := range r.messages {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// dialManager opens a raw connection to m's listener.
func dialManager(t *testing.T, m *Manager) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(m.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn net.Conn, env protocol.Envelope) {
	t.Helper()
	frame, err := tcp.EncodeFrame(env)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

// keepAlive pings m as sender over conn until the test ends.
func keepAlive(t *testing.T, conn net.Conn, sender string) {
	t.Helper()
	frame, err := tcp.EncodeFrame(protocol.Envelope{Sender: sender, Type: protocol.PingType})
	require.NoError(t, err)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		ticker := time.NewTicker(testHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := conn.Write(frame); err != nil {
					return
				}
			}
		}
	}()
}

// silentListener accepts connections and never writes back.
func silentListener(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(io.Discard, conn)
			}()
		}
	}()
	return lis.Addr().(*net.TCPAddr).Port
}

func lookupPeerState(m *Manager, id string) (string, bool) {
	for _, p := range m.Peers() {
		if p.ID == id {
			return p.State, true
		}
	}
	return "", false
}

func TestManager_TwoPeersExchangeMessages(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	b, rb := newTestManager(t, "b1", reg)

	require.NoError(t, a.Join())
	require.NoError(t, b.Join())

	require.Eventually(t, func() bool {
		return ra.connects("b1") == 1 && rb.connects("a1") == 1
	}, waitFor, tick)

	require.NoError(t, a.Send("b1", "greet", map[string]any{"x": 1}))

	require.Eventually(t, func() bool {
		return len(rb.messagesOf("greet")) == 1
	}, waitFor, tick)
	require.Equal(t, Message{Peer: "a1", Type: "greet", Payload: map[string]any{"x": 1.0}}, rb.messagesOf("greet")[0])

	// Heartbeats are never surfaced.
	time.Sleep(3 * testHeartbeat)
	require.Empty(t, ra.messagesOf(protocol.PingType))
	require.Empty(t, rb.messagesOf(protocol.PingType))

	// Steady heartbeating keeps both sides alive well past the expiry window.
	time.Sleep(2 * testExpiry)
	require.Zero(t, ra.disconnects("b1"))
	require.Zero(t, rb.disconnects("a1"))
	require.Equal(t, 1, ra.connects("b1"))
	require.Equal(t, 1, rb.connects("a1"))
}

func TestManager_SelfDiscoveryIgnored(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	require.NoError(t, a.Join())

	// The registry replays our own advertisement; announce it once more.
	reg.Announce(discovery.Change{
		Available: true,
		Service:   discovery.Service{Name: "a1", Host: "127.0.0.1", Port: a.Port()},
	})

	time.Sleep(2 * testHeartbeat)
	require.Empty(t, a.Peers())
	require.Zero(t, ra.connects("a1"))
}

func TestManager_SendToUnknownPeerIsDropped(t *testing.T) {
	t.Parallel()

	a, ra := newTestManager(t, "a1", nil)

	err := a.Send("unknown-id", "x", map[string]any{})
	require.ErrorIs(t, err, ErrNotConnected)

	state, ok := lookupPeerState(a, "unknown-id")
	require.True(t, ok)
	require.Equal(t, "disconnected", state)
	require.Zero(t, ra.connects("unknown-id"))
	require.Zero(t, a.Broadcast("x", nil))
}

func TestManager_SilentPeerExpires(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	require.NoError(t, a.Join())

	port := silentListener(t)
	silent := discovery.Change{
		Available: true,
		Service:   discovery.Service{Name: "silent", Host: "127.0.0.1", Port: port},
	}
	reg.Announce(silent)

	require.Eventually(t, func() bool { return ra.connects("silent") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return ra.disconnects("silent") == 1 }, waitFor, tick)

	_, ok := lookupPeerState(a, "silent")
	require.False(t, ok)

	// Cancelled timers must not fire again for the removed peer.
	time.Sleep(2 * testExpiry)
	require.Equal(t, 1, ra.disconnects("silent"))

	// A later sighting creates a fresh peer.
	reg.Announce(silent)
	require.Eventually(t, func() bool { return ra.connects("silent") == 2 }, waitFor, tick)
}

func TestManager_InboundHeartbeatsKeepPeer(t *testing.T) {
	t.Parallel()

	a, ra := newTestManager(t, "a1", nil)
	require.NoError(t, a.Join())

	conn := dialManager(t, a)
	deadline := time.Now().Add(4 * testExpiry)
	for time.Now().Before(deadline) {
		writeEnvelope(t, conn, protocol.Envelope{Sender: "steady", Type: protocol.PingType})
		time.Sleep(testHeartbeat)
	}

	state, ok := lookupPeerState(a, "steady")
	require.True(t, ok)
	require.Equal(t, "disconnected", state)
	require.Zero(t, ra.disconnects("steady"))

	// Once the beats stop the entry ages out exactly once.
	require.Eventually(t, func() bool { return ra.disconnects("steady") == 1 }, waitFor, tick)
	time.Sleep(2 * testExpiry)
	require.Equal(t, 1, ra.disconnects("steady"))
}

func TestManager_BroadcastReachesConnectedPeersOnly(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	b, rb := newTestManager(t, "b1", reg)
	require.NoError(t, a.Join())
	require.NoError(t, b.Join())
	require.Eventually(t, func() bool { return ra.connects("b1") == 1 }, waitFor, tick)

	// c1 reaches a1 directly; a1 has no address for it.
	conn := dialManager(t, a)
	writeEnvelope(t, conn, protocol.Envelope{Sender: "c1", Type: "hello"})
	keepAlive(t, conn, "c1")
	require.Eventually(t, func() bool { return len(ra.messagesOf("hello")) == 1 }, waitFor, tick)

	require.Equal(t, 1, a.Broadcast("news", "lights on"))

	require.Eventually(t, func() bool { return len(rb.messagesOf("news")) == 1 }, waitFor, tick)
	require.Equal(t, Message{Peer: "a1", Type: "news", Payload: "lights on"}, rb.messagesOf("news")[0])

	state, ok := lookupPeerState(a, "c1")
	require.True(t, ok)
	require.Equal(t, "disconnected", state)
	require.Zero(t, ra.connects("c1"))
}

func TestManager_KilledPeerIsEvicted(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	b, _ := newTestManager(t, "b1", reg)
	require.NoError(t, a.Join())
	require.NoError(t, b.Join())
	require.Eventually(t, func() bool {
		state, _ := lookupPeerState(a, "b1")
		return state == "connected"
	}, waitFor, tick)

	killed := time.Now()
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool { return ra.disconnects("b1") == 1 }, waitFor, tick)
	require.Less(t, time.Since(killed), 3*testExpiry)

	time.Sleep(2 * testExpiry)
	require.Equal(t, 1, ra.disconnects("b1"))
	_, ok := lookupPeerState(a, "b1")
	require.False(t, ok)
}

func TestManager_CorruptInputDoesNotBreakStream(t *testing.T) {
	t.Parallel()

	a, ra := newTestManager(t, "a1", nil)
	require.NoError(t, a.Join())

	conn := dialManager(t, a)
	_, err := conn.Write([]byte{0x00, 0x01, 0x02, tcp.FrameMagic, 0x09})
	require.NoError(t, err)
	writeEnvelope(t, conn, protocol.Envelope{Sender: "c1", Type: "after-garbage", Payload: 7})

	require.Eventually(t, func() bool { return len(ra.messagesOf("after-garbage")) == 1 }, waitFor, tick)
	require.Equal(t, 7.0, ra.messagesOf("after-garbage")[0].Payload)
}

func TestManager_JoinBindFailureStaysInert(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	reg := discoverytest.NewRegistry()
	cfg := testConfig("a1")
	cfg.BasePort = busy.Addr().(*net.TCPAddr).Port
	cfg.PortAttempts = 1
	a := NewManager(cfg, reg)
	defer a.Close()

	require.Error(t, a.Join())
	require.Zero(t, a.Port())
	require.Empty(t, reg.Services())
}

func TestManager_JoinTwice(t *testing.T) {
	t.Parallel()

	a, _ := newTestManager(t, "a1", nil)
	require.NoError(t, a.Join())
	require.ErrorIs(t, a.Join(), ErrAlreadyJoined)
}

func TestManager_LeaveStopsDiscovery(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	b, _ := newTestManager(t, "b1", reg)
	require.NoError(t, a.Join())
	require.NoError(t, b.Join())
	require.Eventually(t, func() bool { return ra.connects("b1") == 1 }, waitFor, tick)

	require.NoError(t, a.Leave())
	require.Len(t, reg.Services(), 1)

	// Connections are left alone.
	state, ok := lookupPeerState(a, "b1")
	require.True(t, ok)
	require.NotEqual(t, "removed", state)

	// New advertisements are no longer seen.
	c, _ := newTestManager(t, "c1", reg)
	require.NoError(t, c.Join())
	time.Sleep(2 * testHeartbeat)
	require.Zero(t, ra.connects("c1"))
}

func TestManager_JoinAfterLeave(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	require.NoError(t, a.Join())
	port := a.Port()

	require.NoError(t, a.Leave())
	require.Empty(t, reg.Services())

	require.NoError(t, a.Join())
	require.Equal(t, port, a.Port())
	require.Equal(t, []discovery.Service{{Name: "a1", Host: "127.0.0.1", Port: port}}, reg.Services())
	require.ErrorIs(t, a.Join(), ErrAlreadyJoined)

	// Browsing is back on.
	b, _ := newTestManager(t, "b1", reg)
	require.NoError(t, b.Join())
	require.Eventually(t, func() bool { return ra.connects("b1") == 1 }, waitFor, tick)
}

func TestManager_ReannouncedPeerIsReused(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a, ra := newTestManager(t, "a1", reg)
	b, _ := newTestManager(t, "b1", reg)
	require.NoError(t, a.Join())
	require.NoError(t, b.Join())
	require.Eventually(t, func() bool { return ra.connects("b1") == 1 }, waitFor, tick)

	before := a.Peers()
	require.Len(t, before, 1)
	addr := before[0].Addr
	require.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(b.Port())), addr)

	reg.Announce(discovery.Change{
		Available: true,
		Service:   discovery.Service{Name: "b1", Host: "127.0.0.1", Port: b.Port()},
	})
	reg.Announce(discovery.Change{
		Available: true,
		Service:   discovery.Service{Name: "b1", Host: "127.0.0.1", Port: b.Port() + 1},
	})

	// Peers is served by the loop, so both changes have been handled.
	after := a.Peers()
	require.Len(t, after, 1)
	require.Equal(t, "b1", after[0].ID)
	require.Equal(t, addr, after[0].Addr)
	require.NotEqual(t, "removed", after[0].State)

	time.Sleep(2 * testHeartbeat)
	require.Equal(t, 1, ra.connects("b1"))
	require.Zero(t, ra.disconnects("b1"))
}

func TestManager_CloseReportsPeers(t *testing.T) {
	t.Parallel()

	reg := discoverytest.NewRegistry()
	a := NewManager(testConfig("a1"), reg)
	ra := record(a)
	b, _ := newTestManager(t, "b1", reg)
	require.NoError(t, a.Join())
	require.NoError(t, b.Join())
	require.Eventually(t, func() bool { return ra.connects("b1") == 1 }, waitFor, tick)

	require.NoError(t, a.Close())
	require.Equal(t, 1, ra.disconnects("b1"))
	require.NoError(t, a.Close())

	require.ErrorIs(t, a.Send("b1", "x", nil), ErrClosed)
	require.ErrorIs(t, a.Join(), ErrClosed)
	require.Empty(t, a.Peers())
}

func TestManager_UnavailableChangeIsIgnored(t *testing.T) {
	t.Parallel()

	a, ra := newTestManager(t, "a1", nil)
	require.NoError(t, a.call(func() {
		a.handlePeerChange(discovery.Change{
			Available: false,
			Service:   discovery.Service{Name: "b1", Host: "127.0.0.1", Port: 1},
		})
	}))
	require.Empty(t, a.Peers())
	require.Zero(t, ra.connects("b1"))
}

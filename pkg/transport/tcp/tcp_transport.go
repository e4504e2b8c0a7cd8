package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"tarun-kavipurapu/hubnet/pkg/logger"
	"tarun-kavipurapu/hubnet/pkg/protocol"
	"tarun-kavipurapu/hubnet/pkg/transport"
)

const readBufferSize = 4096

// TCPNode implements transport.Node for an outbound connection
type TCPNode struct {
	conn         net.Conn
	lock         sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func NewTCPNode(conn net.Conn, writeTimeout time.Duration) *TCPNode {
	n := &TCPNode{
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	go n.watch()
	return n
}

// watch blocks reading the connection. The remote never writes on an
// outbound connection, so any return means the connection is gone.
func (n *TCPNode) watch() {
	_, err := io.Copy(io.Discard, n.conn)
	if err == nil {
		err = io.EOF
	}
	n.fail(err)
}

func (n *TCPNode) fail(err error) {
	n.closeOnce.Do(func() {
		n.err = err
		_ = n.conn.Close()
		close(n.done)
	})
}

func (n *TCPNode) Send(env protocol.Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	return n.Write(frame)
}

func (n *TCPNode) Write(frame []byte) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.writeTimeout > 0 {
		_ = n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout))
	}
	if _, err := n.conn.Write(frame); err != nil {
		n.fail(err)
		return err
	}
	return nil
}

func (n *TCPNode) Close() error {
	n.fail(net.ErrClosed)
	return nil
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

func (n *TCPNode) Done() <-chan struct{} {
	return n.done
}

func (n *TCPNode) Err() error {
	select {
	case <-n.done:
		return n.err
	default:
		return nil
	}
}

// Options configures a TCPTransport.
type Options struct {
	Host string
	// BasePort is the first port tried; 0 lets the kernel choose.
	BasePort     int
	PortAttempts int
	MaxFrameSize int
	WriteTimeout time.Duration
	// OnCorrupt, when set, is called after a read that made the decoder
	// skip bytes or drop frames.
	OnCorrupt func(remote string, skippedBytes, droppedFrames int)
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	opts     Options
	listener net.Listener
	port     int
	rpcCh    chan protocol.RPC

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	quitCh chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewTCPTransport(opts Options) *TCPTransport {
	if opts.PortAttempts <= 0 {
		opts.PortAttempts = 1
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	return &TCPTransport{
		opts:   opts,
		rpcCh:  make(chan protocol.RPC, 1024),
		conns:  make(map[net.Conn]struct{}),
		quitCh: make(chan struct{}),
	}
}

// ListenAndAccept binds the first free port starting at BasePort and
// starts accepting connections in the background.
func (t *TCPTransport) ListenAndAccept() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return net.ErrClosed
	}
	if t.listener != nil {
		return errors.New("transport already listening")
	}

	lis, err := listenFrom(t.opts.Host, t.opts.BasePort, t.opts.PortAttempts)
	if err != nil {
		return err
	}
	t.listener = lis
	t.port = lis.Addr().(*net.TCPAddr).Port

	t.wg.Add(1)
	go t.acceptLoop(lis)
	return nil
}

func listenFrom(host string, basePort, attempts int) (net.Listener, error) {
	if basePort == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}

	var lastErr error
	for port := basePort; port < basePort+attempts && port <= 65535; port++ {
		lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return lis, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in [%d, %d): %w", basePort, basePort+attempts, lastErr)
}

func (t *TCPTransport) acceptLoop(lis net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: port=%d err=%v", t.port, err)
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	dec := NewDecoder(t.opts.MaxFrameSize)
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			skipped, dropped := dec.Skipped(), dec.Dropped()
			dec.Feed(buf[:n])
			for {
				env, ok := dec.Next()
				if !ok {
					break
				}
				select {
				case t.rpcCh <- protocol.RPC{From: remote, Envelope: env}:
				case <-t.quitCh:
					return
				}
			}
			if dec.Skipped() != skipped || dec.Dropped() != dropped {
				logger.Sugar.Debugf("[TCPTransport] corrupt input: remote=%s skipped=%d dropped=%d",
					remote, dec.Skipped()-skipped, dec.Dropped()-dropped)
				if t.opts.OnCorrupt != nil {
					t.opts.OnCorrupt(remote, dec.Skipped()-skipped, dec.Dropped()-dropped)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Sugar.Debugf("[TCPTransport] read error: remote=%s err=%v", remote, err)
			}
			return
		}
	}
}

// Dial opens an outbound connection. The returned node watches the
// connection and reports its loss through Done.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (transport.Node, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPNode(conn, t.opts.WriteTimeout), nil
}

func (t *TCPTransport) Consume() <-chan protocol.RPC {
	return t.rpcCh
}

// Close stops the listener and closes every inbound connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.quitCh)

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *TCPTransport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

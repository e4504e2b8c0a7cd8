package transport

import (
	"context"

	"tarun-kavipurapu/hubnet/pkg/protocol"
)

// Node represents an outbound connection to a remote peer
type Node interface {
	// Send encodes env and writes it as one frame.
	Send(env protocol.Envelope) error
	// Write writes an already encoded frame.
	Write(frame []byte) error
	Close() error
	Addr() string
	// Done is closed once the connection is lost or closed; Err then
	// reports why.
	Done() <-chan struct{}
	Err() error
}

// Transport handles the network layer
type Transport interface {
	ListenAndAccept() error
	Dial(ctx context.Context, addr string) (Node, error)
	Consume() <-chan protocol.RPC
	Close() error
	Addr() string
	Port() int
}

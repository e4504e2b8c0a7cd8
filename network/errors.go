package network

import "errors"

var (
	// ErrNotConnected is returned for a send to a peer without an outbound
	// connection. Best-effort callers ignore it.
	ErrNotConnected = errors.New("peer not connected")
	// ErrQueueFull is returned when a peer's outbox is full.
	ErrQueueFull = errors.New("peer outbox full")
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("network manager closed")
	// ErrAlreadyJoined is returned by a second Join.
	ErrAlreadyJoined = errors.New("network already joined")
)

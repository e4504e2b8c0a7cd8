package network

import (
	"time"

	"tarun-kavipurapu/hubnet/pkg/monitor"
	"tarun-kavipurapu/hubnet/pkg/transport/tcp"
)

// Config controls a Manager. Zero durations and sizes take the
// DefaultConfig value; a zero BasePort asks the kernel for a port.
type Config struct {
	// ID overrides the random process identity.
	ID string

	// Host is the listen host; empty listens on all interfaces.
	Host string
	// BasePort is the first port tried when joining; 0 asks the kernel.
	BasePort int
	// PortAttempts is how many consecutive ports are tried from BasePort.
	PortAttempts int

	HeartbeatInterval time.Duration
	ExpiryTimeout     time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	// OutboxSize is the number of frames a peer may have queued before
	// further sends are dropped.
	OutboxSize   int
	MaxFrameSize int

	Metrics *monitor.Metrics
}

func DefaultConfig() Config {
	return Config{
		BasePort:          2000,
		PortAttempts:      100,
		HeartbeatInterval: 1500 * time.Millisecond,
		ExpiryTimeout:     5000 * time.Millisecond,
		DialTimeout:       3 * time.Second,
		WriteTimeout:      5 * time.Second,
		OutboxSize:        256,
		MaxFrameSize:      tcp.DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PortAttempts <= 0 {
		c.PortAttempts = d.PortAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ExpiryTimeout <= 0 {
		c.ExpiryTimeout = d.ExpiryTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.Metrics == nil {
		c.Metrics = monitor.NewMetrics("hubnet")
	}
	return c
}

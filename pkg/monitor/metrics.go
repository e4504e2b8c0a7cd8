package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"tarun-kavipurapu/hubnet/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame kinds used as label values.
const (
	KindPing    = "ping"
	KindMessage = "message"
)

// Disconnect reasons used as label values.
const (
	ReasonError   = "error"
	ReasonExpired = "expired"
	ReasonClosed  = "closed"
)

// Drop reasons used as label values.
const (
	DropNoConnection = "no_connection"
	DropQueueFull    = "queue_full"
	DropEncode       = "encode"
	DropCorrupt      = "corrupt"
)

// Metrics holds the network layer's counters. Each instance owns its
// registry so several managers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	Peers           prometheus.Gauge
	PeerConnects    prometheus.Counter
	PeerDisconnects *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	ResyncBytes     prometheus.Counter

	// Totals mirrored for the periodic log line.
	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	peers    atomic.Int64

	start time.Time
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of entries in the peer table",
		}),
		PeerConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connects_total",
			Help:      "Outbound peer connections initiated",
		}),
		PeerDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Peers removed from the table by reason",
		}, []string{"reason"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames queued for a peer connection by kind",
		}, []string{"kind"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from inbound connections by kind",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		ResyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_bytes_total",
			Help:      "Inbound bytes discarded while resynchronizing on a frame header",
		}),
		start: time.Now(),
	}

	m.registry.MustRegister(
		m.Peers,
		m.PeerConnects,
		m.PeerDisconnects,
		m.FramesSent,
		m.FramesReceived,
		m.Dropped,
		m.ResyncBytes,
	)
	return m
}

// Registry exposes the collectors for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func frameKind(ping bool) string {
	if ping {
		return KindPing
	}
	return KindMessage
}

func (m *Metrics) RecordSent(ping bool) {
	m.FramesSent.WithLabelValues(frameKind(ping)).Inc()
	m.sent.Add(1)
}

func (m *Metrics) RecordReceived(ping bool) {
	m.FramesReceived.WithLabelValues(frameKind(ping)).Inc()
	m.received.Add(1)
}

func (m *Metrics) RecordDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	m.Dropped.WithLabelValues(reason).Add(float64(n))
	m.dropped.Add(int64(n))
}

func (m *Metrics) RecordResync(bytes int) {
	if bytes > 0 {
		m.ResyncBytes.Add(float64(bytes))
	}
}

func (m *Metrics) RecordConnect() {
	m.PeerConnects.Inc()
}

func (m *Metrics) RecordDisconnect(reason string) {
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPeers(n int) {
	m.Peers.Set(float64(n))
	m.peers.Store(int64(n))
}

// Snapshot is a point-in-time copy of the totals.
type Snapshot struct {
	Peers    int64
	Sent     int64
	Received int64
	Dropped  int64
	Uptime   time.Duration
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Peers:    m.peers.Load(),
		Sent:     m.sent.Load(),
		Received: m.received.Load(),
		Dropped:  m.dropped.Load(),
		Uptime:   time.Since(m.start),
	}
}

// LogPeriodic logs runtime and network totals at the specified interval
// until ctx is done.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			s := m.Snapshot()

			logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Peers=%d | Sent=%d | Received=%d | Dropped=%d | Uptime=%s",
				runtime.NumGoroutine(),
				ms.HeapAlloc/1024/1024,
				s.Peers,
				s.Sent,
				s.Received,
				s.Dropped,
				s.Uptime.Truncate(time.Second),
			)
		}
	}
}

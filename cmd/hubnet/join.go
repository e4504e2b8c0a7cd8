package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tarun-kavipurapu/hubnet/network"
	"tarun-kavipurapu/hubnet/pkg/discovery"
	"tarun-kavipurapu/hubnet/pkg/logger"
	"tarun-kavipurapu/hubnet/pkg/monitor"

	"github.com/c-bata/go-prompt"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	joinCfg         = network.DefaultConfig()
	discoveryMode   string
	mdnsIfaces      []string
	seeds           []string
	staticInterval  time.Duration
	metricsAddr     string
	metricsInterval time.Duration
	joinInteractive bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the hub network and stay connected",
	RunE: func(cmd *cobra.Command, args []string) error {
		disc, err := newDiscovery()
		if err != nil {
			return err
		}

		m := network.NewManager(joinCfg, disc)
		defer m.Close()

		m.OnPeerConnected(func(id string) { fmt.Printf("+ peer %s\n", id) })
		m.OnPeerDisconnected(func(id string) { fmt.Printf("- peer %s\n", id) })
		m.OnMessage(func(msg network.Message) {
			fmt.Printf("< %s %s %s\n", msg.Peer, msg.Type, formatPayload(msg.Payload))
		})

		if err := m.Join(); err != nil {
			if m.Port() == 0 {
				return err
			}
			logger.Sugar.Warnf("Joined with discovery errors: %v", err)
		}
		logger.Sugar.Infof("Joined as %s on port %d (discovery=%s)", m.ID(), m.Port(), discoveryMode)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if metricsInterval > 0 {
			go m.Metrics().LogPeriodic(ctx, metricsInterval)
		}
		if metricsAddr != "" {
			srv := monitor.NewMetricsServer(metricsAddr, m.Metrics())
			srv.StartAsync()
			defer srv.Stop()
		}

		if joinInteractive {
			fmt.Println("Hub Network Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { joinExecutor(in, m) },
				joinCompleter,
				prompt.OptionPrefix("hub> "),
				prompt.OptionTitle("hubnet "+m.ID()),
			).Run()
			return nil
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Sugar.Info("Shutting down...")
		return nil
	},
}

func newDiscovery() (discovery.Transport, error) {
	switch discoveryMode {
	case "mdns":
		mdns := discovery.NewMDNS()
		mdns.Ifaces = mdnsIfaces
		return mdns, nil
	case "static":
		if len(seeds) == 0 {
			return nil, fmt.Errorf("static discovery needs at least one --seed")
		}
		return discovery.NewStatic(seeds, staticInterval)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown discovery %q (want mdns, static or none)", discoveryMode)
	}
}

// parsePayload reads JSON when it can and falls back to the raw string.
func parsePayload(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func formatPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// splitArgs splits the first n fields off in and keeps the rest as one
// argument, so JSON payloads may contain spaces.
func splitArgs(in string, n int) []string {
	var out []string
	rest := strings.TrimSpace(in)
	for i := 0; i < n && rest != ""; i++ {
		field, tail, _ := strings.Cut(rest, " ")
		out = append(out, field)
		rest = strings.TrimSpace(tail)
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}

func joinExecutor(in string, m *network.Manager) {
	blocks := splitArgs(in, 3)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Leaving network...")
		if err := m.Close(); err != nil {
			fmt.Printf("Error while closing: %v\n", err)
		}
		os.Exit(0)
	case "status":
		s := m.Metrics().Snapshot()
		fmt.Printf("id=%s port=%d peers=%d sent=%d received=%d dropped=%d uptime=%s\n",
			m.ID(), m.Port(), s.Peers, s.Sent, s.Received, s.Dropped, s.Uptime.Round(time.Second))
	case "peers":
		peers := m.Peers()
		if len(peers) == 0 {
			fmt.Println("No peers.")
			return
		}
		for _, p := range peers {
			fmt.Printf("  %-36s %-12s %s\n", p.ID, p.State, p.Addr)
		}
	case "send":
		if len(blocks) < 3 {
			fmt.Println("Usage: send <peer_id> <type> [json]")
			return
		}
		var payload any
		if len(blocks) > 3 {
			payload = parsePayload(blocks[3])
		}
		if err := m.Send(blocks[1], blocks[2], payload); err != nil {
			fmt.Printf("Error sending: %v\n", err)
		}
	case "broadcast":
		rest := splitArgs(in, 2)
		if len(rest) < 2 {
			fmt.Println("Usage: broadcast <type> [json]")
			return
		}
		var payload any
		if len(rest) > 2 {
			payload = parsePayload(rest[2])
		}
		fmt.Printf("Queued for %d peer(s).\n", m.Broadcast(rest[1], payload))
	case "leave":
		if err := m.Leave(); err != nil {
			fmt.Printf("Error leaving: %v\n", err)
			return
		}
		fmt.Println("Stopped advertising and browsing.")
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                     - Show node status")
		fmt.Println("  peers                      - List known peers")
		fmt.Println("  send <id> <type> [json]    - Send a message to one peer")
		fmt.Println("  broadcast <type> [json]    - Send a message to every peer")
		fmt.Println("  leave                      - Stop advertising and browsing")
		fmt.Println("  exit                       - Close the node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func joinCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "peers", Description: "List known peers"},
		{Text: "send", Description: "Send to one peer"},
		{Text: "broadcast", Description: "Send to every peer"},
		{Text: "leave", Description: "Stop discovery"},
		{Text: "exit", Description: "Exit the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(joinCmd)
	f := joinCmd.Flags()
	f.StringVar(&joinCfg.ID, "id", "", "Network id (random UUID when empty)")
	f.StringVar(&joinCfg.Host, "host", joinCfg.Host, "Interface to listen on")
	f.IntVarP(&joinCfg.BasePort, "base-port", "p", joinCfg.BasePort, "First port to try")
	f.IntVar(&joinCfg.PortAttempts, "port-attempts", joinCfg.PortAttempts, "How many consecutive ports to try")
	f.DurationVar(&joinCfg.HeartbeatInterval, "heartbeat", joinCfg.HeartbeatInterval, "Heartbeat interval")
	f.DurationVar(&joinCfg.ExpiryTimeout, "expiry", joinCfg.ExpiryTimeout, "Evict peers silent for this long")
	f.DurationVar(&joinCfg.DialTimeout, "dial-timeout", joinCfg.DialTimeout, "Outbound connect timeout")
	f.DurationVar(&joinCfg.WriteTimeout, "write-timeout", joinCfg.WriteTimeout, "Per-frame write timeout")
	f.IntVar(&joinCfg.OutboxSize, "outbox", joinCfg.OutboxSize, "Frames queued per peer before dropping")
	f.IntVar(&joinCfg.MaxFrameSize, "max-frame", joinCfg.MaxFrameSize, "Largest accepted frame body in bytes")
	f.StringVarP(&discoveryMode, "discovery", "d", "mdns", "Discovery mechanism (mdns, static, none)")
	f.StringArrayVar(&mdnsIfaces, "iface", nil, "Restrict mDNS to this interface (repeatable)")
	f.StringArrayVarP(&seeds, "seed", "s", nil, "Static peer as id@host:port (repeatable)")
	f.DurationVar(&staticInterval, "static-interval", 10*time.Second, "Re-announce static seeds this often")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.DurationVar(&metricsInterval, "metrics-interval", 30*time.Second, "Log totals this often (0 disables)")
	f.BoolVarP(&joinInteractive, "interactive", "i", false, "Start in interactive mode")
}

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/raftcore/raftcore/internal/logging"
	"github.com/raftcore/raftcore/pkg/api"
	"github.com/raftcore/raftcore/pkg/confmanager"
	"github.com/raftcore/raftcore/pkg/kv"
	"github.com/raftcore/raftcore/pkg/logstorage"
	"github.com/raftcore/raftcore/pkg/metrics"
	"github.com/raftcore/raftcore/pkg/node"
	"github.com/raftcore/raftcore/pkg/raft"
	"github.com/raftcore/raftcore/pkg/transport"
)

type serverFlags struct {
	group         string
	self          string
	peers         []string
	dataDir       string
	httpAddr      string
	logLevel      string
	logJSON       bool
	electionMinMs   int
	electionMaxMs   int
	heartbeatMs     int
	snapshotEvery   uint64
	maxReadIndexLag uint64
}

func main() {
	flags := &serverFlags{}

	root := &cobra.Command{
		Use:   "raftserver",
		Short: "Runs one member of a Raft group over the example key-value state machine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	root.Flags().StringVar(&flags.group, "group", "default", "Raft group id")
	root.Flags().StringVar(&flags.self, "self", "", "this peer's own host:port (required, must also appear in --peers)")
	root.Flags().StringSliceVar(&flags.peers, "peers", nil, "comma-separated host:port list of every voting member")
	root.Flags().StringVar(&flags.dataDir, "data-dir", "", "directory for the durable log (required)")
	root.Flags().StringVar(&flags.httpAddr, "http-addr", ":8080", "address the KV/status/metrics HTTP API listens on")
	root.Flags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn, or error")
	root.Flags().BoolVar(&flags.logJSON, "log-json", true, "emit JSON log lines instead of console formatting")
	root.Flags().IntVar(&flags.electionMinMs, "election-timeout-min-ms", 150, "minimum election timeout in milliseconds")
	root.Flags().IntVar(&flags.electionMaxMs, "election-timeout-max-ms", 300, "maximum election timeout in milliseconds")
	root.Flags().IntVar(&flags.heartbeatMs, "heartbeat-ms", 50, "leader heartbeat period in milliseconds")
	root.Flags().Uint64Var(&flags.snapshotEvery, "snapshot-every", 0, "take a state machine snapshot and truncate the log every N applied entries (0 disables)")
	root.Flags().Uint64Var(&flags.maxReadIndexLag, "max-read-index-lag", 0, "fail a ReadIndex request once the local apply lag behind the confirmed index exceeds this (0 disables)")

	_ = root.MarkFlagRequired("self")
	_ = root.MarkFlagRequired("data-dir")
	_ = root.MarkFlagRequired("peers")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parsePeer(addr string) (raft.PeerId, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return raft.PeerId{}, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return raft.PeerId{}, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return raft.PeerId{Host: host, Port: port}, nil
}

func run(ctx context.Context, flags *serverFlags) error {
	self, err := parsePeer(flags.self)
	if err != nil {
		return err
	}

	peers := make([]raft.PeerId, 0, len(flags.peers))
	for _, p := range flags.peers {
		peerID, err := parsePeer(p)
		if err != nil {
			return err
		}
		peers = append(peers, peerID)
	}

	logger := logging.WithPeer(logging.WithGroup(logging.New(logging.Config{
		Level:      logging.Level(flags.logLevel),
		JSONOutput: flags.logJSON,
	}), flags.group), self.String())

	logPath := filepath.Join(flags.dataDir, fmt.Sprintf("%s.db", self.String()))
	storage, err := logstorage.Open(logstorage.Options{
		Path:   logPath,
		Sync:   true,
		Logger: logging.WithComponent(logger, "logstorage"),
	})
	if err != nil {
		return fmt.Errorf("opening log storage: %w", err)
	}
	defer storage.Close()

	confMgr := confmanager.New()
	store := kv.New()

	registry := prometheus.NewRegistry()
	nodeMetrics := metrics.NewNode(registry, flags.group)

	tr := transport.NewTransport()
	defer tr.Close()

	raftNode, err := node.New(node.Options{
		GroupID:            flags.group,
		Self:               self,
		InitialConf:        raft.NewConfiguration(peers, nil),
		Log:                storage,
		ConfManager:        confMgr,
		StateMachine:       store,
		Transport:          tr,
		ElectionTimeoutMin: time.Duration(flags.electionMinMs) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(flags.electionMaxMs) * time.Millisecond,
		HeartbeatPeriod:    time.Duration(flags.heartbeatMs) * time.Millisecond,
		SnapshotEvery:      flags.snapshotEvery,
		MaxReadIndexLag:    flags.maxReadIndexLag,
		Metrics:            nodeMetrics,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}

	srv, err := transport.NewServer(self.Endpoint(), raftNode, logging.WithComponent(logger, "transport"))
	if err != nil {
		return fmt.Errorf("starting rpc listener: %w", err)
	}
	srv.Start()
	defer srv.Stop()

	raftNode.Start()
	defer raftNode.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(raftNode, store, self.String()))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: flags.httpAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", flags.httpAddr).Msg("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}

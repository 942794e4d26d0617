// Command raftnode runs one peer in a Raft-coordinated cluster: the
// consensus engine, the peer RPC listener, the leader-gated client
// dispatcher, and an optional Prometheus exposition endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ReshiAdavan/raftcoordinator/internal/dispatcher"
	"github.com/ReshiAdavan/raftcoordinator/internal/raft"
	"github.com/ReshiAdavan/raftcoordinator/internal/store"
	"github.com/ReshiAdavan/raftcoordinator/internal/telemetry"
	"github.com/ReshiAdavan/raftcoordinator/internal/transport"
	"github.com/ReshiAdavan/raftcoordinator/internal/workfn"
)

// consensusPortOffset is the only port arithmetic the core requires: the
// peer RPC listener binds appPort+1000.
const consensusPortOffset = 1000

var (
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	dataDir            string
	metricsAddr        string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raftnode <appPort> <serverId> [peerAddr...]",
		Short: "Run one Raft-coordinated server process",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runNode,
	}
	cmd.Flags().DurationVar(&electionTimeoutMin, "election-timeout-min", 150*time.Millisecond, "minimum randomized election timeout")
	cmd.Flags().DurationVar(&electionTimeoutMax, "election-timeout-max", 300*time.Millisecond, "maximum randomized election timeout")
	cmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 50*time.Millisecond, "leader heartbeat/replication interval")
	cmd.Flags().StringVar(&dataDir, "data-dir", ".", "directory holding raft_state_<serverId>.bin")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "optional address to serve /metrics on, e.g. :9090 (off by default)")
	return cmd
}

func runNode(cmd *cobra.Command, args []string) error {
	appPort, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Wrap(err, "parse appPort")
	}
	serverID := args[1]
	peerAppAddrs := args[2:]

	logger, err := newLogger()
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar().With("server_id", serverID)

	var metrics *telemetry.Metrics
	if metricsAddr != "" {
		metrics = telemetry.New(serverID)
	}

	peerConsensusAddrs := make([]string, len(peerAppAddrs))
	for i, addr := range peerAppAddrs {
		peerConsensusAddrs[i] = shiftPort(addr, consensusPortOffset)
	}

	st := store.NewFileStore(dataDir, serverID)
	transportClient := transport.NewClient(sugar.Named("transport"))
	adapter := raft.NewTransportAdapter(transportClient)

	cfg := raft.Config{
		ServerID:           serverID,
		Peers:              peerConsensusAddrs,
		ElectionTimeoutMin: electionTimeoutMin,
		ElectionTimeoutMax: electionTimeoutMax,
		HeartbeatInterval:  heartbeatInterval,
		Metrics:            metrics,
	}
	node, err := raft.NewNode(cfg, adapter, st, sugar.Named("raft"))
	if err != nil {
		return errors.Wrap(err, "construct raft node")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node.Start(ctx)

	consensusAddr := fmt.Sprintf(":%d", appPort+consensusPortOffset)
	peerServer := transport.NewServer(sugar.Named("peer-listener"))
	go func() {
		if err := peerServer.Serve(ctx, consensusAddr, raft.NewPeerHandler(node)); err != nil {
			sugar.Errorw("peer listener exited", "error", err)
		}
	}()

	appAddr := fmt.Sprintf(":%d", appPort)
	listener := dispatcher.NewListener(node, workfn.LSBEmbed, sugar.Named("dispatcher"), 0, 5*time.Second)
	go func() {
		if err := listener.Serve(ctx, appAddr); err != nil {
			sugar.Errorw("client listener exited", "error", err)
		}
	}()

	if metrics != nil {
		go func() {
			if err := metrics.ServeHTTP(ctx, metricsAddr); err != nil {
				sugar.Errorw("metrics listener exited", "error", err)
			}
		}()
	}

	sugar.Infow("raftnode started", "app_addr", appAddr, "consensus_addr", consensusAddr, "peers", peerConsensusAddrs)
	<-ctx.Done()
	sugar.Infow("raftnode shutting down")
	return nil
}

// shiftPort rewrites host:port to host:(port+offset), used to derive a
// peer's consensus address from the application address supplied on the
// command line.
func shiftPort(hostPort string, offset int) string {
	host, portStr, err := splitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return hostPort
	}
	return fmt.Sprintf("%s:%d", host, port+offset)
}

func splitHostPort(hostPort string) (host, port string, err error) {
	for i := len(hostPort) - 1; i >= 0; i-- {
		if hostPort[i] == ':' {
			return hostPort[:i], hostPort[i+1:], nil
		}
	}
	return "", "", errors.Errorf("%q has no port", hostPort)
}

func newLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if envLevel := os.Getenv("RAFT_LOG_LEVEL"); envLevel != "" {
		if err := level.Set(envLevel); err != nil {
			return nil, errors.Wrapf(err, "parse RAFT_LOG_LEVEL %q", envLevel)
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// Command meridiand runs a single replica of the session-aware,
// Raft-replicated state-machine cluster.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianio/meridian/pkg/commit"
	"github.com/meridianio/meridian/pkg/config"
	"github.com/meridianio/meridian/pkg/log"
	"github.com/meridianio/meridian/pkg/metrics"
	"github.com/meridianio/meridian/pkg/primitives/kvstate"
	"github.com/meridianio/meridian/pkg/raftlog"
	"github.com/meridianio/meridian/pkg/rpc"
	"github.com/meridianio/meridian/pkg/scheduler"
	"github.com/meridianio/meridian/pkg/server"
	"github.com/meridianio/meridian/pkg/session"
	"github.com/meridianio/meridian/pkg/statemachine"
	"github.com/meridianio/meridian/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "meridiand",
	Short:   "meridiand runs one replica of a session-aware Raft cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("meridiand version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node as a cluster replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if v, _ := cmd.Flags().GetString("node-id"); v != "" {
			cfg.Raft.NodeID = v
		}
		if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
			cfg.Raft.BindAddr = v
		}
		if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
			cfg.API.ListenAddr = v
		}
		if cmd.Flags().Changed("bootstrap") {
			cfg.Raft.Bootstrap, _ = cmd.Flags().GetBool("bootstrap")
		}
		return runNode(cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to YAML configuration file")
	runCmd.Flags().String("node-id", "", "Override raft.nodeId")
	runCmd.Flags().String("bind-addr", "", "Override raft.bindAddr")
	runCmd.Flags().String("api-addr", "", "Override api.listenAddr")
	runCmd.Flags().Bool("bootstrap", false, "Override raft.bootstrap")
}

func runNode(cfg config.Config) error {
	registry := session.NewRegistry()
	sched := scheduler.New()
	kv := kvstate.New()
	executor := statemachine.New(registry, sched, kv)
	kv.RegisterHandlers(func(id types.OperationID, h func(*commit.Commit, scheduler.Scheduling) ([]byte, error)) {
		executor.Register(id, h)
	})

	fsm := raftlog.NewFSM(executor, registry)

	raftCfg := raftlog.Config{
		NodeID:    cfg.Raft.NodeID,
		BindAddr:  cfg.Raft.BindAddr,
		DataDir:   cfg.Raft.DataDir,
		Bootstrap: cfg.Raft.Bootstrap,
	}

	var node *raftlog.Node
	var err error
	if cfg.Raft.Bootstrap {
		node, err = raftlog.Bootstrap(raftCfg, fsm)
	} else {
		node, err = raftlog.Join(raftCfg, fsm)
	}
	if err != nil {
		return fmt.Errorf("meridiand: start raft node: %w", err)
	}

	srv := server.New(node, fsm, registry, cfg.Session)
	gs := rpc.NewServer(srv)

	lis, err := listen(cfg.API.ListenAddr)
	if err != nil {
		return err
	}

	go func() {
		log.WithComponent("meridiand").Info().Str("addr", cfg.API.ListenAddr).Msg("serving transport")
		if err := gs.Serve(lis); err != nil {
			log.WithComponent("meridiand").Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go serveMetrics()
	go expirationLoop(node)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.WithComponent("meridiand").Info().Msg("shutting down")
	gs.GracefulStop()
	return node.Shutdown()
}

func listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("meridiand: listen on %s: %w", addr, err)
	}
	return lis, nil
}

func serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	_ = http.ListenAndServe("127.0.0.1:7101", mux)
}

// expirationLoop periodically proposes a no-op MetadataEntry so logical
// time keeps advancing even when no client traffic is flowing, letting
// session expiry and scheduled TTLs fire on schedule rather than only
// when a command happens to arrive.
func expirationLoop(node *raftlog.Node) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if !node.IsLeader() {
			continue
		}
		server.ProposeMetadataTick(node)
	}
}

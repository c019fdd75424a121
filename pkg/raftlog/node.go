package raftlog

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/meridianio/meridian/pkg/log"
)

// Config tunes the raft.Config used to bring a replica up, sized for a
// small session-coordination cluster rather than a large fleet.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
}

// Node owns the hashicorp/raft instance backing the replicated commit
// log, plus the FSM it drives.
type Node struct {
	raft *raft.Raft
	fsm  *FSM
	cfg  Config
}

// Bootstrap starts a brand-new single-node (or seed) cluster.
func Bootstrap(cfg Config, fsm *FSM) (*Node, error) {
	r, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}

	future := r.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raftlog: get configuration: %w", err)
	}
	if len(future.Configuration().Servers) == 0 {
		cfgFuture := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: raft.ServerAddress(cfg.BindAddr),
			}},
		})
		if err := cfgFuture.Error(); err != nil {
			return nil, fmt.Errorf("raftlog: bootstrap cluster: %w", err)
		}
	}

	log.WithComponent("raftlog").Info().Str("node_id", cfg.NodeID).Msg("raft node bootstrapped")
	return &Node{raft: r, fsm: fsm, cfg: cfg}, nil
}

// Join starts a raft instance expected to be added to an existing
// cluster via AddVoter on the current leader (pkg/manager/manager.go
// "Join").
func Join(cfg Config, fsm *FSM) (*Node, error) {
	r, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}
	log.WithComponent("raftlog").Info().Str("node_id", cfg.NodeID).Msg("raft node started, awaiting voter addition")
	return &Node{raft: r, fsm: fsm, cfg: cfg}, nil
}

func newRaft(cfg Config, fsm *FSM) (*raft.Raft, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 1 * time.Second
	raftCfg.ElectionTimeout = 1 * time.Second
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftlog: create data dir: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("raftlog: open log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("raftlog: open stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raftlog: open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("raftlog: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raftlog: create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("raftlog: new raft: %w", err)
	}
	return r, nil
}

// Apply submits a raw log entry to the leader, blocking until committed
// (or the timeout elapses).
func (n *Node) Apply(data []byte, timeout time.Duration) raft.ApplyFuture {
	return n.raft.Apply(data, timeout)
}

// IsLeader reports whether this node currently holds leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, if known.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// AddVoter adds id/addr as a voting member; only valid on the leader
// (pkg/manager/manager.go "AddVoter").
func (n *Node) AddVoter(id, addr string) error {
	f := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return f.Error()
}

// RemoveServer removes id from the cluster configuration.
func (n *Node) RemoveServer(id string) error {
	f := n.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second)
	return f.Error()
}

// Servers returns the current cluster configuration.
func (n *Node) Servers() ([]raft.Server, error) {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return nil, err
	}
	return f.Configuration().Servers, nil
}

// Stats exposes raft's internal stats map for the metrics package.
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Shutdown stops the raft instance.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

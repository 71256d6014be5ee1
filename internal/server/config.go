package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kvtree/kvtree/internal/telemetry/metric"
)

// Config configures a cluster Server. Grounded on clusterserver/server.go's
// Config, trimmed to what a replicated Tree actually needs: no gossip
// discovery, storage engine, or rebalance manager, since this cluster has
// no sharding concept (see DESIGN.md, dropped dependencies).
type Config struct {
	// NodeID is this server's unique Raft server ID.
	NodeID string

	// ClusterUUID, once non-empty, is required of every client session
	// (spec's cluster-identity check at session establishment). If empty
	// at startup, the first OpenSession "learns" one is never auto-
	// generated here; operators set it explicitly when they care about
	// the check.
	ClusterUUID string

	// RaftBindAddr is the address Raft's own TCP transport listens on.
	RaftBindAddr string

	// RaftDataDir holds the Raft log/stable/snapshot files.
	RaftDataDir string

	// Bootstrap marks this node as the single initial voter of a brand
	// new cluster.
	Bootstrap bool

	// Timeouts configures the various internal deadlines the server
	// applies to its own Raft operations.
	Timeouts TimeoutConfig

	Logger *slog.Logger

	// Metrics, if set, receives Tree/Raft/RPC instrumentation. Nil
	// disables metrics entirely (every call site is nil-checked).
	Metrics *metric.Registry

	// SnapshotEncryptionKey, if non-empty, AEAD-seals every Raft snapshot
	// this node writes (see FSM.Persist). Nil leaves snapshots as plain
	// gzip. Every node in a cluster must be configured with the same key,
	// or none.
	SnapshotEncryptionKey []byte
}

// TimeoutConfig configures timeout values for Raft-facing operations.
// Grounded on clusterserver/server.go's TimeoutConfig, with the streaming-
// RPC and rebalance timeouts dropped (no streaming RPC or shard rebalance
// exists in this server; see DESIGN.md).
type TimeoutConfig struct {
	// RaftApply bounds how long a StateMachineCommand waits for its log
	// entry to commit. Default: 5s.
	RaftApply time.Duration

	// RaftMembership bounds AddVoter/RemoveServer calls. Default: 10s.
	RaftMembership time.Duration

	// RaftTransport defaults to 10s. It is not passed to Raft: the TCP
	// transport's dial/accept timeout is fixed at 10s.
	RaftTransport time.Duration

	// WaitLeader bounds how long Start waits for an initial leader when
	// Bootstrap is set. Default: 10s.
	WaitLeader time.Duration
}

func (cfg *Config) validate() error {
	if cfg.NodeID == "" {
		return errors.New("node_id is required")
	}
	if cfg.RaftBindAddr == "" {
		return errors.New("raft_bind_addr is required")
	}
	if cfg.RaftDataDir == "" {
		return errors.New("raft_data_dir is required")
	}

	if cfg.Timeouts.RaftApply == 0 {
		cfg.Timeouts.RaftApply = 5 * time.Second
	}
	if cfg.Timeouts.RaftMembership == 0 {
		cfg.Timeouts.RaftMembership = 10 * time.Second
	}
	if cfg.Timeouts.RaftTransport == 0 {
		cfg.Timeouts.RaftTransport = 10 * time.Second
	}
	if cfg.Timeouts.WaitLeader == 0 {
		cfg.Timeouts.WaitLeader = 10 * time.Second
	}
	return nil
}

var errNotLeader = fmt.Errorf("server: not the leader")

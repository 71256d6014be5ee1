package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
)

// Server is the replicated Tree server: Raft consensus plus the FSM it
// drives. Grounded on clusterserver/server.go's Server, trimmed of gossip
// discovery, storage engine and rebalancing (see DESIGN.md).
type Server struct {
	mu sync.RWMutex

	raft *RaftNode
	fsm  *FSM

	config Config
	logger *slog.Logger

	isLeader   bool
	leaderAddr string
	leaderID   string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewServer constructs a Server; call Start to bring up Raft.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	fsm, err := NewFSM(cfg.Logger, cfg.SnapshotEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create fsm: %w", err)
	}

	s := &Server{
		fsm:    fsm,
		config: cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if cfg.Metrics != nil {
		cfg.Metrics.RegisterTreeCollector(s.fsm)
	}

	cfg.Logger.Info("server created", "node_id", cfg.NodeID, "raft_addr", cfg.RaftBindAddr)
	return s, nil
}

// Start brings up the Raft node and the leader-monitoring loop.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting server", "node_id", s.config.NodeID)

	raftNode, err := NewRaftNode(RaftConfig{
		NodeID:    s.config.NodeID,
		BindAddr:  s.config.RaftBindAddr,
		DataDir:   s.config.RaftDataDir,
		Bootstrap: s.config.Bootstrap,
		Logger:    s.logger,
	}, s.fsm)
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}

	s.mu.Lock()
	s.raft = raftNode
	s.mu.Unlock()

	go s.leaderMonitorLoop()

	if s.config.Bootstrap {
		if err := s.waitForLeader(ctx, s.config.Timeouts.WaitLeader); err != nil {
			s.logger.Warn("leader election timeout", "error", err)
		}
	}

	s.logger.Info("server started", "node_id", s.config.NodeID, "is_leader", s.raft.IsLeader())
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server", "node_id", s.config.NodeID)

	s.mu.Lock()
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return nil
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	if s.raft != nil {
		if err := s.raft.Close(); err != nil {
			s.logger.Error("raft shutdown failed", "error", err)
		}
	}

	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		s.logger.Warn("leader monitor loop did not exit in time")
	}

	s.logger.Info("server stopped")
	return nil
}

// IsLeader reports whether this node currently believes it is the leader.
func (s *Server) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isLeader
}

// Leader returns the current leader's ID and Raft transport address.
func (s *Server) Leader() (id, addr string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID, s.leaderAddr
}

// applyEntry marshals entry and submits it through Raft, returning the
// FSM's typed response value.
func (s *Server) applyEntry(entry LogEntry, timeout time.Duration) (interface{}, error) {
	if !s.IsLeader() {
		return nil, errNotLeader
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal log entry: %w", err)
	}
	return s.raft.Apply(data, timeout)
}

// ApplyOpenSession replicates a new session's creation.
func (s *Server) ApplyOpenSession() (*kvtreev1.OpenSessionResponse, error) {
	resp, err := s.applyEntry(LogEntry{Type: LogEntryOpenSession}, s.config.Timeouts.RaftApply)
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*kvtreev1.OpenSessionResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected fsm response type %T", resp)
	}
	if s.config.Metrics != nil {
		s.config.Metrics.IncSessionOpened()
		s.config.Metrics.IncSessionActive()
	}
	return out, nil
}

// ApplyCloseSession replicates a session's closure.
func (s *Server) ApplyCloseSession(clientID uint64) error {
	payload, err := json.Marshal(CloseSessionPayload{ClientID: clientID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.applyEntry(LogEntry{Type: LogEntryCloseSession, Payload: payload}, s.config.Timeouts.RaftApply)
	if err == nil && s.config.Metrics != nil {
		s.config.Metrics.IncSessionClosed()
		s.config.Metrics.DecSessionActive()
	}
	return err
}

// ApplyTreeCommand replicates a mutating tree request.
func (s *Server) ApplyTreeCommand(info kvtreev1.ExactlyOnceRPCInfo, req kvtreev1.TreeRequest) (*kvtreev1.TreeResponse, error) {
	payload, err := json.Marshal(TreeCommandPayload{ExactlyOnce: info, Request: req})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := s.applyEntry(LogEntry{Type: LogEntryTreeCommand, Payload: payload}, s.config.Timeouts.RaftApply)
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*kvtreev1.TreeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected fsm response type %T", resp)
	}
	return out, nil
}

// Query answers a read-only tree request directly against the FSM's tree,
// bypassing Raft (queries don't need to be in the replicated log, only
// served from a state that has it). The caller is responsible for
// confirming leadership first if linearizable reads are required; §4.4
// leaves that choice unspecified beyond "leader serves reads."
func (s *Server) Query(req kvtreev1.TreeRequest) kvtreev1.TreeResponse {
	return s.fsm.executeQuery(req)
}

func (s *Server) leaderMonitorLoop() {
	defer close(s.doneCh)

	leaderCh := s.raft.LeaderCh()
	for {
		select {
		case isLeader := <-leaderCh:
			s.handleLeaderChange(isLeader)
		case <-s.stopCh:
			s.logger.Info("leader monitor loop exiting")
			return
		}
	}
}

func (s *Server) handleLeaderChange(isLeader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasLeader := s.isLeader
	s.isLeader = isLeader
	s.leaderAddr = s.raft.Leader()
	s.leaderID = s.raft.LeaderID()

	if s.config.Metrics != nil {
		s.config.Metrics.SetRaftLeader(isLeader)
	}

	if isLeader && !wasLeader {
		s.logger.Info("became leader", "node_id", s.config.NodeID)
	} else if !isLeader && wasLeader {
		s.logger.Info("lost leadership", "node_id", s.config.NodeID)
	}
}

func (s *Server) waitForLeader(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for leader election")
		case <-ticker.C:
			if s.raft.Leader() != "" {
				s.logger.Info("leader elected", "leader_id", s.raft.LeaderID(), "leader_addr", s.raft.Leader())
				return nil
			}
		}
	}
}

// AddVoter adds nodeID at addr as a voting Raft member.
func (s *Server) AddVoter(nodeID, addr string) error {
	return s.raft.AddVoter(nodeID, addr, s.config.Timeouts.RaftMembership)
}

// RemoveServer removes nodeID from the Raft configuration.
func (s *Server) RemoveServer(nodeID string) error {
	return s.raft.RemoveServer(nodeID, s.config.Timeouts.RaftMembership)
}

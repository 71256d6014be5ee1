package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
	"github.com/kvtree/kvtree/internal/telemetry/metric"
)

// serviceName is the RPC path prefix every handler is mounted under,
// matching the {package}.{Service}/{Method} shape connect-go generates
// and the one internal/client/transport.go dials.
const serviceName = "kvtree.v1.KvTreeService"

// Service implements the KvTreeService RPCs over a Server. Grounded on
// clusterserver/handler.go's Handler: same (server, logger) shape and the
// same "respond instead of failing the RPC" pattern when the contacted
// node isn't the leader.
type Service struct {
	server  *Server
	logger  *slog.Logger
	metrics *metric.Registry
}

// NewService constructs a Service bound to server. metrics may be nil, in
// which case no RPC metrics are recorded.
func NewService(server *Server, logger *slog.Logger, metrics *metric.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{server: server, logger: logger, metrics: metrics}
}

// recordRPC records one completed RPC's outcome and latency, a no-op if no
// metrics.Registry was configured.
func (s *Service) recordRPC(method string, start time.Time, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordRequest(method, status)
	s.metrics.ObserveRequestDuration(method, time.Since(start).Seconds())
}

// RegisterService mounts every KvTreeService RPC on mux at its connect
// path, the hand-written equivalent of a generated
// clusterv1connect.NewKvTreeServiceHandler, since no protoc/buf run
// produced one here.
func RegisterService(mux *http.ServeMux, svc *Service, opts ...connect.HandlerOption) {
	codecOpts := append([]connect.HandlerOption{connect.WithCodec(kvtreev1.JSONCodec{})}, opts...)

	mount(mux, "OpenSession", svc.OpenSession, codecOpts)
	mount(mux, "CloseSession", svc.CloseSession, codecOpts)
	mount(mux, "StateMachineCommand", svc.StateMachineCommand, codecOpts)
	mount(mux, "StateMachineQuery", svc.StateMachineQuery, codecOpts)
	mount(mux, "GetConfiguration", svc.GetConfiguration, codecOpts)
	mount(mux, "SetConfiguration", svc.SetConfiguration, codecOpts)
	mount(mux, "GetServerInfo", svc.GetServerInfo, codecOpts)
	mount(mux, "ServerControl", svc.ServerControl, codecOpts)
}

func mount[Req, Res any](
	mux *http.ServeMux,
	method string,
	fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error),
	opts []connect.HandlerOption,
) {
	path, handler := connect.NewUnaryHandler(
		"/"+serviceName+"/"+method,
		fn,
		opts...,
	)
	mux.Handle(path, handler)
}

// OpenSession handles the OpenSession RPC: only the leader may create a
// session, since session state must be replicated.
func (s *Service) OpenSession(ctx context.Context, req *connect.Request[kvtreev1.OpenSessionRequest]) (*connect.Response[kvtreev1.OpenSessionResponse], error) {
	start := time.Now()
	if !s.server.IsLeader() {
		s.recordRPC("OpenSession", start, "NOT_LEADER")
		return connect.NewResponse(&kvtreev1.OpenSessionResponse{}), nil
	}
	if uuid := s.server.config.ClusterUUID; uuid != "" && req.Msg.ClusterUUID != "" && req.Msg.ClusterUUID != uuid {
		s.recordRPC("OpenSession", start, "INVALID_ARGUMENT")
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("cluster identity mismatch: expected %q, got %q", uuid, req.Msg.ClusterUUID))
	}

	resp, err := s.server.ApplyOpenSession()
	if err != nil {
		s.logger.Error("open session failed", "error", err)
		s.recordRPC("OpenSession", start, "ERROR")
		return connect.NewResponse(&kvtreev1.OpenSessionResponse{}), nil
	}
	resp.ClusterUUID = s.server.config.ClusterUUID
	s.recordRPC("OpenSession", start, "OK")
	return connect.NewResponse(resp), nil
}

// CloseSession handles the CloseSession RPC.
func (s *Service) CloseSession(ctx context.Context, req *connect.Request[kvtreev1.CloseSessionRequest]) (*connect.Response[kvtreev1.CloseSessionResponse], error) {
	start := time.Now()
	if !s.server.IsLeader() {
		s.recordRPC("CloseSession", start, "NOT_LEADER")
		return connect.NewResponse(&kvtreev1.CloseSessionResponse{}), nil
	}
	status := "OK"
	if err := s.server.ApplyCloseSession(req.Msg.ClientID); err != nil {
		s.logger.Error("close session failed", "client_id", req.Msg.ClientID, "error", err)
		status = "ERROR"
	}
	s.recordRPC("CloseSession", start, status)
	return connect.NewResponse(&kvtreev1.CloseSessionResponse{}), nil
}

// StateMachineCommand handles a mutating tree request.
func (s *Service) StateMachineCommand(ctx context.Context, req *connect.Request[kvtreev1.StateMachineCommandRequest]) (*connect.Response[kvtreev1.StateMachineCommandResponse], error) {
	start := time.Now()
	if !s.server.IsLeader() {
		leaderID, leaderAddr := s.server.Leader()
		s.logger.Debug("state machine command rejected - not leader", "leader_id", leaderID, "leader_addr", leaderAddr)
		s.recordRPC("StateMachineCommand", start, "NOT_LEADER")
		return connect.NewResponse(&kvtreev1.StateMachineCommandResponse{NotLeader: true, Redirect: leaderAddr}), nil
	}

	resp, err := s.server.ApplyTreeCommand(req.Msg.ExactlyOnce, req.Msg.TreeRequest)
	if err != nil {
		s.logger.Error("apply tree command failed", "error", err)
		s.recordRPC("StateMachineCommand", start, "ERROR")
		return connect.NewResponse(&kvtreev1.StateMachineCommandResponse{NotLeader: true}), nil
	}
	s.recordRPC("StateMachineCommand", start, resp.Status.String())
	return connect.NewResponse(&kvtreev1.StateMachineCommandResponse{TreeResponse: *resp}), nil
}

// StateMachineQuery handles a read-only tree request.
func (s *Service) StateMachineQuery(ctx context.Context, req *connect.Request[kvtreev1.StateMachineQueryRequest]) (*connect.Response[kvtreev1.StateMachineQueryResponse], error) {
	start := time.Now()
	if !s.server.IsLeader() {
		leaderID, leaderAddr := s.server.Leader()
		s.logger.Debug("state machine query rejected - not leader", "leader_id", leaderID, "leader_addr", leaderAddr)
		s.recordRPC("StateMachineQuery", start, "NOT_LEADER")
		return connect.NewResponse(&kvtreev1.StateMachineQueryResponse{NotLeader: true, Redirect: leaderAddr}), nil
	}

	resp := s.server.Query(req.Msg.TreeRequest)
	s.recordRPC("StateMachineQuery", start, resp.Status.String())
	return connect.NewResponse(&kvtreev1.StateMachineQueryResponse{TreeResponse: resp}), nil
}

// GetConfiguration handles the GetConfiguration RPC.
func (s *Service) GetConfiguration(ctx context.Context, req *connect.Request[kvtreev1.GetConfigurationRequest]) (*connect.Response[kvtreev1.GetConfigurationResponse], error) {
	cfg, err := s.server.raft.GetConfiguration()
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}

	servers := make([]kvtreev1.Server, 0, len(cfg.Servers))
	var id uint64
	for i, srv := range cfg.Servers {
		id = uint64(i) + 1
		servers = append(servers, kvtreev1.Server{ServerID: id, Addresses: []string{string(srv.Address)}})
	}
	return connect.NewResponse(&kvtreev1.GetConfigurationResponse{ID: uint64(len(servers)), Servers: servers}), nil
}

// SetConfiguration handles the SetConfiguration RPC: applies membership
// changes by diffing the proposed server set against the current Raft
// configuration and adding/removing voters accordingly.
func (s *Service) SetConfiguration(ctx context.Context, req *connect.Request[kvtreev1.SetConfigurationRequest]) (*connect.Response[kvtreev1.SetConfigurationResponse], error) {
	if !s.server.IsLeader() {
		return connect.NewResponse(&kvtreev1.SetConfigurationResponse{Outcome: kvtreev1.SetConfigurationBad}), nil
	}

	cfg, err := s.server.raft.GetConfiguration()
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	if req.Msg.OldID != uint64(len(cfg.Servers)) {
		return connect.NewResponse(&kvtreev1.SetConfigurationResponse{Outcome: kvtreev1.SetConfigurationChanged}), nil
	}

	current := make(map[string]bool, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		current[string(srv.ID)] = true
	}

	var bad []kvtreev1.Server
	wanted := make(map[string]bool, len(req.Msg.NewServers))
	for _, srv := range req.Msg.NewServers {
		if len(srv.Addresses) == 0 {
			bad = append(bad, srv)
			continue
		}
		wanted[fmt.Sprintf("%d", srv.ServerID)] = true
	}
	if len(bad) > 0 {
		return connect.NewResponse(&kvtreev1.SetConfigurationResponse{Outcome: kvtreev1.SetConfigurationBad, BadServers: bad}), nil
	}

	for _, srv := range req.Msg.NewServers {
		nodeID := fmt.Sprintf("%d", srv.ServerID)
		if !current[nodeID] {
			if err := s.server.AddVoter(nodeID, srv.Addresses[0]); err != nil {
				bad = append(bad, srv)
			}
		}
	}
	for nodeID := range current {
		if !wanted[nodeID] {
			if err := s.server.RemoveServer(nodeID); err != nil {
				s.logger.Error("remove server failed during set configuration", "node_id", nodeID, "error", err)
			}
		}
	}
	if len(bad) > 0 {
		return connect.NewResponse(&kvtreev1.SetConfigurationResponse{Outcome: kvtreev1.SetConfigurationBad, BadServers: bad}), nil
	}
	return connect.NewResponse(&kvtreev1.SetConfigurationResponse{Outcome: kvtreev1.SetConfigurationOK}), nil
}

// GetServerInfo handles the GetServerInfo RPC.
func (s *Service) GetServerInfo(ctx context.Context, req *connect.Request[kvtreev1.GetServerInfoRequest]) (*connect.Response[kvtreev1.GetServerInfoResponse], error) {
	return connect.NewResponse(&kvtreev1.GetServerInfoResponse{
		ServerID:  parseServerID(s.server.config.NodeID),
		Addresses: []string{s.server.config.RaftBindAddr},
	}), nil
}

// ServerControl handles the ServerControl administrative RPC family.
// StatsGet and StatsDump return Raft's stats, and SnapshotStart takes a Raft
// snapshot; every other opcode replies "unsupported op".
func (s *Service) ServerControl(ctx context.Context, req *connect.Request[kvtreev1.ServerControlRequest]) (*connect.Response[kvtreev1.ServerControlResponse], error) {
	switch req.Msg.Op {
	case kvtreev1.ServerControlStatsGet, kvtreev1.ServerControlStatsDump:
		stats := s.server.raft.Stats()
		return connect.NewResponse(&kvtreev1.ServerControlResponse{Result: fmt.Sprintf("%v", stats)}), nil
	case kvtreev1.ServerControlSnapshotStart:
		if err := s.server.raft.Snapshot(); err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return connect.NewResponse(&kvtreev1.ServerControlResponse{Result: "snapshot started"}), nil
	default:
		return connect.NewResponse(&kvtreev1.ServerControlResponse{Result: "unsupported op"}), nil
	}
}

func parseServerID(nodeID string) uint64 {
	var id uint64
	_, _ = fmt.Sscanf(nodeID, "%d", &id)
	return id
}

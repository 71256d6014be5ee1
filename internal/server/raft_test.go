package server

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
)

func TestRaftHCLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hc := &raftHCLogger{logger: logger}

	for _, level := range []hclog.Level{hclog.Trace, hclog.Debug, hclog.Info, hclog.Warn, hclog.Error, hclog.Off} {
		hc.Log(level, "test message", "key", "value")
	}
	hc.Trace("trace", "k", "v")
	hc.Debug("debug", "k", "v")
	hc.Info("info", "k", "v")
	hc.Warn("warn", "k", "v")
	hc.Error("error", "k", "v")

	if hc.IsTrace() || hc.IsDebug() {
		t.Fatal("trace/debug should report false")
	}
	if !hc.IsInfo() || !hc.IsWarn() || !hc.IsError() {
		t.Fatal("info/warn/error should report true")
	}
	if hc.With("a", "b") != hc {
		t.Fatal("With should return the same logger")
	}
	if hc.Named("x") != hc || hc.ResetNamed("x") != hc {
		t.Fatal("Named/ResetNamed should return the same logger")
	}
	if hc.Name() != "raft" {
		t.Fatalf("Name() = %q", hc.Name())
	}
	hc.SetLevel(hclog.Debug)
	if hc.GetLevel() != hclog.Info {
		t.Fatalf("GetLevel() = %v", hc.GetLevel())
	}
}

func TestSingleNodeBootstrapAndApply(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := NewServer(Config{
		NodeID:       "1",
		RaftBindAddr: "127.0.0.1:0",
		RaftDataDir:  filepath.Join(dir, "node1"),
		Bootstrap:    true,
		Timeouts:     TimeoutConfig{WaitLeader: 5 * time.Second},
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !srv.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !srv.IsLeader() {
		t.Fatal("single-node bootstrap never became leader")
	}

	openResp, err := srv.ApplyOpenSession()
	if err != nil {
		t.Fatalf("ApplyOpenSession: %v", err)
	}
	if openResp.ClientID == 0 {
		t.Fatal("expected nonzero client id")
	}

	req := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpMakeDirectory, Path: "/a/b"}
	info := kvtreev1.ExactlyOnceRPCInfo{ClientID: openResp.ClientID, RPCNumber: 1, FirstOutstandingRPC: 1}
	treeResp, err := srv.ApplyTreeCommand(info, req)
	if err != nil {
		t.Fatalf("ApplyTreeCommand: %v", err)
	}
	if treeResp.Status != kvtreev1.StatusOK {
		t.Fatalf("ApplyTreeCommand status = %v (%s)", treeResp.Status, treeResp.Error)
	}

	listResp := srv.Query(kvtreev1.TreeRequest{Op: kvtreev1.TreeOpListDirectory, Path: "/a"})
	if listResp.Status != kvtreev1.StatusOK || len(listResp.Children) != 1 {
		t.Fatalf("Query list = %+v", listResp)
	}
}

func TestNewRaftNodeRequiresDataDir(t *testing.T) {
	_, err := NewRaftNode(RaftConfig{NodeID: "1", BindAddr: "127.0.0.1:0"}, mustNewFSM(t, nil))
	if err == nil {
		t.Fatal("expected error for missing data dir")
	}
}

package benchmark

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
	"github.com/kvtree/kvtree/internal/server"
)

// TreeSizes defines the tree population sizes benchmarked against.
var TreeSizes = []int{100, 1000, 10000}

// newBenchServer brings up a single-node, bootstrapped Server the way
// internal/server's own TestSingleNodeBootstrapAndApply does, so
// benchmarks exercise the real Raft apply path rather than the bare FSM.
func newBenchServer(b *testing.B) *server.Server {
	b.Helper()
	dir := b.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.NewServer(server.Config{
		NodeID:       "1",
		RaftBindAddr: "127.0.0.1:0",
		RaftDataDir:  filepath.Join(dir, "node1"),
		Bootstrap:    true,
		Timeouts:     server.TimeoutConfig{WaitLeader: 5 * time.Second},
		Logger:       logger,
	})
	if err != nil {
		b.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		b.Fatalf("Start: %v", err)
	}
	b.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for !srv.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.IsLeader() {
		b.Fatal("bootstrap never became leader")
	}
	return srv
}

// prefillTree writes count files under /bench into srv, returning the
// paths written.
func prefillTree(b *testing.B, srv *server.Server, count int) []string {
	b.Helper()
	openResp, err := srv.ApplyOpenSession()
	if err != nil {
		b.Fatalf("ApplyOpenSession: %v", err)
	}

	mkdir := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpMakeDirectory, Path: "/bench"}
	mkdirInfo := kvtreev1.ExactlyOnceRPCInfo{ClientID: openResp.ClientID, RPCNumber: uint64(count) + 1, FirstOutstandingRPC: 1}
	if _, err := srv.ApplyTreeCommand(mkdirInfo, mkdir); err != nil {
		b.Fatalf("ApplyTreeCommand: %v", err)
	}

	paths := make([]string, count)
	for i := 0; i < count; i++ {
		path := fmt.Sprintf("/bench/file-%d", i)
		paths[i] = path
		req := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpWrite, Path: path, Contents: []byte("payload")}
		info := kvtreev1.ExactlyOnceRPCInfo{ClientID: openResp.ClientID, RPCNumber: uint64(i) + 1, FirstOutstandingRPC: 1}
		if _, err := srv.ApplyTreeCommand(info, req); err != nil {
			b.Fatalf("ApplyTreeCommand: %v", err)
		}
	}
	return paths
}

// reportMemory reports current heap usage, the same convention the
// teacher's session/token benchmarks used.
func reportMemory(b *testing.B, prefix string) {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	b.ReportMetric(float64(m.Alloc)/(1024*1024), prefix+"_MB")
	b.ReportMetric(float64(m.NumGC), prefix+"_GC")
}

// runWithTreeSizes runs benchFn once per size in sizes, as a subtest.
func runWithTreeSizes(b *testing.B, sizes []int, benchFn func(b *testing.B, size int)) {
	for _, size := range sizes {
		b.Run(fmt.Sprintf("files_%d", size), func(b *testing.B) {
			benchFn(b, size)
		})
	}
}

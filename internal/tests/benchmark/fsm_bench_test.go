package benchmark

import (
	"fmt"
	"testing"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
)

// BenchmarkTreeWrite measures the full Raft-replicated Write path (apply
// through the leader's log, not the bare FSM) at increasing tree
// populations, the replicated-log equivalent of the teacher's
// session-creation throughput benchmarks.
func BenchmarkTreeWrite(b *testing.B) {
	runWithTreeSizes(b, TreeSizes, func(b *testing.B, size int) {
		srv := newBenchServer(b)
		prefillTree(b, srv, size)
		openResp, err := srv.ApplyOpenSession()
		if err != nil {
			b.Fatalf("ApplyOpenSession: %v", err)
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			req := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpWrite, Path: fmt.Sprintf("/bench/write-%d", i), Contents: []byte("v")}
			info := kvtreev1.ExactlyOnceRPCInfo{ClientID: openResp.ClientID, RPCNumber: uint64(i) + 1, FirstOutstandingRPC: 1}
			if _, err := srv.ApplyTreeCommand(info, req); err != nil {
				b.Fatalf("ApplyTreeCommand: %v", err)
			}
		}
		reportMemory(b, "tree_write")
	})
}

// BenchmarkTreeQuery measures the leader-local read path (Query bypasses
// Raft, per internal/server.Server.Query's doc comment) at increasing tree
// populations.
func BenchmarkTreeQuery(b *testing.B) {
	runWithTreeSizes(b, TreeSizes, func(b *testing.B, size int) {
		srv := newBenchServer(b)
		paths := prefillTree(b, srv, size)

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			srv.Query(kvtreev1.TreeRequest{Op: kvtreev1.TreeOpRead, Path: paths[i%len(paths)]})
		}
	})
}

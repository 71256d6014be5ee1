package server

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
)

func applyEntry(t *testing.T, f *FSM, entry LogEntry, index uint64) interface{} {
	t.Helper()
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return f.Apply(&raft.Log{Index: index, Data: data})
}

func mustNewFSM(t *testing.T, snapshotKey []byte) *FSM {
	t.Helper()
	f, err := NewFSM(nil, snapshotKey)
	if err != nil {
		t.Fatalf("NewFSM: %v", err)
	}
	return f
}

func TestFSMOpenCloseSession(t *testing.T) {
	f := mustNewFSM(t, nil)

	resp := applyEntry(t, f, LogEntry{Type: LogEntryOpenSession}, 1)
	openResp, ok := resp.(*kvtreev1.OpenSessionResponse)
	if !ok || openResp.ClientID == 0 {
		t.Fatalf("got %#v", resp)
	}

	payload, _ := json.Marshal(CloseSessionPayload{ClientID: openResp.ClientID})
	applyEntry(t, f, LogEntry{Type: LogEntryCloseSession, Payload: payload}, 2)

	if _, ok := f.sessions[openResp.ClientID]; ok {
		t.Fatalf("session %d should have been removed", openResp.ClientID)
	}
}

func TestFSMTreeCommandDeduplicates(t *testing.T) {
	f := mustNewFSM(t, nil)

	openResp := applyEntry(t, f, LogEntry{Type: LogEntryOpenSession}, 1).(*kvtreev1.OpenSessionResponse)
	clientID := openResp.ClientID

	req := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpWrite, Path: "/a", Contents: []byte("v1")}
	info := kvtreev1.ExactlyOnceRPCInfo{ClientID: clientID, RPCNumber: 1, FirstOutstandingRPC: 1}
	payload, _ := json.Marshal(TreeCommandPayload{ExactlyOnce: info, Request: req})

	first := applyEntry(t, f, LogEntry{Type: LogEntryTreeCommand, Payload: payload}, 2).(*kvtreev1.TreeResponse)
	if first.Status != kvtreev1.StatusOK {
		t.Fatalf("first apply: %+v", first)
	}

	// Apply an overwrite through a fresh rpc number so a replayed rpc 1
	// later (the retry) must return the ORIGINAL (cached) response, not
	// re-execute against the now-different tree state.
	overwrite := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpWrite, Path: "/a", Contents: []byte("v2")}
	info2 := kvtreev1.ExactlyOnceRPCInfo{ClientID: clientID, RPCNumber: 2, FirstOutstandingRPC: 1}
	payload2, _ := json.Marshal(TreeCommandPayload{ExactlyOnce: info2, Request: overwrite})
	applyEntry(t, f, LogEntry{Type: LogEntryTreeCommand, Payload: payload2}, 3)

	retry := applyEntry(t, f, LogEntry{Type: LogEntryTreeCommand, Payload: payload}, 4).(*kvtreev1.TreeResponse)
	if retry.Status != first.Status {
		t.Fatalf("retried rpc should be deduplicated: got %+v, want %+v", retry, first)
	}
	if got := f.executeQuery(kvtreev1.TreeRequest{Op: kvtreev1.TreeOpRead, Path: "/a"}); string(got.Contents) != "v2" {
		t.Fatalf("retried rpc re-executed: /a = %q, want %q", got.Contents, "v2")
	}
}

func TestFSMTreeCommandUnknownSessionIsSessionExpired(t *testing.T) {
	f := mustNewFSM(t, nil)

	req := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpMakeDirectory, Path: "/a"}
	info := kvtreev1.ExactlyOnceRPCInfo{ClientID: 999, RPCNumber: 1, FirstOutstandingRPC: 1}
	payload, _ := json.Marshal(TreeCommandPayload{ExactlyOnce: info, Request: req})

	resp := applyEntry(t, f, LogEntry{Type: LogEntryTreeCommand, Payload: payload}, 1).(*kvtreev1.TreeResponse)
	if resp.Status != kvtreev1.StatusSessionExpired {
		t.Fatalf("got %+v, want SessionExpired", resp)
	}
}

func TestFSMApplyPanicsOnCorruptEntry(t *testing.T) {
	f := mustNewFSM(t, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on corrupt log entry")
		}
	}()
	f.Apply(&raft.Log{Index: 1, Data: []byte("not json")})
}

func TestFSMApplyPanicsOnUnknownEntryType(t *testing.T) {
	f := mustNewFSM(t, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unrecognized log entry type")
		}
	}()
	applyEntry(t, f, LogEntry{Type: 99}, 1)
}

func TestFSMSnapshotRoundTrip(t *testing.T) {
	f := mustNewFSM(t, nil)
	openResp := applyEntry(t, f, LogEntry{Type: LogEntryOpenSession}, 1).(*kvtreev1.OpenSessionResponse)

	req := kvtreev1.TreeRequest{Op: kvtreev1.TreeOpWrite, Path: "/dir/file", Contents: []byte("hello")}
	info := kvtreev1.ExactlyOnceRPCInfo{ClientID: openResp.ClientID, RPCNumber: 1, FirstOutstandingRPC: 1}
	payload, _ := json.Marshal(TreeCommandPayload{ExactlyOnce: info, Request: req})
	applyEntry(t, f, LogEntry{Type: LogEntryTreeCommand, Payload: payload}, 2)

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	sink := newMemorySink()
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	f2 := mustNewFSM(t, nil)
	if err := f2.Restore(sink.reader()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, ok := f2.sessions[openResp.ClientID]; !ok {
		t.Fatalf("restored fsm missing session %d", openResp.ClientID)
	}

	queryResp := f2.executeQuery(kvtreev1.TreeRequest{Op: kvtreev1.TreeOpRead, Path: "/dir/file"})
	if queryResp.Status != kvtreev1.StatusOK || string(queryResp.Contents) != "hello" {
		t.Fatalf("restored tree query = %+v", queryResp)
	}
}

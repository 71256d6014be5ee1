// Package server implements the Raft-backed cluster server: the tree as a
// replicated state machine, the Raft node wiring, and the Connect RPC
// service that answers the four logical opcodes plus the
// configuration/info/control RPCs.
package server

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
	"github.com/kvtree/kvtree/internal/pathname"
	"github.com/kvtree/kvtree/internal/status"
	"github.com/kvtree/kvtree/internal/tree"
	"github.com/kvtree/kvtree/pkg/crypto/adaptive"
)

// snapshotFormat tags whether a persisted snapshot's body is plaintext or
// AEAD-sealed, so Restore can read snapshots written before encryption was
// enabled (or by a peer with a different key configured, which simply
// fails to decrypt rather than silently misreading).
type snapshotFormat byte

const (
	snapshotFormatPlain     snapshotFormat = 0
	snapshotFormatEncrypted snapshotFormat = 1
)

// LogEntryType tags the kind of committed command in a Raft log entry, the
// same tagged-union-over-JSON shape clusterserver/fsm.go uses for its own
// log entries.
type LogEntryType uint8

const (
	LogEntryOpenSession  LogEntryType = 1
	LogEntryCloseSession LogEntryType = 2
	LogEntryTreeCommand  LogEntryType = 3
)

// LogEntry is the envelope written to the Raft log.
type LogEntry struct {
	Type    LogEntryType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CloseSessionPayload names the session to discard.
type CloseSessionPayload struct {
	ClientID uint64 `json:"client_id"`
}

// TreeCommandPayload carries a mutating tree request plus its exactly-once
// bookkeeping.
type TreeCommandPayload struct {
	ExactlyOnce kvtreev1.ExactlyOnceRPCInfo `json:"exactly_once"`
	Request     kvtreev1.TreeRequest        `json:"request"`
}

// sessionState is the per-client replicated state the FSM owns directly
// (it must be deterministic and replicated, so it cannot live server-side
// out of band): the response cache used to answer a retried RPC number
// with its original result, without re-executing it.
type sessionState struct {
	Responses map[uint64]kvtreev1.TreeResponse `json:"responses"`
}

// FSM adapts a tree.Tree to raft.FSM. Its Apply departs from the teacher's
// fsm.go in one respect, documented in DESIGN.md: ordinary Tree outcomes
// (including non-OK ones) are returned normally rather than panicking.
// Only a corrupted log entry or an unrecognized entry type still panics.
type FSM struct {
	mu           sync.Mutex
	tree         *tree.Tree
	nextClientID uint64
	sessions     map[uint64]*sessionState
	logger       *slog.Logger
	cipher       adaptive.Cipher
}

// NewFSM constructs an FSM over a fresh, empty tree. snapshotKey, if
// non-nil, AEAD-seals every snapshot written by Persist (grounded on
// internal/storage/snapshot's key-derivation helpers and
// pkg/crypto/adaptive's hardware-adaptive cipher selection); nil leaves
// snapshots as plain gzip, matching the teacher's fsmSnapshot.
func NewFSM(logger *slog.Logger, snapshotKey []byte) (*FSM, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FSM{
		tree:     tree.New(),
		sessions: make(map[uint64]*sessionState),
		logger:   logger,
	}
	if len(snapshotKey) > 0 {
		c, err := adaptive.New(snapshotKey)
		if err != nil {
			return nil, fmt.Errorf("init snapshot cipher: %w", err)
		}
		f.cipher = c
	}
	return f, nil
}

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("FATAL: failed to unmarshal log entry - data corrupted",
			"error", err, "log_index", log.Index, "log_term", log.Term)
		panic(fmt.Sprintf("FSM.Apply: unmarshal failed at index=%d: %v", log.Index, err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch entry.Type {
	case LogEntryOpenSession:
		f.nextClientID++
		id := f.nextClientID
		f.sessions[id] = &sessionState{Responses: make(map[uint64]kvtreev1.TreeResponse)}
		return &kvtreev1.OpenSessionResponse{ClientID: id}

	case LogEntryCloseSession:
		var payload CloseSessionPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			f.logger.Error("FATAL: failed to unmarshal close-session payload", "error", err)
			panic(fmt.Sprintf("FSM.Apply: unmarshal CloseSession payload failed: %v", err))
		}
		delete(f.sessions, payload.ClientID)
		return &kvtreev1.CloseSessionResponse{}

	case LogEntryTreeCommand:
		var payload TreeCommandPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			f.logger.Error("FATAL: failed to unmarshal tree-command payload", "error", err)
			panic(fmt.Sprintf("FSM.Apply: unmarshal TreeCommand payload failed: %v", err))
		}
		return f.applyTreeCommand(payload)

	default:
		f.logger.Error("FATAL: unknown log entry type", "type", entry.Type, "log_index", log.Index)
		panic(fmt.Sprintf("FSM.Apply: unknown log type %d at index=%d", entry.Type, log.Index))
	}
}

// applyTreeCommand deduplicates by exactly-once bookkeeping and otherwise
// executes the request against the tree. f.mu must be held.
func (f *FSM) applyTreeCommand(payload TreeCommandPayload) *kvtreev1.TreeResponse {
	session, ok := f.sessions[payload.ExactlyOnce.ClientID]
	if !ok {
		return &kvtreev1.TreeResponse{Status: kvtreev1.StatusSessionExpired,
			Error: fmt.Sprintf("client %d has no open session", payload.ExactlyOnce.ClientID)}
	}

	for rpcNumber := range session.Responses {
		if rpcNumber < payload.ExactlyOnce.FirstOutstandingRPC {
			delete(session.Responses, rpcNumber)
		}
	}

	if cached, ok := session.Responses[payload.ExactlyOnce.RPCNumber]; ok {
		return &cached
	}

	resp := f.executeTreeRequest(payload.Request)
	session.Responses[payload.ExactlyOnce.RPCNumber] = resp
	return &resp
}

// executeQuery runs a read-only request directly (no session, no
// deduplication: queries are naturally idempotent).
func (f *FSM) executeQuery(req kvtreev1.TreeRequest) kvtreev1.TreeResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executeTreeRequest(req)
}

// Stats returns a snapshot of the tree's operation counters, taken under
// the same lock Apply uses. Satisfies metric.TreeStatsSource so a
// prometheus collector can scrape it without racing Apply.
func (f *FSM) Stats() tree.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tree.Stats()
}

// executeTreeRequest applies req to the tree. f.mu must be held.
func (f *FSM) executeTreeRequest(req kvtreev1.TreeRequest) kvtreev1.TreeResponse {
	p, err := pathname.Parse(req.Path, "/")
	if err != nil {
		return wireError(status.InvalidArgumentf("%v", err))
	}

	if req.Condition != nil {
		condPath, condErr := pathname.Parse(req.Condition.Path, "/")
		if condErr != nil {
			return wireError(status.InvalidArgumentf("%v", condErr))
		}
		if err := f.tree.CheckCondition(condPath, true, req.Condition.Contents); err != nil {
			return wireError(err)
		}
	}

	switch req.Op {
	case kvtreev1.TreeOpMakeDirectory:
		return wireError(f.tree.MakeDirectory(p))
	case kvtreev1.TreeOpListDirectory:
		children, err := f.tree.ListDirectory(p)
		if err != nil {
			return wireError(err)
		}
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusOK, Children: children}
	case kvtreev1.TreeOpRemoveDirectory:
		return wireError(f.tree.RemoveDirectory(p))
	case kvtreev1.TreeOpWrite:
		return wireError(f.tree.Write(p, req.Contents))
	case kvtreev1.TreeOpRead:
		contents, err := f.tree.Read(p)
		if err != nil {
			return wireError(err)
		}
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusOK, Contents: contents}
	case kvtreev1.TreeOpRemoveFile:
		return wireError(f.tree.RemoveFile(p))
	default:
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusInvalidArgument, Error: "unrecognized tree operation"}
	}
}

func wireError(err error) kvtreev1.TreeResponse {
	if err == nil {
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusOK}
	}
	se, ok := err.(*status.Error)
	if !ok {
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusInvalidArgument, Error: err.Error()}
	}
	var wire kvtreev1.Status
	switch se.Code {
	case status.OK:
		wire = kvtreev1.StatusOK
	case status.InvalidArgument:
		wire = kvtreev1.StatusInvalidArgument
	case status.LookupError:
		wire = kvtreev1.StatusLookupError
	case status.TypeError:
		wire = kvtreev1.StatusTypeError
	case status.ConditionNotMet:
		wire = kvtreev1.StatusConditionNotMet
	case status.Timeout:
		wire = kvtreev1.StatusTimeout
	default:
		wire = kvtreev1.StatusInvalidArgument
	}
	return kvtreev1.TreeResponse{Status: wire, Error: se.Message}
}

// snapshotState is the non-tree part of the FSM's replicated state.
type snapshotState struct {
	NextClientID uint64                   `json:"next_client_id"`
	Sessions     map[uint64]*sessionState `json:"sessions"`
}

// Snapshot captures the FSM's current state: the tree (via tree.Dump's
// protobuf framing) followed by the session bookkeeping as JSON, both
// gzip-compressed in one stream -- the same gzip-wrapped-JSON shape
// clusterserver/fsm.go's fsmSnapshot.Persist uses, extended with a
// length-prefixed tree section since the tree isn't itself JSON-shaped.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var treeBuf bytes.Buffer
	if err := f.tree.Dump(&treeBuf); err != nil {
		return nil, fmt.Errorf("dump tree: %w", err)
	}

	sessions := make(map[uint64]*sessionState, len(f.sessions))
	for id, s := range f.sessions {
		responses := make(map[uint64]kvtreev1.TreeResponse, len(s.Responses))
		for n, r := range s.Responses {
			responses[n] = r
		}
		sessions[id] = &sessionState{Responses: responses}
	}

	return &fsmSnapshot{
		treeBytes:    treeBuf.Bytes(),
		nextClientID: f.nextClientID,
		sessions:     sessions,
		cipher:       f.cipher,
	}, nil
}

// Restore replaces the FSM's state with the snapshot read from r.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty snapshot")
	}

	body := raw[1:]
	switch snapshotFormat(raw[0]) {
	case snapshotFormatEncrypted:
		if f.cipher == nil {
			return fmt.Errorf("snapshot is encrypted but no snapshot key is configured")
		}
		body, err = f.cipher.Decrypt(body, nil)
		if err != nil {
			return fmt.Errorf("decrypt snapshot: %w", err)
		}
	case snapshotFormatPlain:
	default:
		return fmt.Errorf("unrecognized snapshot format byte %d", raw[0])
	}

	gzReader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzReader.Close()

	var treeLen uint64
	if err := binary.Read(gzReader, binary.BigEndian, &treeLen); err != nil {
		return fmt.Errorf("read tree section length: %w", err)
	}
	treeBytes := make([]byte, treeLen)
	if _, err := io.ReadFull(gzReader, treeBytes); err != nil {
		return fmt.Errorf("read tree section: %w", err)
	}

	var state snapshotState
	if err := json.NewDecoder(gzReader).Decode(&state); err != nil {
		return fmt.Errorf("decode session state: %w", err)
	}

	newTree := tree.New()
	if err := newTree.Load(bytes.NewReader(treeBytes)); err != nil {
		return fmt.Errorf("load tree: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree = newTree
	f.nextClientID = state.NextClientID
	f.sessions = state.Sessions
	if f.sessions == nil {
		f.sessions = make(map[uint64]*sessionState)
	}

	f.logger.Info("fsm state restored from snapshot", "session_count", len(f.sessions))
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over the bytes captured by
// FSM.Snapshot.
type fsmSnapshot struct {
	treeBytes    []byte
	nextClientID uint64
	sessions     map[uint64]*sessionState
	cipher       adaptive.Cipher
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		var body bytes.Buffer
		gzWriter := gzip.NewWriter(&body)

		if err := binary.Write(gzWriter, binary.BigEndian, uint64(len(s.treeBytes))); err != nil {
			return fmt.Errorf("write tree section length: %w", err)
		}
		if _, err := gzWriter.Write(s.treeBytes); err != nil {
			return fmt.Errorf("write tree section: %w", err)
		}

		state := snapshotState{NextClientID: s.nextClientID, Sessions: s.sessions}
		if err := json.NewEncoder(gzWriter).Encode(state); err != nil {
			return fmt.Errorf("encode session state: %w", err)
		}
		if err := gzWriter.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}

		format := snapshotFormatPlain
		payload := body.Bytes()
		if s.cipher != nil {
			sealed, err := s.cipher.Encrypt(payload, nil)
			if err != nil {
				return fmt.Errorf("encrypt snapshot: %w", err)
			}
			format = snapshotFormatEncrypted
			payload = sealed
		}
		if _, err := sink.Write([]byte{byte(format)}); err != nil {
			return fmt.Errorf("write snapshot format byte: %w", err)
		}
		if _, err := sink.Write(payload); err != nil {
			return fmt.Errorf("write snapshot body: %w", err)
		}
		return nil
	}()

	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

package server

import (
	"bytes"
	"io"
)

// memorySink is a minimal in-memory raft.SnapshotSink for exercising
// FSM.Snapshot/Restore without a real file snapshot store.
type memorySink struct {
	buf bytes.Buffer
}

func newMemorySink() *memorySink { return &memorySink{} }

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) ID() string                   { return "test-snapshot" }
func (s *memorySink) Cancel() error                { return nil }
func (s *memorySink) Close() error                 { return nil }

func (s *memorySink) reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.buf.Bytes()))
}

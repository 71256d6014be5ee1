package client

import (
	"context"
	"sync"
	"time"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
	"github.com/kvtree/kvtree/internal/pathname"
	"github.com/kvtree/kvtree/internal/status"
	"github.com/kvtree/kvtree/internal/tree"
)

// InterceptFunc may rewrite a TreeRequest's outcome before the shim
// executes it against the embedded Tree. Returning handled=true means resp
// has already been fully populated and the shim must not touch the tree.
type InterceptFunc func(req kvtreev1.TreeRequest) (resp kvtreev1.TreeResponse, handled bool)

// TestingShim is an in-process alternative to LeaderRPC + ExactlyOnceRPCHelper:
// it holds a tree.Tree directly and serializes every request against it with
// a mutex, the way the server serializes Tree access via Raft apply order
// (spec §4.7). It is the vehicle for unit-testing cluster-dependent code
// without a live cluster.
type TestingShim struct {
	mu               sync.Mutex
	tree             *tree.Tree
	commandIntercept InterceptFunc
	queryIntercept   InterceptFunc
}

// NewTestingShim wraps t (a freshly constructed or pre-populated Tree).
func NewTestingShim(t *tree.Tree) *TestingShim {
	return &TestingShim{tree: t}
}

// NewTestingCluster builds a Cluster facade backed by an in-process
// TestingShim rather than a real LeaderRPC, with no exactly-once session.
func NewTestingCluster(t *tree.Tree) *Cluster {
	shim := NewTestingShim(t)
	c := &Cluster{caller: shim}
	c.bundle.Store(&bundle{workingDirectory: "/"})
	return c
}

// InterceptCommands installs a callback invoked before every mutating
// request is executed.
func (s *TestingShim) InterceptCommands(f InterceptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandIntercept = f
}

// InterceptQueries installs a callback invoked before every read-only
// request is executed.
func (s *TestingShim) InterceptQueries(f InterceptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryIntercept = f
}

func (s *TestingShim) command(_ context.Context, _ kvtreev1.ExactlyOnceRPCInfo, req kvtreev1.TreeRequest, _ time.Time) (kvtreev1.TreeResponse, CallStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commandIntercept != nil {
		if resp, handled := s.commandIntercept(req); handled {
			return resp, CallOK
		}
	}
	return s.execute(req), CallOK
}

func (s *TestingShim) query(_ context.Context, req kvtreev1.TreeRequest, _ time.Time) (kvtreev1.TreeResponse, CallStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryIntercept != nil {
		if resp, handled := s.queryIntercept(req); handled {
			return resp, CallOK
		}
	}
	return s.execute(req), CallOK
}

// execute runs req directly against the embedded tree; s.mu must be held.
func (s *TestingShim) execute(req kvtreev1.TreeRequest) kvtreev1.TreeResponse {
	p, err := pathname.Parse(req.Path, "/")
	if err != nil {
		return errorResponse(status.InvalidArgumentf("%v", err))
	}

	if req.Condition != nil {
		condPath, condErr := pathname.Parse(req.Condition.Path, "/")
		if condErr != nil {
			return errorResponse(status.InvalidArgumentf("%v", condErr))
		}
		if err := s.tree.CheckCondition(condPath, true, req.Condition.Contents); err != nil {
			return errorResponse(err)
		}
	}

	switch req.Op {
	case kvtreev1.TreeOpMakeDirectory:
		return errorResponse(s.tree.MakeDirectory(p))
	case kvtreev1.TreeOpListDirectory:
		children, err := s.tree.ListDirectory(p)
		if err != nil {
			return errorResponse(err)
		}
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusOK, Children: children}
	case kvtreev1.TreeOpRemoveDirectory:
		return errorResponse(s.tree.RemoveDirectory(p))
	case kvtreev1.TreeOpWrite:
		return errorResponse(s.tree.Write(p, req.Contents))
	case kvtreev1.TreeOpRead:
		contents, err := s.tree.Read(p)
		if err != nil {
			return errorResponse(err)
		}
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusOK, Contents: contents}
	case kvtreev1.TreeOpRemoveFile:
		return errorResponse(s.tree.RemoveFile(p))
	default:
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusInvalidArgument, Error: "unrecognized tree operation"}
	}
}

func errorResponse(err error) kvtreev1.TreeResponse {
	if err == nil {
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusOK}
	}
	se, ok := err.(*status.Error)
	if !ok {
		return kvtreev1.TreeResponse{Status: kvtreev1.StatusInvalidArgument, Error: err.Error()}
	}
	return kvtreev1.TreeResponse{Status: wireStatus(se.Code), Error: se.Message}
}

func wireStatus(c status.Code) kvtreev1.Status {
	switch c {
	case status.OK:
		return kvtreev1.StatusOK
	case status.InvalidArgument:
		return kvtreev1.StatusInvalidArgument
	case status.LookupError:
		return kvtreev1.StatusLookupError
	case status.TypeError:
		return kvtreev1.StatusTypeError
	case status.ConditionNotMet:
		return kvtreev1.StatusConditionNotMet
	case status.Timeout:
		return kvtreev1.StatusTimeout
	default:
		return kvtreev1.StatusInvalidArgument
	}
}

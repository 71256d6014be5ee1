// Package client implements the client-side session layer: LeaderRPC
// routing, exactly-once bookkeeping, the Cluster tree facade, and (in
// testingshim.go) an in-process substitute for unit tests.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
	"github.com/kvtree/kvtree/internal/pathname"
	"github.com/kvtree/kvtree/internal/status"
)

// invalidWorkingDirectoryPrefix marks a working directory or condition path
// that failed to canonicalize: per spec §4.6/§9, the facade deliberately
// poisons itself rather than silently keeping the old value, so every
// subsequent relative-path call fails with a message naming the original
// mistake.
const invalidWorkingDirectoryPrefix = "invalid from prior call to "

// bundle is the facade's copy-on-write state (spec §9): readers snapshot
// the pointer, drop the mutex, and read locally so no I/O ever happens
// while the mutex is held.
type bundle struct {
	workingDirectory string
	condition        *kvtreev1.Condition
	timeoutNanos     int64
}

// treeCaller abstracts "submit a TreeRequest and get a TreeResponse", the
// one seam shared by ClientImpl (over LeaderRPC) and TestingShim (over an
// in-process Tree).
type treeCaller interface {
	command(ctx context.Context, info kvtreev1.ExactlyOnceRPCInfo, req kvtreev1.TreeRequest, deadline time.Time) (kvtreev1.TreeResponse, CallStatus)
	query(ctx context.Context, req kvtreev1.TreeRequest, deadline time.Time) (kvtreev1.TreeResponse, CallStatus)
}

// Cluster is the Tree facade exposed to application code (spec §6.5): the
// working directory, condition and timeout are copy-on-write state behind
// a mutex; the actual RPC plumbing is reached through a treeCaller.
type Cluster struct {
	caller treeCaller
	helper *ExactlyOnceRPCHelper // nil for a read-only-only caller such as TestingShim without sessions

	mu     sync.Mutex
	bundle atomic.Pointer[bundle]
}

// NewCluster constructs a facade over leader, backed by the given
// ExactlyOnceRPCHelper for mutating calls.
func NewCluster(leader *LeaderRPC, helper *ExactlyOnceRPCHelper) *Cluster {
	c := &Cluster{
		caller: &rpcCaller{leader: leader},
		helper: helper,
	}
	c.bundle.Store(&bundle{workingDirectory: "/"})
	return c
}

type rpcCaller struct {
	leader *LeaderRPC
}

func (r *rpcCaller) command(ctx context.Context, info kvtreev1.ExactlyOnceRPCInfo, req kvtreev1.TreeRequest, deadline time.Time) (kvtreev1.TreeResponse, CallStatus) {
	creq := &kvtreev1.StateMachineCommandRequest{ExactlyOnce: info, TreeRequest: req}
	var cresp kvtreev1.StateMachineCommandResponse
	result := r.leader.Call(ctx, kvtreev1.OpStateMachineCommand, creq, &cresp, deadline)
	return cresp.TreeResponse, result
}

func (r *rpcCaller) query(ctx context.Context, req kvtreev1.TreeRequest, deadline time.Time) (kvtreev1.TreeResponse, CallStatus) {
	qreq := &kvtreev1.StateMachineQueryRequest{TreeRequest: req}
	var qresp kvtreev1.StateMachineQueryResponse
	result := r.leader.Call(ctx, kvtreev1.OpStateMachineQuery, qreq, &qresp, deadline)
	return qresp.TreeResponse, result
}

// deadlineFrom converts a relative-nanoseconds timeout (0 == never) to an
// absolute deadline, saturating overflow to "no timeout" per spec §5.
func deadlineFrom(timeoutNanos int64) time.Time {
	if timeoutNanos <= 0 {
		return time.Time{}
	}
	d := time.Duration(timeoutNanos)
	if int64(d) != timeoutNanos {
		return time.Time{} // overflow: treat as no timeout
	}
	now := time.Now()
	deadline := now.Add(d)
	if deadline.Before(now) {
		return time.Time{} // overflow saturation
	}
	return deadline
}

// GetWorkingDirectory returns the facade's current working directory, or
// the poison sentinel if the last SetWorkingDirectory call failed.
func (c *Cluster) GetWorkingDirectory() string {
	return c.bundle.Load().workingDirectory
}

// SetWorkingDirectory canonicalizes path against the current working
// directory. Regardless of outcome the bundle's working directory is
// replaced; on failure it becomes a sentinel that poisons subsequent
// relative-path calls (spec §4.6, §9).
func (c *Cluster) SetWorkingDirectory(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.bundle.Load()

	p, err := pathname.Parse(path, cur.workingDirectory)
	next := &bundle{condition: cur.condition, timeoutNanos: cur.timeoutNanos}
	if err != nil {
		next.workingDirectory = invalidWorkingDirectoryPrefix + fmt.Sprintf("setWorkingDirectory(%q): %v", path, err)
		c.bundle.Store(next)
		return err
	}
	next.workingDirectory = p.Canonical()
	c.bundle.Store(next)

	// An idempotent makeDirectory at the resolved path, per spec §4.6.
	return c.MakeDirectory(ctx, p.Canonical())
}

// GetCondition returns the facade's current condition, if any.
func (c *Cluster) GetCondition() (path string, expected []byte, ok bool) {
	cur := c.bundle.Load()
	if cur.condition == nil {
		return "", nil, false
	}
	return cur.condition.Path, cur.condition.Contents, true
}

// SetCondition canonicalizes path against the current working directory
// and attaches it as the condition for subsequent mutating calls. An empty
// path clears the condition. On canonicalization failure the condition
// becomes a poison sentinel (same policy as SetWorkingDirectory).
func (c *Cluster) SetCondition(path string, expected []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.bundle.Load()
	next := &bundle{workingDirectory: cur.workingDirectory, timeoutNanos: cur.timeoutNanos}

	if path == "" {
		next.condition = nil
		c.bundle.Store(next)
		return nil
	}

	p, err := pathname.Parse(path, cur.workingDirectory)
	if err != nil {
		next.condition = &kvtreev1.Condition{
			Path: invalidWorkingDirectoryPrefix + fmt.Sprintf("setCondition(%q): %v", path, err),
		}
		c.bundle.Store(next)
		return err
	}
	next.condition = &kvtreev1.Condition{Path: p.Canonical(), Contents: expected}
	c.bundle.Store(next)
	return nil
}

// SetTimeout sets the relative timeout (nanoseconds; 0 means "no timeout")
// applied to subsequent calls.
func (c *Cluster) SetTimeout(nanos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.bundle.Load()
	c.bundle.Store(&bundle{workingDirectory: cur.workingDirectory, condition: cur.condition, timeoutNanos: nanos})
}

// GetTimeout returns the facade's current relative timeout in nanoseconds.
func (c *Cluster) GetTimeout() int64 {
	return c.bundle.Load().timeoutNanos
}

func (c *Cluster) mutate(ctx context.Context, op kvtreev1.TreeOp, relPath string, contents []byte) error {
	b := c.bundle.Load()
	p, err := pathname.Parse(relPath, b.workingDirectory)
	if err != nil {
		return status.InvalidArgumentf("%v", err)
	}
	deadline := deadlineFrom(b.timeoutNanos)

	var info kvtreev1.ExactlyOnceRPCInfo
	if c.helper != nil {
		var callStatus CallStatus
		info, callStatus = c.helper.GetRPCInfo(ctx, deadline)
		if callStatus == CallTimeout {
			return status.Timeoutf("%s", status.ClientTimeoutMessage)
		}
	}

	req := kvtreev1.TreeRequest{Op: op, Path: p.Canonical(), Contents: contents, Condition: b.condition}
	resp, result := c.caller.command(ctx, info, req, deadline)
	if c.helper != nil {
		c.helper.DoneWithRPC(info)
	}

	if result == CallTimeout {
		return status.Timeoutf("%s", status.ClientTimeoutMessage)
	}
	if result == CallInvalidRequest {
		panic("kvtree client: server rejected request as invalid")
	}
	return translateTreeStatus(resp)
}

func (c *Cluster) queryOp(ctx context.Context, op kvtreev1.TreeOp, relPath string) (kvtreev1.TreeResponse, error) {
	b := c.bundle.Load()
	p, err := pathname.Parse(relPath, b.workingDirectory)
	if err != nil {
		return kvtreev1.TreeResponse{}, status.InvalidArgumentf("%v", err)
	}
	deadline := deadlineFrom(b.timeoutNanos)

	req := kvtreev1.TreeRequest{Op: op, Path: p.Canonical()}
	resp, result := c.caller.query(ctx, req, deadline)
	if result == CallTimeout {
		return kvtreev1.TreeResponse{}, status.Timeoutf("%s", status.ClientTimeoutMessage)
	}
	if result == CallInvalidRequest {
		panic("kvtree client: server rejected request as invalid")
	}
	if err := translateTreeStatus(resp); err != nil {
		return kvtreev1.TreeResponse{}, err
	}
	return resp, nil
}

// MakeDirectory creates all missing directories along path.
func (c *Cluster) MakeDirectory(ctx context.Context, path string) error {
	return c.mutate(ctx, kvtreev1.TreeOpMakeDirectory, path, nil)
}

// ListDirectory returns the children of path.
func (c *Cluster) ListDirectory(ctx context.Context, path string) ([]string, error) {
	resp, err := c.queryOp(ctx, kvtreev1.TreeOpListDirectory, path)
	if err != nil {
		return nil, err
	}
	return resp.Children, nil
}

// RemoveDirectory recursively removes path and its descendants.
func (c *Cluster) RemoveDirectory(ctx context.Context, path string) error {
	return c.mutate(ctx, kvtreev1.TreeOpRemoveDirectory, path, nil)
}

// Write creates or overwrites the file at path.
func (c *Cluster) Write(ctx context.Context, path string, contents []byte) error {
	return c.mutate(ctx, kvtreev1.TreeOpWrite, path, contents)
}

// Read returns the contents of the file at path.
func (c *Cluster) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.queryOp(ctx, kvtreev1.TreeOpRead, path)
	if err != nil {
		return nil, err
	}
	return resp.Contents, nil
}

// RemoveFile removes the file at path.
func (c *Cluster) RemoveFile(ctx context.Context, path string) error {
	return c.mutate(ctx, kvtreev1.TreeOpRemoveFile, path, nil)
}

// Close shuts down the client's session, if any.
func (c *Cluster) Close(ctx context.Context, closeTimeout time.Duration) {
	if c.helper != nil {
		c.helper.Exit(ctx, closeTimeout)
	}
}

// translateTreeStatus converts a wire TreeResponse's status into the
// client status.Error taxonomy, preserving the server's message verbatim
// and defaulting an unrecognized code to INVALID_ARGUMENT (spec §9).
func translateTreeStatus(resp kvtreev1.TreeResponse) error {
	switch resp.Status {
	case kvtreev1.StatusOK:
		return nil
	case kvtreev1.StatusInvalidArgument:
		return status.New(status.InvalidArgument, "%s", resp.Error)
	case kvtreev1.StatusLookupError:
		return status.New(status.LookupError, "%s", resp.Error)
	case kvtreev1.StatusTypeError:
		return status.New(status.TypeError, "%s", resp.Error)
	case kvtreev1.StatusConditionNotMet:
		return status.New(status.ConditionNotMet, "%s", resp.Error)
	case kvtreev1.StatusTimeout:
		return status.Timeoutf("%s", status.ClientTimeoutMessage)
	case kvtreev1.StatusSessionExpired:
		panic("kvtree client: session expired; exactly-once semantics can no longer be guaranteed")
	default:
		return status.InvalidArgumentf("unrecognized status %d: %s", resp.Status, resp.Error)
	}
}

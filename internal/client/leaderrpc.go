package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"connectrpc.com/connect"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
	"github.com/kvtree/kvtree/internal/rpcaddress"
	"github.com/kvtree/kvtree/pkg/backoff"
)

// CallStatus is the outcome of a synchronous LeaderRPC.Call, mirroring the
// three-way result of LeaderRPCBase::call in the original client (spec §4.4).
type CallStatus int

const (
	CallOK CallStatus = iota
	CallTimeout
	CallInvalidRequest
)

func (s CallStatus) String() string {
	switch s {
	case CallOK:
		return "OK"
	case CallTimeout:
		return "TIMEOUT"
	case CallInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return "Unknown"
	}
}

// LeaderRPC maintains a single logical session to one cluster member at a
// time, rerouting on "not leader" and "redirect" outcomes and rate-limiting
// reconnection attempts. It is safe for concurrent use; only one goroutine
// at a time performs the "establish a new target" step, others wait on
// cond exactly as the original LeaderRPC's mutex + condition variable do.
type LeaderRPC struct {
	transport   Transport
	addr        *rpcaddress.Address
	clusterUUID string
	logger      *slog.Logger
	backoff     *backoff.Backoff

	mu                       sync.Mutex
	cond                     *sync.Cond
	isConnecting             bool
	leaderHint               string
	target                   string
	connected                bool
	failuresSinceLastSuccess uint64
}

// NewLeaderRPC constructs a LeaderRPC over hosts (a comma-delimited address
// list, see internal/rpcaddress), identifying the expected cluster by
// clusterUUID (empty disables the check).
func NewLeaderRPC(transport Transport, hosts string, defaultPort uint16, clusterUUID string, logger *slog.Logger) (*LeaderRPC, error) {
	addr, err := rpcaddress.Parse(hosts, defaultPort)
	if err != nil {
		return nil, err
	}
	l := &LeaderRPC{
		transport:   transport,
		addr:        addr,
		clusterUUID: clusterUUID,
		logger:      logger,
		backoff:     backoff.New(20*time.Millisecond, 5),
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Call synchronously issues op, retrying internally (rerouting on
// not-leader/redirect, reconnecting on transport failure) until it
// succeeds or deadline passes.
func (l *LeaderRPC) Call(ctx context.Context, op kvtreev1.OpCode, req, resp any, deadline time.Time) CallStatus {
	for {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return CallTimeout
		}

		target, err := l.getTarget(ctx, deadline)
		if err != nil {
			return CallTimeout
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if !deadline.IsZero() {
			callCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		err = l.transport.Call(callCtx, target, op, req, resp)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return CallTimeout
			}
			var connectErr *connect.Error
			if errors.As(err, &connectErr) && connectErr.Code() == connect.CodeInvalidArgument {
				return CallInvalidRequest
			}
			l.reportFailure(target)
			if waitErr := l.backoff.Wait(ctx); waitErr != nil {
				return CallTimeout
			}
			continue
		}

		notLeader, redirect := routingInfo(resp)
		switch {
		case notLeader:
			l.reportNotLeader()
			continue
		case redirect != "":
			l.reportRedirect(target, redirect)
			continue
		default:
			l.reportSuccess(target)
			return CallOK
		}
	}
}

// getTarget returns the address to try next: the leader hint if one is
// set, otherwise a freshly refreshed random member.
func (l *LeaderRPC) getTarget(ctx context.Context, deadline time.Time) (string, error) {
	l.mu.Lock()
	for l.isConnecting {
		l.cond.Wait()
	}
	if l.leaderHint != "" {
		target := l.leaderHint
		l.mu.Unlock()
		return target, nil
	}
	l.isConnecting = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.isConnecting = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}()

	refreshCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if err := l.addr.Refresh(refreshCtx); err != nil {
		return "", err
	}
	if !l.addr.IsValid() {
		return "", fmt.Errorf("leaderrpc: no address resolved for %s", l.addr)
	}
	return l.addr.Resolved(), nil
}

func (l *LeaderRPC) reportSuccess(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaderHint = target
	l.connected = true
	l.failuresSinceLastSuccess = 0
}

func (l *LeaderRPC) reportNotLeader() {
	l.mu.Lock()
	l.leaderHint = ""
	l.mu.Unlock()
}

func (l *LeaderRPC) reportRedirect(from, to string) {
	l.mu.Lock()
	l.leaderHint = to
	l.mu.Unlock()
	if l.logger != nil {
		l.logger.Info("redirected to new leader", "from", from, "to", to)
	}
}

// reportFailure tears down the current target and logs only at powers of
// two of the consecutive-failure count, avoiding log floods from a cluster
// that's down for an extended stretch.
func (l *LeaderRPC) reportFailure(target string) {
	l.mu.Lock()
	l.leaderHint = ""
	l.connected = false
	l.failuresSinceLastSuccess++
	n := l.failuresSinceLastSuccess
	l.mu.Unlock()

	if n != 0 && n&(n-1) == 0 && bits.Len64(n) > 0 && l.logger != nil {
		l.logger.Warn("repeated failures contacting cluster", "target", target, "consecutiveFailures", n)
	}
}

func routingInfo(resp any) (notLeader bool, redirect string) {
	switch r := resp.(type) {
	case *kvtreev1.StateMachineCommandResponse:
		return r.NotLeader, r.Redirect
	case *kvtreev1.StateMachineQueryResponse:
		return r.NotLeader, r.Redirect
	default:
		return false, ""
	}
}

// callState is Call's small state machine (spec §9's "Cancellable RPC
// handle" design note): {pending, running, done, canceled}.
type callState int

const (
	callPending callState = iota
	callRunning
	callDone
	callCanceled
)

// Call is the asynchronous form of LeaderRPC.Call: start it, optionally
// cancel it from another goroutine, then wait for its outcome. The
// keep-alive worker uses this so shutdown can interrupt an in-flight
// keep-alive without an ambient goroutine-cancel mechanism.
type Call struct {
	leader *LeaderRPC

	mu     sync.Mutex
	cond   *sync.Cond
	state  callState
	cancel context.CancelFunc
	result CallStatus
}

// MakeCall constructs an unstarted Call bound to this LeaderRPC.
func (l *LeaderRPC) MakeCall() *Call {
	c := &Call{leader: l, state: callPending}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start begins the call in a new goroutine, immediately returning.
func (c *Call) Start(ctx context.Context, op kvtreev1.OpCode, req, resp any, deadline time.Time) {
	c.mu.Lock()
	if c.state != callPending {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = callRunning
	c.mu.Unlock()

	go func() {
		result := c.leader.Call(runCtx, op, req, resp, deadline)
		c.mu.Lock()
		if c.state == callRunning {
			c.state = callDone
			c.result = result
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}()
}

// Cancel may be invoked from any goroutine after Start has returned. A
// canceled in-flight call makes Wait return RETRY.
func (c *Call) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == callRunning {
		c.state = callCanceled
		if c.cancel != nil {
			c.cancel()
		}
		c.cond.Broadcast()
	}
}

// CallWaitStatus is Call.Wait's outcome, which adds RETRY to CallStatus's
// three values.
type CallWaitStatus int

const (
	WaitOK CallWaitStatus = iota
	WaitRetry
	WaitTimeout
	WaitInvalidRequest
)

// Wait blocks until the call finishes or is canceled.
func (c *Call) Wait() CallWaitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == callRunning {
		c.cond.Wait()
	}
	switch c.state {
	case callCanceled:
		return WaitRetry
	case callDone:
		switch c.result {
		case CallOK:
			return WaitOK
		case CallTimeout:
			return WaitTimeout
		case CallInvalidRequest:
			return WaitInvalidRequest
		}
	}
	return WaitRetry
}


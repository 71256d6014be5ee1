package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
)

// DefaultKeepAliveInterval is the keep-alive worker's default period (spec
// §4.5: "approximately 60 seconds").
const DefaultKeepAliveInterval = 60 * time.Second

// keepAliveMarkerPath and keepAliveMarkerValue are the doomed-condition
// write's attached predicate (spec §9's "Keep-alive as a doomed condition
// write"): the condition is expected to fail, so the write never mutates
// state, but the command still reaches the Raft log and refreshes the
// session.
const (
	keepAliveMarkerPath  = "/.kvtree/keepalive"
	keepAliveMarkerValue = "kvtree-keepalive-marker"
)

// ExactlyOnceRPCHelper assigns and tracks the per-session bookkeeping
// (spec §4.5) that lets the leader deduplicate retried mutating commands.
// It is safe for concurrent use.
type ExactlyOnceRPCHelper struct {
	leader            *LeaderRPC
	keepAliveInterval time.Duration
	logger            *slog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	clientID      uint64
	nextRPCNumber uint64
	outstanding   map[uint64]struct{}
	lastActivity  time.Time
	exiting       bool
	started       bool
	keepAliveCall *Call
	workerDone    chan struct{}
}

// NewExactlyOnceRPCHelper constructs a helper bound to leader. A zero
// keepAliveInterval disables keep-alives ("never").
func NewExactlyOnceRPCHelper(leader *LeaderRPC, keepAliveInterval time.Duration, logger *slog.Logger) *ExactlyOnceRPCHelper {
	h := &ExactlyOnceRPCHelper{
		leader:            leader,
		keepAliveInterval: keepAliveInterval,
		logger:            logger,
		nextRPCNumber:     1,
		outstanding:       make(map[uint64]struct{}),
		workerDone:        make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// GetRPCInfo opens a session if needed and allocates an RPC number,
// spawning the keep-alive worker on first use.
func (h *ExactlyOnceRPCHelper) GetRPCInfo(ctx context.Context, deadline time.Time) (kvtreev1.ExactlyOnceRPCInfo, CallStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clientID == 0 {
		var resp kvtreev1.OpenSessionResponse
		result := h.leader.Call(ctx, kvtreev1.OpOpenSession, &kvtreev1.OpenSessionRequest{}, &resp, deadline)
		switch result {
		case CallTimeout:
			return kvtreev1.ExactlyOnceRPCInfo{}, CallTimeout
		case CallInvalidRequest:
			panic("kvtree client: server rejected OpenSession as an invalid request")
		}
		h.clientID = resp.ClientID
	}

	h.lastActivity = time.Now()
	h.cond.Broadcast()

	rpcNumber := h.nextRPCNumber
	h.nextRPCNumber++
	h.outstanding[rpcNumber] = struct{}{}

	if !h.started {
		h.started = true
		go h.keepAliveLoop()
	}

	return kvtreev1.ExactlyOnceRPCInfo{
		ClientID:            h.clientID,
		RPCNumber:           rpcNumber,
		FirstOutstandingRPC: h.firstOutstandingLocked(),
	}, CallOK
}

// DoneWithRPC removes info's RPC number from the outstanding set.
func (h *ExactlyOnceRPCHelper) DoneWithRPC(info kvtreev1.ExactlyOnceRPCInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.outstanding, info.RPCNumber)
}

// firstOutstandingLocked returns the minimum outstanding RPC number, or
// nextRPCNumber if none are outstanding (h.mu must be held).
func (h *ExactlyOnceRPCHelper) firstOutstandingLocked() uint64 {
	first := h.nextRPCNumber
	for n := range h.outstanding {
		if n < first {
			first = n
		}
	}
	return first
}

func (h *ExactlyOnceRPCHelper) keepAliveLoop() {
	defer close(h.workerDone)
	for {
		h.mu.Lock()
		if h.exiting {
			h.mu.Unlock()
			return
		}
		if h.keepAliveInterval <= 0 {
			h.cond.Wait()
			h.mu.Unlock()
			continue
		}
		nextKeepAlive := h.lastActivity.Add(h.keepAliveInterval)
		now := time.Now()
		if !now.Before(nextKeepAlive) {
			h.mu.Unlock()
			h.sendKeepAlive()
			continue
		}

		wait := nextKeepAlive.Sub(now)
		h.mu.Unlock()
		h.sleepOrWake(wait)
	}
}

// sleepOrWake blocks for d, waking early if activity or shutdown signals
// the condition variable. sync.Cond has no timed wait, so this drives it
// from a side goroutine plus a timer -- the idiomatic Go substitute for a
// condition variable with a deadline.
func (h *ExactlyOnceRPCHelper) sleepOrWake(d time.Duration) {
	woken := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.cond.Wait()
			select {
			case woken <- struct{}{}:
			case <-stop:
			}
			return
		}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-woken:
	}
	close(stop)
	h.mu.Lock()
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *ExactlyOnceRPCHelper) sendKeepAlive() {
	h.mu.Lock()
	call := h.leader.MakeCall()
	h.keepAliveCall = call
	rpcNumber := h.nextRPCNumber
	h.nextRPCNumber++
	h.outstanding[rpcNumber] = struct{}{}
	info := kvtreev1.ExactlyOnceRPCInfo{
		ClientID:            h.clientID,
		RPCNumber:           rpcNumber,
		FirstOutstandingRPC: h.firstOutstandingLocked(),
	}
	h.mu.Unlock()

	req := &kvtreev1.StateMachineCommandRequest{
		ExactlyOnce: info,
		TreeRequest: kvtreev1.TreeRequest{
			Op:   kvtreev1.TreeOpWrite,
			Path: keepAliveMarkerPath,
			Condition: &kvtreev1.Condition{
				Path:     keepAliveMarkerPath,
				Contents: []byte(keepAliveMarkerValue + "-doomed"),
			},
		},
	}
	var resp kvtreev1.StateMachineCommandResponse
	deadline := time.Now().Add(30 * time.Second)
	call.Start(context.Background(), kvtreev1.OpStateMachineCommand, req, &resp, deadline)
	waitStatus := call.Wait()

	h.mu.Lock()
	h.keepAliveCall = nil
	delete(h.outstanding, rpcNumber)
	h.lastActivity = time.Now()
	h.mu.Unlock()

	switch waitStatus {
	case WaitOK:
		if resp.TreeResponse.Status != kvtreev1.StatusConditionNotMet && h.logger != nil {
			h.logger.Warn("unexpected keep-alive response", "status", resp.TreeResponse.Status.String())
		}
		if resp.TreeResponse.Status == kvtreev1.StatusSessionExpired {
			panic(fmt.Sprintf("kvtree client: session %d expired; exactly-once semantics can no longer be guaranteed", h.clientID))
		}
	case WaitRetry:
		// canceled by Exit; loop will observe h.exiting and stop.
	case WaitTimeout:
		if h.logger != nil {
			h.logger.Warn("keep-alive timed out", "clientID", h.clientID)
		}
	case WaitInvalidRequest:
		panic("kvtree client: server rejected keep-alive as an invalid request")
	}
}

// Exit shuts the helper down: it cancels any in-flight keep-alive, closes
// the session if one was opened, and joins the keep-alive worker.
func (h *ExactlyOnceRPCHelper) Exit(ctx context.Context, closeTimeout time.Duration) {
	h.mu.Lock()
	alreadyExiting := h.exiting
	h.exiting = true
	inFlight := h.keepAliveCall
	clientID := h.clientID
	started := h.started
	h.cond.Broadcast()
	h.mu.Unlock()

	if alreadyExiting {
		return
	}
	if inFlight != nil {
		inFlight.Cancel()
	}

	if clientID != 0 {
		deadline := time.Now().Add(closeTimeout)
		var resp kvtreev1.CloseSessionResponse
		result := h.leader.Call(ctx, kvtreev1.OpCloseSession, &kvtreev1.CloseSessionRequest{ClientID: clientID}, &resp, deadline)
		if result == CallTimeout && h.logger != nil {
			h.logger.Warn("close session timed out; server will expire it", "clientID", clientID)
		}
	}

	if started {
		<-h.workerDone
	}
}

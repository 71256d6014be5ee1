package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"connectrpc.com/connect"

	kvtreev1 "github.com/kvtree/kvtree/api/proto/v1"
)

// Transport is the seam between LeaderRPC and the wire: LeaderRPC only
// knows how to pick an address and an opcode, never how bytes move, so any
// implementation of this interface, including one with no network behind
// it, can stand in for the Connect transport.
type Transport interface {
	// Call issues op against address, decoding the reply into resp. It
	// returns a transport-level error (connection refused, deadline
	// exceeded, malformed reply); application-level failure is carried
	// inside resp itself.
	Call(ctx context.Context, address string, op kvtreev1.OpCode, req, resp any) error
}

// connectTransport is the production Transport: one Connect JSON-codec'd
// unary call per opcode, following the layering the teacher's
// clusterv1connect client package gives clusterserver/handler.go, except
// hand-written since no protoc/buf run produced a generated client here.
type connectTransport struct {
	httpClient *http.Client
	mu         sync.Mutex
	clients    map[string]*opcodeClients
}

type opcodeClients struct {
	openSession         *connect.Client[kvtreev1.OpenSessionRequest, kvtreev1.OpenSessionResponse]
	closeSession        *connect.Client[kvtreev1.CloseSessionRequest, kvtreev1.CloseSessionResponse]
	stateMachineCommand *connect.Client[kvtreev1.StateMachineCommandRequest, kvtreev1.StateMachineCommandResponse]
	stateMachineQuery   *connect.Client[kvtreev1.StateMachineQueryRequest, kvtreev1.StateMachineQueryResponse]
}

// NewConnectTransport constructs a Transport that dials over plain HTTP/2
// cleartext (h2c is configured by the caller's http.Client, mirroring the
// teacher's TLSMiddleware seam for a mutual-TLS variant).
func NewConnectTransport(httpClient *http.Client) Transport {
	return &connectTransport{
		httpClient: httpClient,
		clients:    make(map[string]*opcodeClients),
	}
}

func (t *connectTransport) clientsFor(address string) *opcodeClients {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[address]; ok {
		return c
	}
	baseURL := "http://" + address
	opts := []connect.ClientOption{connect.WithCodec(kvtreev1.JSONCodec{})}
	c := &opcodeClients{
		openSession: connect.NewClient[kvtreev1.OpenSessionRequest, kvtreev1.OpenSessionResponse](
			t.httpClient, baseURL+"/kvtree.v1.KvTreeService/OpenSession", opts...),
		closeSession: connect.NewClient[kvtreev1.CloseSessionRequest, kvtreev1.CloseSessionResponse](
			t.httpClient, baseURL+"/kvtree.v1.KvTreeService/CloseSession", opts...),
		stateMachineCommand: connect.NewClient[kvtreev1.StateMachineCommandRequest, kvtreev1.StateMachineCommandResponse](
			t.httpClient, baseURL+"/kvtree.v1.KvTreeService/StateMachineCommand", opts...),
		stateMachineQuery: connect.NewClient[kvtreev1.StateMachineQueryRequest, kvtreev1.StateMachineQueryResponse](
			t.httpClient, baseURL+"/kvtree.v1.KvTreeService/StateMachineQuery", opts...),
	}
	t.clients[address] = c
	return c
}

func (t *connectTransport) Call(ctx context.Context, address string, op kvtreev1.OpCode, req, resp any) error {
	c := t.clientsFor(address)
	switch op {
	case kvtreev1.OpOpenSession:
		return callOne(ctx, c.openSession, req, resp)
	case kvtreev1.OpCloseSession:
		return callOne(ctx, c.closeSession, req, resp)
	case kvtreev1.OpStateMachineCommand:
		return callOne(ctx, c.stateMachineCommand, req, resp)
	case kvtreev1.OpStateMachineQuery:
		return callOne(ctx, c.stateMachineQuery, req, resp)
	default:
		return fmt.Errorf("client: unknown opcode %v", op)
	}
}

func callOne[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req, resp any) error {
	typedReq, ok := req.(*Req)
	if !ok {
		return fmt.Errorf("client: request type mismatch for opcode")
	}
	res, err := c.CallUnary(ctx, connect.NewRequest(typedReq))
	if err != nil {
		return err
	}
	typedResp, ok := resp.(*Res)
	if !ok {
		return fmt.Errorf("client: response type mismatch for opcode")
	}
	*typedResp = *res.Msg
	return nil
}

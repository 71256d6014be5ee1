// Package kvtreev1 defines the wire-shaped types exchanged between a
// client and the cluster leader: the four logical opcodes of spec §6.1
// (OpenSession, CloseSession, StateMachineCommand, StateMachineQuery), the
// configuration-management RPCs of §6.2, and the per-server info/control
// RPCs of §6.3.
//
// These types are hand-written rather than produced by protoc/buf generate
// (no .proto toolchain runs in this environment) but are laid out the way
// generated Connect+Protobuf types are: one request/response struct pair
// per RPC, JSON-codec'd over connectrpc.com/connect rather than the
// protobuf binary codec, since these plain structs don't implement
// proto.Message.
package kvtreev1

// OpCode names the four logical RPCs a client issues to the leader.
type OpCode int

const (
	OpOpenSession OpCode = iota
	OpCloseSession
	OpStateMachineCommand
	OpStateMachineQuery
)

func (o OpCode) String() string {
	switch o {
	case OpOpenSession:
		return "OpenSession"
	case OpCloseSession:
		return "CloseSession"
	case OpStateMachineCommand:
		return "StateMachineCommand"
	case OpStateMachineQuery:
		return "StateMachineQuery"
	default:
		return "Unknown"
	}
}

// Status mirrors status.Code on the wire, so the client package doesn't
// need to import the server's internal error type to decode a response.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusLookupError
	StatusTypeError
	StatusConditionNotMet
	StatusTimeout
	StatusSessionExpired
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	case StatusLookupError:
		return "LOOKUP_ERROR"
	case StatusTypeError:
		return "TYPE_ERROR"
	case StatusConditionNotMet:
		return "CONDITION_NOT_MET"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusSessionExpired:
		return "SESSION_EXPIRED"
	default:
		return "Unknown"
	}
}

// ExactlyOnceRPCInfo is attached to every StateMachineCommand so the leader
// can deduplicate retries and garbage-collect its response cache.
type ExactlyOnceRPCInfo struct {
	ClientID            uint64 `json:"client_id"`
	RPCNumber            uint64 `json:"rpc_number"`
	FirstOutstandingRPC uint64 `json:"first_outstanding_rpc"`
}

// Condition is the optional predicate attached to a mutating tree request:
// "apply this command only if the file at Path currently holds Contents."
type Condition struct {
	Path     string `json:"path"`
	Contents []byte `json:"contents"`
}

// TreeOp names which tree-level operation a TreeRequest carries.
type TreeOp int

const (
	TreeOpMakeDirectory TreeOp = iota
	TreeOpListDirectory
	TreeOpRemoveDirectory
	TreeOpWrite
	TreeOpRead
	TreeOpRemoveFile
)

// TreeRequest is a tagged union over the tree operations of spec §4.2, plus
// the optional condition record carried by mutating commands.
type TreeRequest struct {
	Op        TreeOp     `json:"op"`
	Path      string     `json:"path"`
	Contents  []byte     `json:"contents,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
}

// TreeResponse carries the outcome of a TreeRequest: a status, an error
// string, and whichever operation-specific payload applies.
type TreeResponse struct {
	Status   Status   `json:"status"`
	Error    string   `json:"error,omitempty"`
	Contents []byte   `json:"contents,omitempty"`
	Children []string `json:"children,omitempty"`
}

// OpenSessionRequest carries the caller's expected cluster UUID, if it has
// learned one from a prior contact; an empty string means "not yet known."
type OpenSessionRequest struct {
	ClusterUUID string `json:"cluster_uuid,omitempty"`
}

// OpenSessionResponse returns the freshly minted client ID and the
// contacted cluster's UUID, so a client that arrived with none can adopt
// it and require it of every future session (spec's cluster-identity
// check).
type OpenSessionResponse struct {
	ClientID    uint64 `json:"client_id"`
	ClusterUUID string `json:"cluster_uuid,omitempty"`
}

// CloseSessionRequest names the session to discard.
type CloseSessionRequest struct {
	ClientID uint64 `json:"client_id"`
}

// CloseSessionResponse carries nothing: closing an already-closed session
// is not an error.
type CloseSessionResponse struct{}

// StateMachineCommandRequest is a mutating request: exactly-once
// bookkeeping plus the tree operation to apply.
type StateMachineCommandRequest struct {
	ExactlyOnce ExactlyOnceRPCInfo `json:"exactly_once"`
	TreeRequest TreeRequest        `json:"tree_request"`
}

// StateMachineCommandResponse wraps the tree response plus leader-routing
// metadata (§4.4): a response that isn't from the leader sets Redirect or
// NotLeader instead of (or alongside) TreeResponse.
type StateMachineCommandResponse struct {
	TreeResponse TreeResponse `json:"tree_response"`
	NotLeader    bool         `json:"not_leader,omitempty"`
	Redirect     string       `json:"redirect,omitempty"`
}

// StateMachineQueryRequest is a read-only request: naturally idempotent,
// carries no exactly-once bookkeeping.
type StateMachineQueryRequest struct {
	TreeRequest TreeRequest `json:"tree_request"`
}

// StateMachineQueryResponse mirrors StateMachineCommandResponse's
// leader-routing metadata.
type StateMachineQueryResponse struct {
	TreeResponse TreeResponse `json:"tree_response"`
	NotLeader    bool         `json:"not_leader,omitempty"`
	Redirect     string       `json:"redirect,omitempty"`
}

// Server is one member of a Configuration, per §6.2.
type Server struct {
	ServerID  uint64   `json:"server_id"`
	Addresses []string `json:"addresses"`
}

// GetConfigurationRequest carries no fields.
type GetConfigurationRequest struct{}

// GetConfigurationResponse returns the current configuration ID and
// membership list.
type GetConfigurationResponse struct {
	ID      uint64   `json:"id"`
	Servers []Server `json:"servers"`
}

// SetConfigurationOutcome names the three possible results of a
// SetConfiguration attempt.
type SetConfigurationOutcome int

const (
	SetConfigurationOK SetConfigurationOutcome = iota
	SetConfigurationChanged
	SetConfigurationBad
)

// SetConfigurationRequest proposes a new membership list, guarded by the
// configuration ID the caller last observed.
type SetConfigurationRequest struct {
	OldID      uint64   `json:"old_id"`
	NewServers []Server `json:"new_servers"`
}

// SetConfigurationResponse reports the outcome, naming the servers that
// rejected the proposal if the outcome is SetConfigurationBad.
type SetConfigurationResponse struct {
	Outcome    SetConfigurationOutcome `json:"outcome"`
	BadServers []Server                `json:"bad_servers,omitempty"`
}

// GetServerInfoRequest carries no fields; the response describes whichever
// server answered.
type GetServerInfoRequest struct{}

// GetServerInfoResponse identifies the contacted server.
type GetServerInfoResponse struct {
	ServerID  uint64   `json:"server_id"`
	Addresses []string `json:"addresses"`
}

// ServerControlOp names the administrative opcodes §6.3 exposes to the
// bundled CLI. The core treats these as opaque and pluggable.
type ServerControlOp int

const (
	ServerControlDebugLogFilenameGet ServerControlOp = iota
	ServerControlDebugLogFilenameSet
	ServerControlDebugLogPolicyGet
	ServerControlDebugLogPolicySet
	ServerControlDebugLogRotate
	ServerControlSnapshotStart
	ServerControlSnapshotStop
	ServerControlSnapshotRestart
	ServerControlSnapshotInhibitGet
	ServerControlSnapshotInhibitSet
	ServerControlSnapshotInhibitClear
	ServerControlStatsGet
	ServerControlStatsDump
)

// ServerControlRequest carries an opcode plus an opaque string argument
// (filename, policy name, duration, ...); the core never interprets Arg.
type ServerControlRequest struct {
	Op  ServerControlOp `json:"op"`
	Arg string           `json:"arg,omitempty"`
}

// ServerControlResponse carries an opaque string result (current filename,
// dumped stats blob, ...).
type ServerControlResponse struct {
	Result string `json:"result"`
}

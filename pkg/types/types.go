// Package types defines the wire-level data model shared by the client
// submitter, the server executor, and the transport collaborator: the
// operation envelope, request/response envelopes, and the closed error
// kind enum.
package types

// OperationKind distinguishes state-mutating commands from read-only
// queries. Only commands may schedule work or mutate the user state
// machine; queries may not advance logical time.
type OperationKind uint8

const (
	Command OperationKind = iota
	Query
)

func (k OperationKind) String() string {
	if k == Query {
		return "query"
	}
	return "command"
}

// OperationID tags a registered handler. It is an opaque value, not a
// reflective class name.
type OperationID string

// Operation is a pair (operationId, payload) carrying its kind.
type Operation struct {
	ID      OperationID
	Kind    OperationKind
	Payload []byte
}

// Consistency selects how a query is served relative to the replicated
// log.
type Consistency uint8

const (
	Sequential Consistency = iota
	Linearizable
)

// ErrorKind is the closed error taxonomy carried on the wire.
type ErrorKind uint8

const (
	Ok ErrorKind = iota
	UnknownSession
	SessionExpired
	UnknownOperation
	CommandFailure
	QueryFailure
	ApplicationError
	NoLeader
	ProtocolError
	IllegalSchedule
	Timeout
	ConnectionClosed
	SequenceGap
)

func (k ErrorKind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case UnknownSession:
		return "UnknownSession"
	case SessionExpired:
		return "SessionExpired"
	case UnknownOperation:
		return "UnknownOperation"
	case CommandFailure:
		return "CommandFailure"
	case QueryFailure:
		return "QueryFailure"
	case ApplicationError:
		return "ApplicationError"
	case NoLeader:
		return "NoLeader"
	case ProtocolError:
		return "ProtocolError"
	case IllegalSchedule:
		return "IllegalSchedule"
	case Timeout:
		return "Timeout"
	case ConnectionClosed:
		return "ConnectionClosed"
	case SequenceGap:
		return "SequenceGap"
	default:
		return "Unknown"
	}
}

// WireError is an error carrying a closed ErrorKind plus a human message.
// It is the only shape in which errors reach the user.
type WireError struct {
	Kind    ErrorKind
	Message string
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// NewWireError builds a WireError of the given kind. It does no
// classification of its own; callers choose the kind (the executor uses
// ApplicationError for a handler panic).
func NewWireError(kind ErrorKind, message string) *WireError {
	return &WireError{Kind: kind, Message: message}
}

// IsTerminal reports whether kind ends the client session rather than
// just the one operation.
func (k ErrorKind) IsTerminal() bool {
	return k == UnknownSession || k == SessionExpired
}

// CommandRequest is the client->cluster command envelope.
type CommandRequest struct {
	SessionID uint64
	Sequence  uint64
	Operation Operation
}

// CommandResponse is the cluster->client command reply envelope.
type CommandResponse struct {
	Kind   ErrorKind
	Error  string
	Index  uint64
	Result []byte
}

// QueryRequest is the client->cluster query envelope.
type QueryRequest struct {
	SessionID    uint64
	LastIndex    uint64
	LastSequence uint64
	Operation    Operation
	Consistency  Consistency
}

// QueryResponse is the cluster->client query reply envelope.
type QueryResponse struct {
	Kind   ErrorKind
	Error  string
	Index  uint64
	Result []byte
}

// KeepAliveRequest reports client liveness and the highest event sequence
// the client has consumed.
type KeepAliveRequest struct {
	SessionID       uint64
	CommandSequence uint64
	EventIndex      uint64
}

// KeepAliveResponse acknowledges a keep-alive.
type KeepAliveResponse struct {
	Kind  ErrorKind
	Error string
	Index uint64
}

// OpenSessionRequest creates a new server session.
type OpenSessionRequest struct {
	ClientID      string
	TimeoutMillis uint64
}

// OpenSessionResponse returns the newly assigned session id.
type OpenSessionResponse struct {
	Kind      ErrorKind
	Error     string
	SessionID uint64
}

// CloseSessionRequest closes a server session.
type CloseSessionRequest struct {
	SessionID uint64
}

// CloseSessionResponse acknowledges session close.
type CloseSessionResponse struct {
	Kind  ErrorKind
	Error string
}

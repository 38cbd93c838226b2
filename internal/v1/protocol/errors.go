// Package protocol defines the JSON wire protocol shared by the gateway and
// its clients: frame envelopes, event names, the error catalog, and the
// event routing table.
package protocol

import "time"

// Code is a stable machine-readable error code. Codes are grouped by range:
// 1xxx connection, 2xxx auth, 3xxx validation, 4xxx business, 5xxx server.
type Code int

const (
	// Connection (1xxx)
	CodeMaxConnectionsExceeded Code = 1001
	CodeConnectionTimeout      Code = 1002
	CodeTransportError         Code = 1003

	// Auth (2xxx)
	CodeJWTMissing   Code = 2001
	CodeJWTInvalid   Code = 2002
	CodeJWTExpired   Code = 2003
	CodeUnauthorized Code = 2004

	// Validation (3xxx)
	CodeInvalidPayload       Code = 3001
	CodeMissingRequiredField Code = 3002
	CodeInvalidResourceType  Code = 3003
	CodeInvalidRoomName      Code = 3004
	CodeInvalidMode          Code = 3005

	// Business (4xxx)
	CodeRoomFull              Code = 4001
	CodeRoomNotFound          Code = 4002
	CodeResourceAlreadyJoined Code = 4003
	CodeResourceNotJoined     Code = 4004
	CodeLockConflict          Code = 4005
	CodeLockNotOwned          Code = 4006
	CodeLockNotHeld           Code = 4007
	CodeLockAcquireFailed     Code = 4008
	CodeLockReleaseFailed     Code = 4009
	CodeLockExtendFailed      Code = 4010
	CodeConnectionNotFound    Code = 4011

	// Server (5xxx)
	CodeInternalServerError Code = 5001
	CodeServiceUnavailable  Code = 5002
	CodeRateLimitExceeded   Code = 5003
)

type catalogEntry struct {
	Type    string
	Message string
}

// catalog maps every code to its stable type name and a generic human
// message. Messages never carry stack traces or token fragments.
var catalog = map[Code]catalogEntry{
	CodeMaxConnectionsExceeded: {"MAX_CONNECTIONS_EXCEEDED", "maximum number of concurrent connections reached"},
	CodeConnectionTimeout:      {"CONNECTION_TIMEOUT", "connection timed out"},
	CodeTransportError:         {"TRANSPORT_ERROR", "transport-level error"},

	CodeJWTMissing:   {"JWT_MISSING", "authentication token is required"},
	CodeJWTInvalid:   {"JWT_INVALID", "authentication token is invalid"},
	CodeJWTExpired:   {"JWT_EXPIRED", "authentication token has expired"},
	CodeUnauthorized: {"UNAUTHORIZED", "not authorized"},

	CodeInvalidPayload:       {"INVALID_PAYLOAD", "payload could not be parsed"},
	CodeMissingRequiredField: {"MISSING_REQUIRED_FIELD", "a required field is missing"},
	CodeInvalidResourceType:  {"INVALID_RESOURCE_TYPE", "resource type is not recognized"},
	CodeInvalidRoomName:      {"INVALID_ROOM_NAME", "room name is invalid"},
	CodeInvalidMode:          {"INVALID_MODE", "mode must be editor or viewer"},

	CodeRoomFull:              {"ROOM_FULL", "room has reached its participant limit"},
	CodeRoomNotFound:          {"ROOM_NOT_FOUND", "room does not exist"},
	CodeResourceAlreadyJoined: {"RESOURCE_ALREADY_JOINED", "already joined this resource"},
	CodeResourceNotJoined:     {"RESOURCE_NOT_JOINED", "not in this resource"},
	CodeLockConflict:          {"LOCK_CONFLICT", "resource is locked by another user"},
	CodeLockNotOwned:          {"LOCK_NOT_OWNED", "lock is held by another user"},
	CodeLockNotHeld:           {"LOCK_NOT_HELD", "no lock is held on this resource"},
	CodeLockAcquireFailed:     {"LOCK_ACQUIRE_FAILED", "failed to acquire lock"},
	CodeLockReleaseFailed:     {"LOCK_RELEASE_FAILED", "failed to release lock"},
	CodeLockExtendFailed:      {"LOCK_EXTEND_FAILED", "failed to extend lock"},
	CodeConnectionNotFound:    {"CONNECTION_NOT_FOUND", "connection not found"},

	CodeInternalServerError: {"INTERNAL_SERVER_ERROR", "internal server error"},
	CodeServiceUnavailable:  {"SERVICE_UNAVAILABLE", "service temporarily unavailable"},
	CodeRateLimitExceeded:   {"RATE_LIMIT_EXCEEDED", "too many requests"},
}

// Error is the wire shape of every error surfaced to a client.
type Error struct {
	Code      Code           `json:"code"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Timestamp int64          `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewError builds a catalog error stamped with the current time.
func NewError(code Code) *Error {
	entry, ok := catalog[code]
	if !ok {
		entry = catalog[CodeInternalServerError]
		code = CodeInternalServerError
	}
	return &Error{
		Code:      code,
		Type:      entry.Type,
		Message:   entry.Message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithMessage overrides the generic catalog message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	return e.Type + ": " + e.Message
}

// TypeOf returns the stable type name for a code.
func TypeOf(code Code) string {
	if entry, ok := catalog[code]; ok {
		return entry.Type
	}
	return catalog[CodeInternalServerError].Type
}

package protocol

import "encoding/json"

// Frame is the envelope of every wire message: a string event name and a
// JSON object payload.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame marshals payload into a Frame. Marshalling a struct we control
// cannot fail, so errors surface as a nil payload rather than propagating.
func NewFrame(event string, payload any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return Frame{Event: event, Payload: data}
}

// Mode tags a room membership as editing or viewing. The gateway validates
// and stores the mode; edit permission enforcement lives outside.
type Mode string

const (
	ModeEditor Mode = "editor"
	ModeViewer Mode = "viewer"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	return m == ModeEditor || m == ModeViewer
}

// LeaveReason explains why a user:left event was emitted.
type LeaveReason string

const (
	ReasonManual     LeaveReason = "manual"
	ReasonDisconnect LeaveReason = "disconnect"
	ReasonTimeout    LeaveReason = "timeout"
)

// ResourceUserInfo is the wire view of one room member.
type ResourceUserInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	SocketID string `json:"socketId"`
	JoinedAt int64  `json:"joinedAt"`
	Mode     Mode   `json:"mode"`
}

// ConnectedEvent is emitted once after successful registration.
type ConnectedEvent struct {
	SocketID  string `json:"socketId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// ShutdownEvent is broadcast globally at the start of graceful shutdown.
type ShutdownEvent struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// JoinRequest is the resource:join payload.
type JoinRequest struct {
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType,omitempty"`
	Mode         Mode   `json:"mode"`
}

// JoinResponse is the resource:joined reply. Users always carries the full
// current room list, on negative replies included as the idempotency surface.
type JoinResponse struct {
	ResourceID string             `json:"resourceId"`
	UserID     string             `json:"userId"`
	Success    bool               `json:"success"`
	JoinedAt   int64              `json:"joinedAt,omitempty"`
	Users      []ResourceUserInfo `json:"users"`
	Message    string             `json:"message,omitempty"`
}

// LeaveRequest is the resource:leave payload.
type LeaveRequest struct {
	ResourceID string `json:"resourceId"`
}

// LeaveResponse is the resource:left reply.
type LeaveResponse struct {
	ResourceID string `json:"resourceId"`
	UserID     string `json:"userId"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// UserJoinedEvent is broadcast to other room members after a join.
type UserJoinedEvent struct {
	ResourceID string `json:"resourceId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	SocketID   string `json:"socketId"`
	JoinedAt   int64  `json:"joinedAt"`
	Mode       Mode   `json:"mode"`
}

// UserLeftEvent is broadcast to other room members after a leave.
type UserLeftEvent struct {
	ResourceID string      `json:"resourceId"`
	UserID     string      `json:"userId"`
	Username   string      `json:"username"`
	Email      string      `json:"email,omitempty"`
	Reason     LeaveReason `json:"reason"`
}

// SubResourcePresence lists the occupants of one sub-resource.
type SubResourcePresence struct {
	SubResourceID string             `json:"subResourceId"`
	Users         []ResourceUserInfo `json:"users"`
}

// AllUsersEvent is the cross-tab presence snapshot sent to a joiner of a
// sub-resource, enumerating every sibling sub-resource of the same parent.
type AllUsersEvent struct {
	ParentResourceID     string                `json:"parentResourceId"`
	CurrentSubResourceID string                `json:"currentSubResourceId"`
	SubResources         []SubResourcePresence `json:"subResources"`
	TotalCount           int                   `json:"totalCount"`
}

// LockRequest covers lock:acquire, lock:release, lock:extend and lock:status.
type LockRequest struct {
	ResourceID string `json:"resourceId"`
	TTLMs      int64  `json:"ttlMs,omitempty"`
}

// LockEvent is the room broadcast for LOCK_ACQUIRED / LOCK_RELEASED /
// LOCK_STOLEN.
type LockEvent struct {
	ResourceID string `json:"resourceId"`
	UserID     string `json:"userId"`
	AcquiredAt int64  `json:"acquiredAt,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// LockStatusResponse is the lock:status reply.
type LockStatusResponse struct {
	ResourceID string     `json:"resourceId"`
	Locked     bool       `json:"locked"`
	Holder     *LockEvent `json:"holder,omitempty"`
}

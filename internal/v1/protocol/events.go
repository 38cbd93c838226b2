package protocol

// Event names. Inbound events are client-to-server, the rest are emitted by
// the gateway as replies or broadcasts.
const (
	// Lifecycle (server to client)
	EventConnected      = "CONNECTED"
	EventConnectError   = "connect_error"
	EventServerShutdown = "SERVER_SHUTDOWN"
	EventError          = "error"

	// Presence (inbound)
	EventResourceJoin  = "resource:join"
	EventResourceLeave = "resource:leave"

	// Presence (replies and broadcasts)
	EventResourceJoined   = "resource:joined"
	EventResourceLeft     = "resource:left"
	EventUserJoined       = "user:joined"
	EventUserLeft         = "user:left"
	EventResourceAllUsers = "resource:all_users"

	// Locks (inbound)
	EventLockAcquire = "lock:acquire"
	EventLockRelease = "lock:release"
	EventLockExtend  = "lock:extend"
	EventLockStatus  = "lock:status"

	// Locks (broadcasts)
	EventLockAcquired = "LOCK_ACQUIRED"
	EventLockReleased = "LOCK_RELEASED"
	EventLockStolen   = "LOCK_STOLEN"

	// Cross-instance control (bus only)
	EventSessionRevoked = "session:revoked"
)

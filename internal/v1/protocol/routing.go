package protocol

// Scope describes the fan-out target of an outbound event.
type Scope string

const (
	// ScopeRoom delivers to every subscriber of the resource room.
	ScopeRoom Scope = "room"
	// ScopeUser delivers only to the originating user's sessions.
	ScopeUser Scope = "user"
	// ScopeGlobal delivers to every connection on the instance.
	ScopeGlobal Scope = "global"
)

// RetryPolicy applies only to cross-instance delivery over the bus.
type RetryPolicy struct {
	MaxRetries int
	BackoffMs  int
}

// Route declares how one logical event fans out.
type Route struct {
	Event string
	Scope Scope
	Retry *RetryPolicy
}

// routes is the static event routing table.
var routes = map[string]Route{
	EventConnected:        {Event: EventConnected, Scope: ScopeUser},
	EventServerShutdown:   {Event: EventServerShutdown, Scope: ScopeGlobal},
	EventResourceJoined:   {Event: EventResourceJoined, Scope: ScopeUser},
	EventResourceLeft:     {Event: EventResourceLeft, Scope: ScopeUser},
	EventResourceAllUsers: {Event: EventResourceAllUsers, Scope: ScopeUser},
	EventUserJoined:       {Event: EventUserJoined, Scope: ScopeRoom},
	EventUserLeft:         {Event: EventUserLeft, Scope: ScopeRoom},
	EventLockAcquired:     {Event: EventLockAcquired, Scope: ScopeRoom, Retry: &RetryPolicy{MaxRetries: 3, BackoffMs: 250}},
	EventLockReleased:     {Event: EventLockReleased, Scope: ScopeRoom, Retry: &RetryPolicy{MaxRetries: 3, BackoffMs: 250}},
	EventLockStolen:       {Event: EventLockStolen, Scope: ScopeRoom, Retry: &RetryPolicy{MaxRetries: 3, BackoffMs: 250}},
}

// RouteFor looks up the routing entry for an event name.
func RouteFor(event string) (Route, bool) {
	r, ok := routes[event]
	return r, ok
}

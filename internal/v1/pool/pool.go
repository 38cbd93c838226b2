// Package pool keeps the in-memory registry of live sessions on this
// gateway instance, indexed by socket ID and by user ID.
package pool

import (
	"sync"
	"time"

	"github.com/curasync/collab-gateway/internal/v1/auth"
)

// Connection is the registered view of one live session. ConnectedAt never
// changes after registration; LastActivityAt advances on every accepted
// inbound frame and on every transport-level pong, via Touch.
type Connection struct {
	SocketID       string
	Principal      *auth.Principal
	Transport      string
	IPAddress      string
	UserAgent      string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Total       int            `json:"total"`
	UniqueUsers int            `json:"uniqueUsers"`
	ByTransport map[string]int `json:"byTransport"`
	StaleCount  int            `json:"staleCount"`
}

// Pool holds the two indices under one RWMutex. Invariants: a socket ID is
// present in byID iff a live session exists; byUser[u] is exactly the set of
// that user's socket IDs and is removed when empty.
type Pool struct {
	mu         sync.RWMutex
	byID       map[string]*Connection
	byUser     map[string]map[string]struct{}
	maxPerUser int
}

// New creates a pool with the given per-user connection cap.
func New(maxPerUser int) *Pool {
	return &Pool{
		byID:       make(map[string]*Connection),
		byUser:     make(map[string]map[string]struct{}),
		maxPerUser: maxPerUser,
	}
}

// Register inserts the connection into both indices unconditionally.
func (p *Pool) Register(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerLocked(conn)
}

// RegisterIfUnderCap inserts the connection unless the user is already at
// the per-user cap. Check and insert happen under one lock, so concurrent
// registrations for the same user can never oversubscribe.
func (p *Pool) RegisterIfUnderCap(conn *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.byUser[conn.Principal.UserID]) >= p.maxPerUser {
		return false
	}
	p.registerLocked(conn)
	return true
}

// registerLocked inserts into both indices. Caller holds p.mu.
func (p *Pool) registerLocked(conn *Connection) {
	p.byID[conn.SocketID] = conn

	userID := conn.Principal.UserID
	sockets, ok := p.byUser[userID]
	if !ok {
		sockets = make(map[string]struct{})
		p.byUser[userID] = sockets
	}
	sockets[conn.SocketID] = struct{}{}
}

// Get returns the connection for a socket ID.
func (p *Pool) Get(socketID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.byID[socketID]
	return conn, ok
}

// ListByUser returns a snapshot of the user's socket IDs.
func (p *Pool) ListByUser(userID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sockets := make([]string, 0, len(p.byUser[userID]))
	for id := range p.byUser[userID] {
		sockets = append(sockets, id)
	}
	return sockets
}

// Size returns the number of registered sessions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// ForEach calls fn for every connection in a snapshot taken under the read
// lock, so fn may safely call back into the pool.
func (p *Pool) ForEach(fn func(conn *Connection)) {
	p.mu.RLock()
	conns := make([]*Connection, 0, len(p.byID))
	for _, c := range p.byID {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// Remove deletes the connection from both indices, purging the user's set
// when it empties. Removing an unknown socket is a no-op.
func (p *Pool) Remove(socketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.byID[socketID]
	if !ok {
		return
	}
	delete(p.byID, socketID)

	userID := conn.Principal.UserID
	if sockets, ok := p.byUser[userID]; ok {
		delete(sockets, socketID)
		if len(sockets) == 0 {
			delete(p.byUser, userID)
		}
	}
}

// Touch advances the connection's LastActivityAt.
func (p *Pool) Touch(socketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.byID[socketID]; ok {
		conn.LastActivityAt = time.Now()
	}
}

// LastActivity returns the connection's LastActivityAt.
func (p *Pool) LastActivity(socketID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.byID[socketID]
	if !ok {
		return time.Time{}, false
	}
	return conn.LastActivityAt, true
}

// Stale returns the socket IDs whose LastActivityAt is older than the
// threshold.
func (p *Pool) Stale(threshold time.Duration) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	var stale []string
	for id, conn := range p.byID {
		if conn.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// Stats summarizes the pool. staleThreshold is 2x the transport ping
// timeout.
func (p *Pool) Stats(staleThreshold time.Duration) Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		Total:       len(p.byID),
		UniqueUsers: len(p.byUser),
		ByTransport: make(map[string]int),
	}

	cutoff := time.Now().Add(-staleThreshold)
	for _, conn := range p.byID {
		stats.ByTransport[conn.Transport]++
		if conn.LastActivityAt.Before(cutoff) {
			stats.StaleCount++
		}
	}
	return stats
}

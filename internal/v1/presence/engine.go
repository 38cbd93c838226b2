// Package presence tracks which users inhabit which resource rooms and
// fans out join/leave events.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/metrics"
	"github.com/curasync/collab-gateway/internal/v1/pool"
	"github.com/curasync/collab-gateway/internal/v1/protocol"
	"github.com/curasync/collab-gateway/internal/v1/resource"
)

// Sender delivers one frame to one local session. The transport layer
// implements it; sends to closed sessions are dropped there.
type Sender interface {
	Send(socketID string, event string, payload any)
}

// LockReleaser is the slice of the lock engine the disconnect sweep needs.
type LockReleaser interface {
	Release(ctx context.Context, resourceID, userID string) bool
}

// Member is one (resource, connection) membership.
type Member struct {
	UserID         string
	Username       string
	Email          string
	SocketID       string
	JoinedAt       time.Time
	Mode           protocol.Mode
	LastActivityAt time.Time
}

func (m *Member) info() protocol.ResourceUserInfo {
	return protocol.ResourceUserInfo{
		UserID:   m.UserID,
		Username: m.Username,
		Email:    m.Email,
		SocketID: m.SocketID,
		JoinedAt: m.JoinedAt.UnixMilli(),
		Mode:     m.Mode,
	}
}

type room struct {
	id      resource.ID
	members map[string]*Member // keyed by socket ID
}

// CleanupSummary reports the result of a disconnect sweep.
type CleanupSummary struct {
	RoomsLeft     int
	LocksReleased int
	Errors        int
}

// Engine owns the resourceUsers map. Mutations happen under one RWMutex;
// broadcast recipient sets are computed under the lock and delivered after
// it is released so sends never run inside the critical section.
type Engine struct {
	mu    sync.RWMutex
	rooms map[string]*room // keyed by canonical resource ID string

	defaultLimit int
	limits       map[string]int // per resource type

	sender Sender
	locks  LockReleaser

	// Room lifecycle hooks, used by the transport layer to manage bus
	// subscriptions. Called outside the engine mutex.
	OnRoomCreated func(resourceID string)
	OnRoomEmpty   func(resourceID string)
}

// NewEngine creates a presence engine. limits maps resource types to room
// size caps; defaultLimit applies to unlisted types.
func NewEngine(sender Sender, locks LockReleaser, defaultLimit int, limits map[string]int) *Engine {
	if limits == nil {
		limits = make(map[string]int)
	}
	return &Engine{
		rooms:        make(map[string]*room),
		defaultLimit: defaultLimit,
		limits:       limits,
		sender:       sender,
		locks:        locks,
	}
}

func (e *Engine) limitFor(resourceType string) int {
	if limit, ok := e.limits[resourceType]; ok {
		return limit
	}
	return e.defaultLimit
}

// Join adds the connection to the resource room.
//
// Joining a room you already inhabit returns a negative reply that still
// carries the current user list. A full room returns ROOM_FULL. On success
// the reply carries the full list including the joiner, USER_JOINED goes to
// every other member, and for sub-resources the joiner additionally gets a
// cross-tab snapshot of all sibling sub-resources.
func (e *Engine) Join(ctx context.Context, conn *pool.Connection, rid resource.ID, mode protocol.Mode) (*protocol.JoinResponse, *protocol.Error) {
	if !mode.Valid() {
		return nil, protocol.NewError(protocol.CodeInvalidMode)
	}

	key := rid.String()
	now := time.Now()

	e.mu.Lock()

	r, exists := e.rooms[key]
	if exists {
		if existing, joined := r.members[conn.SocketID]; joined {
			users := e.userListLocked(r, "")
			e.mu.Unlock()
			logging.Info(ctx, "Join rejected: already joined",
				zap.String("resourceId", key), zap.String("socketId", conn.SocketID))
			return &protocol.JoinResponse{
				ResourceID: key,
				UserID:     existing.UserID,
				Success:    false,
				Users:      users,
				Message:    "already joined",
			}, nil
		}
		if len(r.members) >= e.limitFor(rid.Type) {
			e.mu.Unlock()
			return nil, protocol.NewError(protocol.CodeRoomFull).
				WithDetails(map[string]any{"resourceId": key})
		}
	} else {
		r = &room{id: rid, members: make(map[string]*Member)}
		e.rooms[key] = r
		metrics.ActiveRooms.Inc()
	}
	created := !exists

	member := &Member{
		UserID:         conn.Principal.UserID,
		Username:       conn.Principal.Username,
		Email:          conn.Principal.Email,
		SocketID:       conn.SocketID,
		JoinedAt:       now,
		Mode:           mode,
		LastActivityAt: now,
	}
	r.members[conn.SocketID] = member
	metrics.RoomOccupancy.WithLabelValues(rid.Type).Inc()

	users := e.userListLocked(r, "")
	others := e.otherSocketsLocked(r, conn.SocketID)

	var snapshot *protocol.AllUsersEvent
	if rid.IsSub() {
		snapshot = e.subResourceSnapshotLocked(rid)
	}

	e.mu.Unlock()

	if created && e.OnRoomCreated != nil {
		e.OnRoomCreated(key)
	}

	joined := protocol.UserJoinedEvent{
		ResourceID: key,
		UserID:     member.UserID,
		Username:   member.Username,
		Email:      member.Email,
		SocketID:   member.SocketID,
		JoinedAt:   member.JoinedAt.UnixMilli(),
		Mode:       member.Mode,
	}
	for _, socketID := range others {
		e.sender.Send(socketID, protocol.EventUserJoined, joined)
	}

	if snapshot != nil {
		e.sender.Send(conn.SocketID, protocol.EventResourceAllUsers, snapshot)
	}

	logging.Info(ctx, "User joined resource",
		zap.String("resourceId", key),
		zap.String("userId", member.UserID),
		zap.String("mode", string(mode)))

	return &protocol.JoinResponse{
		ResourceID: key,
		UserID:     member.UserID,
		Success:    true,
		JoinedAt:   member.JoinedAt.UnixMilli(),
		Users:      users,
	}, nil
}

// Leave removes the connection from the room, deleting the room when it
// empties, and broadcasts USER_LEFT to the remaining members.
func (e *Engine) Leave(ctx context.Context, conn *pool.Connection, rid resource.ID) *protocol.LeaveResponse {
	key := rid.String()

	e.mu.Lock()
	r, exists := e.rooms[key]
	if !exists {
		e.mu.Unlock()
		return &protocol.LeaveResponse{
			ResourceID: key,
			UserID:     conn.Principal.UserID,
			Success:    false,
			Message:    "not in this resource",
		}
	}
	member, joined := r.members[conn.SocketID]
	if !joined {
		e.mu.Unlock()
		return &protocol.LeaveResponse{
			ResourceID: key,
			UserID:     conn.Principal.UserID,
			Success:    false,
			Message:    "not in this resource",
		}
	}

	emptied := e.removeMemberLocked(r, conn.SocketID)
	others := e.otherSocketsLocked(r, conn.SocketID)
	e.mu.Unlock()

	if emptied && e.OnRoomEmpty != nil {
		e.OnRoomEmpty(key)
	}

	left := protocol.UserLeftEvent{
		ResourceID: key,
		UserID:     member.UserID,
		Username:   member.Username,
		Email:      member.Email,
		Reason:     protocol.ReasonManual,
	}
	for _, socketID := range others {
		e.sender.Send(socketID, protocol.EventUserLeft, left)
	}

	logging.Info(ctx, "User left resource",
		zap.String("resourceId", key), zap.String("userId", member.UserID))

	return &protocol.LeaveResponse{
		ResourceID: key,
		UserID:     member.UserID,
		Success:    true,
	}
}

// OnDisconnect sweeps the connection out of every room it inhabits,
// broadcasts USER_LEFT with the given reason per room, and releases any
// lock the user held on those resources. A failure in one room never aborts
// the sweep; the whole cleanup is summarized in one log line.
func (e *Engine) OnDisconnect(ctx context.Context, conn *pool.Connection, reason protocol.LeaveReason) CleanupSummary {
	if reason == "" {
		reason = protocol.ReasonDisconnect
	}
	type departure struct {
		key     string
		member  *Member
		others  []string
		emptied bool
	}

	e.mu.Lock()
	var departures []departure
	for key, r := range e.rooms {
		member, joined := r.members[conn.SocketID]
		if !joined {
			continue
		}
		emptied := e.removeMemberLocked(r, conn.SocketID)
		departures = append(departures, departure{
			key:     key,
			member:  member,
			others:  e.otherSocketsLocked(r, conn.SocketID),
			emptied: emptied,
		})
	}
	e.mu.Unlock()

	summary := CleanupSummary{}
	for _, d := range departures {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					summary.Errors++
					logging.Error(ctx, "Disconnect cleanup failed for room",
						zap.String("resourceId", d.key), zap.Any("panic", rec))
				}
			}()

			if d.emptied && e.OnRoomEmpty != nil {
				e.OnRoomEmpty(d.key)
			}

			left := protocol.UserLeftEvent{
				ResourceID: d.key,
				UserID:     d.member.UserID,
				Username:   d.member.Username,
				Email:      d.member.Email,
				Reason:     reason,
			}
			for _, socketID := range d.others {
				e.sender.Send(socketID, protocol.EventUserLeft, left)
			}

			summary.RoomsLeft++

			if e.locks != nil && e.locks.Release(ctx, d.key, conn.Principal.UserID) {
				summary.LocksReleased++
			}
		}()
	}

	logging.Info(ctx, "DISCONNECT_CLEANUP_COMPLETED",
		zap.String("socketId", conn.SocketID),
		zap.String("userId", conn.Principal.UserID),
		zap.Int("roomsLeft", summary.RoomsLeft),
		zap.Int("locksReleased", summary.LocksReleased),
		zap.Int("errors", summary.Errors))

	return summary
}

// --- Locked helpers ---

// removeMemberLocked deletes the member, purging the room when empty.
// Reports whether the room was deleted. Caller holds e.mu.
func (e *Engine) removeMemberLocked(r *room, socketID string) bool {
	delete(r.members, socketID)
	metrics.RoomOccupancy.WithLabelValues(r.id.Type).Dec()
	if len(r.members) == 0 {
		delete(e.rooms, r.id.String())
		metrics.ActiveRooms.Dec()
		return true
	}
	return false
}

// userListLocked returns the room's members sorted by join time, excluding
// exceptSocket when non-empty. Caller holds e.mu.
func (e *Engine) userListLocked(r *room, exceptSocket string) []protocol.ResourceUserInfo {
	users := make([]protocol.ResourceUserInfo, 0, len(r.members))
	for _, m := range r.members {
		if m.SocketID == exceptSocket {
			continue
		}
		users = append(users, m.info())
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt != users[j].JoinedAt {
			return users[i].JoinedAt < users[j].JoinedAt
		}
		return users[i].SocketID < users[j].SocketID
	})
	return users
}

func (e *Engine) otherSocketsLocked(r *room, exceptSocket string) []string {
	others := make([]string, 0, len(r.members))
	for socketID := range r.members {
		if socketID != exceptSocket {
			others = append(others, socketID)
		}
	}
	return others
}

// subResourceSnapshotLocked enumerates every sub-resource sharing rid's
// parent, with occupant lists and the total head count. Caller holds e.mu.
func (e *Engine) subResourceSnapshotLocked(rid resource.ID) *protocol.AllUsersEvent {
	parent := rid.ParentID()

	var subs []protocol.SubResourcePresence
	total := 0
	for key, r := range e.rooms {
		if !r.id.IsSub() || r.id.ParentID() != parent {
			continue
		}
		users := e.userListLocked(r, "")
		total += len(users)
		subs = append(subs, protocol.SubResourcePresence{
			SubResourceID: key,
			Users:         users,
		})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubResourceID < subs[j].SubResourceID })

	return &protocol.AllUsersEvent{
		ParentResourceID:     parent,
		CurrentSubResourceID: rid.String(),
		SubResources:         subs,
		TotalCount:           total,
	}
}

// --- Read-side accessors ---

// Members returns the current user list of a room.
func (e *Engine) Members(resourceID string) []protocol.ResourceUserInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rooms[resourceID]
	if !ok {
		return nil
	}
	return e.userListLocked(r, "")
}

// MemberSockets returns the socket IDs subscribed to a room.
func (e *Engine) MemberSockets(resourceID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rooms[resourceID]
	if !ok {
		return nil
	}
	return e.otherSocketsLocked(r, "")
}

// IsMember reports whether the socket inhabits the room.
func (e *Engine) IsMember(resourceID, socketID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rooms[resourceID]
	if !ok {
		return false
	}
	_, joined := r.members[socketID]
	return joined
}

// MemberMode returns the mode of a room member.
func (e *Engine) MemberMode(resourceID, socketID string) (protocol.Mode, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rooms[resourceID]
	if !ok {
		return "", false
	}
	m, joined := r.members[socketID]
	if !joined {
		return "", false
	}
	return m.Mode, true
}

// RoomsOf returns the resource IDs the socket currently inhabits.
func (e *Engine) RoomsOf(socketID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []string
	for key, r := range e.rooms {
		if _, joined := r.members[socketID]; joined {
			ids = append(ids, key)
		}
	}
	sort.Strings(ids)
	return ids
}

// RoomCount returns the number of live rooms.
func (e *Engine) RoomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rooms)
}

// RoomIDs returns a snapshot of all live room IDs, for periodic sweeps.
func (e *Engine) RoomIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.rooms))
	for key := range e.rooms {
		ids = append(ids, key)
	}
	sort.Strings(ids)
	return ids
}

// TouchMember advances a member's LastActivityAt.
func (e *Engine) TouchMember(resourceID, socketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rooms[resourceID]; ok {
		if m, joined := r.members[socketID]; joined {
			m.LastActivityAt = time.Now()
		}
	}
}

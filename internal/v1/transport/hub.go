// Package transport owns the WebSocket surface: handshake, frame routing,
// heartbeats, and the lifecycle sweeps that keep pool, presence, and lock
// state honest.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curasync/collab-gateway/internal/v1/auth"
	"github.com/curasync/collab-gateway/internal/v1/bus"
	"github.com/curasync/collab-gateway/internal/v1/lock"
	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/metrics"
	"github.com/curasync/collab-gateway/internal/v1/pool"
	"github.com/curasync/collab-gateway/internal/v1/presence"
	"github.com/curasync/collab-gateway/internal/v1/protocol"
	"github.com/curasync/collab-gateway/internal/v1/ratelimit"
	"github.com/curasync/collab-gateway/internal/v1/resource"
)

// Options configures a Hub.
type Options struct {
	Enabled        bool
	GatewayID      string
	Validator      auth.Validator
	Pool           *pool.Pool
	Locks          *lock.Engine
	Bus            *bus.Service
	ConnectLimiter *ratelimit.ConnectLimiter
	EventLimiter   *ratelimit.SlidingWindow
	AllowedOrigins []string

	PingInterval          time.Duration
	PingTimeout           time.Duration
	SweepInterval         time.Duration
	LockHeartbeatInterval time.Duration
	LockSweepInterval     time.Duration

	RoomLimitDefault int
	RoomLimits       map[string]int
}

// Hub is the central coordinator for all sessions on this instance. It
// implements presence.Sender.
type Hub struct {
	enabled   bool
	gatewayID string
	validator auth.Validator

	pool     *pool.Pool
	presence *presence.Engine
	locks    *lock.Engine
	bus      *bus.Service
	limiter  *ratelimit.ConnectLimiter
	events   *ratelimit.SlidingWindow

	allowedOrigins []string

	pingInterval          time.Duration
	pingTimeout           time.Duration
	sweepInterval         time.Duration
	lockHeartbeatInterval time.Duration
	lockSweepInterval     time.Duration

	clientsMu sync.RWMutex
	clients   map[string]*Client

	subMu sync.Mutex
	subs  map[string]context.CancelFunc // bus subscription per live room

	userSubMu sync.Mutex
	userSubs  map[string]*userSub // refcounted bus subscription per local user

	holderMu    sync.Mutex
	prevHolders map[string]string // last observed lock holder per room

	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(opts Options) *Hub {
	h := &Hub{
		enabled:               opts.Enabled,
		gatewayID:             opts.GatewayID,
		validator:             opts.Validator,
		pool:                  opts.Pool,
		locks:                 opts.Locks,
		bus:                   opts.Bus,
		limiter:               opts.ConnectLimiter,
		events:                opts.EventLimiter,
		allowedOrigins:        opts.AllowedOrigins,
		pingInterval:          opts.PingInterval,
		pingTimeout:           opts.PingTimeout,
		sweepInterval:         opts.SweepInterval,
		lockHeartbeatInterval: opts.LockHeartbeatInterval,
		lockSweepInterval:     opts.LockSweepInterval,
		clients:               make(map[string]*Client),
		subs:                  make(map[string]context.CancelFunc),
		userSubs:              make(map[string]*userSub),
		prevHolders:           make(map[string]string),
		done:                  make(chan struct{}),
	}
	if h.gatewayID == "" {
		h.gatewayID = uuid.NewString()
	}

	var releaser presence.LockReleaser
	if opts.Locks != nil {
		releaser = opts.Locks
	}
	h.presence = presence.NewEngine(h, releaser, opts.RoomLimitDefault, opts.RoomLimits)
	h.presence.OnRoomCreated = h.subscribeRoom
	h.presence.OnRoomEmpty = h.roomEmptied

	return h
}

// Presence exposes the presence engine, for health checks and tests.
func (h *Hub) Presence() *presence.Engine {
	return h.presence
}

// GatewayID returns this instance's bus identity.
func (h *Hub) GatewayID() string {
	return h.gatewayID
}

// Start launches the background sweeps: stale-session reaping, editor lock
// renewal, and lock holder observation. They stop on Shutdown.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.runSweeps()
}

func (h *Hub) runSweeps() {
	defer h.wg.Done()

	reap := time.NewTicker(h.sweepInterval)
	heartbeat := time.NewTicker(h.lockHeartbeatInterval)
	sweep := time.NewTicker(h.lockSweepInterval)
	defer reap.Stop()
	defer heartbeat.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-reap.C:
			h.reapStale()
		case <-heartbeat.C:
			h.renewEditorLocks(context.Background())
		case <-sweep.C:
			h.sweepLocks(context.Background())
		}
	}
}

// ServeWS authenticates the user and upgrades to a WebSocket connection.
// Authentication failures are rejected at handshake time, before the
// upgrade, so clients observe them as connect errors.
func (h *Hub) ServeWS(c *gin.Context) {
	if !h.enabled || h.draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "collaboration gateway is unavailable"})
		return
	}

	// IP rate limit before anything else to save resources.
	if h.limiter != nil && !h.limiter.CheckIP(c) {
		return // Response already written by CheckIP
	}

	token, err := extractToken(c)
	if err != nil {
		writeAuthError(c, protocol.CodeJWTMissing)
		return
	}

	principal, err := h.validator.Validate(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "Token validation failed", zap.Error(err))
		writeAuthError(c, authErrorCode(err))
		return
	}

	if h.limiter != nil {
		if err := h.limiter.CheckUser(c.Request.Context(), principal.UserID); err != nil {
			metrics.RateLimitDenials.WithLabelValues("connect_user").Inc()
			c.JSON(http.StatusTooManyRequests, protocol.NewError(protocol.CodeRateLimitExceeded))
			return
		}
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, principal)
}

// HandleConnection takes an established WebSocket connection and registers
// the session. The per-user cap is enforced post-upgrade so the client
// receives a structured error frame before the close; check and insert are
// one atomic pool operation so concurrent upgrades cannot oversubscribe.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, principal *auth.Principal) {
	socketID := uuid.NewString()
	now := time.Now()

	if !h.pool.RegisterIfUnderCap(&pool.Connection{
		SocketID:       socketID,
		Principal:      principal,
		Transport:      "websocket",
		IPAddress:      c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
		ConnectedAt:    now,
		LastActivityAt: now,
	}) {
		frame := protocol.NewFrame(protocol.EventConnectError, protocol.NewError(protocol.CodeMaxConnectionsExceeded))
		if data, err := json.Marshal(frame); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.Close()
		logging.Warn(c.Request.Context(), "Connection rejected: per-user cap reached",
			zap.String("userId", principal.UserID))
		return
	}

	client := newClient(h, conn, socketID, principal)
	h.clientsMu.Lock()
	h.clients[socketID] = client
	h.clientsMu.Unlock()
	metrics.IncConnection()
	h.subscribeUser(principal.UserID)

	logging.Info(c.Request.Context(), "Session established",
		zap.String("socketId", socketID),
		zap.String("userId", principal.UserID),
		zap.String("email", logging.RedactEmail(principal.Email)))

	client.Send(protocol.EventConnected, protocol.ConnectedEvent{
		SocketID:  socketID,
		UserID:    principal.UserID,
		Timestamp: now.UnixMilli(),
	})

	go client.writePump()
	go client.readPump()
}

// Send satisfies presence.Sender: deliver one frame to one local session.
func (h *Hub) Send(socketID string, event string, payload any) {
	h.clientsMu.RLock()
	client, ok := h.clients[socketID]
	h.clientsMu.RUnlock()
	if !ok {
		return
	}
	client.Send(event, payload)
}

// route dispatches one inbound frame. Every accepted frame advances the
// session's activity timestamp; rate limiting applies before dispatch.
func (h *Hub) route(c *Client, data []byte) {
	h.pool.Touch(c.socketID)

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		metrics.EventsTotal.WithLabelValues("unknown", "invalid").Inc()
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload))
		return
	}

	if h.events != nil && !h.events.Allow(c.socketID) {
		metrics.RateLimitDenials.WithLabelValues("events").Inc()
		c.SendError(protocol.NewError(protocol.CodeRateLimitExceeded).
			WithDetails(map[string]any{"event": frame.Event}))
		return
	}

	ctx := context.WithValue(context.Background(), logging.SocketIDKey, c.socketID)
	ctx = context.WithValue(ctx, logging.UserIDKey, c.principal.UserID)

	start := time.Now()
	status := "ok"

	switch frame.Event {
	case protocol.EventResourceJoin:
		status = h.handleJoin(ctx, c, frame.Payload)
	case protocol.EventResourceLeave:
		status = h.handleLeave(ctx, c, frame.Payload)
	case protocol.EventLockAcquire:
		status = h.handleLockAcquire(ctx, c, frame.Payload)
	case protocol.EventLockRelease:
		status = h.handleLockRelease(ctx, c, frame.Payload)
	case protocol.EventLockExtend:
		status = h.handleLockExtend(ctx, c, frame.Payload)
	case protocol.EventLockStatus:
		status = h.handleLockStatus(ctx, c, frame.Payload)
	default:
		status = "unknown"
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload).
			WithMessage("unknown event: " + frame.Event))
	}

	metrics.EventsTotal.WithLabelValues(frame.Event, status).Inc()
	metrics.FrameProcessingDuration.WithLabelValues(frame.Event).Observe(time.Since(start).Seconds())
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, payload json.RawMessage) string {
	var req protocol.JoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload))
		return "error"
	}
	if req.ResourceID == "" {
		c.SendError(protocol.NewError(protocol.CodeMissingRequiredField).
			WithDetails(map[string]any{"field": "resourceId"}))
		return "error"
	}

	rid, err := resource.Parse(req.ResourceID)
	if err != nil {
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload).
			WithMessage("malformed resource id").
			WithDetails(map[string]any{"resourceId": req.ResourceID}))
		return "error"
	}
	if req.ResourceType != "" && req.ResourceType != rid.Type {
		c.SendError(protocol.NewError(protocol.CodeInvalidResourceType).
			WithDetails(map[string]any{"resourceId": req.ResourceID, "resourceType": req.ResourceType}))
		return "error"
	}

	conn, ok := h.pool.Get(c.socketID)
	if !ok {
		c.SendError(protocol.NewError(protocol.CodeConnectionNotFound))
		return "error"
	}

	mode := req.Mode
	if mode == "" {
		mode = protocol.ModeViewer
	}

	resp, perr := h.presence.Join(ctx, conn, rid, mode)
	if perr != nil {
		c.SendError(perr)
		return "error"
	}
	c.Send(protocol.EventResourceJoined, resp)

	if resp.Success {
		h.publishRoom(ctx, rid.String(), protocol.EventUserJoined, protocol.UserJoinedEvent{
			ResourceID: rid.String(),
			UserID:     conn.Principal.UserID,
			Username:   conn.Principal.Username,
			Email:      conn.Principal.Email,
			SocketID:   c.socketID,
			JoinedAt:   resp.JoinedAt,
			Mode:       mode,
		})
	}
	return "ok"
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, payload json.RawMessage) string {
	var req protocol.LeaveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload))
		return "error"
	}
	if req.ResourceID == "" {
		c.SendError(protocol.NewError(protocol.CodeMissingRequiredField).
			WithDetails(map[string]any{"field": "resourceId"}))
		return "error"
	}

	rid, err := resource.Parse(req.ResourceID)
	if err != nil {
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload).
			WithMessage("malformed resource id"))
		return "error"
	}

	conn, ok := h.pool.Get(c.socketID)
	if !ok {
		c.SendError(protocol.NewError(protocol.CodeConnectionNotFound))
		return "error"
	}

	resp := h.presence.Leave(ctx, conn, rid)
	c.Send(protocol.EventResourceLeft, resp)

	if resp.Success {
		h.releaseLockOnExit(ctx, rid.String(), conn.Principal.UserID)
		h.publishRoom(ctx, rid.String(), protocol.EventUserLeft, protocol.UserLeftEvent{
			ResourceID: rid.String(),
			UserID:     conn.Principal.UserID,
			Username:   conn.Principal.Username,
			Email:      conn.Principal.Email,
			Reason:     protocol.ReasonManual,
		})
	}
	return "ok"
}

// releaseLockOnExit releases the user's lock on a room they no longer
// inhabit, so a leave never strands a lock until TTL expiry. Another live
// session of the same user still in the room keeps the lock.
func (h *Hub) releaseLockOnExit(ctx context.Context, resourceID, userID string) {
	if h.locks == nil {
		return
	}
	rec := h.locks.GetHolder(ctx, resourceID)
	if rec == nil || rec.UserID != userID {
		return
	}
	for _, member := range h.presence.Members(resourceID) {
		if member.UserID == userID {
			return
		}
	}
	if !h.locks.Release(ctx, resourceID, userID) {
		return
	}

	h.forgetHolder(resourceID)
	ev := protocol.LockEvent{
		ResourceID: resourceID,
		UserID:     userID,
		Timestamp:  time.Now().UnixMilli(),
	}
	h.broadcastRoom(resourceID, protocol.EventLockReleased, ev)
	h.publishRoom(ctx, resourceID, protocol.EventLockReleased, ev)
}

// parseLockRequest validates the shared shape of all lock frames and
// requires room membership: locks follow presence.
func (h *Hub) parseLockRequest(c *Client, payload json.RawMessage) (protocol.LockRequest, bool) {
	var req protocol.LockRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload))
		return req, false
	}
	if req.ResourceID == "" {
		c.SendError(protocol.NewError(protocol.CodeMissingRequiredField).
			WithDetails(map[string]any{"field": "resourceId"}))
		return req, false
	}
	if _, err := resource.Parse(req.ResourceID); err != nil {
		c.SendError(protocol.NewError(protocol.CodeInvalidPayload).
			WithMessage("malformed resource id"))
		return req, false
	}
	if !h.presence.IsMember(req.ResourceID, c.socketID) {
		c.SendError(protocol.NewError(protocol.CodeResourceNotJoined).
			WithDetails(map[string]any{"resourceId": req.ResourceID}))
		return req, false
	}
	h.presence.TouchMember(req.ResourceID, c.socketID)
	return req, true
}

func (h *Hub) handleLockAcquire(ctx context.Context, c *Client, payload json.RawMessage) string {
	req, ok := h.parseLockRequest(c, payload)
	if !ok {
		return "error"
	}
	if h.locks == nil {
		c.SendError(protocol.NewError(protocol.CodeServiceUnavailable))
		return "error"
	}

	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if !h.locks.Acquire(ctx, req.ResourceID, c.principal.UserID, ttl) {
		e := protocol.NewError(protocol.CodeLockConflict)
		if holder := h.locks.GetHolder(ctx, req.ResourceID); holder != nil {
			e = e.WithDetails(map[string]any{
				"resourceId": req.ResourceID,
				"holderId":   holder.UserID,
				"expiresAt":  holder.ExpiresAt,
			})
		}
		c.SendError(e)
		return "error"
	}

	rec := h.locks.GetHolder(ctx, req.ResourceID)
	if rec == nil {
		// Lost between acquire and read; report as a failed acquire.
		c.SendError(protocol.NewError(protocol.CodeLockAcquireFailed))
		return "error"
	}

	h.rememberHolder(req.ResourceID, rec.UserID)
	ev := protocol.LockEvent{
		ResourceID: req.ResourceID,
		UserID:     rec.UserID,
		AcquiredAt: rec.AcquiredAt,
		ExpiresAt:  rec.ExpiresAt,
		Timestamp:  time.Now().UnixMilli(),
	}
	h.broadcastRoom(req.ResourceID, protocol.EventLockAcquired, ev)
	h.publishRoom(ctx, req.ResourceID, protocol.EventLockAcquired, ev)
	return "ok"
}

func (h *Hub) handleLockRelease(ctx context.Context, c *Client, payload json.RawMessage) string {
	req, ok := h.parseLockRequest(c, payload)
	if !ok {
		return "error"
	}
	if h.locks == nil {
		c.SendError(protocol.NewError(protocol.CodeServiceUnavailable))
		return "error"
	}

	if !h.locks.Release(ctx, req.ResourceID, c.principal.UserID) {
		if holder := h.locks.GetHolder(ctx, req.ResourceID); holder != nil {
			c.SendError(protocol.NewError(protocol.CodeLockNotOwned).
				WithDetails(map[string]any{"resourceId": req.ResourceID, "holderId": holder.UserID}))
		} else {
			c.SendError(protocol.NewError(protocol.CodeLockNotHeld).
				WithDetails(map[string]any{"resourceId": req.ResourceID}))
		}
		return "error"
	}

	h.forgetHolder(req.ResourceID)
	ev := protocol.LockEvent{
		ResourceID: req.ResourceID,
		UserID:     c.principal.UserID,
		Timestamp:  time.Now().UnixMilli(),
	}
	h.broadcastRoom(req.ResourceID, protocol.EventLockReleased, ev)
	h.publishRoom(ctx, req.ResourceID, protocol.EventLockReleased, ev)
	return "ok"
}

func (h *Hub) handleLockExtend(ctx context.Context, c *Client, payload json.RawMessage) string {
	req, ok := h.parseLockRequest(c, payload)
	if !ok {
		return "error"
	}
	if h.locks == nil {
		c.SendError(protocol.NewError(protocol.CodeServiceUnavailable))
		return "error"
	}

	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if !h.locks.Renew(ctx, req.ResourceID, c.principal.UserID, ttl) {
		if holder := h.locks.GetHolder(ctx, req.ResourceID); holder != nil {
			c.SendError(protocol.NewError(protocol.CodeLockNotOwned).
				WithDetails(map[string]any{"resourceId": req.ResourceID, "holderId": holder.UserID}))
		} else {
			c.SendError(protocol.NewError(protocol.CodeLockNotHeld).
				WithDetails(map[string]any{"resourceId": req.ResourceID}))
		}
		return "error"
	}

	rec := h.locks.GetHolder(ctx, req.ResourceID)
	if rec == nil {
		c.SendError(protocol.NewError(protocol.CodeLockExtendFailed))
		return "error"
	}

	// A renewal is an acquisition refresh; the room sees the new expiry.
	ev := protocol.LockEvent{
		ResourceID: req.ResourceID,
		UserID:     rec.UserID,
		AcquiredAt: rec.AcquiredAt,
		ExpiresAt:  rec.ExpiresAt,
		Timestamp:  time.Now().UnixMilli(),
	}
	h.broadcastRoom(req.ResourceID, protocol.EventLockAcquired, ev)
	h.publishRoom(ctx, req.ResourceID, protocol.EventLockAcquired, ev)
	return "ok"
}

func (h *Hub) handleLockStatus(ctx context.Context, c *Client, payload json.RawMessage) string {
	req, ok := h.parseLockRequest(c, payload)
	if !ok {
		return "error"
	}

	resp := protocol.LockStatusResponse{ResourceID: req.ResourceID}
	if h.locks != nil {
		if rec := h.locks.GetHolder(ctx, req.ResourceID); rec != nil {
			resp.Locked = true
			resp.Holder = &protocol.LockEvent{
				ResourceID: req.ResourceID,
				UserID:     rec.UserID,
				AcquiredAt: rec.AcquiredAt,
				ExpiresAt:  rec.ExpiresAt,
				Timestamp:  time.Now().UnixMilli(),
			}
		}
	}
	c.Send(protocol.EventLockStatus, resp)
	return "ok"
}

// broadcastRoom sends an event to every local member of a room.
func (h *Hub) broadcastRoom(resourceID, event string, payload any) {
	for _, socketID := range h.presence.MemberSockets(resourceID) {
		h.Send(socketID, event, payload)
	}
}

// publishRoom forwards a room-scoped event to other instances via the bus.
// Events without a room-scoped routing entry stay local; the bus applies the
// entry's retry policy on delivery failures.
func (h *Hub) publishRoom(ctx context.Context, resourceID, event string, payload any) {
	route, ok := protocol.RouteFor(event)
	if !ok || route.Scope != protocol.ScopeRoom {
		return
	}
	if err := h.bus.Publish(ctx, resourceID, event, payload, h.gatewayID); err != nil {
		logging.Warn(ctx, "Bus publish failed for room event",
			zap.String("resourceId", resourceID), zap.String("event", event), zap.Error(err))
	}
}

// --- Bus subscription lifecycle ---

func (h *Hub) subscribeRoom(resourceID string) {
	if h.bus == nil {
		return
	}

	h.subMu.Lock()
	if _, exists := h.subs[resourceID]; exists {
		h.subMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.subs[resourceID] = cancel
	h.subMu.Unlock()

	h.bus.Subscribe(ctx, resourceID, &h.wg, func(env bus.Envelope) {
		if env.GatewayID == h.gatewayID {
			return // our own publish
		}
		payload := json.RawMessage(env.Payload)
		for _, socketID := range h.presence.MemberSockets(env.ResourceID) {
			h.Send(socketID, env.Event, payload)
		}
	})
}

func (h *Hub) unsubscribeRoom(resourceID string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if cancel, exists := h.subs[resourceID]; exists {
		cancel()
		delete(h.subs, resourceID)
	}
}

func (h *Hub) roomEmptied(resourceID string) {
	h.unsubscribeRoom(resourceID)
	h.forgetHolder(resourceID)
}

// userSub is a refcounted subscription to one user's direct bus channel,
// shared by all of that user's local sessions.
type userSub struct {
	cancel context.CancelFunc
	count  int
}

func (h *Hub) subscribeUser(userID string) {
	if h.bus == nil {
		return
	}

	h.userSubMu.Lock()
	if sub, exists := h.userSubs[userID]; exists {
		sub.count++
		h.userSubMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.userSubs[userID] = &userSub{cancel: cancel, count: 1}
	h.userSubMu.Unlock()

	h.bus.SubscribeUser(ctx, userID, &h.wg, func(env bus.Envelope) {
		if env.GatewayID == h.gatewayID {
			return
		}
		if env.Event == protocol.EventSessionRevoked {
			h.DisconnectUser(userID, protocol.ReasonManual)
			return
		}
		payload := json.RawMessage(env.Payload)
		for _, socketID := range h.pool.ListByUser(userID) {
			h.Send(socketID, env.Event, payload)
		}
	})
}

func (h *Hub) unsubscribeUser(userID string) {
	h.userSubMu.Lock()
	defer h.userSubMu.Unlock()
	sub, exists := h.userSubs[userID]
	if !exists {
		return
	}
	sub.count--
	if sub.count <= 0 {
		sub.cancel()
		delete(h.userSubs, userID)
	}
}

// RevokeUser tears down every session of a user, cluster-wide: local
// sessions are disconnected directly, other instances learn of it via the
// user's direct bus channel.
func (h *Hub) RevokeUser(ctx context.Context, userID string) int {
	n := h.DisconnectUser(userID, protocol.ReasonManual)
	if err := h.bus.PublishUser(ctx, userID, protocol.EventSessionRevoked, map[string]any{
		"userId":    userID,
		"timestamp": time.Now().UnixMilli(),
	}, h.gatewayID); err != nil {
		logging.Warn(ctx, "Failed to publish session revocation", zap.String("userId", userID), zap.Error(err))
	}
	return n
}

// --- Lock holder bookkeeping for the steal sweep ---

func (h *Hub) rememberHolder(resourceID, userID string) {
	h.holderMu.Lock()
	defer h.holderMu.Unlock()
	h.prevHolders[resourceID] = userID
}

func (h *Hub) forgetHolder(resourceID string) {
	h.holderMu.Lock()
	defer h.holderMu.Unlock()
	delete(h.prevHolders, resourceID)
}

func (h *Hub) holderOf(resourceID string) string {
	h.holderMu.Lock()
	defer h.holderMu.Unlock()
	return h.prevHolders[resourceID]
}

// sweepLocks compares the stored lock holder of every live room against the
// last observed one. A holder change without an intervening release on this
// instance means the previous lock expired and another user took it;
// members learn of it via LOCK_STOLEN.
func (h *Hub) sweepLocks(ctx context.Context) {
	if h.locks == nil {
		return
	}

	for _, rid := range h.presence.RoomIDs() {
		rec := h.locks.GetHolder(ctx, rid)
		prev := h.holderOf(rid)

		switch {
		case rec == nil:
			if prev != "" {
				h.forgetHolder(rid)
				ev := protocol.LockEvent{
					ResourceID: rid,
					UserID:     prev,
					Timestamp:  time.Now().UnixMilli(),
				}
				h.broadcastRoom(rid, protocol.EventLockReleased, ev)
			}
		case prev != "" && rec.UserID != prev:
			h.rememberHolder(rid, rec.UserID)
			ev := protocol.LockEvent{
				ResourceID: rid,
				UserID:     rec.UserID,
				AcquiredAt: rec.AcquiredAt,
				ExpiresAt:  rec.ExpiresAt,
				Timestamp:  time.Now().UnixMilli(),
			}
			logging.Warn(ctx, "Lock holder changed without release",
				zap.String("resourceId", rid),
				zap.String("previousHolder", prev),
				zap.String("holder", rec.UserID))
			h.broadcastRoom(rid, protocol.EventLockStolen, ev)
			h.publishRoom(ctx, rid, protocol.EventLockStolen, ev)
		case prev == "":
			h.rememberHolder(rid, rec.UserID)
		}
	}
}

// renewEditorLocks extends the lock of every holder who still has a live
// editor session in the room, so active editors never lose locks to TTL
// expiry mid-edit.
func (h *Hub) renewEditorLocks(ctx context.Context) {
	if h.locks == nil {
		return
	}

	for _, rid := range h.presence.RoomIDs() {
		rec := h.locks.GetHolder(ctx, rid)
		if rec == nil {
			continue
		}
		for _, socketID := range h.pool.ListByUser(rec.UserID) {
			if mode, ok := h.presence.MemberMode(rid, socketID); ok && mode == protocol.ModeEditor {
				h.locks.Renew(ctx, rid, rec.UserID, 0)
				break
			}
		}
	}
}

// reapStale disconnects sessions idle longer than twice the pong grace.
func (h *Hub) reapStale() {
	for _, socketID := range h.pool.Stale(2 * h.pingTimeout) {
		logging.Warn(context.Background(), "Reaping stale session", zap.String("socketId", socketID))
		h.ForceDisconnect(socketID, protocol.ReasonTimeout)
	}
}

// ForceDisconnect tears down one session server-side.
func (h *Hub) ForceDisconnect(socketID string, reason protocol.LeaveReason) {
	h.clientsMu.RLock()
	client, ok := h.clients[socketID]
	h.clientsMu.RUnlock()
	if !ok {
		return
	}
	client.setCloseReason(reason)
	h.handleDisconnect(client)
}

// DisconnectUser tears down every session belonging to a user.
func (h *Hub) DisconnectUser(userID string, reason protocol.LeaveReason) int {
	sockets := h.pool.ListByUser(userID)
	for _, socketID := range sockets {
		h.ForceDisconnect(socketID, reason)
	}
	return len(sockets)
}

// handleDisconnect unregisters a session and runs the presence cleanup
// sweep. Safe to call more than once; only the first call acts.
func (h *Hub) handleDisconnect(c *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c.socketID]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, c.socketID)
	h.clientsMu.Unlock()

	conn, registered := h.pool.Get(c.socketID)
	h.pool.Remove(c.socketID)
	metrics.DecConnection()
	h.unsubscribeUser(c.principal.UserID)
	if h.events != nil {
		h.events.Forget(c.socketID)
	}

	c.Disconnect()

	if registered {
		ctx := context.WithValue(context.Background(), logging.SocketIDKey, c.socketID)
		h.presence.OnDisconnect(ctx, conn, c.closeReason())
	}
}

func (h *Hub) draining() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Shutdown gracefully closes all sessions: new handshakes are refused,
// SERVER_SHUTDOWN is broadcast, buffers get a bounded window to flush, and
// the remainder is force-disconnected. Idempotent.
func (h *Hub) Shutdown(ctx context.Context) error {
	var err error
	h.shutdownOnce.Do(func() {
		logging.Info(ctx, "Shutting down hub", zap.Int("sessions", h.pool.Size()))
		close(h.done)

		h.clientsMu.RLock()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.clientsMu.RUnlock()

		ev := protocol.ShutdownEvent{
			Message:   "server shutting down",
			Timestamp: time.Now().UnixMilli(),
		}
		for _, c := range clients {
			c.Send(protocol.EventServerShutdown, ev)
		}

		// Bounded flush window before force-disconnecting.
		flush := time.NewTimer(1 * time.Second)
		select {
		case <-ctx.Done():
			flush.Stop()
		case <-flush.C:
		}

		for _, c := range clients {
			c.setCloseReason(protocol.ReasonDisconnect)
			h.handleDisconnect(c)
		}

		h.subMu.Lock()
		for id, cancel := range h.subs {
			cancel()
			delete(h.subs, id)
		}
		h.subMu.Unlock()

		waited := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
			logging.Info(ctx, "Hub shutdown complete")
		case <-ctx.Done():
			err = ctx.Err()
			logging.Warn(ctx, "Hub shutdown deadline exceeded", zap.Error(err))
		}
	})
	return err
}

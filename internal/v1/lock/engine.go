// Package lock coordinates exclusive, owner-stamped, TTL-bounded editor
// locks across gateway instances through a shared expiring store.
package lock

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/curasync/collab-gateway/internal/v1/lockstore"
	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/metrics"
)

const keyPrefix = "lock:"

// Record is the canonical lock value stored under lock:<resourceId>.
// AcquiredAt is preserved across owner renewals; only ExpiresAt advances.
type Record struct {
	UserID     string `json:"userId"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// Engine implements ownership semantics on top of the store. Every
// operation degrades to false/nil on store failure; callers surface that as
// a business error code, never an exception.
type Engine struct {
	store      lockstore.Store
	defaultTTL time.Duration
	now        func() time.Time
}

// NewEngine creates a lock engine with the given default TTL.
func NewEngine(store lockstore.Store, defaultTTL time.Duration) *Engine {
	return &Engine{
		store:      store,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func lockKey(resourceID string) string {
	return keyPrefix + resourceID
}

// read fetches and parses the current record. A value that fails to parse
// is treated as no lock; the corrupted key is deleted so a follow-up
// PutIfAbsent can win.
func (e *Engine) read(ctx context.Context, resourceID string) *Record {
	val, ok, err := e.store.Get(ctx, lockKey(resourceID))
	if err != nil || !ok {
		return nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil || rec.UserID == "" {
		logging.Warn(ctx, "Deleting corrupted lock value", zap.String("resourceId", resourceID))
		_, _ = e.store.Delete(ctx, lockKey(resourceID))
		return nil
	}
	return &rec
}

func (e *Engine) write(ctx context.Context, resourceID string, rec Record, ttl time.Duration) bool {
	data, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	if err := e.store.Put(ctx, lockKey(resourceID), string(data), ttl); err != nil {
		return false
	}
	return true
}

// Acquire takes or refreshes the lock for userID. Acquiring a lock you
// already hold is a refresh: AcquiredAt is preserved and ExpiresAt advances
// to now+ttl. A lock held by another user loses the race and returns false
// with no side effects; PutIfAbsent resolves concurrent first acquisitions.
func (e *Engine) Acquire(ctx context.Context, resourceID, userID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	now := e.now().UnixMilli()

	if existing := e.read(ctx, resourceID); existing != nil {
		if existing.UserID != userID {
			metrics.LockOperations.WithLabelValues("acquire", "conflict").Inc()
			return false
		}
		refreshed := e.write(ctx, resourceID, Record{
			UserID:     userID,
			AcquiredAt: existing.AcquiredAt,
			ExpiresAt:  now + ttl.Milliseconds(),
		}, ttl)
		metrics.LockOperations.WithLabelValues("acquire", outcome(refreshed)).Inc()
		return refreshed
	}

	rec := Record{UserID: userID, AcquiredAt: now, ExpiresAt: now + ttl.Milliseconds()}
	data, err := json.Marshal(rec)
	if err != nil {
		return false
	}

	ok, err := e.store.PutIfAbsent(ctx, lockKey(resourceID), string(data), ttl)
	if err != nil {
		metrics.LockOperations.WithLabelValues("acquire", "error").Inc()
		return false
	}
	metrics.LockOperations.WithLabelValues("acquire", outcome(ok)).Inc()
	return ok
}

// Release deletes the lock if userID holds it. Releasing an absent lock or
// another user's lock returns false without touching the store.
func (e *Engine) Release(ctx context.Context, resourceID, userID string) bool {
	existing := e.read(ctx, resourceID)
	if existing == nil || existing.UserID != userID {
		metrics.LockOperations.WithLabelValues("release", "denied").Inc()
		return false
	}

	ok, err := e.store.Delete(ctx, lockKey(resourceID))
	if err != nil {
		metrics.LockOperations.WithLabelValues("release", "error").Inc()
		return false
	}
	metrics.LockOperations.WithLabelValues("release", outcome(ok)).Inc()
	return ok
}

// Renew extends the holder's lock, preserving AcquiredAt and bumping both
// ExpiresAt and the store TTL.
func (e *Engine) Renew(ctx context.Context, resourceID, userID string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = e.defaultTTL
	}

	existing := e.read(ctx, resourceID)
	if existing == nil || existing.UserID != userID {
		metrics.LockOperations.WithLabelValues("renew", "denied").Inc()
		return false
	}

	ok := e.write(ctx, resourceID, Record{
		UserID:     userID,
		AcquiredAt: existing.AcquiredAt,
		ExpiresAt:  e.now().UnixMilli() + ttl.Milliseconds(),
	}, ttl)
	metrics.LockOperations.WithLabelValues("renew", outcome(ok)).Inc()
	return ok
}

// GetHolder returns the current lock record, or nil when unlocked or the
// store is unavailable.
func (e *Engine) GetHolder(ctx context.Context, resourceID string) *Record {
	return e.read(ctx, resourceID)
}

// DefaultTTL exposes the configured default for callers that schedule
// renewals.
func (e *Engine) DefaultTTL() time.Duration {
	return e.defaultTTL
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

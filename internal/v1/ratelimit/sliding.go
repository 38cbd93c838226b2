// Package ratelimit implements the gateway's two rate limiting layers: an
// in-process sliding window for per-connection event throttling and an
// ulule/limiter based gate for WebSocket connection attempts.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// SlidingWindowConfig configures a SlidingWindow limiter.
type SlidingWindowConfig struct {
	Limit  int
	Window time.Duration
}

// keyState holds the ordered admission timestamps for one key. The per-key
// mutex serializes the decide-and-append step.
type keyState struct {
	mu    sync.Mutex
	times []time.Time
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// SlidingWindow admits at most Limit requests per key within any Window.
// Keys are sharded so unrelated connections never contend on one mutex.
type SlidingWindow struct {
	cfg    SlidingWindowConfig
	shards [shardCount]*shard
	now    func() time.Time
}

// NewSlidingWindow creates a sliding-window limiter.
func NewSlidingWindow(cfg SlidingWindowConfig) *SlidingWindow {
	sw := &SlidingWindow{cfg: cfg, now: time.Now}
	for i := range sw.shards {
		sw.shards[i] = &shard{keys: make(map[string]*keyState)}
	}
	return sw
}

func (sw *SlidingWindow) state(key string) *keyState {
	h := fnv.New32a()
	h.Write([]byte(key))
	s := sw.shards[h.Sum32()%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
	}
	return ks
}

// prune drops timestamps at or before the window cutoff. Caller holds ks.mu.
func (sw *SlidingWindow) prune(ks *keyState, now time.Time) {
	cutoff := now.Add(-sw.cfg.Window)
	i := 0
	for ; i < len(ks.times); i++ {
		if ks.times[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		ks.times = append(ks.times[:0], ks.times[i:]...)
	}
}

// Allow records and admits one request if the key is under its limit.
// Requests sharing a timestamp all count against the window.
func (sw *SlidingWindow) Allow(key string) bool {
	ks := sw.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := sw.now()
	sw.prune(ks, now)

	if len(ks.times) >= sw.cfg.Limit {
		return false
	}
	ks.times = append(ks.times, now)
	return true
}

// Remaining reports how many admissions the key has left in the current
// window.
func (sw *SlidingWindow) Remaining(key string) int {
	ks := sw.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	sw.prune(ks, sw.now())
	remaining := sw.cfg.Limit - len(ks.times)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the key's window.
func (sw *SlidingWindow) Reset(key string) {
	ks := sw.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.times = nil
}

// Forget drops all state for a key, for cleanup when a connection closes.
func (sw *SlidingWindow) Forget(key string) {
	h := fnv.New32a()
	h.Write([]byte(key))
	s := sw.shards[h.Sum32()%shardCount]

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		assert.True(t, sw.Allow("k"), "request %d should pass", i)
	}
	assert.False(t, sw.Allow("k"))
	assert.Equal(t, 0, sw.Remaining("k"))
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 1, Window: time.Minute})

	assert.True(t, sw.Allow("a"))
	assert.False(t, sw.Allow("a"))
	assert.True(t, sw.Allow("b"))
}

func TestSlidingWindowRecoversAfterWindow(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 2, Window: 50 * time.Millisecond})

	assert.True(t, sw.Allow("k"))
	assert.True(t, sw.Allow("k"))
	assert.False(t, sw.Allow("k"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, sw.Allow("k"))
}

func TestSlidingWindowReset(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 1, Window: time.Minute})

	assert.True(t, sw.Allow("k"))
	assert.False(t, sw.Allow("k"))
	sw.Reset("k")
	assert.True(t, sw.Allow("k"))
}

func TestSlidingWindowConcurrentAccess(t *testing.T) {
	const limit = 100
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: limit, Window: time.Minute})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("key-%d", i%4)
				if sw.Allow(key) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()

	// 4 keys, 125 attempts each: exactly limit per key may pass.
	assert.Equal(t, 4*limit, allowed)
}

func TestSlidingWindowForget(t *testing.T) {
	sw := NewSlidingWindow(SlidingWindowConfig{Limit: 1, Window: time.Minute})
	assert.True(t, sw.Allow("gone"))
	sw.Forget("gone")
	assert.True(t, sw.Allow("gone"))
}

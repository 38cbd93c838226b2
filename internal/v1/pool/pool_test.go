package pool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curasync/collab-gateway/internal/v1/auth"
)

func conn(socketID, userID string) *Connection {
	now := time.Now()
	return &Connection{
		SocketID:       socketID,
		Principal:      &auth.Principal{UserID: userID, Username: userID},
		Transport:      "websocket",
		ConnectedAt:    now,
		LastActivityAt: now,
	}
}

func TestRegisterAndGet(t *testing.T) {
	p := New(5)
	p.Register(conn("s1", "u1"))

	got, ok := p.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.Principal.UserID)
	assert.Equal(t, 1, p.Size())
}

func TestRegisterIfUnderCap(t *testing.T) {
	p := New(2)
	assert.True(t, p.RegisterIfUnderCap(conn("s1", "u1")))
	assert.True(t, p.RegisterIfUnderCap(conn("s2", "u1")))
	assert.False(t, p.RegisterIfUnderCap(conn("s3", "u1")))
	assert.Equal(t, 2, p.Size())

	// Other users are unaffected.
	assert.True(t, p.RegisterIfUnderCap(conn("s4", "u2")))

	// Removal frees a slot.
	p.Remove("s1")
	assert.True(t, p.RegisterIfUnderCap(conn("s5", "u1")))
}

func TestRegisterIfUnderCapConcurrent(t *testing.T) {
	p := New(1)

	const attempts = 32
	start := make(chan struct{})
	results := make(chan bool, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results <- p.RegisterIfUnderCap(conn(fmt.Sprintf("s%d", i), "u1"))
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, p.Size())
}

func TestRemovePurgesUserIndex(t *testing.T) {
	p := New(5)
	p.Register(conn("s1", "u1"))
	p.Register(conn("s2", "u1"))

	p.Remove("s1")
	assert.ElementsMatch(t, []string{"s2"}, p.ListByUser("u1"))

	p.Remove("s2")
	assert.Empty(t, p.ListByUser("u1"))
	assert.Equal(t, 0, p.Size())

	// Removing an unknown socket is a no-op.
	p.Remove("s2")
}

func TestTouchAndStale(t *testing.T) {
	p := New(5)
	c := conn("s1", "u1")
	c.LastActivityAt = time.Now().Add(-time.Hour)
	p.Register(c)
	p.Register(conn("s2", "u2"))

	stale := p.Stale(time.Minute)
	assert.ElementsMatch(t, []string{"s1"}, stale)

	p.Touch("s1")
	assert.Empty(t, p.Stale(time.Minute))
}

func TestStats(t *testing.T) {
	p := New(5)
	p.Register(conn("s1", "u1"))
	p.Register(conn("s2", "u1"))
	old := conn("s3", "u2")
	old.LastActivityAt = time.Now().Add(-time.Hour)
	p.Register(old)

	stats := p.Stats(time.Minute)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, 3, stats.ByTransport["websocket"])
	assert.Equal(t, 1, stats.StaleCount)
}

func TestForEachSnapshotAllowsReentrancy(t *testing.T) {
	p := New(5)
	for i := 0; i < 3; i++ {
		p.Register(conn(fmt.Sprintf("s%d", i), "u1"))
	}

	seen := 0
	p.ForEach(func(c *Connection) {
		seen++
		// Calling back into the pool must not deadlock.
		_ = p.Size()
	})
	assert.Equal(t, 3, seen)
}

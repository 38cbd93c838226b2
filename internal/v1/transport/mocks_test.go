package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/curasync/collab-gateway/internal/v1/auth"
	"github.com/curasync/collab-gateway/internal/v1/lock"
	"github.com/curasync/collab-gateway/internal/v1/lockstore"
	"github.com/curasync/collab-gateway/internal/v1/pool"
	"github.com/curasync/collab-gateway/internal/v1/protocol"
)

const testSecret = "transport-test-secret-32-chars!!!!!"

// mockConn is a scriptable wsConnection. Inbound frames are pushed through
// a channel; written frames are decoded and recorded.
type mockConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	written   []protocol.Frame
	closeOnce sync.Once
	closed    bool
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan []byte, 16)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	m.mu.Lock()
	m.written = append(m.written, frame)
	m.mu.Unlock()
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.inbound)
	})
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetPongHandler(func(string) error) {}

// push feeds one inbound frame through the read pump.
func (m *mockConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	frame := protocol.NewFrame(event, payload)
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	m.inbound <- data
}

func (m *mockConn) frames(event string) []protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Frame
	for _, f := range m.written {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// waitFor polls until at least n frames of the event were written.
func (m *mockConn) waitFor(t *testing.T, event string, n int) []protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.frames(event); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q frame(s), got %v", n, event, m.frames(event))
	return nil
}

func decodePayload[T any](t *testing.T, frame protocol.Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(frame.Payload, &out))
	return out
}

// testHub builds a hub on a per-test miniredis with background sweeps
// effectively disabled.
func testHub(t *testing.T, mutate func(*Options)) *Hub {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts := Options{
		Enabled:               true,
		Validator:             auth.NewSecretValidator(testSecret, "", ""),
		Pool:                  pool.New(5),
		Locks:                 lock.NewEngine(lockstore.NewRedisStore(client), 5*time.Minute),
		AllowedOrigins:        []string{"*"},
		PingInterval:          time.Minute,
		PingTimeout:           30 * time.Second,
		SweepInterval:         time.Hour,
		LockHeartbeatInterval: time.Hour,
		LockSweepInterval:     time.Hour,
		RoomLimitDefault:      50,
	}
	if mutate != nil {
		mutate(&opts)
	}

	h := NewHub(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

// connect registers a session directly, bypassing the HTTP handshake.
func connect(t *testing.T, h *Hub, userID string) (*Client, *mockConn) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/collaboration", nil)

	mc := newMockConn()
	h.HandleConnection(c, mc, &auth.Principal{
		UserID:   userID,
		Username: userID,
		Email:    userID + "@example.com",
	})

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, client := range h.clients {
		if client.conn == mc {
			return client, mc
		}
	}
	return nil, mc
}

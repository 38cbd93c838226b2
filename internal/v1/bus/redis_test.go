package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curasync/collab-gateway/internal/v1/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestNewServiceUnreachable(t *testing.T) {
	_, err := NewService("127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	var wg sync.WaitGroup
	svc.Subscribe(ctx, "document:1", &wg, func(env Envelope) {
		received <- env
	})

	// Subscription setup races the publish on a fresh connection.
	time.Sleep(50 * time.Millisecond)

	payload := protocol.UserJoinedEvent{ResourceID: "document:1", UserID: "alice"}
	require.NoError(t, svc.Publish(ctx, "document:1", protocol.EventUserJoined, payload, "gw-1"))

	select {
	case env := <-received:
		assert.Equal(t, "document:1", env.ResourceID)
		assert.Equal(t, protocol.EventUserJoined, env.Event)
		assert.Equal(t, "gw-1", env.GatewayID)
		assert.Equal(t, protocol.ScopeRoom, env.Scope)

		var decoded protocol.UserJoinedEvent
		require.NoError(t, json.Unmarshal(env.Payload, &decoded))
		assert.Equal(t, "alice", decoded.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	cancel()
	wg.Wait()
}

func TestSubscribeUserChannelIsolation(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	var wg sync.WaitGroup
	svc.SubscribeUser(ctx, "alice", &wg, func(env Envelope) {
		received <- env
	})

	time.Sleep(50 * time.Millisecond)

	// A different user's channel stays silent.
	require.NoError(t, svc.PublishUser(ctx, "bob", protocol.EventSessionRevoked, map[string]any{"userId": "bob"}, "gw-1"))
	require.NoError(t, svc.PublishUser(ctx, "alice", protocol.EventSessionRevoked, map[string]any{"userId": "alice"}, "gw-1"))

	select {
	case env := <-received:
		assert.Equal(t, protocol.EventSessionRevoked, env.Event)
		assert.Equal(t, protocol.ScopeUser, env.Scope)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	select {
	case env := <-received:
		t.Fatalf("unexpected extra envelope: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestNilServiceIsSingleInstanceMode(t *testing.T) {
	var svc *Service

	assert.NoError(t, svc.Publish(context.Background(), "document:1", protocol.EventUserJoined, nil, "gw-1"))
	assert.NoError(t, svc.PublishUser(context.Background(), "alice", protocol.EventSessionRevoked, nil, "gw-1"))
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
	assert.Nil(t, svc.Client())
	svc.Subscribe(context.Background(), "document:1", nil, nil)
	svc.SubscribeUser(context.Background(), "alice", nil, nil)
}

func TestPing(t *testing.T) {
	svc := newTestService(t)
	assert.NoError(t, svc.Ping(context.Background()))
}

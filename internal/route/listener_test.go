package route

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestResolver_Apply tests each change event kind.
func TestResolver_Apply(t *testing.T) {
	t.Parallel()

	src := newFakeSource(httpRoute("a", "/open/a", "GET"), httpRoute("b", "/open/b", MethodAll))
	r := newLoadedResolver(t, src)
	ctx := context.Background()

	src.set(httpRoute("c", "/open/c", "GET"))
	require.NoError(t, r.Apply(ctx, ChangeEvent{EventType: EventPublish, APIID: "c"}))
	assert.Equal(t, 3, r.Len())

	src.set(httpRoute("c", "/open/c2", "GET"))
	require.NoError(t, r.Apply(ctx, ChangeEvent{EventType: "update", APIID: "c"}))
	_, err := r.Resolve(ctx, "/open/c2", "GET")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	require.NoError(t, r.Apply(ctx, ChangeEvent{EventType: EventOffline, APIID: "a"}))
	assert.Equal(t, 2, r.Len())

	// Unknown id falls back to path and method; an empty method means ALL.
	require.NoError(t, r.Apply(ctx, ChangeEvent{EventType: EventDelete, APIID: "zzz", Path: "/open/b"}))
	assert.Equal(t, 1, r.Len())

	src.set(httpRoute("d", "/open/d", "GET"))
	require.NoError(t, r.Apply(ctx, ChangeEvent{EventType: EventRefreshAll}))
	assert.Equal(t, 4, r.Len())

	assert.Error(t, r.Apply(ctx, ChangeEvent{EventType: EventPublish}))
	assert.Error(t, r.Apply(ctx, ChangeEvent{EventType: "RENAME", APIID: "a"}))
}

// TestChangeListener tests that published events reach the resolver and
// that Stop releases every goroutine it started.
func TestChangeListener(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := newFakeSource()
	r := NewResolver(src)
	ignore := goleak.IgnoreCurrent()

	l := NewChangeListener(client, "", r, nil)
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()), "second start is a no-op")

	publish := func(ev ChangeEvent) {
		payload, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, client.Publish(context.Background(), DefaultChangeChannel, payload).Err())
	}

	src.set(httpRoute("a", "/open/a", "GET"))
	publish(ChangeEvent{EventType: EventPublish, APIID: "a", Path: "/open/a", Method: "GET"})
	require.Eventually(t, func() bool { return r.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Publish(context.Background(), DefaultChangeChannel, "{not json").Err())

	publish(ChangeEvent{EventType: EventOffline, APIID: "a"})
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())

	require.NoError(t, client.Close())
	goleak.VerifyNone(t, ignore)
}

// TestChangeListener_Hooks tests evict hooks and extra subscriptions.
func TestChangeListener_Hooks(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := newFakeSource(httpRoute("a", "/open/a", "GET"))
	r := newLoadedResolver(t, src)

	var mu sync.Mutex
	var evicted, payloads []string
	l := NewChangeListener(client, "", r, nil,
		WithEvictHook(func(apiID string) {
			mu.Lock()
			evicted = append(evicted, apiID)
			mu.Unlock()
		}),
		WithSubscription("apps", func(_ context.Context, payload string) error {
			mu.Lock()
			payloads = append(payloads, payload)
			mu.Unlock()
			return nil
		}),
		WithSubscription(DefaultChangeChannel, func(context.Context, string) error { return nil }),
	)
	assert.Equal(t, []string{DefaultChangeChannel, "apps"}, l.Channels())
	require.NoError(t, l.Start(context.Background()))
	defer func() { require.NoError(t, l.Stop()) }()

	publish := func(channel string, ev any) {
		payload, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, client.Publish(context.Background(), channel, payload).Err())
	}
	snapshot := func() ([]string, []string) {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), evicted...), append([]string(nil), payloads...)
	}

	publish(DefaultChangeChannel, ChangeEvent{EventType: EventRefreshAll})
	publish(DefaultChangeChannel, ChangeEvent{EventType: EventPublish})
	publish(DefaultChangeChannel, ChangeEvent{EventType: EventOffline, APIID: "a"})
	publish("apps", map[string]string{"appKey": "ak-1"})

	require.Eventually(t, func() bool {
		e, p := snapshot()
		return len(e) == 1 && len(p) == 1
	}, 2*time.Second, 10*time.Millisecond)
	e, p := snapshot()
	assert.Equal(t, []string{"a"}, e, "only applied single-route events evict")
	assert.JSONEq(t, `{"appKey":"ak-1"}`, p[0])
}

// TestChangeListener_SubscribeFailure tests that Start reports an
// unreachable Redis.
func TestChangeListener_SubscribeFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l := NewChangeListener(client, "routes", NewResolver(newFakeSource()), nil)
	assert.Error(t, l.Start(ctx))
	assert.NoError(t, l.Stop())
}

// TestRefresher tests the scheduled full reload.
func TestRefresher(t *testing.T) {
	t.Parallel()

	src := newFakeSource(httpRoute("a", "/open/a", "GET"))
	r := NewResolver(src)

	_, err := NewRefresher(r, "not a schedule", 0, nil)
	require.Error(t, err)

	rf, err := NewRefresher(r, "@every 1s", time.Second, nil)
	require.NoError(t, err)
	rf.Start()

	require.Eventually(t, func() bool { return r.Stats().Refreshes >= 1 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, r.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rf.Stop(ctx))
}

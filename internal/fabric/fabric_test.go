package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) deliver(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

func move(s string) *string { return &s }

// exercise runs the same behavioural checks against any Fabric.
func exercise(t *testing.T, f Fabric) {
	ctx := context.Background()

	t.Run("delivers in publish order", func(t *testing.T) {
		var a, b collector
		subA, err := f.Subscribe(ctx, MatchGroup(1), a.deliver)
		require.NoError(t, err)
		defer subA.Close()
		subB, err := f.Subscribe(ctx, MatchGroup(1), b.deliver)
		require.NoError(t, err)
		defer subB.Close()

		for i := range 20 {
			require.NoError(t, f.Publish(ctx, MatchGroup(1), StateChanged("c1", move(fmt.Sprint(i)))))
		}

		for _, got := range [][]Event{a.waitFor(t, 20), b.waitFor(t, 20)} {
			for i, ev := range got {
				require.NotNil(t, ev.Move)
				assert.Equal(t, fmt.Sprint(i), *ev.Move)
				assert.Equal(t, "c1", ev.Origin)
			}
		}
	})

	t.Run("groups are isolated", func(t *testing.T) {
		var match, user collector
		s1, err := f.Subscribe(ctx, MatchGroup(2), match.deliver)
		require.NoError(t, err)
		defer s1.Close()
		s2, err := f.Subscribe(ctx, UserGroup(2), user.deliver)
		require.NoError(t, err)
		defer s2.Close()

		require.NoError(t, f.Publish(ctx, UserGroup(2), TurnAvailable()))
		require.NoError(t, f.Publish(ctx, MatchGroup(2), ChatPosted("c2", ChatEntry{ID: 7, Player: "alice", Message: "hi"})))

		got := user.waitFor(t, 1)
		assert.Equal(t, KindTurnAvailable, got[0].Kind)
		chat := match.waitFor(t, 1)
		require.NotNil(t, chat[0].Chat)
		assert.Equal(t, "hi", chat[0].Chat.Message)

		time.Sleep(20 * time.Millisecond)
		assert.Len(t, user.snapshot(), 1)
		assert.Len(t, match.snapshot(), 1)
	})

	t.Run("closed subscription stops receiving", func(t *testing.T) {
		var c collector
		sub, err := f.Subscribe(ctx, MatchGroup(3), c.deliver)
		require.NoError(t, err)
		require.NoError(t, f.Publish(ctx, MatchGroup(3), StateChanged("", nil)))
		c.waitFor(t, 1)

		require.NoError(t, sub.Close())
		require.NoError(t, f.Publish(ctx, MatchGroup(3), StateChanged("", nil)))
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, c.snapshot(), 1)
	})
}

func TestBroker(t *testing.T) {
	exercise(t, NewBroker())
}

func TestBroker_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroker()
	assert.NoError(t, b.Publish(context.Background(), MatchGroup(9), TurnAvailable()))
	assert.Equal(t, 0, b.Subscribers(MatchGroup(9)))
}

func TestBroker_CloseRemovesSubscriber(t *testing.T) {
	b := NewBroker()
	sub, err := b.Subscribe(context.Background(), UserGroup(1), func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers(UserGroup(1)))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, b.Subscribers(UserGroup(1)))
}

func TestBroker_SlowSubscriberKeepsEverything(t *testing.T) {
	b := NewBroker()
	release := make(chan struct{})
	var c collector
	sub, err := b.Subscribe(context.Background(), MatchGroup(1), func(ev Event) {
		<-release
		c.deliver(ev)
	})
	require.NoError(t, err)
	defer sub.Close()

	for range 100 {
		require.NoError(t, b.Publish(context.Background(), MatchGroup(1), TurnAvailable()))
	}
	close(release)
	assert.Len(t, c.waitFor(t, 100), 100)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	exercise(t, NewRedis(client, "test:", slog.Default()))
}

func TestRedis_SkipsMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	f := NewRedis(client, "test:", slog.Default())

	var c collector
	sub, err := f.Subscribe(context.Background(), MatchGroup(1), c.deliver)
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish("test:"+MatchGroup(1), "not json")
	require.NoError(t, f.Publish(context.Background(), MatchGroup(1), TurnAvailable()))

	got := c.waitFor(t, 1)
	assert.Equal(t, KindTurnAvailable, got[0].Kind)
}

func TestRedis_SubscribeFailsWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	f := NewRedis(client, "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Subscribe(ctx, MatchGroup(1), func(Event) {})
	assert.Error(t, err)
}

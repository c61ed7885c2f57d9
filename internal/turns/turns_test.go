package turns

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playperu/tabletop/internal/database"
	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/migrations"
	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
)

type fixture struct {
	db     *sql.DB
	store  *store.SQLiteStore
	broker *fabric.Broker
	alice  tabletop.User
	bob    tabletop.User
	match  tabletop.Match
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Run(db))

	st := store.NewSQLiteStore(db)
	alice, _, err := st.CreateUser(ctx, tabletop.User{Name: "alice"})
	require.NoError(t, err)
	bob, _, err := st.CreateUser(ctx, tabletop.User{Name: "bob", Email: "bob@example.com", TurnEmails: true})
	require.NoError(t, err)
	m, err := st.CreateMatch(ctx, store.NewMatch{PlayerCount: 2, Resources: 2, Creator: alice.ID, Invited: []int64{bob.ID}})
	require.NoError(t, err)

	return &fixture{db: db, store: st, broker: fabric.NewBroker(), alice: alice, bob: bob, match: m}
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) deliver(fabric.Event) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (f *fixture) listen(t *testing.T, u tabletop.User) *counter {
	t.Helper()
	c := &counter{}
	sub, err := f.broker.Subscribe(context.Background(), fabric.UserGroup(u.ID), c.deliver)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return c
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *recordingNotifier) Notify(_ context.Context, u tabletop.User, _ tabletop.Match) error {
	n.mu.Lock()
	n.users = append(n.users, u.Name)
	n.mu.Unlock()
	return nil
}

func settle() { time.Sleep(30 * time.Millisecond) }

func TestHandoffPokesBothPlayersOnce(t *testing.T) {
	f := newFixture(t)
	notes := &recordingNotifier{}
	tr := NewTracker(f.store, f.broker, notes, nil)
	a, b := f.listen(t, f.alice), f.listen(t, f.bob)

	require.NoError(t, tr.Handoff(context.Background(), f.match, "alice", "bob"))
	tr.Wait()
	settle()

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, []string{"bob"}, notes.users)
}

func TestHandoffToSamePlayerIsSilent(t *testing.T) {
	f := newFixture(t)
	notes := &recordingNotifier{}
	tr := NewTracker(f.store, f.broker, notes, nil)
	a := f.listen(t, f.alice)

	require.NoError(t, tr.Handoff(context.Background(), f.match, "alice", "alice"))
	tr.Wait()
	settle()

	assert.Zero(t, a.count())
	assert.Empty(t, notes.users)
}

func TestHandoffToNobody(t *testing.T) {
	f := newFixture(t)
	notes := &recordingNotifier{}
	tr := NewTracker(f.store, f.broker, notes, nil)
	b := f.listen(t, f.bob)

	require.NoError(t, tr.Handoff(context.Background(), f.match, "bob", ""))
	require.NoError(t, tr.Handoff(context.Background(), f.match, "bob", "deleted_player"))
	tr.Wait()
	settle()

	assert.Equal(t, 2, b.count())
	assert.Empty(t, notes.users)
}

func TestActivatedNotifiesFirstPlayer(t *testing.T) {
	f := newFixture(t)
	notes := &recordingNotifier{}
	tr := NewTracker(f.store, f.broker, notes, nil)
	b := f.listen(t, f.bob)

	require.NoError(t, tr.Activated(context.Background(), f.match, "bob"))
	tr.Wait()
	settle()

	assert.Equal(t, 1, b.count())
	assert.Equal(t, []string{"bob"}, notes.users)
}

func TestCountPendingActionsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := NewTracker(f.store, f.broker, nil, nil)

	_, err := f.store.SaveInitialReplay(ctx, f.match.ID, store.Progress{Replay: "r", NextPlayer: "alice"})
	require.NoError(t, err)

	n, err := tr.CountPendingActions(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tr.CountPendingActions(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "anonymous viewers have nothing pending")

	tr.now = func() time.Time { return time.Now().Add(tabletop.RecencyWindow + time.Minute) }
	n, err = tr.CountPendingActions(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "archived matches do not count")
}

func TestSweeperPokesAgedOutUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.SaveInitialReplay(ctx, f.match.ID, store.Progress{Replay: "r", NextPlayer: "bob"})
	require.NoError(t, err)

	tr := NewTracker(f.store, f.broker, nil, nil)
	b := f.listen(t, f.bob)

	// Jump to just after bob's turn left the window.
	later := time.Now().Add(tabletop.RecencyWindow + time.Minute)
	tr.now = func() time.Time { return later }
	sw := NewSweeper(tr, time.Hour, nil)

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a user is poked once per crossing")

	settle()
	assert.Equal(t, 1, b.count())
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(NewTracker(f.store, f.broker, nil, nil), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// Package turns counts the actions waiting on a user and tells them when
// the count changes.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
)

const notifyTimeout = 30 * time.Second

// Store is the part of the record store the tracker reads.
type Store interface {
	UserByName(ctx context.Context, name string) (tabletop.User, error)
	NoOne(ctx context.Context) (tabletop.User, error)
	CountPendingActions(ctx context.Context, userID int64, since time.Time) (int, error)
	AgedOut(ctx context.Context, from, to time.Time) ([]int64, error)
}

// Notifier delivers an out-of-band "your turn" message.
type Notifier interface {
	Notify(ctx context.Context, user tabletop.User, match tabletop.Match) error
}

// LogNotifier records notifications instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, user tabletop.User, match tabletop.Match) error {
	n.Logger.Info("turn notification", "user", user.Name, "email", user.Email, "match_id", match.ID, "title", match.Title)
	return nil
}

type Tracker struct {
	store    Store
	pub      fabric.Publisher
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

func NewTracker(st Store, pub fabric.Publisher, notifier Notifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Tracker{
		store:    st,
		pub:      pub,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// CountPendingActions returns the matches waiting on userID within the
// recency window: turns to take plus unanswered invitations.
func (t *Tracker) CountPendingActions(ctx context.Context, userID int64) (int, error) {
	if userID == 0 {
		return 0, nil
	}
	n, err := t.store.CountPendingActions(ctx, userID, t.now().Add(-tabletop.RecencyWindow))
	if err != nil {
		return 0, fmt.Errorf("counting pending actions: %w", err)
	}
	return n, nil
}

// Resolve maps a username to a user, falling back to the sentinel.
func (t *Tracker) Resolve(ctx context.Context, name string) tabletop.User {
	if name != "" {
		u, err := t.store.UserByName(ctx, name)
		if err == nil {
			return u
		}
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("resolving user", "name", name, "error", err)
		}
	}
	u, err := t.store.NoOne(ctx)
	if err != nil {
		return tabletop.User{Name: tabletop.NoOneName}
	}
	return u
}

// Handoff announces that the turn in match moved from prev to cur. Nothing
// happens when the turn stayed with the same player.
func (t *Tracker) Handoff(ctx context.Context, match tabletop.Match, prev, cur string) error {
	if prev == cur {
		return nil
	}
	from, to := t.Resolve(ctx, prev), t.Resolve(ctx, cur)
	var errs []error
	for _, u := range []tabletop.User{from, to} {
		if err := t.Poke(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	t.notify(ctx, to, match)
	return errors.Join(errs...)
}

// Activated announces the first turn of a match that just left the lobby.
func (t *Tracker) Activated(ctx context.Context, match tabletop.Match, cur string) error {
	to := t.Resolve(ctx, cur)
	err := t.Poke(ctx, to)
	t.notify(ctx, to, match)
	return err
}

// Poke tells u's personal channel to recount.
func (t *Tracker) Poke(ctx context.Context, u tabletop.User) error {
	if u.Anonymous() || u.IsNoOne() {
		return nil
	}
	if err := t.pub.Publish(ctx, fabric.UserGroup(u.ID), fabric.TurnAvailable()); err != nil {
		return fmt.Errorf("poking %s: %w", u.Name, err)
	}
	return nil
}

func (t *Tracker) notify(ctx context.Context, u tabletop.User, match tabletop.Match) {
	if !u.TurnEmails || u.IsNoOne() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		if err := t.notifier.Notify(ctx, u, match); err != nil {
			t.logger.Error("turn notification failed", "user", u.Name, "match_id", match.ID, "error", err)
		}
	}()
}

// Wait blocks until every dispatched notification has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/queue"
	"github.com/playperu/tabletop/internal/tabletop"
	"github.com/playperu/tabletop/internal/turns"
)

// Watcher serves a user's notification connection: it resends the pending
// action count whenever the client asks or the personal channel fires.
type Watcher struct {
	fabric  fabric.Fabric
	tracker *turns.Tracker
	user    tabletop.User
	send    Sender
	logger  *slog.Logger

	pokes *queue.Queue[struct{}]
	sub   fabric.Subscription
}

func NewWatcher(f fabric.Fabric, tracker *turns.Tracker, user tabletop.User, send Sender, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fabric:  f,
		tracker: tracker,
		user:    user,
		send:    send,
		logger:  logger.With("user", user.Name),
		pokes:   queue.New[struct{}](),
	}
}

func (w *Watcher) Open(ctx context.Context) error {
	if w.user.Anonymous() {
		return nil
	}
	sub, err := w.fabric.Subscribe(ctx, fabric.UserGroup(w.user.ID), func(fabric.Event) { w.Poke() })
	if err != nil {
		return fmt.Errorf("subscribing to notifications: %w", err)
	}
	w.sub = sub
	return nil
}

// Poke asks for the count to be resent.
func (w *Watcher) Poke() bool {
	return w.pokes.Push(struct{}{})
}

func (w *Watcher) Run(ctx context.Context) error {
	for {
		if _, err := w.pokes.Pop(ctx); err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if w.user.Anonymous() {
			continue
		}
		n, err := w.tracker.CountPendingActions(ctx, w.user.ID)
		if err != nil {
			w.logger.Error("counting turns", "error", err)
			continue
		}
		if err := w.send.Send(ctx, TurnsFrame{Turns: n}); err != nil {
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}
}

func (w *Watcher) Close() {
	if w.sub != nil {
		w.sub.Close()
		w.sub = nil
	}
	w.pokes.Close()
}

// Package bridge runs a blocking simulation engine on a dedicated worker
// goroutine and exposes it to a connection through a pair of FIFO queues.
//
// The worker and its caller share nothing but the two queues: requests flow
// in, snapshots flow out, one snapshot per request.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/playperu/tabletop/internal/engine"
	"github.com/playperu/tabletop/internal/queue"
)

var (
	ErrAlreadyRunning = errors.New("bridge: worker already running")
	ErrNotRunning     = errors.New("bridge: no worker running")
)

type requestKind int

const (
	requestMove requestKind = iota
	requestRefresh
	requestTerminate
)

type request struct {
	kind requestKind
	move string
}

type report struct {
	snap engine.Snapshot
	err  error
}

// Seed selects how a worker builds its game: from Replay when it is
// non-empty, otherwise a fresh game for Players under Rules.
type Seed struct {
	Replay  string
	Players []string
	Rules   engine.Rules
}

type Bridge struct {
	engine engine.Engine
	logger *slog.Logger

	mu      sync.Mutex
	moves   *queue.Queue[request]
	reports *queue.Queue[report]
	done    chan struct{}
}

func New(eng engine.Engine, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{engine: eng, logger: logger}
}

// Alive reports whether a worker is running.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aliveLocked()
}

// aliveLocked is false for a detached worker that is still draining.
func (b *Bridge) aliveLocked() bool {
	if b.done == nil || b.moves == nil {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current worker exits.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.done
}

// Start spawns a worker for seed and waits for its first snapshot. A
// previous worker that is still draining is waited for first.
func (b *Bridge) Start(ctx context.Context, seed Seed) (engine.Snapshot, error) {
	b.mu.Lock()
	if b.aliveLocked() {
		b.mu.Unlock()
		return engine.Snapshot{}, ErrAlreadyRunning
	}
	prev := b.done
	b.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return engine.Snapshot{}, ctx.Err()
		}
	}

	b.mu.Lock()
	if b.aliveLocked() {
		b.mu.Unlock()
		return engine.Snapshot{}, ErrAlreadyRunning
	}
	moves := queue.New[request]()
	reports := queue.New[report]()
	done := make(chan struct{})
	b.moves, b.reports, b.done = moves, reports, done
	b.mu.Unlock()

	go b.work(seed, moves, reports, done)
	return b.await(ctx, reports)
}

// Submit sends move to the worker and waits for the snapshot at the next
// decision point.
func (b *Bridge) Submit(ctx context.Context, move string) (engine.Snapshot, error) {
	return b.roundTrip(ctx, request{kind: requestMove, move: move})
}

// Refresh asks the worker to resend its current snapshot without advancing.
func (b *Bridge) Refresh(ctx context.Context) (engine.Snapshot, error) {
	return b.roundTrip(ctx, request{kind: requestRefresh})
}

// Terminate asks the worker to exit at its next decision point. Safe to call
// any number of times.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	moves := b.moves
	b.mu.Unlock()
	if moves != nil {
		moves.Push(request{kind: requestTerminate})
	}
}

func (b *Bridge) roundTrip(ctx context.Context, req request) (engine.Snapshot, error) {
	b.mu.Lock()
	if !b.aliveLocked() {
		b.mu.Unlock()
		return engine.Snapshot{}, ErrNotRunning
	}
	moves, reports := b.moves, b.reports
	b.mu.Unlock()

	if !moves.Push(req) {
		return engine.Snapshot{}, ErrNotRunning
	}
	return b.await(ctx, reports)
}

func (b *Bridge) await(ctx context.Context, reports *queue.Queue[report]) (engine.Snapshot, error) {
	r, err := reports.Pop(ctx)
	switch {
	case err == nil:
		return r.snap, r.err
	case errors.Is(err, queue.ErrClosed):
		return engine.Snapshot{}, ErrNotRunning
	default:
		// A snapshot arriving later would be paired with the wrong request.
		b.detach(reports)
		return engine.Snapshot{}, err
	}
}

// detach stops the worker owning reports and forgets its queues, so later
// calls see no worker until Start runs again.
func (b *Bridge) detach(reports *queue.Queue[report]) {
	b.mu.Lock()
	if b.reports != reports {
		b.mu.Unlock()
		return
	}
	moves := b.moves
	b.moves, b.reports = nil, nil
	b.mu.Unlock()
	moves.Push(request{kind: requestTerminate})
}

func (b *Bridge) work(seed Seed, moves *queue.Queue[request], reports *queue.Queue[report], done chan struct{}) {
	defer close(done)
	defer reports.Close()
	defer moves.Close()

	game, err := b.construct(seed)
	if err != nil {
		b.logger.Error("engine construction failed", "error", err)
		reports.Push(report{err: fmt.Errorf("constructing game: %w", err)})
		return
	}

	var (
		last      engine.Snapshot
		published bool
	)
	publish := func() {
		last = engine.Capture(game)
		published = true
		reports.Push(report{snap: last})
	}
	choose := func(options []engine.Option) (engine.Choice, error) {
		for {
			publish()
			req, err := moves.Pop(context.Background())
			if err != nil {
				return engine.Choice{}, engine.ErrTerminated
			}
			switch req.kind {
			case requestTerminate:
				return engine.Choice{}, engine.ErrTerminated
			case requestRefresh:
				continue
			}
			return engine.Resolve(options, req.move), nil
		}
	}

	err = run(game, choose)
	switch {
	case errors.Is(err, engine.ErrTerminated):
		return
	case err != nil:
		b.logger.Error("simulation stopped unexpectedly", "error", err)
		if !published {
			last, _ = capture(game)
		}
	default:
		if snap, ok := capture(game); ok {
			last = snap
		}
	}

	// Keep answering refreshes with the final snapshot until terminated.
	for {
		reports.Push(report{snap: last})
		req, err := moves.Pop(context.Background())
		if err != nil || req.kind == requestTerminate {
			return
		}
	}
}

func (b *Bridge) construct(seed Seed) (game engine.Game, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	if seed.Replay == "" {
		b.logger.Debug("creating game", "players", seed.Players)
		return b.engine.Create(seed.Players, seed.Rules)
	}
	b.logger.Debug("resuming game", "replay_bytes", len(seed.Replay))
	return b.engine.Resume(seed.Replay)
}

func run(game engine.Game, choose engine.Chooser) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return game.Run(choose)
}

func capture(game engine.Game) (snap engine.Snapshot, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return engine.Capture(game), true
}

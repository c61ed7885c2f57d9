// Package session drives one client connection to one match: it keeps a
// private engine bridge in step with the persisted replay, applies the
// client's requests and relays what other connections did.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/playperu/tabletop/internal/bridge"
	"github.com/playperu/tabletop/internal/chatlog"
	"github.com/playperu/tabletop/internal/engine"
	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/queue"
	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
	"github.com/playperu/tabletop/internal/turns"
)

const tracerName = "github.com/playperu/tabletop/internal/session"

var (
	// ErrNotActive is returned for moves on a match still in its lobby.
	ErrNotActive = errors.New("session: match is not active")
	// ErrDisconnected wraps failures to write to the client.
	ErrDisconnected = errors.New("session: connection lost")
)

type State int32

const (
	StateDisconnected State = iota
	StateJoining
	StateObserving
	StateBridging
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateObserving:
		return "observing"
	case StateBridging:
		return "bridging"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Store is the part of the record store a coordinator writes through.
type Store interface {
	Match(ctx context.Context, id int64) (tabletop.Match, error)
	Roster(ctx context.Context, matchID int64) (tabletop.Roster, error)
	SaveProgress(ctx context.Context, matchID int64, p store.Progress) error
	SaveInitialReplay(ctx context.Context, matchID int64, p store.Progress) (bool, error)
	AcceptSeat(ctx context.Context, matchID, userID int64, resources int) error
	RemoveSeat(ctx context.Context, matchID, userID int64) error
}

// Sender writes one frame to the client.
type Sender interface {
	Send(ctx context.Context, frame any) error
}

type Deps struct {
	Store   Store
	Engine  engine.Engine
	Fabric  fabric.Fabric
	Tracker *turns.Tracker
	Chat    *chatlog.Service
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Result is the outcome of a move.
type Result struct {
	Snapshot engine.Snapshot
	Previous string
	Current  string
	// Changed is false when the engine did not accept the move.
	Changed bool
}

type item struct {
	frame []byte
	event *fabric.Event
}

type Coordinator struct {
	id      string
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
	matchID int64
	user    tabletop.User
	send    Sender

	bridge *bridge.Bridge
	inbox  *queue.Queue[item]
	subs   []fabric.Subscription
	state  atomic.Int32

	match         tabletop.Match
	roster        tabletop.Roster
	snap          *engine.Snapshot
	currentPlayer string
	gameOver      bool
	sentInfo      bool
	sentChatLog   bool
}

func New(deps Deps, matchID int64, user tabletop.User, send Sender) *Coordinator {
	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conn_id", id, "match_id", matchID, "user", user.Name)
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Coordinator{
		id:      id,
		deps:    deps,
		logger:  logger,
		tracer:  tracer,
		matchID: matchID,
		user:    user,
		send:    send,
		bridge:  bridge.New(deps.Engine, logger),
		inbox:   queue.New[item](),
	}
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) { c.state.Store(int32(s)) }

// Open subscribes to the match channel and, for signed-in users, to their
// personal channel. Events are queued behind client frames in arrival
// order.
func (c *Coordinator) Open(ctx context.Context) error {
	c.setState(StateJoining)
	if _, err := c.deps.Store.Match(ctx, c.matchID); err != nil {
		return fmt.Errorf("loading match %d: %w", c.matchID, err)
	}

	groups := []string{fabric.MatchGroup(c.matchID)}
	if !c.user.Anonymous() {
		groups = append(groups, fabric.UserGroup(c.user.ID))
	}
	for _, g := range groups {
		sub, err := c.deps.Fabric.Subscribe(ctx, g, c.deliverEvent)
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribing to %s: %w", g, err)
		}
		c.subs = append(c.subs, sub)
	}
	c.setState(StateObserving)
	return nil
}

func (c *Coordinator) deliverEvent(ev fabric.Event) {
	c.inbox.Push(item{event: &ev})
}

// Deliver queues a raw client frame.
func (c *Coordinator) Deliver(frame []byte) bool {
	return c.inbox.Push(item{frame: frame})
}

// Run handles queued frames and events one at a time until ctx is done or
// the coordinator is closed. Only write failures end it early.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		it, err := c.inbox.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if it.event != nil {
			err = c.HandleIncomingBroadcast(ctx, *it.event)
		} else {
			err = c.HandleFrame(ctx, it.frame)
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrDisconnected), ctx.Err() != nil:
			return err
		default:
			c.logger.Error("handling request", "error", err)
		}
	}
}

// Close unsubscribes and stops the bridge. Safe to call more than once.
func (c *Coordinator) Close() {
	for _, sub := range c.subs {
		if err := sub.Close(); err != nil {
			c.logger.Warn("unsubscribing", "error", err)
		}
	}
	c.subs = nil
	c.bridge.Terminate()
	c.inbox.Close()
	c.setState(StateClosed)
}

func (c *Coordinator) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "session."+name, trace.WithAttributes(
		attribute.Int64("match.id", c.matchID),
		attribute.String("session.id", c.id),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *Coordinator) write(ctx context.Context, frame any) error {
	if err := c.send.Send(ctx, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// HandleFrame dispatches one client frame. Anonymous viewers can only ask
// for info.
func (c *Coordinator) HandleFrame(ctx context.Context, raw []byte) error {
	in, err := parseInbound(raw)
	if err != nil {
		c.logger.Debug("unreadable frame treated as info request", "error", err)
		in = inbound{kind: frameInfo}
	}
	if c.user.Anonymous() {
		in.kind = frameInfo
	}

	switch in.kind {
	case frameJoin:
		return c.HandleRosterChange(ctx, RosterChange{Join: true, Preference: in.value})
	case frameDecline:
		return c.HandleRosterChange(ctx, RosterChange{})
	case frameMove:
		if isNull(in.value) {
			return c.resendMatchInfo(ctx)
		}
		return c.handleMove(ctx, rawText(in.value))
	case frameChat:
		return c.HandleChatPost(ctx, rawText(in.value))
	default:
		return c.handleInfoRequest(ctx)
	}
}

func (c *Coordinator) handleInfoRequest(ctx context.Context) error {
	if err := c.SendChatLog(ctx); err != nil {
		return err
	}
	if err := c.RefreshMatchInfo(ctx); err != nil {
		return err
	}
	if !c.sentInfo {
		if err := c.SendMatchInfo(ctx); err != nil {
			return err
		}
	}
	return c.SendTurns(ctx)
}

// resendMatchInfo refreshes and sends the match snapshot to this client.
func (c *Coordinator) resendMatchInfo(ctx context.Context) error {
	if err := c.RefreshMatchInfo(ctx); err != nil {
		return err
	}
	return c.SendMatchInfo(ctx)
}

// reload reads the match and its roster from the store.
func (c *Coordinator) reload(ctx context.Context) error {
	m, err := c.deps.Store.Match(ctx, c.matchID)
	if err != nil {
		return fmt.Errorf("loading match %d: %w", c.matchID, err)
	}
	roster, err := c.deps.Store.Roster(ctx, c.matchID)
	if err != nil {
		return fmt.Errorf("loading roster of match %d: %w", c.matchID, err)
	}
	c.match, c.roster = m, roster
	return nil
}

func (c *Coordinator) adopt(snap engine.Snapshot) {
	c.snap = &snap
	c.currentPlayer = snap.State.NextPlayer
	c.gameOver = snap.State.GameOver
	c.setState(StateBridging)
}

func (c *Coordinator) invalidate() {
	c.snap = nil
}

// RefreshMatchInfo brings the cached match up to date. It does nothing
// while a snapshot is cached and the bridge is alive. A lobby whose every
// seat was just accepted is activated here.
func (c *Coordinator) RefreshMatchInfo(ctx context.Context) (err error) {
	if c.snap != nil && c.bridge.Alive() {
		return nil
	}
	ctx, span := c.span(ctx, "RefreshMatchInfo")
	defer func() { endSpan(span, err) }()

	if err := c.reload(ctx); err != nil {
		return err
	}
	if c.match.Replay == "" && c.roster.AcceptedCount() == c.match.PlayerCount {
		if err := c.activate(ctx); err != nil {
			return err
		}
		if err := c.reload(ctx); err != nil {
			return err
		}
	}
	if c.match.Replay == "" {
		c.setState(StateObserving)
		return nil
	}

	var snap engine.Snapshot
	if c.bridge.Alive() {
		snap, err = c.bridge.Refresh(ctx)
	} else {
		snap, err = c.bridge.Start(ctx, bridge.Seed{Replay: c.match.Replay})
	}
	if err != nil {
		c.setState(StateObserving)
		return fmt.Errorf("syncing engine: %w", err)
	}
	c.adopt(snap)
	return nil
}

// activate derives the initial replay of a full lobby and stores it.
// Concurrent connections may all derive, only one store wins.
func (c *Coordinator) activate(ctx context.Context) error {
	rules := engine.Rules{
		Resources:  c.match.Resources,
		ExtraDraft: c.match.ExtraDraft,
		Variants:   c.match.Variants,
	}
	if c.match.Variable() {
		rules.PlayerResources = make(map[string]int)
		for _, p := range c.roster {
			if p.Accepted {
				rules.PlayerResources[p.User.Name] = p.Resources
			}
		}
	}

	players := c.roster.AcceptedNames()
	if dup, ok := repeatedName(players); ok {
		// Two deleted accounts both resolve to the sentinel.
		c.logger.Warn("lobby cannot start with a player seated twice", "player", dup)
		return nil
	}

	setup := bridge.New(c.deps.Engine, c.logger)
	snap, err := setup.Start(ctx, bridge.Seed{Players: players, Rules: rules})
	setup.Terminate()
	if err != nil {
		return fmt.Errorf("deriving initial replay: %w", err)
	}

	won, err := c.deps.Store.SaveInitialReplay(ctx, c.matchID, progress(snap))
	if err != nil {
		return err
	}
	if won {
		c.logger.Info("match activated", "first_player", snap.State.NextPlayer)
		if err := c.deps.Tracker.Activated(ctx, c.match, snap.State.NextPlayer); err != nil {
			c.logger.Warn("announcing activation", "error", err)
		}
	}
	return nil
}

func repeatedName(names []string) (string, bool) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n, true
		}
		seen[n] = true
	}
	return "", false
}

func progress(snap engine.Snapshot) store.Progress {
	return store.Progress{
		Replay:     snap.Replay,
		NextPlayer: snap.State.NextPlayer,
		GameOver:   snap.State.GameOver,
	}
}

// advance submits move to a live bridge. A move the engine did not take
// leaves the worker serving a stale snapshot, so the bridge is stopped and
// the next refresh resumes from the persisted replay.
func (c *Coordinator) advance(ctx context.Context, move string) (engine.Snapshot, bool, error) {
	before := ""
	if c.snap != nil {
		before = c.snap.Replay
	}
	snap, err := c.bridge.Submit(ctx, move)
	if err != nil {
		c.invalidate()
		return snap, false, fmt.Errorf("submitting move: %w", err)
	}
	if snap.Replay == before {
		if !snap.State.GameOver {
			c.logger.Warn("engine did not take move", "move", move)
			c.restart(ctx)
		}
		return snap, false, nil
	}
	c.adopt(snap)
	return snap, true, nil
}

// restart stops the bridge; the next refresh starts a fresh one.
func (c *Coordinator) restart(ctx context.Context) {
	c.bridge.Terminate()
	select {
	case <-c.bridge.Done():
	case <-ctx.Done():
	}
	c.invalidate()
	c.setState(StateObserving)
}

// ApplyMove plays move on this connection's bridge and persists the result.
func (c *Coordinator) ApplyMove(ctx context.Context, move string) (res Result, err error) {
	ctx, span := c.span(ctx, "ApplyMove")
	defer func() { endSpan(span, err) }()

	if err := c.RefreshMatchInfo(ctx); err != nil {
		return Result{}, err
	}
	if c.match.Replay == "" {
		return Result{}, ErrNotActive
	}

	res.Previous = c.currentPlayer
	snap, changed, err := c.advance(ctx, move)
	if err != nil {
		return Result{}, err
	}
	res.Snapshot, res.Current, res.Changed = snap, c.currentPlayer, changed
	if !changed {
		res.Current = res.Previous
		return res, nil
	}

	if err := c.deps.Store.SaveProgress(ctx, c.matchID, progress(snap)); err != nil {
		// The bridge is now ahead of the store.
		c.restart(ctx)
		return res, fmt.Errorf("persisting move: %w", err)
	}
	c.match.Replay, c.match.GameOver = snap.Replay, snap.State.GameOver
	return res, nil
}

// handleMove applies a client's move if it is theirs to make, then tells
// everyone else.
func (c *Coordinator) handleMove(ctx context.Context, move string) error {
	if err := c.RefreshMatchInfo(ctx); err != nil {
		return err
	}
	if c.match.Replay == "" || c.gameOver {
		return nil
	}
	if c.user.Name != c.currentPlayer && !c.user.Admin {
		c.logger.Debug("ignoring out of turn move", "current", c.currentPlayer)
		return nil
	}

	res, err := c.ApplyMove(ctx, move)
	if err != nil {
		c.restart(ctx)
		if rerr := c.resendMatchInfo(ctx); errors.Is(rerr, ErrDisconnected) {
			return rerr
		}
		return err
	}
	if !res.Changed {
		return c.resendMatchInfo(ctx)
	}
	if err := c.SendMatchInfo(ctx); err != nil {
		return err
	}
	if err := c.deps.Fabric.Publish(ctx, fabric.MatchGroup(c.matchID), fabric.StateChanged(c.id, &move)); err != nil {
		c.logger.Error("broadcasting move", "error", err)
	}
	if err := c.deps.Tracker.Handoff(ctx, c.match, res.Previous, res.Current); err != nil {
		c.logger.Warn("announcing handoff", "error", err)
	}
	return nil
}

// RosterChange is a join (with the client's resource preference) or a
// decline.
type RosterChange struct {
	Join       bool
	Preference json.RawMessage
}

// HandleRosterChange seats or unseats the connected user while the match
// is in its lobby. Requests that do not apply are ignored.
func (c *Coordinator) HandleRosterChange(ctx context.Context, change RosterChange) (err error) {
	if c.user.Anonymous() {
		return nil
	}
	ctx, span := c.span(ctx, "HandleRosterChange")
	defer func() { endSpan(span, err) }()

	c.invalidate()
	if err := c.RefreshMatchInfo(ctx); err != nil {
		return err
	}
	if c.match.Replay != "" {
		return nil
	}

	seat, seated := c.roster.Seat(c.user.ID)
	if change.Join {
		if seated && seat.Accepted {
			return nil
		}
		if !seated && len(c.roster) >= c.match.PlayerCount {
			return nil
		}
		resources := c.match.Resources
		if c.match.Variable() {
			n, ok := rawNumber(change.Preference)
			if !ok || n < 0 {
				c.logger.Debug("ignoring join without a resource level")
				return nil
			}
			resources = n
		}
		err = c.deps.Store.AcceptSeat(ctx, c.matchID, c.user.ID, resources)
	} else {
		if !seated {
			return nil
		}
		err = c.deps.Store.RemoveSeat(ctx, c.matchID, c.user.ID)
	}
	switch {
	case errors.Is(err, store.ErrMatchFull), errors.Is(err, store.ErrRosterFixed), errors.Is(err, store.ErrNotFound):
		// Lost a race; the next broadcast brings this connection up to date.
		c.logger.Info("roster change lost", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("changing roster: %w", err)
	}

	c.invalidate()
	if err := c.RefreshMatchInfo(ctx); err != nil {
		return err
	}
	if err := c.SendMatchInfo(ctx); err != nil {
		return err
	}
	if err := c.deps.Fabric.Publish(ctx, fabric.MatchGroup(c.matchID), fabric.StateChanged(c.id, nil)); err != nil {
		c.logger.Error("broadcasting roster change", "error", err)
	}
	if err := c.deps.Tracker.Poke(ctx, c.user); err != nil {
		c.logger.Warn("poking user", "error", err)
	}
	return nil
}

// HandleIncomingBroadcast applies an event published by any connection.
// State changes this connection published itself are skipped.
func (c *Coordinator) HandleIncomingBroadcast(ctx context.Context, ev fabric.Event) (err error) {
	switch ev.Kind {
	case fabric.KindChatPosted:
		if ev.Chat == nil {
			return nil
		}
		if err := c.write(ctx, ChatFrame{Chat: *ev.Chat}); err != nil {
			return err
		}
		return c.deps.Chat.Seen(ctx, c.matchID, c.user, ev.Chat.ID)
	case fabric.KindTurnAvailable:
		return c.SendTurns(ctx)
	case fabric.KindStateChanged:
	default:
		return nil
	}

	if ev.Origin == c.id {
		return nil
	}
	ctx, span := c.span(ctx, "HandleIncomingBroadcast")
	defer func() { endSpan(span, err) }()

	if ev.Move != nil {
		if err := c.follow(ctx, *ev.Move); err != nil {
			return err
		}
	} else {
		c.invalidate()
	}
	if err := c.RefreshMatchInfo(ctx); err != nil {
		return err
	}
	return c.SendMatchInfo(ctx)
}

// follow replays a move another connection already persisted. The bridge
// advances but nothing is written. If the bridge has drifted from the
// persisted replay it is restarted from it.
func (c *Coordinator) follow(ctx context.Context, move string) error {
	if c.snap == nil || !c.bridge.Alive() {
		// The next refresh resumes from a replay that already holds the move.
		c.invalidate()
		return nil
	}
	snap, changed, err := c.advance(ctx, move)
	if err != nil {
		c.logger.Warn("following move", "error", err)
		c.restart(ctx)
		return nil
	}
	if err := c.reload(ctx); err != nil {
		return err
	}
	if changed && !isReplayPrefix(snap.Replay, c.match.Replay) {
		c.logger.Warn("engine replay diverged from the stored replay, restarting")
		c.restart(ctx)
	}
	return nil
}

// isReplayPrefix reports whether local is stored or an earlier point of it.
func isReplayPrefix(local, stored string) bool {
	return local == stored || strings.HasPrefix(stored, local+"\n")
}

// HandleChatPost stores a chat message and broadcasts it to the match,
// including this connection.
func (c *Coordinator) HandleChatPost(ctx context.Context, text string) error {
	entry, err := c.deps.Chat.Post(ctx, c.matchID, c.user, text)
	switch {
	case errors.Is(err, chatlog.ErrInvalidMessage), errors.Is(err, chatlog.ErrAnonymous):
		return nil
	case err != nil:
		return err
	}
	if err := c.deps.Fabric.Publish(ctx, fabric.MatchGroup(c.matchID), fabric.ChatPosted(c.id, entry)); err != nil {
		c.logger.Error("broadcasting chat", "error", err)
	}
	return nil
}

// SendChatLog sends the chat history once per connection.
func (c *Coordinator) SendChatLog(ctx context.Context) error {
	if c.sentChatLog {
		return nil
	}
	entries, err := c.deps.Chat.LoadLog(ctx, c.matchID, c.user)
	if err != nil {
		return err
	}
	if err := c.write(ctx, ChatLogFrame{ChatLog: entries}); err != nil {
		return err
	}
	c.sentChatLog = true
	return nil
}

// SendMatchInfo sends the cached roster and snapshot.
func (c *Coordinator) SendMatchInfo(ctx context.Context) error {
	frame := MatchFrame{
		Players:           c.roster.Names(c.match.PlayerCount),
		Accepted:          c.roster.AcceptedNames(),
		ResourcesByPlayer: c.roster.Resources(),
	}
	if c.snap != nil {
		state := c.snap.State
		frame.State = &state
		frame.Log = c.snap.Log
	}
	if err := c.write(ctx, frame); err != nil {
		return err
	}
	c.sentInfo = true
	return nil
}

// SendTurns sends the user's pending action count.
func (c *Coordinator) SendTurns(ctx context.Context) error {
	n, err := c.deps.Tracker.CountPendingActions(ctx, c.user.ID)
	if err != nil {
		return err
	}
	return c.write(ctx, TurnsFrame{Turns: n})
}

// Package relay is a small deterministic race game implementing the engine
// contract. It backs local development and the session layer's tests.
//
// Replay format, one record per line:
//
//	players alice,bob
//	rules {"resources":2}
//	move alice advance
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/playperu/tabletop/internal/engine"
)

const (
	MoveAdvance = "advance"
	MoveSprint  = "sprint"
	MovePass    = "pass"

	// VariantLongTrack doubles the track length.
	VariantLongTrack = "long_track"
	// VariantReverseOrder seats players in reverse order.
	VariantReverseOrder = "reverse_order"

	trackLength  = 12
	sprintLength = 3
)

var ErrIllegalMove = errors.New("relay: illegal move")

type option string

func (o option) String() string { return string(o) }

// Engine creates and resumes relay games.
type Engine struct{}

func New() Engine { return Engine{} }

func (Engine) Create(players []string, rules engine.Rules) (engine.Game, error) {
	if len(players) < 2 {
		return nil, fmt.Errorf("relay: need at least 2 players, got %d", len(players))
	}
	seen := make(map[string]bool, len(players))
	for _, p := range players {
		if p == "" || strings.ContainsAny(p, ", \n") {
			return nil, fmt.Errorf("relay: invalid player name %q", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("relay: player %q seated twice", p)
		}
		seen[p] = true
	}
	g := newGame(players, rules)
	data, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("relay: encoding rules: %w", err)
	}
	g.replay = append(g.replay, "players "+strings.Join(players, ","), "rules "+string(data))
	g.log = append(g.log, fmt.Sprintf("Race to %d begins: %s.", g.finish, strings.Join(g.order, ", ")))
	return g, nil
}

func (Engine) Resume(replay string) (engine.Game, error) {
	lines := strings.Split(engine.NormalizeText(replay), "\n")
	if len(lines) < 2 {
		return nil, errors.New("relay: replay is missing its header")
	}
	playersLine, ok := strings.CutPrefix(lines[0], "players ")
	if !ok {
		return nil, fmt.Errorf("relay: bad players line %q", lines[0])
	}
	rulesLine, ok := strings.CutPrefix(lines[1], "rules ")
	if !ok {
		return nil, fmt.Errorf("relay: bad rules line %q", lines[1])
	}
	var rules engine.Rules
	if err := json.Unmarshal([]byte(rulesLine), &rules); err != nil {
		return nil, fmt.Errorf("relay: decoding rules: %w", err)
	}

	g, err := New().Create(strings.Split(playersLine, ","), rules)
	if err != nil {
		return nil, err
	}
	rg := g.(*game)
	for i, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "move" {
			return nil, fmt.Errorf("relay: bad move on line %d: %q", i+3, line)
		}
		if fields[1] != rg.current() {
			return nil, fmt.Errorf("relay: line %d: %s moved out of turn", i+3, fields[1])
		}
		if err := rg.apply(fields[2]); err != nil {
			return nil, fmt.Errorf("relay: line %d: %w", i+3, err)
		}
	}
	return rg, nil
}

type game struct {
	order     []string
	finish    int
	positions map[string]int
	sprints   map[string]int
	turn      int
	winner    string
	replay    []string
	log       []string
}

func newGame(players []string, rules engine.Rules) *game {
	order := slices.Clone(players)
	if slices.Contains(rules.Variants, VariantReverseOrder) {
		slices.Reverse(order)
	}
	finish := trackLength
	if slices.Contains(rules.Variants, VariantLongTrack) {
		finish *= 2
	}
	g := &game{
		order:     order,
		finish:    finish,
		positions: make(map[string]int, len(players)),
		sprints:   make(map[string]int, len(players)),
	}
	for _, p := range players {
		g.positions[p] = 0
		g.sprints[p] = max(rules.Resources, 0)
		if r, ok := rules.PlayerResources[p]; ok {
			g.sprints[p] = max(r, 0)
		}
	}
	return g
}

func (g *game) current() string {
	if g.winner != "" {
		return ""
	}
	return g.order[g.turn%len(g.order)]
}

func (g *game) options() []engine.Option {
	opts := []engine.Option{option(MoveAdvance)}
	if g.sprints[g.current()] > 0 {
		opts = append(opts, option(MoveSprint))
	}
	return append(opts, option(MovePass))
}

func (g *game) apply(move string) error {
	if !slices.ContainsFunc(g.options(), func(o engine.Option) bool { return o.String() == move }) {
		return fmt.Errorf("%w %q for %s", ErrIllegalMove, move, g.current())
	}
	player := g.current()
	switch move {
	case MoveAdvance:
		g.positions[player]++
		g.log = append(g.log, fmt.Sprintf("%s advances to %d.", player, g.positions[player]))
	case MoveSprint:
		g.sprints[player]--
		g.positions[player] += sprintLength
		g.log = append(g.log, fmt.Sprintf("%s sprints to %d.", player, g.positions[player]))
	case MovePass:
		g.log = append(g.log, fmt.Sprintf("%s passes.", player))
	}
	g.replay = append(g.replay, fmt.Sprintf("move %s %s", player, move))
	if g.positions[player] >= g.finish {
		g.winner = player
		g.log = append(g.log, fmt.Sprintf("%s wins the race!", player))
		return nil
	}
	g.turn++
	return nil
}

func (g *game) Run(choose engine.Chooser) error {
	for g.winner == "" {
		c, err := choose(g.options())
		if err != nil {
			return err
		}
		if err := g.apply(c.String()); err != nil {
			return err
		}
	}
	return nil
}

func (g *game) Replay() string { return strings.Join(g.replay, "\n") }

func (g *game) Log() string { return strings.Join(g.log, "\n") }

func (g *game) State() engine.State {
	positions := make(map[string]any, len(g.positions))
	for p, v := range g.positions {
		positions[p] = v
	}
	sprints := make(map[string]any, len(g.sprints))
	for p, v := range g.sprints {
		sprints[p] = v
	}
	detail := map[string]any{
		"finish":    g.finish,
		"order":     slices.Clone(g.order),
		"positions": positions,
		"sprints":   sprints,
	}
	if g.winner != "" {
		detail["winner"] = g.winner
	}
	return engine.State{
		NextPlayer: g.current(),
		GameOver:   g.winner != "",
		Detail:     detail,
	}
}

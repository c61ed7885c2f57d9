// Package engine describes the contract of the turn-based simulation engine
// the session layer drives. The engine is deterministic: the same replay
// always yields the same state and log.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTerminated is returned by a Chooser to abort a running game. Game.Run
// must hand it back unchanged.
var ErrTerminated = errors.New("engine: play terminated")

// Option is one legal choice offered at a decision point.
type Option interface {
	fmt.Stringer
}

// Choice is a chooser's answer. Option is nil when the raw value did not
// match any legal option; the engine decides whether Raw is acceptable.
type Choice struct {
	Option Option
	Raw    string
}

func (c Choice) String() string {
	if c.Option != nil {
		return c.Option.String()
	}
	return c.Raw
}

// Chooser is called at every decision point with the legal options.
type Chooser func(options []Option) (Choice, error)

// Resolve matches raw against options by exact string comparison, falling
// back to the raw value.
func Resolve(options []Option, raw string) Choice {
	for _, o := range options {
		if o.String() == raw {
			return Choice{Option: o, Raw: raw}
		}
	}
	return Choice{Raw: raw}
}

// Rules configures a new game.
type Rules struct {
	Resources       int            `json:"resources"`
	PlayerResources map[string]int `json:"player_resources,omitempty"`
	ExtraDraft      int            `json:"extra_draft,omitempty"`
	Variants        []string       `json:"variants,omitempty"`
}

// State is the structured state reported at a decision point.
type State struct {
	NextPlayer string         `json:"next_move_player"`
	GameOver   bool           `json:"game_over"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Snapshot is what a running game reports at each decision point.
type Snapshot struct {
	Replay string
	Log    string
	State  State
}

// Game is one running simulation.
type Game interface {
	// Run blocks until the game ends or choose returns an error.
	Run(choose Chooser) error
	Replay() string
	Log() string
	State() State
}

type Engine interface {
	Create(players []string, rules Rules) (Game, error)
	Resume(replay string) (Game, error)
}

// Capture reads the current snapshot of g, normalising line endings and
// trailing newlines the way persisted replays are stored.
func Capture(g Game) Snapshot {
	return Snapshot{
		Replay: NormalizeText(g.Replay()),
		Log:    NormalizeText(g.Log()),
		State:  g.State(),
	}
}

// NormalizeText strips carriage returns and trailing newlines.
func NormalizeText(s string) string {
	return strings.TrimRight(strings.ReplaceAll(s, "\r", ""), "\n")
}

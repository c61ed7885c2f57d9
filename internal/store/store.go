// Package store persists users, matches, seats and chat.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/playperu/tabletop/internal/tabletop"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrMatchFull    = errors.New("match is full")
	ErrRosterFixed  = errors.New("roster is fixed once the match is active")
	ErrInvalidMatch = errors.New("invalid match")
)

// Progress is the projection of an engine snapshot that is persisted with
// the replay. NextPlayer is empty when nobody is to move.
type Progress struct {
	Replay     string
	NextPlayer string
	GameOver   bool
}

type NewMatch struct {
	Title       string
	PlayerCount int
	Resources   int
	ExtraDraft  int
	Variants    []string
	// Creator takes the first seat. Invited users take the following seats
	// in order.
	Creator int64
	Invited []int64
}

type Store interface {
	NoOne(ctx context.Context) (tabletop.User, error)
	UserByID(ctx context.Context, id int64) (tabletop.User, error)
	UserByName(ctx context.Context, name string) (tabletop.User, error)
	UserByToken(ctx context.Context, token string) (tabletop.User, error)
	CreateUser(ctx context.Context, u tabletop.User) (tabletop.User, string, error)

	CreateMatch(ctx context.Context, m NewMatch) (tabletop.Match, error)
	Match(ctx context.Context, id int64) (tabletop.Match, error)
	Roster(ctx context.Context, matchID int64) (tabletop.Roster, error)
	OpenMatches(ctx context.Context, since time.Time) ([]tabletop.Match, error)

	SaveProgress(ctx context.Context, matchID int64, p Progress) error
	// SaveInitialReplay stores p only if the match has no replay yet and
	// reports whether this call was the one that stored it.
	SaveInitialReplay(ctx context.Context, matchID int64, p Progress) (bool, error)
	AcceptSeat(ctx context.Context, matchID, userID int64, resources int) error
	RemoveSeat(ctx context.Context, matchID, userID int64) error

	AppendChat(ctx context.Context, matchID int64, author tabletop.User, text string) (tabletop.ChatMessage, error)
	ChatLog(ctx context.Context, matchID int64) ([]tabletop.ChatMessage, error)
	AdvanceWatermark(ctx context.Context, matchID, userID, chatID int64) error
	Unseen(ctx context.Context, matchID, userID int64) (bool, error)

	CountPendingActions(ctx context.Context, userID int64, since time.Time) (int, error)
	// AgedOut lists users whose pending actions include a match whose last
	// handoff falls in [from, to).
	AgedOut(ctx context.Context, from, to time.Time) ([]int64, error)
}

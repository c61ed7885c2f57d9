// Package tabletop defines the core domain types of the match service.
// It has no dependencies outside the standard library.
package tabletop

import (
	"strings"
	"time"
)

// RecencyWindow is how long after its last turn handoff a match still counts
// towards a player's pending actions. Older matches are considered archived.
const RecencyWindow = 7 * 24 * time.Hour

// NoOneName is the username of the sentinel participant that stands in for
// deleted or unresolvable users and for "nobody's turn".
const NoOneName = "no_one"

// VariableResources marks a match whose resource level is chosen per player
// when they accept their seat.
const VariableResources = -1

// MaxChatLength bounds a single chat message.
const MaxChatLength = 255

type User struct {
	ID         int64
	Name       string
	Email      string
	Admin      bool
	TurnEmails bool
}

// IsNoOne reports whether u is the sentinel participant.
func (u User) IsNoOne() bool { return u.Name == NoOneName }

// Anonymous reports whether u is an unauthenticated viewer.
func (u User) Anonymous() bool { return u.ID == 0 }

type MatchStatus string

const (
	MatchStatusLobby     MatchStatus = "lobby"
	MatchStatusActive    MatchStatus = "active"
	MatchStatusCompleted MatchStatus = "completed"
)

type Match struct {
	ID            int64
	Title         string
	Replay        string
	PlayerCount   int
	Resources     int
	ExtraDraft    int
	Variants      []string
	CurrentPlayer User
	NewTurn       time.Time
	GameOver      bool
	CreatedAt     time.Time
}

func (m Match) Status() MatchStatus {
	switch {
	case m.Replay == "":
		return MatchStatusLobby
	case m.GameOver:
		return MatchStatusCompleted
	default:
		return MatchStatusActive
	}
}

// Variable reports whether each player picks their own resource level.
func (m Match) Variable() bool { return m.Resources < 0 }

// Archived reports whether the match fell out of the recency window at now.
func (m Match) Archived(now time.Time) bool {
	return m.NewTurn.Before(now.Add(-RecencyWindow))
}

type MatchPlayer struct {
	ID           int64
	MatchID      int64
	User         User
	Resources    int
	Accepted     bool
	LastChatSeen int64
}

// Roster is the seat list of a match in seat order.
type Roster []MatchPlayer

// Names returns the usernames of the first count seats.
func (r Roster) Names(count int) []string {
	names := make([]string, 0, len(r))
	for i, p := range r {
		if i >= count {
			break
		}
		names = append(names, p.User.Name)
	}
	return names
}

func (r Roster) AcceptedNames() []string {
	names := make([]string, 0, len(r))
	for _, p := range r {
		if p.Accepted {
			names = append(names, p.User.Name)
		}
	}
	return names
}

func (r Roster) AcceptedCount() int {
	n := 0
	for _, p := range r {
		if p.Accepted {
			n++
		}
	}
	return n
}

// Seat returns the seat held by userID.
func (r Roster) Seat(userID int64) (MatchPlayer, bool) {
	for _, p := range r {
		if p.User.ID == userID {
			return p, true
		}
	}
	return MatchPlayer{}, false
}

// Resources maps each seated username to its resource level.
func (r Roster) Resources() map[string]int {
	out := make(map[string]int, len(r))
	for _, p := range r {
		out[p.User.Name] = p.Resources
	}
	return out
}

type ChatMessage struct {
	ID        int64
	MatchID   int64
	Author    User
	CreatedAt time.Time
	Text      string
}

// NormalizeChat trims text and reports whether it is postable.
func NormalizeChat(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || len([]rune(text)) > MaxChatLength {
		return "", false
	}
	return text, true
}

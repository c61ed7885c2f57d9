// Package fabric carries group-addressed events between connections, within
// one process (Broker) or across processes (Redis).
//
// Every match has one group and every user has one personal group. Delivery
// is FIFO per group for each subscriber; there is no ordering across groups.
package fabric

import (
	"context"
	"strconv"
)

type EventKind string

const (
	KindStateChanged  EventKind = "state-changed"
	KindChatPosted    EventKind = "chat-posted"
	KindTurnAvailable EventKind = "turn-available"
)

// ChatEntry is a chat message as shown to clients.
type ChatEntry struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Player    string `json:"player"`
	Message   string `json:"message"`
}

type Event struct {
	Kind EventKind `json:"kind"`
	// Move is the move to replay for state-changed events; nil means only
	// the roster or metadata changed.
	Move *string    `json:"move,omitempty"`
	Chat *ChatEntry `json:"chat,omitempty"`
	// Origin identifies the publishing connection.
	Origin string `json:"origin,omitempty"`
}

func StateChanged(origin string, move *string) Event {
	return Event{Kind: KindStateChanged, Move: move, Origin: origin}
}

func ChatPosted(origin string, entry ChatEntry) Event {
	return Event{Kind: KindChatPosted, Chat: &entry, Origin: origin}
}

func TurnAvailable() Event {
	return Event{Kind: KindTurnAvailable}
}

func MatchGroup(matchID int64) string { return "match." + strconv.FormatInt(matchID, 10) }

func UserGroup(userID int64) string { return "user." + strconv.FormatInt(userID, 10) }

type Publisher interface {
	Publish(ctx context.Context, group string, ev Event) error
}

type Subscription interface {
	Close() error
}

type Fabric interface {
	Publisher
	// Subscribe calls deliver for every event published to group, in
	// publish order, from a single goroutine.
	Subscribe(ctx context.Context, group string, deliver func(Event)) (Subscription, error)
}

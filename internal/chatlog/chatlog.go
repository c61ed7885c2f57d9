// Package chatlog stores match chat and tracks how far each participant
// has read.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/tabletop"
)

var (
	ErrAnonymous      = errors.New("anonymous users cannot chat")
	ErrInvalidMessage = errors.New("chat message must be 1 to 255 characters")
)

type Store interface {
	AppendChat(ctx context.Context, matchID int64, author tabletop.User, text string) (tabletop.ChatMessage, error)
	ChatLog(ctx context.Context, matchID int64) ([]tabletop.ChatMessage, error)
	AdvanceWatermark(ctx context.Context, matchID, userID, chatID int64) error
	Unseen(ctx context.Context, matchID, userID int64) (bool, error)
}

type Service struct {
	store Store
}

func New(st Store) *Service {
	return &Service{store: st}
}

// Entry converts a stored message to its wire form.
func Entry(m tabletop.ChatMessage) fabric.ChatEntry {
	return fabric.ChatEntry{
		ID:        m.ID,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Player:    m.Author.Name,
		Message:   m.Text,
	}
}

// LoadLog returns the chat of matchID in posting order and marks it read
// for requester.
func (s *Service) LoadLog(ctx context.Context, matchID int64, requester tabletop.User) ([]fabric.ChatEntry, error) {
	msgs, err := s.store.ChatLog(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("loading chat of match %d: %w", matchID, err)
	}
	entries := make([]fabric.ChatEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry(m))
	}
	if len(msgs) > 0 {
		if err := s.Seen(ctx, matchID, requester, msgs[len(msgs)-1].ID); err != nil {
			return entries, err
		}
	}
	return entries, nil
}

// Post appends text to the chat of matchID. The author's watermark moves
// past their own message.
func (s *Service) Post(ctx context.Context, matchID int64, author tabletop.User, text string) (fabric.ChatEntry, error) {
	if author.Anonymous() {
		return fabric.ChatEntry{}, ErrAnonymous
	}
	text, ok := tabletop.NormalizeChat(text)
	if !ok {
		return fabric.ChatEntry{}, ErrInvalidMessage
	}
	msg, err := s.store.AppendChat(ctx, matchID, author, text)
	if err != nil {
		return fabric.ChatEntry{}, fmt.Errorf("posting chat: %w", err)
	}
	return Entry(msg), nil
}

// Seen advances user's watermark to chatID. It never moves backwards.
func (s *Service) Seen(ctx context.Context, matchID int64, user tabletop.User, chatID int64) error {
	if user.Anonymous() {
		return nil
	}
	if err := s.store.AdvanceWatermark(ctx, matchID, user.ID, chatID); err != nil {
		return fmt.Errorf("advancing watermark: %w", err)
	}
	return nil
}

// Unseen reports whether matchID has chat user has not been shown.
func (s *Service) Unseen(ctx context.Context, matchID int64, user tabletop.User) (bool, error) {
	if user.Anonymous() {
		return false, nil
	}
	return s.store.Unseen(ctx, matchID, user.ID)
}

package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/playperu/tabletop/internal/tabletop"
)

// timeLayout matches strftime('%Y-%m-%dT%H:%M:%fZ') so stored timestamps
// compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000Z"

const nowSQL = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// Rows pointing at deleted users resolve to the sentinel through n.
const noOneJoin = `JOIN users n ON n.name = 'no_one'`

func userCols(alias string) string {
	return fmt.Sprintf(`COALESCE(%[1]s.id, n.id), COALESCE(%[1]s.name, n.name), COALESCE(%[1]s.email, n.email),
		COALESCE(%[1]s.is_admin, n.is_admin), COALESCE(%[1]s.turn_emails, n.turn_emails)`, alias)
}

var matchSelect = `
	SELECT m.id, m.title, m.replay, m.player_count, m.resources, m.extra_draft, m.variants,
		` + userCols("cp") + `,
		m.game_over, m.new_turn, m.created_at
	FROM matches m
	LEFT JOIN users cp ON cp.id = m.current_player_id
	` + noOneJoin

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// HashToken derives the stored form of a bearer token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func scanUser(row scanner) (tabletop.User, error) {
	var u tabletop.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Admin, &u.TurnEmails)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

func (s *SQLiteStore) NoOne(ctx context.Context) (tabletop.User, error) {
	return s.UserByName(ctx, tabletop.NoOneName)
}

func (s *SQLiteStore) UserByID(ctx context.Context, id int64) (tabletop.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, is_admin, turn_emails FROM users WHERE id = ?
	`, id))
}

func (s *SQLiteStore) UserByName(ctx context.Context, name string) (tabletop.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, is_admin, turn_emails FROM users WHERE name = ?
	`, name))
}

func (s *SQLiteStore) UserByToken(ctx context.Context, token string) (tabletop.User, error) {
	if token == "" {
		return tabletop.User{}, ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, is_admin, turn_emails FROM users WHERE token_hash = ?
	`, HashToken(token)))
}

// CreateUser stores u and returns it with its id and a fresh bearer token.
// Only the token's hash is kept.
func (s *SQLiteStore) CreateUser(ctx context.Context, u tabletop.User) (tabletop.User, string, error) {
	if u.Name == "" || u.IsNoOne() {
		return u, "", fmt.Errorf("reserved or empty username %q", u.Name)
	}
	token := uuid.NewString()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, is_admin, turn_emails, token_hash)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, u.Name, u.Email, boolInt(u.Admin), boolInt(u.TurnEmails), HashToken(token)).Scan(&u.ID)
	if err != nil {
		return u, "", fmt.Errorf("inserting user: %w", err)
	}
	return u, token, nil
}

func scanMatch(row scanner) (tabletop.Match, error) {
	var (
		m                  tabletop.Match
		variants           string
		newTurn, createdAt string
		cp                 = &m.CurrentPlayer
	)
	err := row.Scan(&m.ID, &m.Title, &m.Replay, &m.PlayerCount, &m.Resources, &m.ExtraDraft, &variants,
		&cp.ID, &cp.Name, &cp.Email, &cp.Admin, &cp.TurnEmails,
		&m.GameOver, &newTurn, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(variants), &m.Variants); err != nil {
		return m, fmt.Errorf("decoding variants of match %d: %w", m.ID, err)
	}
	m.NewTurn = parseTime(newTurn)
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

func (s *SQLiteStore) CreateMatch(ctx context.Context, nm NewMatch) (tabletop.Match, error) {
	seats := []int64{nm.Creator}
	seen := map[int64]bool{nm.Creator: true}
	for _, id := range nm.Invited {
		if !seen[id] {
			seen[id] = true
			seats = append(seats, id)
		}
	}
	if nm.Resources < tabletop.VariableResources {
		return tabletop.Match{}, fmt.Errorf("%w: resources %d", ErrInvalidMatch, nm.Resources)
	}
	if nm.PlayerCount < 2 || len(seats) > nm.PlayerCount {
		return tabletop.Match{}, fmt.Errorf("%w: %d seats for %d players", ErrInvalidMatch, len(seats), nm.PlayerCount)
	}
	if nm.Variants == nil {
		nm.Variants = []string{}
	}
	variants, err := json.Marshal(nm.Variants)
	if err != nil {
		return tabletop.Match{}, fmt.Errorf("encoding variants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tabletop.Match{}, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO matches (title, player_count, resources, extra_draft, variants)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, nm.Title, nm.PlayerCount, nm.Resources, nm.ExtraDraft, string(variants)).Scan(&id)
	if err != nil {
		return tabletop.Match{}, fmt.Errorf("inserting match: %w", err)
	}

	fixed := nm.Resources != tabletop.VariableResources
	seatResources := max(nm.Resources, 0)
	for i, userID := range seats {
		// With fixed resources the creator has nothing left to choose.
		accepted := i == 0 && fixed
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_players (match_id, user_id, resources, accepted)
			VALUES (?, ?, ?, ?)
		`, id, userID, seatResources, boolInt(accepted)); err != nil {
			return tabletop.Match{}, fmt.Errorf("seating user %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return tabletop.Match{}, err
	}
	return s.Match(ctx, id)
}

func (s *SQLiteStore) Match(ctx context.Context, id int64) (tabletop.Match, error) {
	return scanMatch(s.db.QueryRowContext(ctx, matchSelect+` WHERE m.id = ?`, id))
}

func (s *SQLiteStore) Roster(ctx context.Context, matchID int64) (tabletop.Roster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mp.id, mp.match_id, `+userCols("u")+`, mp.resources, mp.accepted, mp.last_chat
		FROM match_players mp
		LEFT JOIN users u ON u.id = mp.user_id
		`+noOneJoin+`
		WHERE mp.match_id = ?
		ORDER BY mp.id
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster tabletop.Roster
	for rows.Next() {
		var p tabletop.MatchPlayer
		u := &p.User
		if err := rows.Scan(&p.ID, &p.MatchID, &u.ID, &u.Name, &u.Email, &u.Admin, &u.TurnEmails,
			&p.Resources, &p.Accepted, &p.LastChatSeen); err != nil {
			return nil, err
		}
		roster = append(roster, p)
	}
	return roster, rows.Err()
}

// OpenMatches lists lobby matches with a free seat, most recently touched
// first.
func (s *SQLiteStore) OpenMatches(ctx context.Context, since time.Time) ([]tabletop.Match, error) {
	rows, err := s.db.QueryContext(ctx, matchSelect+`
		WHERE m.replay = '' AND m.new_turn >= ?
			AND (SELECT COUNT(*) FROM match_players WHERE match_id = m.id) < m.player_count
		ORDER BY m.new_turn DESC, m.id DESC
	`, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []tabletop.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// SaveProgress stores p. new_turn moves only when the player to move
// changes.
func (s *SQLiteStore) SaveProgress(ctx context.Context, matchID int64, p Progress) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET
			replay = ?,
			game_over = ?,
			new_turn = CASE
				WHEN current_player_id IS (SELECT id FROM users WHERE name = ?) THEN new_turn
				ELSE `+nowSQL+`
			END,
			current_player_id = (SELECT id FROM users WHERE name = ?)
		WHERE id = ?
	`, p.Replay, boolInt(p.GameOver), p.NextPlayer, p.NextPlayer, matchID)
	if err != nil {
		return fmt.Errorf("saving match %d: %w", matchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveInitialReplay(ctx context.Context, matchID int64, p Progress) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET
			replay = ?,
			game_over = ?,
			new_turn = `+nowSQL+`,
			current_player_id = (SELECT id FROM users WHERE name = ?)
		WHERE id = ? AND replay = ''
	`, p.Replay, boolInt(p.GameOver), p.NextPlayer, matchID)
	if err != nil {
		return false, fmt.Errorf("activating match %d: %w", matchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func lobbyCheck(ctx context.Context, tx *sql.Tx, matchID int64) (playerCount int, err error) {
	var replay string
	err = tx.QueryRowContext(ctx, `
		SELECT replay, player_count FROM matches WHERE id = ?
	`, matchID).Scan(&replay, &playerCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if replay != "" {
		return 0, ErrRosterFixed
	}
	return playerCount, nil
}

func stampTurn(ctx context.Context, tx *sql.Tx, matchID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE matches SET new_turn = `+nowSQL+` WHERE id = ?`, matchID)
	return err
}

// AcceptSeat marks userID's seat accepted with the given resources, taking
// a free seat first if the user holds none.
func (s *SQLiteStore) AcceptSeat(ctx context.Context, matchID, userID int64, resources int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	playerCount, err := lobbyCheck(ctx, tx, matchID)
	if err != nil {
		return err
	}

	var seatID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM match_players WHERE match_id = ? AND user_id = ?
	`, matchID, userID).Scan(&seatID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var seats int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM match_players WHERE match_id = ?
		`, matchID).Scan(&seats); err != nil {
			return err
		}
		if seats >= playerCount {
			return ErrMatchFull
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_players (match_id, user_id, resources, accepted)
			VALUES (?, ?, ?, 1)
		`, matchID, userID, resources); err != nil {
			return fmt.Errorf("seating user %d: %w", userID, err)
		}
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE match_players SET accepted = 1, resources = ? WHERE id = ?
		`, resources, seatID); err != nil {
			return err
		}
	}

	if err := stampTurn(ctx, tx, matchID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) RemoveSeat(ctx context.Context, matchID, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := lobbyCheck(ctx, tx, matchID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM match_players WHERE match_id = ? AND user_id = ?
	`, matchID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := stampTurn(ctx, tx, matchID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendChat stores a message and moves the author's own watermark past it.
func (s *SQLiteStore) AppendChat(ctx context.Context, matchID int64, author tabletop.User, text string) (tabletop.ChatMessage, error) {
	msg := tabletop.ChatMessage{MatchID: matchID, Author: author, Text: text}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, err
	}
	defer tx.Rollback()

	var createdAt string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages (match_id, author_id, message)
		VALUES (?, ?, ?)
		RETURNING id, created_at
	`, matchID, author.ID, text).Scan(&msg.ID, &createdAt)
	if err != nil {
		return msg, fmt.Errorf("inserting chat message: %w", err)
	}
	msg.CreatedAt = parseTime(createdAt)

	if _, err := tx.ExecContext(ctx, `
		UPDATE match_players SET last_chat = MAX(last_chat, ?) WHERE match_id = ? AND user_id = ?
	`, msg.ID, matchID, author.ID); err != nil {
		return msg, err
	}
	return msg, tx.Commit()
}

func (s *SQLiteStore) ChatLog(ctx context.Context, matchID int64) ([]tabletop.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.match_id, `+userCols("u")+`, c.created_at, c.message
		FROM chat_messages c
		LEFT JOIN users u ON u.id = c.author_id
		`+noOneJoin+`
		WHERE c.match_id = ?
		ORDER BY c.id
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []tabletop.ChatMessage
	for rows.Next() {
		var (
			m         tabletop.ChatMessage
			createdAt string
			u         = &m.Author
		)
		if err := rows.Scan(&m.ID, &m.MatchID, &u.ID, &u.Name, &u.Email, &u.Admin, &u.TurnEmails,
			&createdAt, &m.Text); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AdvanceWatermark never moves a watermark backwards. Users without a seat
// have no watermark and are ignored.
func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, matchID, userID, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE match_players SET last_chat = MAX(last_chat, ?) WHERE match_id = ? AND user_id = ?
	`, chatID, matchID, userID)
	return err
}

func (s *SQLiteStore) Unseen(ctx context.Context, matchID, userID int64) (bool, error) {
	var unseen bool
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(id) FROM chat_messages WHERE match_id = mp.match_id), 0) > mp.last_chat
		FROM match_players mp
		WHERE mp.match_id = ? AND mp.user_id = ?
	`, matchID, userID).Scan(&unseen)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return unseen, err
}

func (s *SQLiteStore) CountPendingActions(ctx context.Context, userID int64, since time.Time) (int, error) {
	ts := formatTime(since)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM matches
				WHERE current_player_id = ? AND game_over = 0 AND new_turn >= ?)
			+
			(SELECT COUNT(*) FROM match_players mp
				JOIN matches m ON m.id = mp.match_id
				WHERE mp.user_id = ? AND mp.accepted = 0 AND m.new_turn >= ?)
	`, userID, ts, userID, ts).Scan(&count)
	return count, err
}

func (s *SQLiteStore) AgedOut(ctx context.Context, from, to time.Time) ([]int64, error) {
	f, t := formatTime(from), formatTime(to)
	rows, err := s.db.QueryContext(ctx, `
		SELECT current_player_id FROM matches
			WHERE current_player_id IS NOT NULL AND game_over = 0
				AND new_turn >= ? AND new_turn < ?
		UNION
		SELECT mp.user_id FROM match_players mp
			JOIN matches m ON m.id = mp.match_id
			WHERE mp.user_id IS NOT NULL AND mp.accepted = 0
				AND m.new_turn >= ? AND m.new_turn < ?
	`, f, t, f, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

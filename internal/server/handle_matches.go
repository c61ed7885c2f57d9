package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/tabletop/internal/chatlog"
	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
	"github.com/playperu/tabletop/internal/turns"
)

type CreateMatchRequest struct {
	Title       string `json:"title"`
	PlayerCount int    `json:"player_count"`
	// Resources is the level every player starts with, or -1 to let each
	// player pick theirs when joining. Defaults to 2.
	Resources  *int     `json:"resources,omitempty"`
	ExtraDraft int      `json:"extra_draft"`
	Variants   []string `json:"variants,omitempty"`
	// Invite lists usernames seated after the creator, in order.
	Invite []string `json:"invite,omitempty"`
}

type SeatResponse struct {
	Player    string `json:"player"`
	Resources int    `json:"resources"`
	Accepted  bool   `json:"accepted"`
}

type MatchResponse struct {
	ID            int64          `json:"id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	PlayerCount   int            `json:"player_count"`
	Resources     int            `json:"resources"`
	ExtraDraft    int            `json:"extra_draft"`
	Variants      []string       `json:"variants"`
	CurrentPlayer string         `json:"current_player,omitempty"`
	Seats         []SeatResponse `json:"seats,omitempty"`
	UnseenChat    bool           `json:"unseen_chat"`
	NewTurn       time.Time      `json:"new_turn"`
	CreatedAt     time.Time      `json:"created_at"`
}

func toMatchResponse(m tabletop.Match, roster tabletop.Roster) MatchResponse {
	resp := MatchResponse{
		ID:          m.ID,
		Title:       m.Title,
		Status:      string(m.Status()),
		PlayerCount: m.PlayerCount,
		Resources:   m.Resources,
		ExtraDraft:  m.ExtraDraft,
		Variants:    m.Variants,
		NewTurn:     m.NewTurn,
		CreatedAt:   m.CreatedAt,
	}
	if m.CurrentPlayer.ID != 0 && !m.CurrentPlayer.IsNoOne() {
		resp.CurrentPlayer = m.CurrentPlayer.Name
	}
	for _, p := range roster {
		resp.Seats = append(resp.Seats, SeatResponse{
			Player:    p.User.Name,
			Resources: p.Resources,
			Accepted:  p.Accepted,
		})
	}
	return resp
}

func handleCreateMatch(st store.Store, tracker *turns.Tracker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateMatchRequest
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Title = strings.TrimSpace(req.Title)
		if req.Title == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}

		ctx := r.Context()
		creator := userFrom(r)

		nm := store.NewMatch{
			Title:       req.Title,
			PlayerCount: req.PlayerCount,
			Resources:   2,
			ExtraDraft:  req.ExtraDraft,
			Variants:    req.Variants,
			Creator:     creator.ID,
		}
		if req.Resources != nil {
			nm.Resources = *req.Resources
		}

		invited := make([]tabletop.User, 0, len(req.Invite))
		for _, name := range req.Invite {
			u, err := st.UserByName(ctx, name)
			if errors.Is(err, store.ErrNotFound) || u.IsNoOne() {
				writeError(w, http.StatusBadRequest, "unknown player "+strconv.Quote(name))
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			invited = append(invited, u)
			nm.Invited = append(nm.Invited, u.ID)
		}

		m, err := st.CreateMatch(ctx, nm)
		if errors.Is(err, store.ErrInvalidMatch) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		roster, err := st.Roster(ctx, m.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		// Invitations count as pending actions.
		for _, u := range invited {
			if u.ID != creator.ID {
				if err := tracker.Poke(ctx, u); err != nil {
					logger.Warn("announcing invitation", "match_id", m.ID, "error", err)
				}
			}
		}

		writeJSON(w, http.StatusCreated, toMatchResponse(m, roster))
	}
}

func handleOpenMatches(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := time.Now().Add(-tabletop.RecencyWindow)
		matches, err := st.OpenMatches(r.Context(), since)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := make([]MatchResponse, 0, len(matches))
		for _, m := range matches {
			roster, err := st.Roster(r.Context(), m.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			resp = append(resp, toMatchResponse(m, roster))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetMatch(st store.Store, chat *chatlog.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := matchIDParam(r)
		if !ok {
			writeError(w, http.StatusNotFound, "match not found")
			return
		}

		ctx := r.Context()
		m, err := st.Match(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "match not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		roster, err := st.Roster(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := toMatchResponse(m, roster)
		if resp.UnseenChat, err = chat.Unseen(ctx, id, userFrom(r)); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type TurnsResponse struct {
	Turns int `json:"turns"`
}

func handleTurns(tracker *turns.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := tracker.CountPendingActions(r.Context(), userFrom(r).ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, TurnsResponse{Turns: n})
	}
}

func matchIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "matchID"), 10, 64)
	return id, err == nil && id > 0
}

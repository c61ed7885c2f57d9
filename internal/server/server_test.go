package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/playperu/tabletop/internal/chatlog"
	"github.com/playperu/tabletop/internal/database"
	"github.com/playperu/tabletop/internal/engine/relay"
	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/migrations"
	"github.com/playperu/tabletop/internal/session"
	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
	"github.com/playperu/tabletop/internal/turns"
)

type testServer struct {
	*httptest.Server
	store  *store.SQLiteStore
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Memory)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrations.Run(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st := store.NewSQLiteStore(db)
	broker := fabric.NewBroker()
	logger := slog.Default()
	tracker := turns.NewTracker(st, broker, nil, logger)
	t.Cleanup(tracker.Wait)

	srv := New(":0", logger, Deps{
		Store:   st,
		Engine:  relay.New(),
		Fabric:  broker,
		Tracker: tracker,
		Chat:    chatlog.New(st),
	}, nil)

	ts := &testServer{
		Server: httptest.NewServer(srv.Handler()),
		store:  st,
		tokens: map[string]string{},
	}
	t.Cleanup(ts.Close)

	for _, name := range []string{"alice", "bob", "carol"} {
		_, token, err := st.CreateUser(ctx, tabletop.User{Name: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		ts.tokens[name] = token
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func (ts *testServer) createMatch(t *testing.T, creator string, req CreateMatchRequest) MatchResponse {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/matches", creator, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create match: status %d", resp.StatusCode)
	}
	return decode[MatchResponse](t, resp)
}

func (ts *testServer) dial(t *testing.T, path, user string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	if user != "" {
		url += "?token=" + ts.tokens[user]
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write %s: %v", frame, err)
	}
}

// readUntil reads frames until one has key and decodes it into T.
func readUntil[T any](t *testing.T, conn *websocket.Conn, key string, match func(T) bool) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var raw map[string]json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			t.Fatalf("waiting for %q frame: %v", key, err)
		}
		if _, ok := raw[key]; !ok {
			continue
		}
		data, _ := json.Marshal(raw)
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("decoding %q frame: %v", key, err)
		}
		if match == nil || match(v) {
			return v
		}
	}
}

func nextPlayer(name string) func(session.MatchFrame) bool {
	return func(f session.MatchFrame) bool {
		return f.State != nil && f.State.NextPlayer == name
	}
}

func TestCreateMatch(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/matches", "", CreateMatchRequest{Title: "x", PlayerCount: 2})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create: status %d, want 401", resp.StatusCode)
	}

	m := ts.createMatch(t, "alice", CreateMatchRequest{
		Title:       "Friday race",
		PlayerCount: 3,
		Invite:      []string{"bob"},
	})
	if m.Status != string(tabletop.MatchStatusLobby) {
		t.Errorf("status = %q, want lobby", m.Status)
	}
	if m.Resources != 2 {
		t.Errorf("resources = %d, want default 2", m.Resources)
	}
	if len(m.Seats) != 2 || m.Seats[0].Player != "alice" || m.Seats[1].Player != "bob" {
		t.Fatalf("seats = %+v", m.Seats)
	}
	if !m.Seats[0].Accepted || m.Seats[1].Accepted {
		t.Errorf("only the creator should be accepted: %+v", m.Seats)
	}

	// The invitation is bob's pending action.
	turnsResp := decode[TurnsResponse](t, ts.do(t, http.MethodGet, "/api/turns", "bob", nil))
	if turnsResp.Turns != 1 {
		t.Errorf("bob turns = %d, want 1", turnsResp.Turns)
	}
}

func TestCreateMatchValidation(t *testing.T) {
	ts := newTestServer(t)
	variable := tabletop.VariableResources
	tooLow := -2

	tests := []struct {
		name string
		req  any
	}{
		{"missing title", CreateMatchRequest{PlayerCount: 2}},
		{"one player", CreateMatchRequest{Title: "solo", PlayerCount: 1}},
		{"too many invites", CreateMatchRequest{Title: "x", PlayerCount: 2, Invite: []string{"bob", "carol"}}},
		{"unknown invitee", CreateMatchRequest{Title: "x", PlayerCount: 2, Invite: []string{"mallory"}}},
		{"sentinel invitee", CreateMatchRequest{Title: "x", PlayerCount: 2, Invite: []string{tabletop.NoOneName}}},
		{"bad resources", CreateMatchRequest{Title: "x", PlayerCount: 2, Resources: &tooLow}},
		{"unknown field", map[string]any{"title": "x", "player_count": 2, "colour": "red"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/matches", "alice", tt.req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	m := ts.createMatch(t, "alice", CreateMatchRequest{Title: "pick your own", PlayerCount: 2, Resources: &variable})
	if m.Seats[0].Accepted {
		t.Error("creator of a variable match still has to pick resources")
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"anonymous", "", "", http.StatusOK},
		{"bearer", "Bearer " + ts.tokens["alice"], "", http.StatusOK},
		{"query token", "", "?token=" + ts.tokens["alice"], http.StatusOK},
		{"unknown token", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/turns"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestOpenMatchesAndGetMatch(t *testing.T) {
	ts := newTestServer(t)

	open := ts.createMatch(t, "alice", CreateMatchRequest{Title: "open", PlayerCount: 3})
	ts.createMatch(t, "bob", CreateMatchRequest{Title: "full", PlayerCount: 2, Invite: []string{"carol"}})

	list := decode[[]MatchResponse](t, ts.do(t, http.MethodGet, "/api/matches/open", "", nil))
	if len(list) != 1 || list[0].ID != open.ID {
		t.Fatalf("open matches = %+v, want only %d", list, open.ID)
	}

	resp := ts.do(t, http.MethodGet, "/api/matches/"+itoa(open.ID), "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get match: status %d", resp.StatusCode)
	}
	got := decode[MatchResponse](t, resp)
	if got.Title != "open" || got.UnseenChat {
		t.Errorf("got %+v", got)
	}

	for _, path := range []string{"/api/matches/999", "/api/matches/zero", "/api/matches/-1"} {
		if resp := ts.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestMatchSocketUnknownMatch(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/ws/matches/42", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMatchSocketPlay(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMatch(t, "alice", CreateMatchRequest{Title: "duel", PlayerCount: 2, Invite: []string{"bob"}})
	path := "/ws/matches/" + itoa(m.ID)

	bob := ts.dial(t, path, "bob")
	send(t, bob, `{"join": null}`)
	joined := readUntil(t, bob, "state", nextPlayer("alice"))
	if len(joined.Accepted) != 2 {
		t.Fatalf("accepted = %v, want both players", joined.Accepted)
	}

	alice := ts.dial(t, path, "alice")
	send(t, alice, `{}`)
	readUntil[session.ChatLogFrame](t, alice, "chat_log", nil)
	readUntil(t, alice, "state", nextPlayer("alice"))
	turns := readUntil[session.TurnsFrame](t, alice, "turns", nil)
	if turns.Turns != 1 {
		t.Errorf("alice turns = %d, want 1", turns.Turns)
	}

	send(t, alice, `{"move": "advance"}`)
	readUntil(t, alice, "state", nextPlayer("bob"))
	after := readUntil(t, bob, "state", nextPlayer("bob"))
	if !strings.Contains(after.Log, "alice advances") {
		t.Errorf("bob's log = %q", after.Log)
	}

	send(t, bob, `{"chat": "nice start"}`)
	chat := readUntil[session.ChatFrame](t, alice, "chat", nil)
	if chat.Chat.Player != "bob" || chat.Chat.Message != "nice start" {
		t.Errorf("chat = %+v", chat.Chat)
	}

	stored, err := ts.store.Match(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CurrentPlayer.Name != "bob" {
		t.Errorf("persisted current player = %q, want bob", stored.CurrentPlayer.Name)
	}
}

func TestMatchSocketAnonymousViewer(t *testing.T) {
	ts := newTestServer(t)
	m := ts.createMatch(t, "alice", CreateMatchRequest{Title: "lobby", PlayerCount: 2})

	viewer := ts.dial(t, "/ws/matches/"+itoa(m.ID), "")
	// Joining is not possible without signing in; the frame reads as an
	// info request.
	send(t, viewer, `{"join": null}`)
	frame := readUntil[session.MatchFrame](t, viewer, "players", nil)
	if len(frame.Players) != 1 || frame.State != nil {
		t.Errorf("viewer frame = %+v", frame)
	}
	turns := readUntil[session.TurnsFrame](t, viewer, "turns", nil)
	if turns.Turns != 0 {
		t.Errorf("viewer turns = %d", turns.Turns)
	}

	roster, err := ts.store.Roster(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(roster) != 1 {
		t.Errorf("roster has %d seats, want 1", len(roster))
	}
}

func TestNotificationSocket(t *testing.T) {
	ts := newTestServer(t)

	conn := ts.dial(t, "/ws/notifications", "carol")
	send(t, conn, `{}`)
	if got := readUntil[session.TurnsFrame](t, conn, "turns", nil); got.Turns != 0 {
		t.Fatalf("turns = %d, want 0", got.Turns)
	}

	ts.createMatch(t, "alice", CreateMatchRequest{Title: "invite", PlayerCount: 2, Invite: []string{"carol"}})
	got := readUntil(t, conn, "turns", func(f session.TurnsFrame) bool { return f.Turns == 1 })
	if got.Turns != 1 {
		t.Errorf("turns = %d, want 1", got.Turns)
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

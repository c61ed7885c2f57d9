package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"
	"github.com/swaggest/swgui/v5emb"

	"github.com/playperu/tabletop/internal/handler/health"
	"github.com/playperu/tabletop/internal/session"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

type matchPath struct {
	MatchID int64 `path:"matchID"`
}

type tokenQuery struct {
	Token string `query:"token" description:"Bearer token for clients that cannot set headers."`
}

type matchSocketRequest struct {
	MatchID int64  `path:"matchID"`
	Token   string `query:"token" description:"Bearer token for clients that cannot set headers."`
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Tabletop API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Live sessions and lobby for turn-based tabletop matches.")

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Returns the health status of backend dependencies.")
	getHealthz.AddRespStructure(health.Response{}, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(health.Response{}, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// GET /ws/matches/{matchID}
	getMatchSocket, _ := r.NewOperationContext(http.MethodGet, "/ws/matches/{matchID}")
	getMatchSocket.SetSummary("Match session")
	getMatchSocket.SetDescription("Upgrades to a WebSocket carrying a live match. " +
		"Clients send {}, {join}, {decline}, {move} or {chat} frames and receive chat log, " +
		"match snapshot, chat and turn count frames. Anonymous viewers may only watch.")
	getMatchSocket.AddReqStructure(matchSocketRequest{})
	getMatchSocket.AddRespStructure(session.MatchFrame{}, openapi.WithHTTPStatus(http.StatusSwitchingProtocols))
	getMatchSocket.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	getMatchSocket.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getMatchSocket)

	// GET /ws/notifications
	getNotifications, _ := r.NewOperationContext(http.MethodGet, "/ws/notifications")
	getNotifications.SetSummary("Turn notifications")
	getNotifications.SetDescription("Upgrades to a WebSocket that sends the pending action count " +
		"on every client message and whenever a turn is handed to the caller.")
	getNotifications.AddReqStructure(tokenQuery{})
	getNotifications.AddRespStructure(session.TurnsFrame{}, openapi.WithHTTPStatus(http.StatusSwitchingProtocols))
	getNotifications.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getNotifications)

	// POST /api/matches
	postMatch, _ := r.NewOperationContext(http.MethodPost, "/api/matches")
	postMatch.SetSummary("Create match")
	postMatch.SetDescription("Creates a lobby with the caller in the first seat followed by the invited players. " +
		"Requires Bearer token.")
	postMatch.AddReqStructure(CreateMatchRequest{})
	postMatch.AddRespStructure(MatchResponse{}, openapi.WithHTTPStatus(http.StatusCreated))
	postMatch.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	postMatch.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(postMatch)

	// GET /api/matches/open
	listOpen, _ := r.NewOperationContext(http.MethodGet, "/api/matches/open")
	listOpen.SetSummary("Open matches")
	listOpen.SetDescription("Lists recent lobbies that still have a free seat.")
	listOpen.AddRespStructure([]MatchResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(listOpen)

	// GET /api/matches/{matchID}
	getMatch, _ := r.NewOperationContext(http.MethodGet, "/api/matches/{matchID}")
	getMatch.SetSummary("Get match")
	getMatch.SetDescription("Returns a match with its seats. unseen_chat is set when the caller has unread chat.")
	getMatch.AddReqStructure(matchPath{})
	getMatch.AddRespStructure(MatchResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	getMatch.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(getMatch)

	// GET /api/turns
	getTurns, _ := r.NewOperationContext(http.MethodGet, "/api/turns")
	getTurns.SetSummary("Pending actions")
	getTurns.SetDescription("Counts recent matches waiting on the caller. Anonymous callers get 0.")
	getTurns.AddRespStructure(TurnsResponse{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getTurns)

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func handleSwaggerUI() http.HandlerFunc {
	return v5emb.New("Tabletop API", "/openapi.json", "/docs").ServeHTTP
}

package server

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/tabletop/internal/chatlog"
	"github.com/playperu/tabletop/internal/engine"
	"github.com/playperu/tabletop/internal/fabric"
	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/turns"
)

// Deps is everything the handlers share.
type Deps struct {
	Store   store.Store
	Engine  engine.Engine
	Fabric  fabric.Fabric
	Tracker *turns.Tracker
	Chat    *chatlog.Service
	Logger  *slog.Logger
}

func addRoutes(r chi.Router, d Deps) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", handleSwaggerUI())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(d.Store, d.Logger))

		// Live connections.
		r.Get("/ws/matches/{matchID}", handleMatchSocket(d))
		r.Get("/ws/notifications", handleNotificationSocket(d))

		r.Get("/api/matches/open", handleOpenMatches(d.Store))
		r.Get("/api/matches/{matchID}", handleGetMatch(d.Store, d.Chat))
		r.Get("/api/turns", handleTurns(d.Tracker))

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/api/matches", handleCreateMatch(d.Store, d.Tracker, d.Logger))
		})
	})
}

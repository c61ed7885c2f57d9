package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
)

type ctxKey int

const ctxKeyUser ctxKey = iota

type userLookup interface {
	UserByToken(ctx context.Context, token string) (tabletop.User, error)
}

// authMiddleware resolves the caller. Requests without a token continue as
// anonymous viewers; a token that matches nobody is rejected.
func authMiddleware(users userLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := tokenFromRequest(r)
			if errors.Is(err, errNoToken) && r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "malformed authorization header")
				return
			}

			u, err := users.UserByToken(r.Context(), token)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if err != nil {
				logger.Error("resolving token", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUser, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r).Anonymous() {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userFrom returns the caller, or the zero (anonymous) user.
func userFrom(r *http.Request) tabletop.User {
	u, _ := r.Context().Value(ctxKeyUser).(tabletop.User)
	return u
}

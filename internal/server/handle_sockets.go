package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/playperu/tabletop/internal/session"
	"github.com/playperu/tabletop/internal/store"
)

const writeTimeout = 10 * time.Second

var errInboxClosed = errors.New("inbox closed")

// wsSender writes frames as JSON text messages.
type wsSender struct {
	conn *websocket.Conn
}

func (s wsSender) Send(ctx context.Context, frame any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, frame)
}

// readFrames hands every client message to deliver until the connection
// drops. It always returns a non-nil error so the surrounding group stops.
func readFrames(ctx context.Context, conn *websocket.Conn, deliver func([]byte) bool) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if !deliver(data) {
			return errInboxClosed
		}
	}
}

func logSocketEnd(logger *slog.Logger, err error) {
	switch {
	case err == nil, errors.Is(err, errInboxClosed), errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		logger.Debug("websocket closed", "error", err)
		return
	}
	logger.Debug("websocket closed")
}

// handleMatchSocket serves one client's live view of a match. Anonymous
// viewers are allowed and only ever receive state.
func handleMatchSocket(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchID, ok := matchIDParam(r)
		if !ok {
			writeError(w, http.StatusNotFound, "match not found")
			return
		}
		if _, err := d.Store.Match(r.Context(), matchID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "match not found")
				return
			}
			d.Logger.Error("loading match", "match_id", matchID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			d.Logger.Error("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		coord := session.New(session.Deps{
			Store:   d.Store,
			Engine:  d.Engine,
			Fabric:  d.Fabric,
			Tracker: d.Tracker,
			Chat:    d.Chat,
			Logger:  d.Logger,
		}, matchID, userFrom(r), wsSender{conn: conn})
		defer coord.Close()

		if err := coord.Open(r.Context()); err != nil {
			d.Logger.Error("opening match session", "match_id", matchID, "error", err)
			conn.Close(websocket.StatusInternalError, "subscription failed")
			return
		}

		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error { return readFrames(ctx, conn, coord.Deliver) })
		g.Go(func() error {
			if err := coord.Run(ctx); err != nil {
				return err
			}
			return fmt.Errorf("session for match %d ended", matchID)
		})
		logSocketEnd(d.Logger, g.Wait())
	}
}

// handleNotificationSocket pushes the caller's pending action count whenever
// the client asks or one of their matches hands them a turn.
func handleNotificationSocket(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			d.Logger.Error("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		watcher := session.NewWatcher(d.Fabric, d.Tracker, userFrom(r), wsSender{conn: conn}, d.Logger)
		defer watcher.Close()
		if err := watcher.Open(r.Context()); err != nil {
			d.Logger.Error("opening notifications", "error", err)
			conn.Close(websocket.StatusInternalError, "subscription failed")
			return
		}

		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error {
			return readFrames(ctx, conn, func([]byte) bool { return watcher.Poke() })
		})
		g.Go(func() error {
			if err := watcher.Run(ctx); err != nil {
				return err
			}
			return errors.New("notifications ended")
		})
		logSocketEnd(d.Logger, g.Wait())
	}
}

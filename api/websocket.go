package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const liveWriteTimeout = 5 * time.Second

var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// liveCountsHandler streams the count records of a running job over a
// websocket. The server closes the socket when the job ends.
func liveCountsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		records, unsubscribe, err := cfg.Jobs.Subscribe(id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		defer unsubscribe()

		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.Logger.Warn("websocket upgrade failed", slog.String("jobID", id), slog.Any("error", err))
			return
		}
		defer conn.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						cfg.Logger.Debug("live client read", slog.String("jobID", id), slog.Any("error", err))
					}
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case rec, ok := <-records:
				if !ok {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(liveWriteTimeout))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteJSON(CountToResponse(rec)); err != nil {
					cfg.Logger.Debug("live client write", slog.String("jobID", id), slog.Any("error", err))
					return
				}
			}
		}
	}
}

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linemk/sendmoney/internal/service"
)

const liveWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LiveFeedHandler обрабатывает GET /api/transactions/live?filter=.
// Отправляет текущий журнал сразу и каждый новый снимок после перезагрузки.
// Закрытие сокета снимает наблюдатель.
func LiveFeedHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.LiveFeedHandler"
		logger := log.With(slog.String("op", op))

		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			logger.Error("workspace not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		filter, err := service.ParseFeedFilter(r.URL.Query().Get("filter"))
		if err != nil {
			logger.Error("invalid filter", slog.Any("error", err))
			http.Error(w, "invalid filter", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade уже ответил клиенту
			logger.Error("failed to upgrade connection", slog.Any("error", err))
			return
		}
		defer conn.Close()

		updates, cancel := ws.Ledger.Watch()
		defer cancel()

		// читаем только ради управляющих кадров и обнаружения закрытия
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						logger.Warn("live feed read failed", slog.Any("error", err))
					}
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case list, ok := <-updates:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
						time.Now().Add(liveWriteTimeout))
					return
				}
				user := ws.Ledger.User()
				if user == nil {
					list = list[:0]
				} else {
					list = service.FilterFeed(list, user.ID, filter)
				}
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteJSON(list); err != nil {
					logger.Warn("failed to write snapshot", slog.Any("error", err))
					return
				}
			}
		}
	}
}

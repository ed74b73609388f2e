package handlers

import (
	"log/slog"
	"net/http"

	"github.com/linemk/sendmoney/internal/notice"
)

// NotificationsHandler обрабатывает GET /api/notifications и опустошает очередь уведомлений сессии
func NotificationsHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.NotificationsHandler"
		logger := log.With(slog.String("op", op))

		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			logger.Error("workspace not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		notices := ws.Notices.Drain()
		if notices == nil {
			notices = []notice.Notice{}
		}
		writeJSON(w, logger, http.StatusOK, notices)
	}
}

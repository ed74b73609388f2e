package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/service"
)

// UserDirectory - каталог получателей
type UserDirectory interface {
	SearchUsers(ctx context.Context, limit int) ([]models.UserSummary, error)
}

var _ UserDirectory = (*service.Directory)(nil)

// UsersHandler обрабатывает GET /api/users?limit=&q=.
// Фильтр по имени применяется к уже загруженному списку.
func UsersHandler(log *slog.Logger, dir UserDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.UsersHandler"
		logger := log.With(slog.String("op", op))

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				logger.Error("invalid limit", slog.String("limit", raw))
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		users, err := dir.SearchUsers(r.Context(), limit)
		if err != nil {
			logger.Error("failed to search users", slog.Any("error", err))
			http.Error(w, "failed to load users", http.StatusBadGateway)
			return
		}

		users = service.FilterUsers(users, r.URL.Query().Get("q"))
		// текущего пользователя из списка получателей убираем
		if ws, ok := WorkspaceFromContext(r.Context()); ok {
			if me := ws.Users.GetCurrentUser(); me != nil {
				users = excludeUser(users, me.ID)
			}
		}

		writeJSON(w, logger, http.StatusOK, users)
	}
}

func excludeUser(list []models.UserSummary, id uuid.UUID) []models.UserSummary {
	out := make([]models.UserSummary, 0, len(list))
	for _, u := range list {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

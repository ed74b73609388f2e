package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/linemk/sendmoney/internal/jwt-new/jwtmiddleware"
	"github.com/linemk/sendmoney/internal/service"
)

type workspaceKey struct{}

// WorkspaceMiddleware находит рабочее пространство по токену из JWT-middleware.
// Если процесс его не знает, оно поднимается заново по действующей сессии.
func WorkspaceMiddleware(log *slog.Logger, sessions SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "handlers.WorkspaceMiddleware"

			token, ok := jwtmiddleware.TokenFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ws, err := sessions.Resume(r.Context(), token)
			if err != nil {
				log.Warn("failed to resume session", slog.String("op", op), slog.Any("error", err))
				http.Error(w, "session expired", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithWorkspace(r.Context(), ws)))
		})
	}
}

// WorkspaceFromContext извлекает рабочее пространство сессии из контекста
func WorkspaceFromContext(ctx context.Context) (*service.Workspace, bool) {
	ws, ok := ctx.Value(workspaceKey{}).(*service.Workspace)
	return ws, ok && ws != nil
}

// WithWorkspace кладёт рабочее пространство в контекст
func WithWorkspace(ctx context.Context, ws *service.Workspace) context.Context {
	return context.WithValue(ctx, workspaceKey{}, ws)
}

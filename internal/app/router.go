package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linemk/sendmoney/internal/app/handlers"
	"github.com/linemk/sendmoney/internal/jwt-new/jwtmiddleware"
	"github.com/linemk/sendmoney/internal/lib/logger/handlers/urllog"
)

// NewRouter собирает HTTP-маршруты. JWT_SECRET должен быть задан заранее.
func NewRouter(log *slog.Logger, sessions handlers.SessionManager, dir handlers.UserDirectory) http.Handler {
	router := chi.NewRouter()
	// настройка middleware
	router.Use(middleware.RequestID)
	router.Use(urllog.CustomLoggerMiddleware(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.URLFormat)

	// регистрация и вход доступны без токена
	router.Post("/api/auth/signup", handlers.SignUpHandler(log, sessions))
	router.Post("/api/auth/signin", handlers.SignInHandler(log, sessions))

	router.Group(func(r chi.Router) {
		jwtMW := jwtmiddleware.NewJWTMiddleware()
		r.Use(jwtMW)
		// выход не требует рабочего пространства: неизвестный процессу токен всё равно отзывается
		r.Post("/api/auth/signout", handlers.SignOutHandler(log, sessions))

		r.Group(func(r chi.Router) {
			r.Use(handlers.WorkspaceMiddleware(log, sessions))

			r.Get("/api/me", handlers.MeHandler(log))
			r.Patch("/api/me", handlers.UpdateProfileHandler(log))
			// справочник получателей
			r.Get("/api/users", handlers.UsersHandler(log, dir))
			// журнал переводов и его живая версия по WebSocket
			r.Get("/api/transactions", handlers.TransactionsHandler(log))
			r.Get("/api/transactions/live", handlers.LiveFeedHandler(log))
			// эндпоинт для перевода денег другому пользователю
			r.Post("/api/sendMoney", handlers.SendMoneyHandler(log))
			r.Get("/api/notifications", handlers.NotificationsHandler(log))
		})
	})

	return router
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/linemk/sendmoney/internal/identity"
	"github.com/linemk/sendmoney/internal/jwt-new/jwtmiddleware"
	"github.com/linemk/sendmoney/internal/service"
)

// SessionManager - реестр сессий, реализуется service.Sessions
type SessionManager interface {
	SignUp(ctx context.Context, email, password, username string) error
	SignIn(ctx context.Context, email, password string) (string, *service.Workspace, error)
	SignOut(ctx context.Context, token string) error
	Resume(ctx context.Context, token string) (*service.Workspace, error)
}

var _ SessionManager = (*service.Sessions)(nil)

// SignUpRequest - запрос регистрации с тегами валидации
type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6"`
}

// SignInRequest - запрос входа
type SignInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse представляет структуру ответа с JWT-токеном
type AuthResponse struct {
	Token string `json:"token"`
}

// MessageResponse - ответ с текстом для пользователя
type MessageResponse struct {
	Message string `json:"message"`
}

var validate = validator.New()

// SignUpHandler обрабатывает POST /api/auth/signup.
// Регистрация не выполняет вход, токен выдаёт только signin.
func SignUpHandler(log *slog.Logger, sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.SignUpHandler"
		logger := log.With(slog.String("op", op))

		var req SignUpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("invalid request: decoding error", slog.Any("error", err))
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		if err := validate.Struct(req); err != nil {
			logger.Error("invalid request: validation error", slog.Any("error", err))
			http.Error(w, "validation error", http.StatusBadRequest)
			return
		}

		if err := sessions.SignUp(r.Context(), req.Email, req.Password, req.Username); err != nil {
			logger.Error("sign up failed", slog.Any("error", err))
			switch {
			case errors.Is(err, service.ErrDuplicateUsername), errors.Is(err, identity.ErrEmailTaken):
				http.Error(w, rootCause(err), http.StatusConflict)
			case errors.Is(err, identity.ErrWeakPassword):
				http.Error(w, rootCause(err), http.StatusBadRequest)
			default:
				http.Error(w, "sign up failed", http.StatusBadGateway)
			}
			return
		}

		writeJSON(w, logger, http.StatusCreated, MessageResponse{Message: "Account created successfully!"})
	}
}

// SignInHandler обрабатывает POST /api/auth/signin и возвращает токен доступа
func SignInHandler(log *slog.Logger, sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.SignInHandler"
		logger := log.With(slog.String("op", op))

		var req SignInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("invalid request: decoding error", slog.Any("error", err))
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		if err := validate.Struct(req); err != nil {
			logger.Error("invalid request: validation error", slog.Any("error", err))
			http.Error(w, "validation error", http.StatusBadRequest)
			return
		}

		token, _, err := sessions.SignIn(r.Context(), req.Email, req.Password)
		if err != nil {
			logger.Error("sign in failed", slog.Any("error", err))
			if errors.Is(err, identity.ErrInvalidCredentials) {
				http.Error(w, rootCause(err), http.StatusUnauthorized)
				return
			}
			http.Error(w, "sign in failed", http.StatusBadGateway)
			return
		}

		writeJSON(w, logger, http.StatusOK, AuthResponse{Token: token})
	}
}

// SignOutHandler обрабатывает POST /api/auth/signout. Локальная сессия закрывается
// всегда, ошибка провайдера только логируется.
func SignOutHandler(log *slog.Logger, sessions SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.SignOutHandler"
		logger := log.With(slog.String("op", op))

		token, ok := jwtmiddleware.TokenFromContext(r.Context())
		if !ok {
			logger.Error("token not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if err := sessions.SignOut(r.Context(), token); err != nil {
			logger.Warn("remote sign out failed", slog.Any("error", err))
		}

		writeJSON(w, logger, http.StatusOK, MessageResponse{Message: "Signed out successfully"})
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/service"
)

// UpdateProfileRequest - частичное обновление профиля, баланс и email не меняются
type UpdateProfileRequest struct {
	Username  *string `json:"username" validate:"omitempty,min=3,max=32"`
	AvatarURL *string `json:"avatarUrl" validate:"omitempty,url"`
}

// MeHandler обрабатывает GET /api/me
func MeHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.MeHandler"
		logger := log.With(slog.String("op", op))

		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			logger.Error("workspace not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// профиль мог ещё не загрузиться после входа
		user, err := ws.Users.Wait(r.Context())
		if err != nil {
			logger.Error("current user not available", slog.Any("error", err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		writeJSON(w, logger, http.StatusOK, user)
	}
}

// UpdateProfileHandler обрабатывает PATCH /api/me
func UpdateProfileHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.UpdateProfileHandler"
		logger := log.With(slog.String("op", op))

		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			logger.Error("workspace not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req UpdateProfileRequest
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

		upd := models.ProfileUpdate{Username: req.Username, AvatarURL: req.AvatarURL}
		if err := ws.Users.UpdateProfile(r.Context(), upd); err != nil {
			logger.Error("failed to update profile", slog.Any("error", err))
			switch {
			case errors.Is(err, service.ErrDuplicateUsername):
				http.Error(w, rootCause(err), http.StatusConflict)
			case errors.Is(err, service.ErrNotAuthenticated):
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			default:
				http.Error(w, "failed to update profile", http.StatusBadGateway)
			}
			return
		}

		writeJSON(w, logger, http.StatusOK, ws.Users.GetCurrentUser())
	}
}

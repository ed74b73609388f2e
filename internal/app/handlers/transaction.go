package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/service"
)

// SendMoneyRequest представляет входной JSON для перевода.
// Сумма принимается строкой "25.00" или числом.
type SendMoneyRequest struct {
	ToUserID uuid.UUID    `json:"toUserId"`
	Amount   models.Money `json:"amount"`
	Note     *string      `json:"note" validate:"omitempty,max=280"`
}

// SendMoneyHandler обрабатывает запрос POST /api/sendMoney.
// Предусловия проверяет журнал: их нарушение даёт 400 без записи в хранилище.
func SendMoneyHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.SendMoneyHandler"
		logger := log.With(slog.String("op", op))

		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			logger.Error("workspace not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req SendMoneyRequest
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

		sender := ws.Users.GetCurrentUser()
		if _, err := ws.Ledger.SendMoney(r.Context(), sender, req.ToUserID, req.Amount, req.Note); err != nil {
			logger.Error("failed to send money", slog.Any("error", err))
			var transferErr *service.TransferError
			switch {
			case errors.Is(err, service.ErrUnauthenticated):
				http.Error(w, rootCause(err), http.StatusUnauthorized)
			case errors.As(err, &transferErr) && transferErr.Rejected():
				http.Error(w, rootCause(err), http.StatusBadRequest)
			default:
				http.Error(w, "failed to send payment", http.StatusBadGateway)
			}
			return
		}

		writeJSON(w, logger, http.StatusOK, MessageResponse{Message: "Payment sent successfully!"})
	}
}

// TransactionsHandler обрабатывает GET /api/transactions?filter=all|sent|received&group=day.
// Журнал отдаётся из памяти сессии, refresh=true перечитывает его из хранилища.
func TransactionsHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.TransactionsHandler"
		logger := log.With(slog.String("op", op))

		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			logger.Error("workspace not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		query := r.URL.Query()
		filter, err := service.ParseFeedFilter(query.Get("filter"))
		if err != nil {
			logger.Error("invalid filter", slog.Any("error", err))
			http.Error(w, "invalid filter", http.StatusBadRequest)
			return
		}

		if refresh, _ := strconv.ParseBool(query.Get("refresh")); refresh {
			if _, err := ws.Ledger.FetchTransactions(r.Context(), ws.Users.GetCurrentUser()); err != nil {
				logger.Error("failed to refresh transactions", slog.Any("error", err))
				http.Error(w, "failed to load transactions", http.StatusBadGateway)
				return
			}
		}

		txs := ws.Ledger.Transactions(filter)
		switch query.Get("group") {
		case "":
			writeJSON(w, logger, http.StatusOK, txs)
		case "day":
			writeJSON(w, logger, http.StatusOK, service.GroupByDate(txs))
		default:
			http.Error(w, "invalid group", http.StatusBadRequest)
		}
	}
}

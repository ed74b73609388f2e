package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/realtime"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrReceiverNotFound  = errors.New("receiver not found")
	ErrSelfTransfer      = errors.New("sender and receiver must differ")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

const pqForeignKeyViolation = "23503"

// TransactionStorage описывает методы для работы с журналом переводов.
type TransactionStorage interface {
	// GetTransactionsByUserID возвращает все переводы, где пользователь отправитель или получатель, новые первыми.
	GetTransactionsByUserID(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error)
	// Transfer атомарно записывает перевод и меняет оба баланса.
	Transfer(ctx context.Context, senderID, receiverID uuid.UUID, amount models.Money, note *string) (*models.Transaction, error)
}

type transactionRepository struct {
	log   *slog.Logger
	db    *sql.DB
	users *userRepository
	feed  *ChangeFeed
}

func NewTransactionRepository(log *slog.Logger, db *sql.DB, users *userRepository, feed *ChangeFeed) TransactionStorage {
	return &transactionRepository{log: log, db: db, users: users, feed: feed}
}

func (r *transactionRepository) GetTransactionsByUserID(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	query := `
		SELECT t.id, t.sender_id, t.receiver_id, t.amount, t.note, t.created_at,
			s.username, s.avatar_url, r.username, r.avatar_url
		FROM transactions t
		JOIN users s ON s.id = t.sender_id
		JOIN users r ON r.id = t.receiver_id
		WHERE t.sender_id = $1 OR t.receiver_id = $1
		ORDER BY t.created_at DESC, t.id DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var (
			t                models.Transaction
			sender, receiver models.UserSummary
		)
		if err := rows.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Note, &t.CreatedAt,
			&sender.Username, &sender.AvatarURL, &receiver.Username, &receiver.AvatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		sender.ID, receiver.ID = t.SenderID, t.ReceiverID
		t.Sender, t.Receiver = &sender, &receiver
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

// Transfer выполняет перевод одной транзакцией БД:
// блокировка отправителя, запись в журнал, списание, зачисление.
// При любой ошибке всё откатывается, частично применённых переводов не бывает.
func (r *transactionRepository) Transfer(ctx context.Context, senderID, receiverID uuid.UUID, amount models.Money, note *string) (*models.Transaction, error) {
	const op = "storage.Transfer"
	logger := r.log.With(
		slog.String("op", op),
		slog.String("senderID", senderID.String()),
		slog.String("receiverID", receiverID.String()),
		slog.String("amount", amount.String()),
	)

	if amount <= 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidAmount)
	}
	if senderID == receiverID {
		return nil, fmt.Errorf("%s: %w", op, ErrSelfTransfer)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	rollback := func() {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("transaction rollback failed", slog.Any("error", rbErr))
		}
	}

	sender, err := r.users.LockUserByIDTx(ctx, tx, senderID)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("%s: failed to lock sender: %w", op, err)
	}
	if sender.Balance < amount {
		rollback()
		return nil, fmt.Errorf("%s: %w", op, ErrInsufficientFunds)
	}

	t := &models.Transaction{SenderID: senderID, ReceiverID: receiverID, Amount: amount, Note: note}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO transactions (sender_id, receiver_id, amount, note) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		senderID, receiverID, amount, note,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		rollback()
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return nil, fmt.Errorf("%s: %w", op, ErrReceiverNotFound)
		}
		return nil, fmt.Errorf("%s: failed to record transaction: %w", op, err)
	}

	if err := r.users.DebitTx(ctx, tx, senderID, amount); err != nil {
		rollback()
		return nil, fmt.Errorf("%s: failed to debit sender: %w", op, err)
	}

	if err := r.users.CreditTx(ctx, tx, receiverID, amount); err != nil {
		rollback()
		return nil, fmt.Errorf("%s: failed to credit receiver: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}
	logger.Info("transfer committed", slog.String("transactionID", t.ID.String()))

	r.feed.emit(ctx, realtime.TableTransactions, realtime.EventInsert, t.ID,
		realtime.SenderFilter(senderID), realtime.ReceiverFilter(receiverID))
	r.feed.emit(ctx, realtime.TableUsers, realtime.EventUpdate, senderID, realtime.UserFilter(senderID))
	r.feed.emit(ctx, realtime.TableUsers, realtime.EventUpdate, receiverID, realtime.UserFilter(receiverID))

	return t, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/realtime"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already registered")
)

const pqUniqueViolation = "23505"

const userColumns = "id, username, email, avatar_url, balance, created_at, updated_at"

type UserStorage interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// GetUserByUsername ищет точное (с учётом регистра) совпадение имени
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, upd models.ProfileUpdate) (*models.User, error)
	ListUsers(ctx context.Context, limit int) ([]models.UserSummary, error)
}

type userRepository struct {
	db   *sql.DB
	feed *ChangeFeed
}

func NewUserRepository(db *sql.DB, feed *ChangeFeed) *userRepository {
	return &userRepository{db: db, feed: feed}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.AvatarURL, &user.Balance, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (r *userRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	return scanUser(row)
}

func (r *userRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username)
	return scanUser(row)
}

// CreateUser создаёт профиль; id берётся от провайдера идентификации
func (r *userRepository) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	err := r.db.QueryRowContext(ctx,
		"INSERT INTO users (id, username, email, avatar_url, balance) VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at",
		user.ID, user.Username, user.Email, user.AvatarURL, user.Balance,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	r.feed.emit(ctx, realtime.TableUsers, realtime.EventInsert, user.ID, realtime.UserFilter(user.ID))
	return user, nil
}

func (r *userRepository) UpdateProfile(ctx context.Context, id uuid.UUID, upd models.ProfileUpdate) (*models.User, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE users SET username = COALESCE($1, username), avatar_url = COALESCE($2, avatar_url), updated_at = NOW()
		WHERE id = $3 RETURNING `+userColumns,
		upd.Username, upd.AvatarURL, id,
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, mapUniqueViolation(err)
	}
	r.feed.emit(ctx, realtime.TableUsers, realtime.EventUpdate, id, realtime.UserFilter(id))
	return user, nil
}

// ListUsers отдаёт первую страницу профилей без фильтрации по тексту
func (r *userRepository) ListUsers(ctx context.Context, limit int) ([]models.UserSummary, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, username, avatar_url FROM users ORDER BY username LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := make([]models.UserSummary, 0, limit)
	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// LockUserByIDTx читает пользователя с блокировкой строки до конца транзакции
func (r *userRepository) LockUserByIDTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*models.User, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id)
	return scanUser(row)
}

// DebitTx списывает сумму, только если баланс не уйдёт в минус
func (r *userRepository) DebitTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, amount models.Money) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = balance - $1, updated_at = NOW() WHERE id = $2 AND balance >= $1",
		amount, id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (r *userRepository) CreditTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, amount models.Money) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = balance + $1, updated_at = NOW() WHERE id = $2",
		amount, id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrReceiverNotFound
	}
	return nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		if strings.Contains(pqErr.Constraint, "email") {
			return fmt.Errorf("%w: %v", ErrEmailTaken, err)
		}
		return fmt.Errorf("%w: %v", ErrUsernameTaken, err)
	}
	return err
}

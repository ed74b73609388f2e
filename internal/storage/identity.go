package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/linemk/sendmoney/internal/domain/models"
)

var ErrIdentityNotFound = errors.New("identity not found")

// IdentityStorage хранит учётные данные провайдера идентификации
type IdentityStorage interface {
	CreateIdentity(ctx context.Context, email string, passHash []byte, metadata map[string]string) (uuid.UUID, error)
	GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error)
}

type identityRepository struct {
	db *sql.DB
}

func NewIdentityRepository(db *sql.DB) IdentityStorage {
	return &identityRepository{db: db}
}

// CreateIdentity сохраняет учётную запись вместе с метаданными регистрации (например, username)
func (r *identityRepository) CreateIdentity(ctx context.Context, email string, passHash []byte, metadata map[string]string) (uuid.UUID, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRowContext(ctx,
		"INSERT INTO identities (email, pass_hash, metadata) VALUES ($1, $2, $3) RETURNING id",
		email, passHash, raw,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrEmailTaken, err)
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (r *identityRepository) GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error) {
	identity := &models.Identity{}
	var raw []byte
	row := r.db.QueryRowContext(ctx, "SELECT id, email, pass_hash, metadata, created_at FROM identities WHERE email = $1", email)
	if err := row.Scan(&identity.ID, &identity.Email, &identity.PassHash, &raw, &identity.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &identity.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return identity, nil
}

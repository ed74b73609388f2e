package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	security "github.com/linemk/sendmoney/internal/jwt-new"
	"github.com/linemk/sendmoney/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 6

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password is too short")
	ErrInvalidSession     = errors.New("session is invalid or expired")
)

// Session - выданная провайдером сессия
type Session struct {
	AccessToken string    `json:"accessToken"`
	UserID      uuid.UUID `json:"userId"`
	Email       string    `json:"email"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Provider - удалённая сторона идентификации: регистрация, вход, отзыв и проверка токенов
type Provider interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]string) (uuid.UUID, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*Session, error)
}

// Local - провайдер поверх собственной таблицы identities, bcrypt и JWT
type Local struct {
	log        *slog.Logger
	identities storage.IdentityStorage
	sessions   storage.SessionStore
	tokenTTL   time.Duration
}

var _ Provider = (*Local)(nil)

func NewLocal(log *slog.Logger, identities storage.IdentityStorage, sessions storage.SessionStore, tokenTTL time.Duration) *Local {
	return &Local{
		log:        log,
		identities: identities,
		sessions:   sessions,
		tokenTTL:   tokenTTL,
	}
}

// SignUp создаёт учётную запись. Пароль хэшируется через bcrypt, который сам добавляет соль.
func (l *Local) SignUp(ctx context.Context, email, password string, metadata map[string]string) (uuid.UUID, error) {
	const op = "identity.SignUp"
	email = normalizeEmail(email)
	logger := l.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)

	if len(password) < minPasswordLen {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Error("failed to hash password", slog.Any("error", err))
		return uuid.Nil, fmt.Errorf("%s: failed to hash password: %w", op, err)
	}

	id, err := l.identities.CreateIdentity(ctx, email, passHash, metadata)
	if err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			logger.Warn("email already registered")
			return uuid.Nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}
		logger.Error("failed to create identity", slog.Any("error", err))
		return uuid.Nil, fmt.Errorf("%s: failed to create identity: %w", op, err)
	}

	logger.Info("identity created", slog.String("userID", id.String()), slog.String("username", metadata["username"]))
	return id, nil
}

// SignInWithPassword проверяет пароль и выдаёт токен. Сессия регистрируется в SessionStore, чтобы её можно было отозвать.
func (l *Local) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	const op = "identity.SignInWithPassword"
	email = normalizeEmail(email)
	logger := l.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)

	identity, err := l.identities.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrIdentityNotFound) {
			logger.Warn("unknown email")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		logger.Error("failed to get identity", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to get identity: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(identity.PassHash, []byte(password)); err != nil {
		logger.Warn("invalid password")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	sessionID := uuid.NewString()
	token, expiresAt, err := security.NewToken(ctx, identity, sessionID, l.tokenTTL)
	if err != nil {
		logger.Error("failed to generate token", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to generate token: %w", op, err)
	}

	if err := l.sessions.Put(ctx, sessionID, identity.ID.String(), l.tokenTTL); err != nil {
		logger.Error("failed to store session", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to store session: %w", op, err)
	}

	logger.Info("user signed in", slog.String("userID", identity.ID.String()))
	return &Session{
		AccessToken: token,
		UserID:      identity.ID,
		Email:       identity.Email,
		ExpiresAt:   expiresAt,
	}, nil
}

// SignOut отзывает сессию токена
func (l *Local) SignOut(ctx context.Context, accessToken string) error {
	const op = "identity.SignOut"
	logger := l.log.With(slog.String("op", op))

	claims, err := security.ParseToken(accessToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidSession)
	}
	if err := l.sessions.Delete(ctx, claims.SessionID); err != nil {
		logger.Error("failed to revoke session", slog.Any("error", err))
		return fmt.Errorf("%s: failed to revoke session: %w", op, err)
	}

	logger.Info("session revoked", slog.String("userID", claims.UserID.String()))
	return nil
}

// GetUser возвращает сессию по токену, если он подписан нами, не истёк и не отозван
func (l *Local) GetUser(ctx context.Context, accessToken string) (*Session, error) {
	const op = "identity.GetUser"

	claims, err := security.ParseToken(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidSession)
	}

	alive, err := l.sessions.Exists(ctx, claims.SessionID)
	if err != nil {
		l.log.Error("failed to check session", slog.String("op", op), slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to check session: %w", op, err)
	}
	if !alive {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidSession)
	}

	return &Session{
		AccessToken: accessToken,
		UserID:      claims.UserID,
		Email:       claims.Email,
		ExpiresAt:   claims.ExpiresAt,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

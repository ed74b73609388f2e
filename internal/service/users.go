package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/identity"
	"github.com/linemk/sendmoney/internal/notice"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/storage"
)

// AuthClient - клиентская сторона провайдера идентификации (см. identity.Client)
type AuthClient interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]string) (uuid.UUID, error)
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error)
	SignOut(ctx context.Context) error
	SetSession(ctx context.Context, accessToken string) (*identity.Session, error)
	GetSession() *identity.Session
	OnAuthStateChange(fn identity.Listener) *identity.Subscription
}

var _ AuthClient = (*identity.Client)(nil)

type storeEventKind int

const (
	eventSignedIn storeEventKind = iota
	eventSignedOut
	eventRefresh
)

type storeEvent struct {
	kind   storeEventKind
	userID uuid.UUID
}

const storeQueueSize = 16

// CurrentUserStore держит профиль вошедшего пользователя.
// События провайдера не обрабатываются в его колбэке: они кладутся в очередь,
// которую разбирает отдельная горутина.
type CurrentUserStore struct {
	log             *slog.Logger
	auth            AuthClient
	users           storage.UserStorage
	changes         realtime.Channel
	notices         notice.Notifier
	startingBalance models.Money

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan storeEvent
	done    chan struct{}
	authSub *identity.Subscription

	// setMu упорядочивает смену пользователя вместе с оповещением слушателей
	setMu sync.Mutex

	mu         sync.RWMutex
	current    *models.User
	userSub    realtime.Subscription
	pending    chan struct{}
	resolveErr error
	listeners  []func(*models.User)

	inflight  atomic.Int32
	closeOnce sync.Once
}

func NewCurrentUserStore(
	log *slog.Logger,
	auth AuthClient,
	users storage.UserStorage,
	changes realtime.Channel,
	notices notice.Notifier,
	startingBalance models.Money,
) *CurrentUserStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &CurrentUserStore{
		log:             log,
		auth:            auth,
		users:           users,
		changes:         changes,
		notices:         notices,
		startingBalance: startingBalance,
		ctx:             ctx,
		cancel:          cancel,
		events:          make(chan storeEvent, storeQueueSize),
		done:            make(chan struct{}),
	}
	s.authSub = auth.OnAuthStateChange(s.onAuthEvent)
	go s.run()
	return s
}

// GetCurrentUser возвращает копию профиля или nil, если никто не вошёл
func (s *CurrentUserStore) GetCurrentUser() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	u := *s.current
	return &u
}

// Loading - идёт мутирующая операция или ожидается загрузка профиля после входа
func (s *CurrentUserStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight.Load() > 0 || s.pending != nil
}

// OnUserChange вызывается при смене вошедшего пользователя (вход, выход), но не при обновлении баланса
func (s *CurrentUserStore) OnUserChange(fn func(*models.User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SignIn проверяет учётные данные у провайдера. Профиль подгружается асинхронно
// по событию SIGNED_IN, дождаться его можно через Wait.
func (s *CurrentUserStore) SignIn(ctx context.Context, email, password string) error {
	const op = "service.CurrentUserStore.SignIn"
	logger := s.log.With(
		slog.String("op", op),
		slog.String("email", email),
	)
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	s.startPending()
	if _, err := s.auth.SignInWithPassword(ctx, email, password); err != nil {
		s.finishPending(err)
		logger.Warn("sign in failed", slog.Any("error", err))
		s.notices.Error("Error signing in: " + reason(err))
		return &AuthError{Op: op, Err: err}
	}

	logger.Info("signed in")
	s.notices.Success("Signed in successfully")
	return nil
}

// Wait ждёт завершения загрузки профиля после входа
func (s *CurrentUserStore) Wait(ctx context.Context) (*models.User, error) {
	s.mu.RLock()
	pending := s.pending
	s.mu.RUnlock()

	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	if s.current == nil {
		return nil, ErrNotAuthenticated
	}
	u := *s.current
	return &u, nil
}

// SignUp регистрирует учётную запись и профиль со стартовым балансом.
// Проверка имени заранее только подсказка: гонку ловит уникальный индекс.
func (s *CurrentUserStore) SignUp(ctx context.Context, email, password, username string) error {
	const op = "service.CurrentUserStore.SignUp"
	logger := s.log.With(
		slog.String("op", op),
		slog.String("email", email),
		slog.String("username", username),
	)
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	_, err := s.users.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		logger.Warn("username already taken")
		s.notices.Error("Username already taken")
		return &AuthError{Op: op, Err: ErrDuplicateUsername}
	case !errors.Is(err, storage.ErrUserNotFound):
		logger.Error("failed to check username", slog.Any("error", err))
		s.notices.Error(reason(err))
		return &AuthError{Op: op, Err: err}
	}

	id, err := s.auth.SignUp(ctx, email, password, map[string]string{"username": username})
	if err != nil {
		logger.Warn("identity sign up failed", slog.Any("error", err))
		s.notices.Error(reason(err))
		return &AuthError{Op: op, Err: err}
	}

	profile := &models.User{
		ID:       id,
		Username: username,
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Balance:  s.startingBalance,
	}
	if _, err := s.users.CreateUser(ctx, profile); err != nil {
		if errors.Is(err, storage.ErrUsernameTaken) {
			logger.Warn("username taken concurrently")
			s.notices.Error("Username already taken")
			return &AuthError{Op: op, Err: ErrDuplicateUsername}
		}
		logger.Error("failed to create profile", slog.Any("error", err))
		s.notices.Error(reason(err))
		return &AuthError{Op: op, Err: fmt.Errorf("failed to create profile: %w", err)}
	}

	logger.Info("account created", slog.String("userID", id.String()))
	s.notices.Success("Account created successfully!")
	return nil
}

// SignOut очищает локальное состояние всегда, даже если провайдер недоступен
func (s *CurrentUserStore) SignOut(ctx context.Context) error {
	const op = "service.CurrentUserStore.SignOut"
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	s.setCurrent(nil)
	if err := s.auth.SignOut(ctx); err != nil {
		s.log.Warn("remote sign out failed", slog.String("op", op), slog.Any("error", err))
		s.notices.Error("Error signing out: " + reason(err))
		return &AuthError{Op: op, Err: err}
	}

	s.notices.Success("Signed out successfully")
	return nil
}

// UpdateProfile сохраняет изменения в хранилище и затем вливает их в локальную копию
func (s *CurrentUserStore) UpdateProfile(ctx context.Context, upd models.ProfileUpdate) error {
	const op = "service.CurrentUserStore.UpdateProfile"
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	current := s.GetCurrentUser()
	if current == nil {
		s.notices.Error("Error updating profile: " + ErrNotAuthenticated.Error())
		return &AuthError{Op: op, Err: ErrNotAuthenticated}
	}
	logger := s.log.With(
		slog.String("op", op),
		slog.String("userID", current.ID.String()),
	)

	if _, err := s.users.UpdateProfile(ctx, current.ID, upd); err != nil {
		if errors.Is(err, storage.ErrUsernameTaken) {
			err = ErrDuplicateUsername
		}
		logger.Error("failed to update profile", slog.Any("error", err))
		s.notices.Error("Error updating profile: " + reason(err))
		return &AuthError{Op: op, Err: err}
	}

	s.mu.Lock()
	if s.current != nil && s.current.ID == current.ID {
		merged := upd.Apply(*s.current)
		s.current = &merged
	}
	s.mu.Unlock()

	logger.Info("profile updated")
	s.notices.Success("Profile updated successfully")
	return nil
}

// Restore поднимает профиль по уже существующей сессии клиента
func (s *CurrentUserStore) Restore(ctx context.Context) error {
	const op = "service.CurrentUserStore.Restore"

	session := s.auth.GetSession()
	if session == nil {
		return nil
	}
	user, err := s.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		s.log.Error("failed to restore profile", slog.String("op", op), slog.Any("error", err))
		return &AuthError{Op: op, Err: err}
	}
	s.setCurrent(user)
	return nil
}

// Close отписывается от провайдера и канала изменений и останавливает горутину очереди
func (s *CurrentUserStore) Close() {
	s.closeOnce.Do(func() {
		s.authSub.Unsubscribe()
		s.cancel()
		<-s.done

		s.mu.Lock()
		sub := s.userSub
		s.userSub = nil
		s.mu.Unlock()
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		s.finishPending(context.Canceled)
	})
}

func (s *CurrentUserStore) onAuthEvent(event identity.AuthEvent, session *identity.Session) {
	switch event {
	case identity.SignedIn:
		if session != nil {
			s.enqueue(storeEvent{kind: eventSignedIn, userID: session.UserID})
		}
	case identity.SignedOut:
		s.enqueue(storeEvent{kind: eventSignedOut})
	}
}

func (s *CurrentUserStore) enqueue(ev storeEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *CurrentUserStore) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *CurrentUserStore) handle(ev storeEvent) {
	switch ev.kind {
	case eventSignedIn:
		s.resolve(ev.userID)
	case eventSignedOut:
		s.setCurrent(nil)
	case eventRefresh:
		s.refresh(ev.userID)
	}
}

func (s *CurrentUserStore) resolve(userID uuid.UUID) {
	const op = "service.CurrentUserStore.resolve"
	logger := s.log.With(
		slog.String("op", op),
		slog.String("userID", userID.String()),
	)

	user, err := s.users.GetUserByID(s.ctx, userID)
	if err != nil {
		logger.Error("failed to fetch user data", slog.Any("error", err))
		s.notices.Error("Error fetching user data: " + reason(err))
		s.finishPending(fmt.Errorf("%s: %w", op, err))
		return
	}

	// За время запроса сессия могла смениться
	if session := s.auth.GetSession(); session == nil || session.UserID != userID {
		logger.Info("session changed while resolving profile")
		s.finishPending(ErrNotAuthenticated)
		return
	}

	s.setCurrent(user)
	s.finishPending(nil)
	logger.Info("profile resolved")
}

// refresh перечитывает профиль по уведомлению об изменении строки users, например после перевода
func (s *CurrentUserStore) refresh(userID uuid.UUID) {
	const op = "service.CurrentUserStore.refresh"

	current := s.GetCurrentUser()
	if current == nil || current.ID != userID {
		return
	}
	user, err := s.users.GetUserByID(s.ctx, userID)
	if err != nil {
		s.log.Error("failed to refresh profile", slog.String("op", op), slog.Any("error", err))
		return
	}

	s.mu.Lock()
	if s.current != nil && s.current.ID == userID {
		s.current = user
	}
	s.mu.Unlock()
}

// setCurrent меняет текущего пользователя, переподписывается на изменения его строки
// и оповещает слушателей, если сменилась личность
func (s *CurrentUserStore) setCurrent(user *models.User) {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.current = user
	identityChanged := (prev == nil) != (user == nil) || (prev != nil && user != nil && prev.ID != user.ID)
	var oldSub realtime.Subscription
	if identityChanged {
		oldSub = s.userSub
		s.userSub = nil
	}
	listeners := make([]func(*models.User), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if !identityChanged {
		return
	}
	if oldSub != nil {
		if err := oldSub.Unsubscribe(); err != nil {
			s.log.Warn("failed to unsubscribe from user changes", slog.Any("error", err))
		}
	}
	if user != nil && s.changes != nil {
		userID := user.ID
		sub, err := s.changes.Subscribe(realtime.UserFilter(userID), func(realtime.Change) {
			s.enqueue(storeEvent{kind: eventRefresh, userID: userID})
		})
		if err != nil {
			s.log.Error("failed to subscribe to user changes", slog.Any("error", err))
		} else {
			s.mu.Lock()
			if s.current != nil && s.current.ID == userID && s.userSub == nil {
				s.userSub = sub
				sub = nil
			}
			s.mu.Unlock()
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}
	}

	for _, fn := range listeners {
		var u *models.User
		if user != nil {
			cp := *user
			u = &cp
		}
		fn(u)
	}
}

func (s *CurrentUserStore) startPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(chan struct{})
	}
	s.resolveErr = nil
}

func (s *CurrentUserStore) finishPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveErr = err
	if s.pending != nil {
		close(s.pending)
		s.pending = nil
	}
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/identity"
	"github.com/linemk/sendmoney/internal/notice"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/storage"
)

const bindTimeout = 10 * time.Second

// Deps - общие для всех сессий зависимости
type Deps struct {
	Log             *slog.Logger
	Provider        identity.Provider
	Users           storage.UserStorage
	Transactions    storage.TransactionStorage
	Changes         realtime.Channel
	Locks           *SenderLocks
	StartingBalance models.Money
	NoticeCapacity  int
	// SweepInterval - период удаления рабочих пространств с истёкшим токеном
	SweepInterval time.Duration
	// Now подменяется в тестах
	Now func() time.Time
}

// Workspace - состояние одной клиентской сессии: клиент идентификации,
// текущий пользователь, журнал и очередь уведомлений
type Workspace struct {
	Auth    *identity.Client
	Users   *CurrentUserStore
	Ledger  *LedgerClient
	Notices *notice.Queue

	// нулевое значение - срок не известен, пространство живёт до выхода
	expiresAt time.Time
}

func newWorkspace(d Deps) *Workspace {
	notices := notice.NewQueue(d.Log, d.NoticeCapacity)
	auth := identity.NewClient(d.Log, d.Provider)
	users := NewCurrentUserStore(d.Log, auth, d.Users, d.Changes, notices, d.StartingBalance)
	ledger := NewLedgerClient(d.Log, d.Transactions, d.Changes, notices, d.Locks)

	// журнал следует за вошедшим пользователем
	users.OnUserChange(func(u *models.User) {
		ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
		defer cancel()
		if err := ledger.Bind(ctx, u); err != nil {
			d.Log.Warn("failed to bind ledger", slog.Any("error", err))
		}
	})

	return &Workspace{
		Auth:    auth,
		Users:   users,
		Ledger:  ledger,
		Notices: notices,
	}
}

// Close обязателен: снимает все подписки рабочего пространства
func (w *Workspace) Close() {
	w.Users.Close()
	w.Ledger.Close()
}

func (w *Workspace) expired(now time.Time) bool {
	return !w.expiresAt.IsZero() && !now.Before(w.expiresAt)
}

// Sessions - реестр рабочих пространств по токену доступа. Пространства с истёкшим
// токеном закрываются фоновой чисткой и при обращении к ним.
type Sessions struct {
	deps Deps

	mu      sync.Mutex
	byToken map[string]*Workspace

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewSessions(deps Deps) *Sessions {
	if deps.Locks == nil {
		deps.Locks = NewSenderLocks()
	}
	if deps.StartingBalance == 0 {
		deps.StartingBalance = DefaultStartingBalance
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = DefaultSweepInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Sessions{
		deps:    deps,
		byToken: make(map[string]*Workspace),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// DefaultSweepInterval - период фоновой чистки по умолчанию
const DefaultSweepInterval = time.Minute

// DefaultStartingBalance - стартовый баланс нового профиля, 1000.00
const DefaultStartingBalance models.Money = 100000

// SignUp регистрирует пользователя во временном рабочем пространстве
func (s *Sessions) SignUp(ctx context.Context, email, password, username string) error {
	ws := newWorkspace(s.deps)
	defer ws.Close()
	return ws.Users.SignUp(ctx, email, password, username)
}

// SignIn открывает рабочее пространство и ждёт, пока загрузится профиль
func (s *Sessions) SignIn(ctx context.Context, email, password string) (string, *Workspace, error) {
	const op = "service.Sessions.SignIn"

	ws := newWorkspace(s.deps)
	if err := ws.Users.SignIn(ctx, email, password); err != nil {
		ws.Close()
		return "", nil, err
	}
	if _, err := ws.Users.Wait(ctx); err != nil {
		s.deps.Log.Error("profile not resolved after sign in", slog.String("op", op), slog.Any("error", err))
		_ = ws.Users.SignOut(context.Background())
		ws.Close()
		return "", nil, &AuthError{Op: op, Err: err}
	}

	session := ws.Auth.GetSession()
	if session == nil {
		ws.Close()
		return "", nil, &AuthError{Op: op, Err: ErrNotAuthenticated}
	}

	ws.expiresAt = session.ExpiresAt

	s.mu.Lock()
	s.byToken[session.AccessToken] = ws
	s.mu.Unlock()
	return session.AccessToken, ws, nil
}

// Get возвращает рабочее пространство токена. Истёкшее закрывается и не возвращается.
func (s *Sessions) Get(token string) (*Workspace, bool) {
	s.mu.Lock()
	ws, ok := s.byToken[token]
	if ok && ws.expired(s.deps.Now()) {
		delete(s.byToken, token)
		s.mu.Unlock()
		ws.Close()
		return nil, false
	}
	s.mu.Unlock()
	return ws, ok
}

// Resume возвращает рабочее пространство токена, поднимая его заново
// по действующей сессии, если процесс его не знает (например, после рестарта).
// Известный токен перепроверяется у провайдера: отозванный закрывает пространство.
func (s *Sessions) Resume(ctx context.Context, token string) (*Workspace, error) {
	const op = "service.Sessions.Resume"
	if ws, ok := s.Get(token); ok {
		return s.revalidate(ctx, token, ws)
	}

	ws := newWorkspace(s.deps)
	session, err := ws.Auth.SetSession(ctx, token)
	if err != nil {
		ws.Close()
		return nil, &AuthError{Op: op, Err: err}
	}
	ws.expiresAt = session.ExpiresAt
	if err := ws.Users.Restore(ctx); err != nil {
		ws.Close()
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.byToken[token]; ok {
		s.mu.Unlock()
		ws.Close()
		return existing, nil
	}
	s.byToken[token] = ws
	s.mu.Unlock()
	return ws, nil
}

func (s *Sessions) revalidate(ctx context.Context, token string, ws *Workspace) (*Workspace, error) {
	const op = "service.Sessions.Resume"

	session, err := s.deps.Provider.GetUser(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidSession) {
			s.deps.Log.Info("session revoked, closing workspace", slog.String("op", op))
			s.evict(token, ws)
			return nil, &AuthError{Op: op, Err: err}
		}
		// провайдер недоступен: работаем с уже поднятым пространством
		s.deps.Log.Warn("failed to revalidate session", slog.String("op", op), slog.Any("error", err))
		return ws, nil
	}

	s.mu.Lock()
	ws.expiresAt = session.ExpiresAt
	s.mu.Unlock()
	return ws, nil
}

// evict закрывает пространство, если под токеном всё ещё лежит именно оно
func (s *Sessions) evict(token string, ws *Workspace) {
	s.mu.Lock()
	if cur, ok := s.byToken[token]; !ok || cur != ws {
		s.mu.Unlock()
		return
	}
	delete(s.byToken, token)
	s.mu.Unlock()
	ws.Close()
}

// Sweep закрывает все пространства с истёкшим токеном и возвращает их число
func (s *Sessions) Sweep() int {
	now := s.deps.Now()

	s.mu.Lock()
	var stale []*Workspace
	for token, ws := range s.byToken {
		if ws.expired(now) {
			stale = append(stale, ws)
			delete(s.byToken, token)
		}
	}
	s.mu.Unlock()

	for _, ws := range stale {
		ws.Close()
	}
	if len(stale) > 0 {
		s.deps.Log.Info("expired workspaces closed", slog.Int("count", len(stale)))
	}
	return len(stale)
}

func (s *Sessions) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.deps.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// SignOut закрывает рабочее пространство независимо от ответа провайдера
func (s *Sessions) SignOut(ctx context.Context, token string) error {
	s.mu.Lock()
	ws, ok := s.byToken[token]
	delete(s.byToken, token)
	s.mu.Unlock()
	if !ok {
		// процесс не знает сессию, но токен всё равно нужно отозвать
		return s.deps.Provider.SignOut(ctx, token)
	}
	defer ws.Close()
	return ws.Users.SignOut(ctx)
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

// Close закрывает все рабочие пространства, вызывается при остановке сервера
func (s *Sessions) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})

	s.mu.Lock()
	all := s.byToken
	s.byToken = make(map[string]*Workspace)
	s.mu.Unlock()

	for _, ws := range all {
		ws.Close()
	}
}

package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type AuthEvent string

const (
	SignedIn  AuthEvent = "SIGNED_IN"
	SignedOut AuthEvent = "SIGNED_OUT"
)

// Listener получает события смены сессии. Вызывается синхронно из метода клиента,
// поэтому не должен обращаться к клиенту повторно.
type Listener func(event AuthEvent, session *Session)

type listenerEntry struct {
	id int
	fn Listener
}

// Client держит не более одной текущей сессии и оповещает подписчиков о входе и выходе
type Client struct {
	log      *slog.Logger
	provider Provider

	mu        sync.Mutex
	session   *Session
	listeners []listenerEntry
	nextID    int
}

func NewClient(log *slog.Logger, provider Provider) *Client {
	return &Client{
		log:      log,
		provider: provider,
	}
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]string) (uuid.UUID, error) {
	return c.provider.SignUp(ctx, email, password, metadata)
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	session, err := c.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.emit(SignedIn, session)
	s := *session
	return &s, nil
}

// SignOut сначала забывает сессию локально и только потом отзывает её у провайдера.
// Ошибка провайдера возвращается, но локальное состояние уже очищено.
func (c *Client) SignOut(ctx context.Context) error {
	const op = "identity.Client.SignOut"

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	c.emit(SignedOut, nil)

	if err := c.provider.SignOut(ctx, session.AccessToken); err != nil {
		c.log.Warn("remote sign out failed", slog.String("op", op), slog.Any("error", err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetSession принимает ранее выданный токен после проверки у провайдера. Событие не рассылается.
func (c *Client) SetSession(ctx context.Context, accessToken string) (*Session, error) {
	session, err := c.provider.GetUser(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	s := *session
	return &s, nil
}

// GetSession возвращает копию текущей сессии или nil
func (c *Client) GetSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Subscription отменяет подписку на события сессии
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (c *Client) OnAuthStateChange(fn Listener) *Subscription {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return &Subscription{cancel: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}}
}

func (c *Client) emit(event AuthEvent, session *Session) {
	c.mu.Lock()
	listeners := make([]listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		var s *Session
		if session != nil {
			cp := *session
			s = &cp
		}
		l.fn(event, s)
	}
}

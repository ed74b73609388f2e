package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/linemk/sendmoney/internal/app"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/identity"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/service"
	"github.com/linemk/sendmoney/internal/service/servicetest"
	"github.com/linemk/sendmoney/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memIdentities - учётные записи в памяти
type memIdentities struct {
	mu      sync.Mutex
	byEmail map[string]*models.Identity
}

var _ storage.IdentityStorage = (*memIdentities)(nil)

func (m *memIdentities) CreateIdentity(ctx context.Context, email string, passHash []byte, metadata map[string]string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return uuid.Nil, storage.ErrEmailTaken
	}
	id := uuid.New()
	m.byEmail[email] = &models.Identity{ID: id, Email: email, PassHash: passHash, Metadata: metadata, CreatedAt: time.Now()}
	return id, nil
}

func (m *memIdentities) GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byEmail[email]
	if !ok {
		return nil, storage.ErrIdentityNotFound
	}
	cp := *ident
	return &cp, nil
}

// memSessions - живые сессии в памяти вместо Redis
type memSessions struct {
	mu  sync.Mutex
	ids map[string]bool
}

var _ storage.SessionStore = (*memSessions)(nil)

func (m *memSessions) Put(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[sessionID] = true
	return nil
}

func (m *memSessions) Exists(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[sessionID], nil
}

func (m *memSessions) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, sessionID)
	return nil
}

func (m *memSessions) Enabled() bool { return true }

type apiClient struct {
	t   *testing.T
	url string
}

func (c *apiClient) do(method, path, token, body string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.url+path, bytes.NewBufferString(body))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	return resp
}

func (c *apiClient) signIn(email, password string) string {
	c.t.Helper()
	resp := c.do("POST", "/api/auth/signin", "", `{"email": "`+email+`", "password": "`+password+`"}`)
	defer resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)

	var auth struct {
		Token string `json:"token"`
	}
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&auth))
	require.NotEmpty(c.t, auth.Token)
	return auth.Token
}

func (c *apiClient) me(token string) models.User {
	c.t.Helper()
	resp := c.do("GET", "/api/me", token, "")
	defer resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	var u models.User
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&u))
	return u
}

func newTestServer(t *testing.T) *apiClient {
	t.Setenv("JWT_SECRET", "test-secret")
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	hub := realtime.NewHub()
	db := servicetest.NewDB(hub)
	provider := identity.NewLocal(log,
		&memIdentities{byEmail: make(map[string]*models.Identity)},
		&memSessions{ids: make(map[string]bool)},
		time.Hour,
	)
	sessions := service.NewSessions(service.Deps{
		Log:          log,
		Provider:     provider,
		Users:        db,
		Transactions: db,
		Changes:      hub,
	})
	dir := service.NewDirectory(log, db, servicetest.NewDirectoryCache(), 100)

	srv := httptest.NewServer(app.NewRouter(log, sessions, dir))
	t.Cleanup(func() {
		srv.Close()
		sessions.Close()
	})
	return &apiClient{t: t, url: srv.URL}
}

// сценарий: регистрация, вход, перевод, журнал и выход
func TestAPI_TransferFlow(t *testing.T) {
	c := newTestServer(t)

	for _, u := range []string{"alice", "bob"} {
		resp := c.do("POST", "/api/auth/signup", "", `{"email": "`+u+`@example.com", "username": "`+u+`", "password": "secret1"}`)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	aliceToken := c.signIn("alice@example.com", "secret1")
	bobToken := c.signIn("Bob@Example.com", "secret1")

	alice := c.me(aliceToken)
	bob := c.me(bobToken)
	assert.Equal(t, "1000.00", alice.Balance.String())

	// справочник без самого пользователя
	resp := c.do("GET", "/api/users?q=b", aliceToken, "")
	var users []models.UserSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	resp.Body.Close()
	require.Len(t, users, 1)
	assert.Equal(t, bob.ID, users[0].ID)

	resp = c.do("POST", "/api/sendMoney", aliceToken, `{"toUserId": "`+bob.ID.String()+`", "amount": "300.00", "note": "rent"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.do("POST", "/api/sendMoney", aliceToken, `{"toUserId": "`+bob.ID.String()+`", "amount": "800.00"}`)
	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.String(), "insufficient balance")

	resp = c.do("GET", "/api/transactions?filter=received&refresh=true", bobToken, "")
	var received []models.Transaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&received))
	resp.Body.Close()
	require.Len(t, received, 1)
	assert.Equal(t, "300.00", received[0].Amount.String())
	require.NotNil(t, received[0].Note)
	assert.Equal(t, "rent", *received[0].Note)

	// балансы обновляются через канал изменений
	assert.Eventually(t, func() bool {
		return c.me(aliceToken).Balance.String() == "700.00" && c.me(bobToken).Balance.String() == "1300.00"
	}, 2*time.Second, 20*time.Millisecond)

	resp = c.do("GET", "/api/notifications", aliceToken, "")
	body.Reset()
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(body.String(), "Payment sent successfully!"))

	resp = c.do("POST", "/api/auth/signout", aliceToken, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// отозванный токен больше не поднимает сессию
	resp = c.do("GET", "/api/me", aliceToken, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_Unauthorized(t *testing.T) {
	c := newTestServer(t)

	resp := c.do("GET", "/api/me", "", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do("GET", "/api/transactions", "not-a-jwt", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do("POST", "/api/auth/signin", "", `{"email": "ghost@example.com", "password": "secret1"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

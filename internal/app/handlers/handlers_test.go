package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/linemk/sendmoney/internal/app/handlers"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/jwt-new/jwtmiddleware"
	"github.com/linemk/sendmoney/internal/notice"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/service"
	"github.com/linemk/sendmoney/internal/service/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	log      *slog.Logger
	hub      *realtime.Hub
	db       *servicetest.DB
	provider *servicetest.Provider
	sessions *service.Sessions
}

func newFixture(t *testing.T) *fixture {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	hub := realtime.NewHub()
	db := servicetest.NewDB(hub)
	provider := servicetest.NewProvider()
	sessions := service.NewSessions(service.Deps{
		Log:          logger,
		Provider:     provider,
		Users:        db,
		Transactions: db,
		Changes:      hub,
	})
	t.Cleanup(sessions.Close)
	return &fixture{log: logger, hub: hub, db: db, provider: provider, sessions: sessions}
}

// account регистрирует пользователя и входит, возвращая токен и рабочее пространство
func (f *fixture) account(t *testing.T, username string) (string, *service.Workspace) {
	t.Helper()
	ctx := context.Background()
	email := username + "@example.com"
	require.NoError(t, f.sessions.SignUp(ctx, email, "secret1", username))
	token, ws, err := f.sessions.SignIn(ctx, email, "secret1")
	require.NoError(t, err)
	ws.Notices.Drain()
	return token, ws
}

// protected оборачивает обработчик так же, как роутер после JWT-middleware
func (f *fixture) protected(h http.Handler) http.Handler {
	return handlers.WorkspaceMiddleware(f.log, f.sessions)(h)
}

func withToken(r *http.Request, token string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), jwtmiddleware.TokenKey, token))
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestSignUpHandler_Success(t *testing.T) {
	f := newFixture(t)
	handler := handlers.SignUpHandler(f.log, f.sessions)

	req := jsonRequest("POST", "/api/auth/signup", `{"email": "dana@example.com", "username": "dana", "password": "secret1"}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	profile, err := f.db.GetUserByUsername(context.Background(), "dana")
	require.NoError(t, err)
	assert.Equal(t, service.DefaultStartingBalance, profile.Balance)
}

func TestSignUpHandler_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	handler := handlers.SignUpHandler(f.log, f.sessions)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest("POST", "/api/auth/signup", `{"email": "dana@example.com",`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSignUpHandler_ValidationError(t *testing.T) {
	f := newFixture(t)
	handler := handlers.SignUpHandler(f.log, f.sessions)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest("POST", "/api/auth/signup", `{"email": "dana@example.com", "username": "dana", "password": "123"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, f.provider.SignUps())
}

func TestSignUpHandler_DuplicateUsername(t *testing.T) {
	f := newFixture(t)
	f.db.AddUser("dana", 0)
	handler := handlers.SignUpHandler(f.log, f.sessions)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest("POST", "/api/auth/signup", `{"email": "other@example.com", "username": "dana", "password": "secret1"}`))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "username already taken")
}

func TestSignInHandler_Success(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.SignUp(context.Background(), "dana@example.com", "secret1", "dana"))
	handler := handlers.SignInHandler(f.log, f.sessions)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest("POST", "/api/auth/signin", `{"email": "dana@example.com", "password": "secret1"}`))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.AuthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Token)
	_, ok := f.sessions.Get(resp.Token)
	assert.True(t, ok, "workspace registered under the token")
}

func TestSignInHandler_WrongPassword(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.SignUp(context.Background(), "dana@example.com", "secret1", "dana"))
	handler := handlers.SignInHandler(f.log, f.sessions)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest("POST", "/api/auth/signin", `{"email": "dana@example.com", "password": "nope"}`))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestSignOutHandler_RemoteFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")
	f.provider.SetSignOutErr(errors.New("network unreachable"))
	handler := handlers.SignOutHandler(f.log, f.sessions)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("POST", "/api/auth/signout", nil), token))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, f.sessions.Len())
	assert.Nil(t, ws.Users.GetCurrentUser())
}

func TestSignOutHandler_NoToken(t *testing.T) {
	f := newFixture(t)
	handler := handlers.SignOutHandler(f.log, f.sessions)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/auth/signout", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWorkspaceMiddleware(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")

	var got *service.Workspace
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = handlers.WorkspaceFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := f.protected(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "no token")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/me", nil), "revoked"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "unknown session")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/me", nil), token))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Same(t, ws, got)
}

func TestMeHandler(t *testing.T) {
	f := newFixture(t)
	token, _ := f.account(t, "alice")
	handler := f.protected(handlers.MeHandler(f.log))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/me", nil), token))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	var user models.User
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&user))
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, service.DefaultStartingBalance, user.Balance)
	assert.Contains(t, body, `"balance":"1000.00"`)
}

func TestUpdateProfileHandler(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")
	f.db.AddUser("bob", 0)
	handler := f.protected(handlers.UpdateProfileHandler(f.log))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(jsonRequest("PATCH", "/api/me", `{"username": "alice_w", "avatarUrl": "https://example.com/a.png"}`), token))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice_w", ws.Users.GetCurrentUser().Username)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(jsonRequest("PATCH", "/api/me", `{"username": "bob"}`), token))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "alice_w", ws.Users.GetCurrentUser().Username)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(jsonRequest("PATCH", "/api/me", `{"avatarUrl": "not a url"}`), token))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUsersHandler_ExcludesSelfAndFilters(t *testing.T) {
	f := newFixture(t)
	token, _ := f.account(t, "alice")
	f.db.AddUser("bob", 0)
	f.db.AddUser("bobby", 0)
	f.db.AddUser("carol", 0)
	dir := service.NewDirectory(f.log, f.db, nil, 100)
	handler := f.protected(handlers.UsersHandler(f.log, dir))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/users", nil), token))
	require.Equal(t, http.StatusOK, rr.Code)
	var all []models.UserSummary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&all))
	assert.Len(t, all, 3)
	for _, u := range all {
		assert.NotEqual(t, "alice", u.Username)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/users?q=BOB", nil), token))
	require.Equal(t, http.StatusOK, rr.Code)
	var bobs []models.UserSummary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&bobs))
	assert.Len(t, bobs, 2)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/users?limit=abc", nil), token))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSendMoneyHandler_Success(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")
	_, bobWS := f.account(t, "bob")
	bob := bobWS.Users.GetCurrentUser()
	handler := f.protected(handlers.SendMoneyHandler(f.log))

	body := `{"toUserId": "` + bob.ID.String() + `", "amount": "300.00", "note": "rent"}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(jsonRequest("POST", "/api/sendMoney", body), token))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp handlers.MessageResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "Payment sent successfully!", resp.Message)

	alice := ws.Users.GetCurrentUser()
	assert.Equal(t, models.Money(70000), f.db.Balance(alice.ID))
	assert.Equal(t, models.Money(130000), f.db.Balance(bob.ID))
	require.Len(t, ws.Ledger.Transactions(service.FilterSent), 1)
}

func TestSendMoneyHandler_PreconditionFailures(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")
	_, bobWS := f.account(t, "bob")
	bob := bobWS.Users.GetCurrentUser()
	alice := ws.Users.GetCurrentUser()
	handler := f.protected(handlers.SendMoneyHandler(f.log))

	cases := []struct {
		name string
		body string
		want string
	}{
		{"no recipient", `{"amount": "1.00"}`, "recipient is required"},
		{"zero amount", `{"toUserId": "` + bob.ID.String() + `", "amount": "0"}`, "amount must be positive"},
		{"self", `{"toUserId": "` + alice.ID.String() + `", "amount": "1.00"}`, "cannot send money to yourself"},
		{"over balance", `{"toUserId": "` + bob.ID.String() + `", "amount": "5000.00"}`, "insufficient balance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, withToken(jsonRequest("POST", "/api/sendMoney", tc.body), token))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.want)
		})
	}
	assert.Equal(t, 0, f.db.TransferCalls())
}

func TestSendMoneyHandler_StoreFailure(t *testing.T) {
	f := newFixture(t)
	token, _ := f.account(t, "alice")
	_, bobWS := f.account(t, "bob")
	bob := bobWS.Users.GetCurrentUser()
	f.db.SetTransferErr(errors.New("connection reset"))
	handler := f.protected(handlers.SendMoneyHandler(f.log))

	body := `{"toUserId": "` + bob.ID.String() + `", "amount": "1.00"}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(jsonRequest("POST", "/api/sendMoney", body), token))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestTransactionsHandler(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")
	_, bobWS := f.account(t, "bob")
	alice := ws.Users.GetCurrentUser()
	bob := bobWS.Users.GetCurrentUser()

	_, err := ws.Ledger.SendMoney(context.Background(), alice, bob.ID, models.Money(500), nil)
	require.NoError(t, err)
	_, err = bobWS.Ledger.SendMoney(context.Background(), bob, alice.ID, models.Money(200), nil)
	require.NoError(t, err)

	handler := f.protected(handlers.TransactionsHandler(f.log))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/transactions?filter=sent&refresh=true", nil), token))
	require.Equal(t, http.StatusOK, rr.Code)
	var sent []models.Transaction
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&sent))
	require.Len(t, sent, 1)
	assert.Equal(t, alice.ID, sent[0].SenderID)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/transactions?group=day&refresh=true", nil), token))
	require.Equal(t, http.StatusOK, rr.Code)
	var days []service.DayGroup
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&days))
	require.NotEmpty(t, days)
	total := 0
	for _, d := range days {
		total += len(d.Transactions)
	}
	assert.Equal(t, 2, total)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/transactions?filter=weird", nil), token))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestNotificationsHandler_Drains(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")
	ws.Notices.Error("Please select a recipient")
	handler := f.protected(handlers.NotificationsHandler(f.log))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/notifications", nil), token))
	require.Equal(t, http.StatusOK, rr.Code)
	var got []notice.Notice
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, notice.LevelError, got[0].Level)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/notifications", nil), token))
	assert.JSONEq(t, `[]`, rr.Body.String())
}

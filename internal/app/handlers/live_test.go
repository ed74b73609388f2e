package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linemk/sendmoney/internal/app/handlers"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveFeedHandler_PushesSnapshots(t *testing.T) {
	f := newFixture(t)
	token, ws := f.account(t, "alice")
	_, bobWS := f.account(t, "bob")
	alice := ws.Users.GetCurrentUser()
	bob := bobWS.Users.GetCurrentUser()

	live := f.protected(handlers.LiveFeedHandler(f.log))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		live.ServeHTTP(w, withToken(r, token))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/transactions/live?filter=received"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var initial []models.Transaction
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Empty(t, initial)

	// входящий перевод приходит через канал изменений без запроса клиента
	_, err = bobWS.Ledger.SendMoney(context.Background(), bob, alice.ID, models.Money(250), nil)
	require.NoError(t, err)

	var got []models.Transaction
	for len(got) == 0 {
		require.NoError(t, conn.ReadJSON(&got))
	}
	require.Len(t, got, 1)
	assert.Equal(t, bob.ID, got[0].SenderID)
	assert.Equal(t, models.Money(250), got[0].Amount)
}

func TestLiveFeedHandler_InvalidFilter(t *testing.T) {
	f := newFixture(t)
	token, _ := f.account(t, "alice")
	handler := f.protected(handlers.LiveFeedHandler(f.log))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, withToken(httptest.NewRequest("GET", "/api/transactions/live?filter=weird", nil), token))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLiveFeedHandler_SignOutClosesSocket(t *testing.T) {
	f := newFixture(t)
	token, _ := f.account(t, "alice")

	live := f.protected(handlers.LiveFeedHandler(f.log))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		live.ServeHTTP(w, withToken(r, token))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var initial []models.Transaction
	require.NoError(t, conn.ReadJSON(&initial))

	require.NoError(t, f.sessions.SignOut(context.Background(), token))

	// после закрытия рабочего пространства сервер завершает соединение
	for {
		var msg []models.Transaction
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}
}

package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/identity"
	"github.com/linemk/sendmoney/internal/notice"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/service"
	"github.com/linemk/sendmoney/internal/service/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFixture struct {
	hub      *realtime.Hub
	db       *servicetest.DB
	provider *servicetest.Provider
	auth     *identity.Client
	notices  *notice.Queue
	store    *service.CurrentUserStore
}

func newStoreFixture(t *testing.T) *storeFixture {
	hub := realtime.NewHub()
	db := servicetest.NewDB(hub)
	provider := servicetest.NewProvider()
	auth := identity.NewClient(newTestLogger(), provider)
	notices := notice.NewQueue(newTestLogger(), 0)
	store := service.NewCurrentUserStore(newTestLogger(), auth, db, hub, notices, service.DefaultStartingBalance)
	t.Cleanup(store.Close)
	return &storeFixture{hub: hub, db: db, provider: provider, auth: auth, notices: notices, store: store}
}

// seed заводит профиль и учётную запись с тем же идентификатором
func (f *storeFixture) seed(username string, balance models.Money) *models.User {
	u := f.db.AddUser(username, balance)
	f.provider.Register(u.Email, "secret1", u.ID)
	return u
}

func (f *storeFixture) signIn(t *testing.T, u *models.User) *models.User {
	t.Helper()
	require.NoError(t, f.store.SignIn(context.Background(), u.Email, "secret1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	current, err := f.store.Wait(ctx)
	require.NoError(t, err)
	return current
}

func TestStore_NoUserBeforeSignIn(t *testing.T) {
	f := newStoreFixture(t)
	assert.Nil(t, f.store.GetCurrentUser())
	assert.False(t, f.store.Loading())
}

func TestStore_SignInResolvesProfile(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", money(t, "1000.00"))

	current := f.signIn(t, alice)
	assert.Equal(t, alice.ID, current.ID)
	assert.Equal(t, "alice", current.Username)
	assert.Equal(t, money(t, "1000.00"), current.Balance)
	assert.Equal(t, alice.ID, f.store.GetCurrentUser().ID)
	assert.False(t, f.store.Loading())

	n := lastNotice(t, f.notices)
	assert.Equal(t, "Signed in successfully", n.Message)
}

func TestStore_SignInInvalidCredentials(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", 0)

	err := f.store.SignIn(context.Background(), alice.Email, "wrong")
	var authErr *service.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	assert.Nil(t, f.store.GetCurrentUser())
	assert.False(t, f.store.Loading())

	_, err = f.store.Wait(context.Background())
	assert.Error(t, err)

	n := lastNotice(t, f.notices)
	assert.Equal(t, notice.LevelError, n.Level)
	assert.Contains(t, n.Message, "Error signing in: ")
}

func TestStore_SignUpCreatesProfileWithStartingBalance(t *testing.T) {
	f := newStoreFixture(t)

	err := f.store.SignUp(context.Background(), "Dana@Example.com", "secret1", "dana")
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.SignUps())

	profile, err := f.db.GetUserByUsername(context.Background(), "dana")
	require.NoError(t, err)
	assert.Equal(t, "dana@example.com", profile.Email)
	assert.Equal(t, money(t, "1000.00"), profile.Balance)

	n := lastNotice(t, f.notices)
	assert.Equal(t, notice.LevelSuccess, n.Level)
	// регистрация не выполняет вход
	assert.Nil(t, f.store.GetCurrentUser())
}

func TestStore_SignUpDuplicateUsernameCreatesNoIdentity(t *testing.T) {
	f := newStoreFixture(t)
	f.seed("alice", 0)

	err := f.store.SignUp(context.Background(), "other@example.com", "secret1", "alice")
	assert.ErrorIs(t, err, service.ErrDuplicateUsername)
	assert.Equal(t, 0, f.provider.SignUps(), "identity must not be created")
	assert.Equal(t, 0, f.db.CreateUserCalls())

	n := lastNotice(t, f.notices)
	assert.Equal(t, "Username already taken", n.Message)
}

func TestStore_SignUpUsernameIsCaseSensitive(t *testing.T) {
	f := newStoreFixture(t)
	f.seed("alice", 0)

	err := f.store.SignUp(context.Background(), "other@example.com", "secret1", "Alice")
	assert.NoError(t, err)
}

func TestStore_SignUpDuplicateEmail(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", 0)

	err := f.store.SignUp(context.Background(), alice.Email, "secret1", "alice2")
	assert.ErrorIs(t, err, identity.ErrEmailTaken)
	assert.Equal(t, 0, f.db.CreateUserCalls())
}

func TestStore_SignOutClearsStateWhenRemoteFails(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", 0)
	f.signIn(t, alice)
	f.notices.Drain()

	f.provider.SetSignOutErr(errors.New("network unreachable"))
	err := f.store.SignOut(context.Background())

	var authErr *service.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Nil(t, f.store.GetCurrentUser(), "local state must be cleared")
	assert.Nil(t, f.auth.GetSession())
	assert.Equal(t, 0, f.hub.Subscribers(realtime.UserFilter(alice.ID)))

	n := lastNotice(t, f.notices)
	assert.Equal(t, "Error signing out: network unreachable", n.Message)
}

func TestStore_SignOut(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", 0)
	f.signIn(t, alice)

	require.NoError(t, f.store.SignOut(context.Background()))
	assert.Nil(t, f.store.GetCurrentUser())

	n := lastNotice(t, f.notices)
	assert.Equal(t, "Signed out successfully", n.Message)
}

func TestStore_UpdateProfileRequiresUser(t *testing.T) {
	f := newStoreFixture(t)
	name := "ghost"

	err := f.store.UpdateProfile(context.Background(), models.ProfileUpdate{Username: &name})
	assert.ErrorIs(t, err, service.ErrNotAuthenticated)

	n := lastNotice(t, f.notices)
	assert.Equal(t, "Error updating profile: no user logged in", n.Message)
}

func TestStore_UpdateProfileMergesLocally(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", money(t, "5.00"))
	f.signIn(t, alice)

	avatar := "https://example.com/a.png"
	name := "alice_w"
	require.NoError(t, f.store.UpdateProfile(context.Background(), models.ProfileUpdate{Username: &name, AvatarURL: &avatar}))

	current := f.store.GetCurrentUser()
	assert.Equal(t, "alice_w", current.Username)
	require.NotNil(t, current.AvatarURL)
	assert.Equal(t, avatar, *current.AvatarURL)
	assert.Equal(t, money(t, "5.00"), current.Balance)

	stored, err := f.db.GetUserByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice_w", stored.Username)
}

func TestStore_UpdateProfileDuplicateUsername(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", 0)
	f.seed("bob", 0)
	f.signIn(t, alice)

	name := "bob"
	err := f.store.UpdateProfile(context.Background(), models.ProfileUpdate{Username: &name})
	assert.ErrorIs(t, err, service.ErrDuplicateUsername)
	assert.Equal(t, "alice", f.store.GetCurrentUser().Username)
}

func TestStore_BalanceRefreshesFromChangeChannel(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", money(t, "1000.00"))
	bob := f.seed("bob", money(t, "1000.00"))
	f.signIn(t, alice)

	ledger := service.NewLedgerClient(newTestLogger(), f.db, f.hub, f.notices, nil)
	defer ledger.Close()

	ok, err := ledger.SendMoney(context.Background(), f.store.GetCurrentUser(), bob.ID, money(t, "300.00"), strPtr("rent"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		return f.store.GetCurrentUser().Balance == money(t, "700.00")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, money(t, "1300.00"), f.db.Balance(bob.ID))
}

func TestStore_OnUserChangeFollowsIdentity(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", 0)

	seen := make(chan *models.User, 4)
	f.store.OnUserChange(func(u *models.User) { seen <- u })

	f.signIn(t, alice)
	select {
	case u := <-seen:
		require.NotNil(t, u)
		assert.Equal(t, alice.ID, u.ID)
	case <-time.After(time.Second):
		t.Fatal("listener was not called on sign in")
	}

	require.NoError(t, f.store.SignOut(context.Background()))
	select {
	case u := <-seen:
		assert.Nil(t, u)
	case <-time.After(time.Second):
		t.Fatal("listener was not called on sign out")
	}
}

func TestStore_Restore(t *testing.T) {
	f := newStoreFixture(t)
	alice := f.seed("alice", money(t, "3.00"))

	session, err := f.provider.SignInWithPassword(context.Background(), alice.Email, "secret1")
	require.NoError(t, err)
	_, err = f.auth.SetSession(context.Background(), session.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.store.Restore(context.Background()))
	require.NotNil(t, f.store.GetCurrentUser())
	assert.Equal(t, alice.ID, f.store.GetCurrentUser().ID)
}

func TestStore_RestoreWithoutSession(t *testing.T) {
	f := newStoreFixture(t)
	assert.NoError(t, f.store.Restore(context.Background()))
	assert.Nil(t, f.store.GetCurrentUser())
}

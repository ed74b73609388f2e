// Package servicetest - реализации хранилища и провайдера идентификации в памяти для тестов.
package servicetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/identity"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/storage"
)

// DB - хранилище в памяти, реализует и UserStorage, и TransactionStorage.
// Transfer атомарен под мьютексом и после записи публикует изменения, как настоящий репозиторий.
type DB struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
	txs   []models.Transaction
	feed  realtime.Channel
	last  time.Time

	transferCalls   int
	createUserCalls int
	transferErr     error
	fetchErr        error
	listErr         error
	listCalls       int
}

var (
	_ storage.UserStorage        = (*DB)(nil)
	_ storage.TransactionStorage = (*DB)(nil)
)

func NewDB(feed realtime.Channel) *DB {
	return &DB{users: make(map[uuid.UUID]*models.User), feed: feed}
}

func (f *DB) AddUser(username string, balance models.Money) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &models.User{
		ID:        uuid.New(),
		Username:  username,
		Email:     username + "@example.com",
		Balance:   balance,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.users[u.ID] = u
	cp := *u
	return &cp
}

func (f *DB) Balance(id uuid.UUID) models.Money {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id].Balance
}

func (f *DB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (f *DB) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createUserCalls++
	for _, u := range f.users {
		if u.Username == user.Username {
			return nil, storage.ErrUsernameTaken
		}
	}
	cp := *user
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *DB) UpdateProfile(ctx context.Context, id uuid.UUID, upd models.ProfileUpdate) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	if upd.Username != nil {
		for _, other := range f.users {
			if other.ID != id && other.Username == *upd.Username {
				return nil, storage.ErrUsernameTaken
			}
		}
	}
	updated := upd.Apply(*u)
	f.users[id] = &updated
	out := updated
	return &out, nil
}

func (f *DB) ListUsers(ctx context.Context, limit int) ([]models.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.UserSummary, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, models.UserSummary{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *DB) GetTransactionsByUserID(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []models.Transaction
	for _, tx := range f.txs {
		if tx.SenderID == userID || tx.ReceiverID == userID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *DB) Transfer(ctx context.Context, senderID, receiverID uuid.UUID, amount models.Money, note *string) (*models.Transaction, error) {
	f.mu.Lock()
	f.transferCalls++
	if f.transferErr != nil {
		f.mu.Unlock()
		return nil, f.transferErr
	}
	if amount <= 0 {
		f.mu.Unlock()
		return nil, storage.ErrInvalidAmount
	}
	if senderID == receiverID {
		f.mu.Unlock()
		return nil, storage.ErrSelfTransfer
	}
	sender, ok := f.users[senderID]
	if !ok {
		f.mu.Unlock()
		return nil, storage.ErrUserNotFound
	}
	receiver, ok := f.users[receiverID]
	if !ok {
		f.mu.Unlock()
		return nil, storage.ErrReceiverNotFound
	}
	if sender.Balance < amount {
		f.mu.Unlock()
		return nil, storage.ErrInsufficientFunds
	}

	sender.Balance -= amount
	receiver.Balance += amount
	tx := models.Transaction{
		ID:         uuid.New(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		Note:       note,
		CreatedAt:  f.nextTime(),
		Sender:     &models.UserSummary{ID: sender.ID, Username: sender.Username},
		Receiver:   &models.UserSummary{ID: receiver.ID, Username: receiver.Username},
	}
	f.txs = append(f.txs, tx)
	f.mu.Unlock()

	f.publish(ctx, realtime.TableTransactions, realtime.EventInsert, tx.ID,
		realtime.SenderFilter(senderID), realtime.ReceiverFilter(receiverID))
	f.publish(ctx, realtime.TableUsers, realtime.EventUpdate, senderID, realtime.UserFilter(senderID))
	f.publish(ctx, realtime.TableUsers, realtime.EventUpdate, receiverID, realtime.UserFilter(receiverID))
	return &tx, nil
}

// Insert кладёт готовую запись в журнал минуя балансы
func (f *DB) Insert(tx models.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
}

// nextTime даёт строго возрастающие отметки времени
func (f *DB) nextTime() time.Time {
	now := time.Now()
	if !now.After(f.last) {
		now = f.last.Add(time.Microsecond)
	}
	f.last = now
	return now
}

func (f *DB) publish(ctx context.Context, table string, event realtime.EventType, rowID uuid.UUID, filters ...realtime.Filter) {
	if f.feed == nil {
		return
	}
	for _, filter := range filters {
		_ = f.feed.Publish(ctx, filter, realtime.Change{Table: table, Event: event, RowID: rowID, At: time.Now()})
	}
}

type account struct {
	id       uuid.UUID
	password string
}

// Provider - провайдер идентификации в памяти с инъекцией сбоев
type Provider struct {
	mu         sync.Mutex
	accounts   map[string]account
	tokens     map[string]uuid.UUID
	signUps    int
	signOutErr error
}

var _ identity.Provider = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{
		accounts: make(map[string]account),
		tokens:   make(map[string]uuid.UUID),
	}
}

// Register заводит учётную запись для уже существующего профиля
func (f *Provider) Register(email, password string, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[email] = account{id: id, password: password}
}

func (f *Provider) SignUp(ctx context.Context, email, password string, metadata map[string]string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signUps++
	if _, ok := f.accounts[email]; ok {
		return uuid.Nil, identity.ErrEmailTaken
	}
	id := uuid.New()
	f.accounts[email] = account{id: id, password: password}
	return id, nil
}

func (f *Provider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[email]
	if !ok || acc.password != password {
		return nil, identity.ErrInvalidCredentials
	}
	token := "token-" + uuid.NewString()
	f.tokens[token] = acc.id
	return &identity.Session{AccessToken: token, UserID: acc.id, Email: email, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *Provider) SignOut(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signOutErr != nil {
		return f.signOutErr
	}
	delete(f.tokens, accessToken)
	return nil
}

func (f *Provider) GetUser(ctx context.Context, accessToken string) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[accessToken]
	if !ok {
		return nil, identity.ErrInvalidSession
	}
	return &identity.Session{AccessToken: accessToken, UserID: id, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// DirectoryCache - кэш справочника в памяти
type DirectoryCache struct {
	mu    sync.Mutex
	pages map[int][]models.UserSummary
}

var _ storage.DirectoryCache = (*DirectoryCache)(nil)

func NewDirectoryCache() *DirectoryCache {
	return &DirectoryCache{pages: make(map[int][]models.UserSummary)}
}

func (c *DirectoryCache) Get(ctx context.Context, limit int) ([]models.UserSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.pages[limit]
	return users, ok
}

func (c *DirectoryCache) Set(ctx context.Context, limit int, users []models.UserSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[limit] = users
	return nil
}

func (f *DB) SetTransferErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferErr = err
}

func (f *DB) SetFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *DB) SetListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *DB) TransferCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferCalls
}

func (f *DB) CreateUserCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createUserCalls
}

func (f *DB) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *Provider) SetSignOutErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutErr = err
}

func (f *Provider) SignUps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signUps
}

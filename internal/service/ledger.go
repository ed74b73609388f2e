package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/notice"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/storage"
)

const reloadTimeout = 10 * time.Second

type FeedFilter string

const (
	FilterAll      FeedFilter = "all"
	FilterSent     FeedFilter = "sent"
	FilterReceived FeedFilter = "received"
)

func ParseFeedFilter(s string) (FeedFilter, error) {
	switch FeedFilter(strings.ToLower(s)) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterSent:
		return FilterSent, nil
	case FilterReceived:
		return FilterReceived, nil
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

// DayGroup - переводы за один календарный день (UTC)
type DayGroup struct {
	Date         string               `json:"date"`
	Transactions []models.Transaction `json:"transactions"`
}

// LedgerClient держит журнал переводов вошедшего пользователя и выполняет переводы.
// Любое уведомление об изменении приводит к полной перезагрузке журнала.
type LedgerClient struct {
	log     *slog.Logger
	txs     storage.TransactionStorage
	changes realtime.Channel
	notices notice.Notifier
	locks   *SenderLocks

	ctx    context.Context
	cancel context.CancelFunc

	// seq нумерует чтения журнала; устаревший ответ не затирает более свежий
	seq atomic.Uint64

	mu      sync.RWMutex
	user    *models.User
	list    []models.Transaction
	applied uint64
	subs    []realtime.Subscription

	wmu      sync.Mutex
	watchers map[int]chan []models.Transaction
	nextW    int
}

func NewLedgerClient(
	log *slog.Logger,
	txs storage.TransactionStorage,
	changes realtime.Channel,
	notices notice.Notifier,
	locks *SenderLocks,
) *LedgerClient {
	if locks == nil {
		locks = NewSenderLocks()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LedgerClient{
		log:      log,
		txs:      txs,
		changes:  changes,
		notices:  notices,
		locks:    locks,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[int]chan []models.Transaction),
	}
}

// FetchTransactions полностью заменяет журнал в памяти. При ошибке чтения журнал не
// очищается: возвращается последняя известная версия вместе с *ReadError.
func (l *LedgerClient) FetchTransactions(ctx context.Context, forUser *models.User) ([]models.Transaction, error) {
	const op = "service.LedgerClient.FetchTransactions"
	if forUser == nil {
		return l.snapshot(), &ReadError{Op: op, Err: ErrUnauthenticated}
	}
	logger := l.log.With(
		slog.String("op", op),
		slog.String("userID", forUser.ID.String()),
	)

	seq := l.seq.Add(1)
	txs, err := l.txs.GetTransactionsByUserID(ctx, forUser.ID)
	if err != nil {
		logger.Error("failed to load transactions", slog.Any("error", err))
		l.notices.Error("Failed to load transactions")
		return l.snapshot(), &ReadError{Op: op, Err: err}
	}
	if txs == nil {
		txs = []models.Transaction{}
	}

	if !l.apply(seq, txs) {
		logger.Debug("stale read dropped", slog.Uint64("seq", seq))
	}
	logger.Debug("transactions loaded", slog.Int("count", len(txs)))
	return cloneTransactions(txs), nil
}

// SendMoney выполняет перевод одним атомарным вызовом хранилища.
// Нарушение предусловий не приводит ни к одной записи.
func (l *LedgerClient) SendMoney(ctx context.Context, sender *models.User, receiverID uuid.UUID, amount models.Money, note *string) (bool, error) {
	const op = "service.LedgerClient.SendMoney"

	if sender == nil {
		l.notices.Error("You must be logged in to send money")
		return false, &TransferError{Err: ErrUnauthenticated}
	}
	logger := l.log.With(
		slog.String("op", op),
		slog.String("senderID", sender.ID.String()),
		slog.String("receiverID", receiverID.String()),
		slog.String("amount", amount.String()),
	)

	switch {
	case receiverID == uuid.Nil:
		l.notices.Error("Please select a recipient")
		return false, &TransferError{Err: ErrInvalidRecipient}
	case amount <= 0:
		l.notices.Error("Please enter a valid amount")
		return false, &TransferError{Err: ErrInvalidAmount}
	case receiverID == sender.ID:
		l.notices.Error("You cannot send money to yourself")
		return false, &TransferError{Err: ErrSelfTransfer}
	case sender.Balance < amount:
		logger.Warn("insufficient balance", slog.String("balance", sender.Balance.String()))
		l.notices.Error("Insufficient balance")
		return false, &TransferError{Err: ErrInsufficientBalance}
	}

	unlock := l.locks.Lock(sender.ID)
	defer unlock()

	logger.Info("starting transfer")
	tx, err := l.txs.Transfer(ctx, sender.ID, receiverID, amount, cleanNote(note))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientFunds):
			err = fmt.Errorf("%s: %w", op, ErrInsufficientBalance)
		case errors.Is(err, storage.ErrReceiverNotFound):
			err = fmt.Errorf("%s: %w", op, ErrRecipientNotFound)
		default:
			err = fmt.Errorf("%s: %w", op, err)
		}
		logger.Error("transfer failed", slog.Any("error", err))
		l.notices.Error("Failed to send payment: " + reason(err))
		return false, &TransferError{Err: err}
	}

	logger.Info("transfer completed", slog.String("transactionID", tx.ID.String()))
	l.notices.Success("Payment sent successfully!")

	if _, err := l.FetchTransactions(ctx, sender); err != nil {
		logger.Warn("failed to refresh transactions after transfer", slog.Any("error", err))
	}
	return true, nil
}

// Bind привязывает журнал к пользователю: загружает историю и подписывается на
// изменения, где он отправитель или получатель. nil снимает подписки и очищает журнал.
func (l *LedgerClient) Bind(ctx context.Context, user *models.User) error {
	const op = "service.LedgerClient.Bind"

	l.mu.Lock()
	if user != nil && l.user != nil && l.user.ID == user.ID {
		l.mu.Unlock()
		return nil
	}
	oldSubs := l.subs
	l.subs = nil
	// чтения, начатые для прежнего пользователя, больше не применяются
	l.list = nil
	l.applied = l.seq.Load()
	if user == nil {
		l.user = nil
	} else {
		u := *user
		l.user = &u
	}
	l.mu.Unlock()

	for _, sub := range oldSubs {
		if err := sub.Unsubscribe(); err != nil {
			l.log.Warn("failed to unsubscribe", slog.String("op", op), slog.Any("error", err))
		}
	}

	if user == nil {
		l.broadcast([]models.Transaction{})
		return nil
	}

	if l.changes != nil {
		subs := make([]realtime.Subscription, 0, 2)
		for _, filter := range []realtime.Filter{realtime.SenderFilter(user.ID), realtime.ReceiverFilter(user.ID)} {
			sub, err := l.changes.Subscribe(filter, l.onChange)
			if err != nil {
				l.log.Error("failed to subscribe", slog.String("op", op), slog.String("subject", filter.Subject()), slog.Any("error", err))
				continue
			}
			subs = append(subs, sub)
		}

		l.mu.Lock()
		if l.user != nil && l.user.ID == user.ID {
			l.subs = subs
			subs = nil
		}
		l.mu.Unlock()
		// пользователь сменился, пока мы подписывались
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}

	_, err := l.FetchTransactions(ctx, user)
	return err
}

// Close снимает подписки и закрывает все наблюдатели
func (l *LedgerClient) Close() {
	_ = l.Bind(context.Background(), nil)
	l.cancel()

	l.wmu.Lock()
	defer l.wmu.Unlock()
	for id, ch := range l.watchers {
		close(ch)
		delete(l.watchers, id)
	}
}

// User - пользователь, к которому привязан журнал
func (l *LedgerClient) User() *models.User {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.user == nil {
		return nil
	}
	u := *l.user
	return &u
}

// Transactions возвращает журнал из памяти, отфильтрованный относительно привязанного пользователя
func (l *LedgerClient) Transactions(filter FeedFilter) []models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.user == nil {
		return []models.Transaction{}
	}
	return FilterFeed(l.list, l.user.ID, filter)
}

// FilterFeed оставляет переводы, где userID отправитель (sent), получатель (received) или любой из них
func FilterFeed(txs []models.Transaction, userID uuid.UUID, filter FeedFilter) []models.Transaction {
	out := make([]models.Transaction, 0, len(txs))
	for _, tx := range txs {
		switch filter {
		case FilterSent:
			if tx.SenderID != userID {
				continue
			}
		case FilterReceived:
			if tx.ReceiverID != userID {
				continue
			}
		}
		out = append(out, tx)
	}
	return out
}

// Watch отдаёт канал со снимками журнала: текущий сразу и новый после каждой перезагрузки.
// Медленный читатель получает только последний снимок. cancel обязателен.
func (l *LedgerClient) Watch() (<-chan []models.Transaction, func()) {
	ch := make(chan []models.Transaction, 1)

	l.wmu.Lock()
	l.nextW++
	id := l.nextW
	l.watchers[id] = ch
	ch <- l.snapshot()
	l.wmu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.wmu.Lock()
			defer l.wmu.Unlock()
			if _, ok := l.watchers[id]; ok {
				delete(l.watchers, id)
				close(ch)
			}
		})
	}
}

// GroupByDate группирует отсортированный журнал по дням, порядок сохраняется
func GroupByDate(txs []models.Transaction) []DayGroup {
	groups := make([]DayGroup, 0)
	index := make(map[string]int)
	for _, tx := range txs {
		day := tx.CreatedAt.UTC().Format(time.DateOnly)
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DayGroup{Date: day})
		}
		groups[i].Transactions = append(groups[i].Transactions, tx)
	}
	return groups
}

func (l *LedgerClient) onChange(change realtime.Change) {
	user := l.User()
	if user == nil {
		return
	}
	l.log.Debug("change received, reloading transactions",
		slog.String("table", change.Table),
		slog.String("event", string(change.Event)),
	)

	ctx, cancel := context.WithTimeout(l.ctx, reloadTimeout)
	defer cancel()
	_, _ = l.FetchTransactions(ctx, user)
}

func (l *LedgerClient) snapshot() []models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneTransactions(l.list)
}

// apply заменяет журнал, если чтение seq свежее уже применённого, и рассылает его наблюдателям.
// wmu берётся до mu (как в Watch), так что рассылки идут в том же порядке, что и применение.
func (l *LedgerClient) apply(seq uint64, txs []models.Transaction) bool {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	fresh := seq > l.applied
	if fresh {
		l.list = txs
		l.applied = seq
	}
	l.mu.Unlock()

	if fresh {
		l.sendLocked(txs)
	}
	return fresh
}

func (l *LedgerClient) broadcast(list []models.Transaction) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.sendLocked(list)
}

// sendLocked вызывается под wmu
func (l *LedgerClient) sendLocked(list []models.Transaction) {
	for _, ch := range l.watchers {
		// отправляем только мы и только под wmu, поэтому после вычитки место в буфере есть
		select {
		case <-ch:
		default:
		}
		ch <- cloneTransactions(list)
	}
}

func cloneTransactions(txs []models.Transaction) []models.Transaction {
	out := make([]models.Transaction, len(txs))
	copy(out, txs)
	return out
}

func cleanNote(note *string) *string {
	if note == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*note)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

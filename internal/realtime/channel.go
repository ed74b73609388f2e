// Package realtime - канал уведомлений об изменениях строк хранилища.
// Подписка задаётся фильтром "таблица + колонка = значение".
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const (
	TableUsers        = "users"
	TableTransactions = "transactions"
)

// Filter выбирает изменения по равенству колонки, например sender_id = X
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Subject - имя темы, в которую публикуются изменения под этим фильтром
func (f Filter) Subject() string {
	return fmt.Sprintf("realtime.%s.%s.%s", f.Table, f.Column, f.Value)
}

func SenderFilter(userID uuid.UUID) Filter {
	return Filter{Table: TableTransactions, Column: "sender_id", Value: userID.String()}
}

func ReceiverFilter(userID uuid.UUID) Filter {
	return Filter{Table: TableTransactions, Column: "receiver_id", Value: userID.String()}
}

func UserFilter(userID uuid.UUID) Filter {
	return Filter{Table: TableUsers, Column: "id", Value: userID.String()}
}

// Change - событие об изменении строки
type Change struct {
	Table string    `json:"table"`
	Event EventType `json:"event"`
	RowID uuid.UUID `json:"rowId"`
	At    time.Time `json:"at"`
}

type Subscription interface {
	Unsubscribe() error
}

// Channel - граница уведомлений об изменениях
type Channel interface {
	Publish(ctx context.Context, f Filter, c Change) error
	Subscribe(f Filter, handler func(Change)) (Subscription, error)
}

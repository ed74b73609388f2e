// Package notice - очередь коротких уведомлений для пользователя
// (успех или ошибка операции), которые забирает слой представления.
package notice

import (
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier - куда операции сообщают о результате
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// Queue хранит последние capacity уведомлений, старые вытесняются
type Queue struct {
	log      *slog.Logger
	mu       sync.Mutex
	capacity int
	items    []Notice
}

const defaultCapacity = 50

func NewQueue(log *slog.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{log: log, capacity: capacity}
}

func (q *Queue) Success(msg string) {
	q.push(LevelSuccess, msg)
}

func (q *Queue) Error(msg string) {
	q.push(LevelError, msg)
}

func (q *Queue) push(level Level, msg string) {
	q.log.Debug("notice", slog.String("level", string(level)), slog.String("message", msg))

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, Notice{Level: level, Message: msg, At: time.Now()})
	if over := len(q.items) - q.capacity; over > 0 {
		q.items = append(q.items[:0:0], q.items[over:]...)
	}
}

// Drain отдаёт накопленные уведомления и очищает очередь
func (q *Queue) Drain() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if out == nil {
		return []Notice{}
	}
	return out
}

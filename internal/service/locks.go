package service

import (
	"sync"

	"github.com/google/uuid"
)

// SenderLocks сериализует переводы одного отправителя в пределах процесса.
// Общий на все сессии: один пользователь может войти с нескольких устройств.
type SenderLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*senderLock
}

type senderLock struct {
	mu   sync.Mutex
	refs int
}

func NewSenderLocks() *SenderLocks {
	return &SenderLocks{locks: make(map[uuid.UUID]*senderLock)}
}

// Lock захватывает мьютекс отправителя и возвращает функцию освобождения
func (l *SenderLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &senderLock{}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *SenderLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package service

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSenderLocks_SerialisesOneSender(t *testing.T) {
	locks := NewSenderLocks()
	id := uuid.New()

	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	var mu sync.Mutex
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(id)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, locks.held(), "entries are released")
}

func TestSenderLocks_IndependentSenders(t *testing.T) {
	locks := NewSenderLocks()
	unlockA := locks.Lock(uuid.New())
	// второй отправитель не ждёт первого
	unlockB := locks.Lock(uuid.New())
	assert.Equal(t, 2, locks.held())
	unlockA()
	unlockB()
	assert.Equal(t, 0, locks.held())
}

func TestReason(t *testing.T) {
	err := &TransferError{Err: ErrInsufficientBalance}
	assert.Equal(t, "insufficient balance", reason(err))
}

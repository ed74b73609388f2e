package service

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated     = errors.New("you must be logged in")
	ErrNotAuthenticated    = errors.New("no user logged in")
	ErrDuplicateUsername   = errors.New("username already taken")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidRecipient    = errors.New("recipient is required")
	ErrSelfTransfer        = errors.New("cannot send money to yourself")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRecipientNotFound   = errors.New("recipient not found")
)

// AuthError - сбой входа, регистрации, выхода или правки профиля
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransferError - перевод не выполнен: не прошла предварительная проверка или хранилище отказало
type TransferError struct {
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed: %v", e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Rejected сообщает, что перевод отклонён до записи или по бизнес-правилу, а не из-за сбоя хранилища
func (e *TransferError) Rejected() bool {
	for _, target := range []error{
		ErrUnauthenticated,
		ErrInvalidAmount,
		ErrInvalidRecipient,
		ErrSelfTransfer,
		ErrInsufficientBalance,
		ErrRecipientNotFound,
	} {
		if errors.Is(e.Err, target) {
			return true
		}
	}
	return false
}

// ReadError - не удалось прочитать журнал или справочник
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// reason - самая глубокая причина в цепочке, её текст и показывается пользователю
func reason(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

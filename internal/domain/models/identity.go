package models

import (
	"time"

	"github.com/google/uuid"
)

// Identity - учётная запись провайдера идентификации (логин и хэш пароля)
type Identity struct {
	ID        uuid.UUID
	Email     string
	PassHash  []byte
	Metadata  map[string]string
	CreatedAt time.Time
}

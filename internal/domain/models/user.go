package models

import (
	"time"

	"github.com/google/uuid"
)

// User представляет профиль пользователя
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"` // уникальное отображаемое имя
	Email     string    `json:"email"`
	AvatarURL *string   `json:"avatarUrl,omitempty"`
	Balance   Money     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserSummary - урезанный профиль для выбора получателя
type UserSummary struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	AvatarURL *string   `json:"avatarUrl,omitempty"`
}

// ProfileUpdate - частичное обновление профиля, nil-поля не меняются.
// Баланс сюда намеренно не входит: его меняют только переводы.
type ProfileUpdate struct {
	Username  *string `json:"username,omitempty"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// Empty сообщает, что обновлять нечего
func (p ProfileUpdate) Empty() bool {
	return p.Username == nil && p.AvatarURL == nil
}

// Apply накладывает обновление на копию профиля
func (p ProfileUpdate) Apply(u User) User {
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.AvatarURL != nil {
		avatar := *p.AvatarURL
		u.AvatarURL = &avatar
	}
	return u
}

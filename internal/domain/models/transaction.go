package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction - запись в журнале переводов. Создаётся один раз и больше не меняется.
type Transaction struct {
	ID         uuid.UUID    `json:"id"`
	SenderID   uuid.UUID    `json:"senderId"`
	ReceiverID uuid.UUID    `json:"receiverId"`
	Amount     Money        `json:"amount"`
	Note       *string      `json:"note,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	Sender     *UserSummary `json:"sender,omitempty"`   // снимок отправителя для отображения
	Receiver   *UserSummary `json:"receiver,omitempty"` // снимок получателя
}

package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/linemk/sendmoney/internal/realtime"
)

// ChangeFeed рассылает уведомления об изменениях строк после коммита.
// nil-значение допустимо и ничего не публикует.
type ChangeFeed struct {
	log *slog.Logger
	ch  realtime.Channel
}

func NewChangeFeed(log *slog.Logger, ch realtime.Channel) *ChangeFeed {
	return &ChangeFeed{log: log, ch: ch}
}

// emit не возвращает ошибку: запись уже зафиксирована, подписчики догонят при следующей перезагрузке
func (f *ChangeFeed) emit(ctx context.Context, table string, event realtime.EventType, rowID uuid.UUID, filters ...realtime.Filter) {
	if f == nil || f.ch == nil {
		return
	}
	change := realtime.Change{Table: table, Event: event, RowID: rowID, At: time.Now().UTC()}
	for _, filter := range filters {
		if err := f.ch.Publish(ctx, filter, change); err != nil {
			f.log.Error("failed to publish change",
				slog.String("subject", filter.Subject()),
				slog.Any("error", err),
			)
		}
	}
}

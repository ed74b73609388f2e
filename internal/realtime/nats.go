package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NatsChannel публикует изменения в NATS, тема = Filter.Subject()
type NatsChannel struct {
	log *slog.Logger
	nc  *nats.Conn
}

// ConnectNats устанавливает соединение с NATS и возвращает канал поверх него
func ConnectNats(log *slog.Logger, url string) (*NatsChannel, error) {
	nc, err := nats.Connect(url, nats.Name("sendmoney"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log.Info("connected to nats", slog.String("url", url))
	return NewNatsChannel(log, nc), nil
}

func NewNatsChannel(log *slog.Logger, nc *nats.Conn) *NatsChannel {
	return &NatsChannel{log: log, nc: nc}
}

func (n *NatsChannel) Publish(_ context.Context, f Filter, c Change) error {
	const op = "realtime.NatsChannel.Publish"

	if n.nc == nil || !n.nc.IsConnected() {
		return fmt.Errorf("%s: %w", op, nats.ErrConnectionClosed)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("%s: failed to encode change: %w", op, err)
	}
	if err := n.nc.Publish(f.Subject(), data); err != nil {
		return fmt.Errorf("%s: failed to publish to %s: %w", op, f.Subject(), err)
	}
	return nil
}

func (n *NatsChannel) Subscribe(f Filter, handler func(Change)) (Subscription, error) {
	const op = "realtime.NatsChannel.Subscribe"
	logger := n.log.With(slog.String("op", op), slog.String("subject", f.Subject()))

	sub, err := n.nc.Subscribe(f.Subject(), func(msg *nats.Msg) {
		var c Change
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			logger.Error("failed to decode change", slog.Any("error", err))
			return
		}
		handler(c)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// Close сливает неотправленные сообщения и закрывает соединение
func (n *NatsChannel) Close() {
	if n.nc != nil && !n.nc.IsClosed() {
		if err := n.nc.Drain(); err != nil {
			n.log.Error("nats drain failed", slog.Any("error", err))
		}
	}
}

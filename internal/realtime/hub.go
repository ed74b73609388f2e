package realtime

import (
	"context"
	"sync"
)

// Hub - реализация Channel внутри процесса.
// Доставка асинхронная, как у брокера: обработчик не выполняется в стеке Publish.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(Change)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]func(Change))}
}

func (h *Hub) Publish(_ context.Context, f Filter, c Change) error {
	h.mu.RLock()
	handlers := make([]func(Change), 0, len(h.subs[f.Subject()]))
	for _, fn := range h.subs[f.Subject()] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		go fn(c)
	}
	return nil
}

func (h *Hub) Subscribe(f Filter, handler func(Change)) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subject := f.Subject()
	if h.subs[subject] == nil {
		h.subs[subject] = make(map[int]func(Change))
	}
	h.nextID++
	id := h.nextID
	h.subs[subject][id] = handler

	return &hubSubscription{hub: h, subject: subject, id: id}, nil
}

// Subscribers возвращает число живых подписок на тему фильтра
func (h *Hub) Subscribers(f Filter) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[f.Subject()])
}

type hubSubscription struct {
	hub     *Hub
	subject string
	id      int
	once    sync.Once
}

func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.subs[s.subject], s.id)
		if len(s.hub.subs[s.subject]) == 0 {
			delete(s.hub.subs, s.subject)
		}
	})
	return nil
}

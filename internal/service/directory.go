package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/storage"
)

const DefaultDirectoryLimit = 100

// Directory - список возможных получателей для формы перевода
type Directory struct {
	log      *slog.Logger
	users    storage.UserStorage
	cache    storage.DirectoryCache
	maxLimit int
}

func NewDirectory(log *slog.Logger, users storage.UserStorage, cache storage.DirectoryCache, maxLimit int) *Directory {
	if maxLimit <= 0 || maxLimit > DefaultDirectoryLimit {
		maxLimit = DefaultDirectoryLimit
	}
	return &Directory{
		log:      log,
		users:    users,
		cache:    cache,
		maxLimit: maxLimit,
	}
}

// SearchUsers возвращает до limit профилей без фильтрации по тексту
func (d *Directory) SearchUsers(ctx context.Context, limit int) ([]models.UserSummary, error) {
	const op = "service.Directory.SearchUsers"
	if limit <= 0 || limit > d.maxLimit {
		limit = d.maxLimit
	}
	logger := d.log.With(
		slog.String("op", op),
		slog.Int("limit", limit),
	)

	if d.cache != nil {
		if users, ok := d.cache.Get(ctx, limit); ok {
			logger.Debug("directory served from cache", slog.Int("count", len(users)))
			return users, nil
		}
	}

	users, err := d.users.ListUsers(ctx, limit)
	if err != nil {
		logger.Error("failed to list users", slog.Any("error", err))
		return nil, &ReadError{Op: op, Err: err}
	}
	if users == nil {
		users = []models.UserSummary{}
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, limit, users); err != nil {
			logger.Warn("failed to cache directory", slog.Any("error", err))
		}
	}
	return users, nil
}

// FilterUsers - фильтр по подстроке имени без учёта регистра, поверх уже загруженной страницы
func FilterUsers(list []models.UserSummary, term string) []models.UserSummary {
	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]models.UserSummary, 0, len(list))
	for _, u := range list {
		if term == "" || strings.Contains(strings.ToLower(u.Username), term) {
			out = append(out, u)
		}
	}
	return out
}

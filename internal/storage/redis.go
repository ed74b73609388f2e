package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/redis/go-redis/v9"
)

// Оба хранилища ниже работают и без Redis: с nil-клиентом они просто отключены.

// SessionStore - множество живых сессий провайдера идентификации
type SessionStore interface {
	Put(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
	Enabled() bool
}

type redisSessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) SessionStore {
	return &redisSessionStore{client: client}
}

func sessionKey(id string) string {
	return "session:" + id
}

func (s *redisSessionStore) Enabled() bool {
	return s.client != nil
}

func (s *redisSessionStore) Put(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	if s.client == nil {
		return nil
	}
	return s.client.Set(ctx, sessionKey(sessionID), userID, ttl).Err()
}

func (s *redisSessionStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if s.client == nil {
		return true, nil
	}
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisSessionStore) Delete(ctx context.Context, sessionID string) error {
	if s.client == nil {
		return nil
	}
	return s.client.Del(ctx, sessionKey(sessionID)).Err()
}

// DirectoryCache кэширует страницу справочника пользователей
type DirectoryCache interface {
	Get(ctx context.Context, limit int) ([]models.UserSummary, bool)
	Set(ctx context.Context, limit int, users []models.UserSummary) error
}

type redisDirectoryCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDirectoryCache(client *redis.Client, ttl time.Duration) DirectoryCache {
	return &redisDirectoryCache{client: client, ttl: ttl}
}

func directoryKey(limit int) string {
	return fmt.Sprintf("directory:%d", limit)
}

func (c *redisDirectoryCache) Get(ctx context.Context, limit int) ([]models.UserSummary, bool) {
	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, directoryKey(limit)).Bytes()
	if err != nil {
		return nil, false
	}
	var users []models.UserSummary
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, false
	}
	return users, true
}

func (c *redisDirectoryCache) Set(ctx context.Context, limit int, users []models.UserSummary) error {
	if c.client == nil {
		return nil
	}
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, directoryKey(limit), data, c.ttl).Err()
}

// ConnectRedis открывает клиент и проверяет связь; пустой адрес - Redis не используется
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return client, nil
}

package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/linemk/sendmoney/internal/config"
	"github.com/linemk/sendmoney/internal/domain/models"
	"github.com/linemk/sendmoney/internal/identity"
	"github.com/linemk/sendmoney/internal/realtime"
	"github.com/linemk/sendmoney/internal/service"
	"github.com/linemk/sendmoney/internal/storage"
	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Redis     *redis.Client
	Changes   realtime.Channel
	Sessions  *service.Sessions
	Directory *service.Directory

	nats *realtime.NatsChannel
}

// NewApp создаёт новый экземпляр App: подключает БД, Redis и NATS
// и собирает из них сервисный слой
func NewApp(log *slog.Logger, cfg *config.Config) (*App, error) {

	dbPassword := os.Getenv("DB_PASSWORD")
	if dbPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is not set")
	}
	// реализуем подключение к БД через DSN
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.Database.User,
		dbPassword,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	app := &App{
		Config: cfg,
		Logger: log,
		DB:     db,
	}

	startingBalance, err := models.ParseMoney(cfg.Ledger.StartingBalance)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid starting balance: %w", err)
	}

	// Redis необязателен: без него нет отзыва сессий и кэша справочника
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		rdb, err := storage.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Redis = rdb
		log.Info("connected to redis", slog.String("addr", cfg.Redis.Addr))
	} else {
		log.Warn("redis is not configured, session revocation and directory cache are disabled")
	}

	// без NATS изменения видны только внутри процесса
	if cfg.Nats.URL != "" {
		nc, err := realtime.ConnectNats(log, cfg.Nats.URL)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.nats = nc
		app.Changes = nc
	} else {
		log.Warn("nats is not configured, using in-process change channel")
		app.Changes = realtime.NewHub()
	}

	feed := storage.NewChangeFeed(log, app.Changes)
	users := storage.NewUserRepository(db, feed)
	txs := storage.NewTransactionRepository(log, db, users, feed)

	provider := identity.NewLocal(
		log,
		storage.NewIdentityRepository(db),
		storage.NewSessionStore(app.Redis),
		cfg.JWT.TTL(),
	)

	var cache storage.DirectoryCache
	if app.Redis != nil {
		cache = storage.NewDirectoryCache(app.Redis, cfg.Ledger.DirectoryCacheTTL)
	}

	app.Sessions = service.NewSessions(service.Deps{
		Log:             log,
		Provider:        provider,
		Users:           users,
		Transactions:    txs,
		Changes:         app.Changes,
		StartingBalance: startingBalance,
		NoticeCapacity:  cfg.Ledger.NoticeCapacity,
		SweepInterval:   cfg.Ledger.SessionSweep,
	})
	app.Directory = service.NewDirectory(log, users, cache, cfg.Ledger.DirectoryLimit)

	return app, nil
}

// Close закрывает сессии и соединения в обратном порядке
func (a *App) Close() {
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("failed to close redis", slog.Any("error", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error("failed to close database", slog.Any("error", err))
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/untibullet/landkid/internal/config"
	"github.com/untibullet/landkid/internal/handlers"
	"github.com/untibullet/landkid/internal/queue"
	"github.com/untibullet/landkid/internal/repository"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the land queue HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.config()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	// Инициализация логгера
	logger, err := initLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting land queue service",
		zap.String("server_address", cfg.Server.GetAddress()),
		zap.String("database_driver", cfg.Database.Driver))

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Подключение к хранилищу
	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open status store", zap.Error(err))
		return err
	}
	defer store.Close()

	logger.Info("status store ready")

	// Инициализация очереди
	statusLog := queue.NewStatusLog(store, logger, queue.Options{
		MaxAttempts:      cfg.Queue.MaxAttempts,
		InitialInterval:  cfg.Queue.InitialInterval,
		MaxInterval:      cfg.Queue.MaxInterval,
		RequestCacheSize: cfg.Queue.RequestCacheSize,
		RequestCacheTTL:  cfg.Queue.RequestCacheTTL,
	})
	defer statusLog.Close()

	view := queue.NewView(store)
	banner, err := queue.NewBanner(cfg.Banner.Message, cfg.Banner.MessageType)
	if err != nil {
		return fmt.Errorf("invalid banner config: %w", err)
	}
	checker := queue.StaticChecker{
		Errors:            cfg.Checks.Errors,
		Warnings:          cfg.Checks.Warnings,
		AllowLandWhenAble: cfg.Checks.AllowLandWhenAble,
	}
	intake := queue.NewIntake(statusLog, view, checker, banner, logger)

	// Инициализация обработчиков
	handler := handlers.New(statusLog, view, intake, banner, logger)

	e := newEcho(logger)
	handler.RegisterRoutes(e)

	// Health check endpoint
	e.GET("/health", func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	g, gctx := errgroup.WithContext(ctx)

	// Запуск сервера
	g.Go(func() error {
		addr := cfg.Server.GetAddress()
		logger.Info("server listening", zap.String("address", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server start failed: %w", err)
		}
		return nil
	})

	// Ожидание сигнала завершения
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}

func newEcho(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				logger.Info("request",
					zap.String("method", c.Request().Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
				)
			} else {
				logger.Error("request error",
					zap.String("method", c.Request().Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Error(v.Error),
				)
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	return e
}

// openStore выбирает хранилище журнала статусов по драйверу из конфигурации
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		applied, err := repository.MigratePostgres(ctx, cfg.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database migrated", zap.Int("applied", applied))

		pool, err := initDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("database connection established")
		return repository.NewPostgres(pool), nil
	case config.DriverSQLite:
		store, err := repository.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store opened", zap.String("path", cfg.Path))
		return store, nil
	case config.DriverMemory:
		logger.Warn("using in-memory status store, state is lost on restart")
		return repository.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// initDatabase инициализирует пул подключений к PostgreSQL
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Настройки пула
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// Создание пула
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Проверка подключения
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

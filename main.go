package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/metrics"
	"chatrelay/internal/redis"
	"chatrelay/internal/relay"
	"chatrelay/internal/service/account"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/service/oracle"
	"chatrelay/internal/storage"
	"chatrelay/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CHATRELAY_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dbType := cfg.BasicConfig.Database
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	tokenTTL := time.Duration(cfg.Auth.TokenTTL) * time.Minute
	var (
		revocations auth.RevocationStore
		feed        auth.RevokeFeed
	)
	switch cfg.Auth.RevocationBackend {
	case config.RevocationRedis:
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		revocations = auth.NewRedisRevocations(rdb, tokenTTL)
		feed = auth.NewRedisFeed(rdb)
	default:
		logger.Warn("using in-process revocation store; revocations are not shared between instances")
		revocations = auth.NewMemoryRevocations(tokenTTL)
		feed = auth.NewLocalFeed()
	}
	if !cfg.Auth.CloseOnRevoke {
		feed = nil
	}

	m := metrics.New()
	accounts := account.NewService(db)
	authService := auth.NewService(auth.NewTokenService(cfg.Auth.JWTSecret, tokenTTL), revocations, accounts, auth.Options{
		Feed:       feed,
		CookieName: cfg.Auth.CookieName,
		OnFailure:  m.AuthFailure,
	})
	chats := chat.NewService(db)

	provider, _ := cfg.Provider()
	generator, err := oracle.New(ctx, cfg.Oracle, provider)
	if err != nil {
		return err
	}

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	m.RegisterWorkers(dispatcher.Workers)

	relayer := relay.New(chats, generator, relay.Options{
		Streaming:   cfg.Oracle.Streaming,
		TurnTimeout: time.Duration(cfg.BasicConfig.TurnTimeout) * time.Second,
		Scheduler:   dispatcher,
		Metrics:     m,
	})
	hub := relay.NewHub(relayer, relay.HubOptions{
		TurnRate:       cfg.BasicConfig.TurnRate,
		TurnBurst:      cfg.BasicConfig.TurnBurst,
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
		Metrics:        m,
	})
	if feed != nil {
		go func() {
			if err := hub.ListenRevocations(ctx, feed); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("revocation feed stopped", "err", err)
			}
		}()
	}

	handlers := api.NewHandler(accounts, chats, authService, hub, m)
	router := gin.New()
	router.Use(api.AccessLog(os.Stdout), gin.Recovery())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "provider", cfg.Oracle.Provider, "revocation", cfg.Auth.RevocationBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("socket shutdown", "err", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker shutdown", "err", err)
	}
	return nil
}

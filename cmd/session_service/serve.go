package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"session_service/internal/auth"
	"session_service/internal/config"
	"session_service/internal/handler"
	"session_service/internal/logging"
	"session_service/internal/metrics"
	"session_service/internal/service"
	"session_service/internal/storage"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	const op = "main.runServe"

	if configPath == "" {
		return fmt.Errorf("%s: config path is required", op)
	}

	cfg := config.MustLoadConfig(configPath)

	lgr := logging.Setup(cfg.Env, os.Stdout)
	lgr.Info("starting session service", slog.String("env", cfg.Env))

	pool, err := storage.NewPostgresPool(ctx, cfg.DbURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer pool.Close()

	rdb, err := storage.NewRedisClient(ctx, &redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer rdb.Close()

	hasher, err := auth.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		SigningKey: []byte(cfg.Auth.SigningKey),
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sessions, err := service.NewSessionManager(
		storage.NewPostgresUserDirectory(pool),
		storage.NewRedisCredentialStore(rdb),
		hasher,
		issuer,
		lgr,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	if cfg.Env == logging.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	h := handler.NewHandler(sessions, issuer, handler.CookieConfig{
		AccessTTL:  issuer.AccessTTL(),
		RefreshTTL: issuer.RefreshTTL(),
		Secure:     cfg.Env == logging.EnvProd,
	}, lgr)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      h.InitRoutes(reg),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		lgr.Info("http server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
	}

	lgr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	lgr.Info("server stopped")

	return nil
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"closetrack/auth"
	"closetrack/bootstrap"
	"closetrack/config"
	"closetrack/lifecycle"
	"closetrack/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("CLOSETRACK_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg.Database)
	if err != nil {
		zl.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	locker, closeLocker, err := bootstrap.NewLocker(ctx, cfg.Redis, zl)
	if err != nil {
		zl.Fatal("connect lock backend", zap.Error(err))
	}
	defer closeLocker()

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		zl.Fatal("build token verifier", zap.Error(err))
	}

	engine := lifecycle.NewEngine(store, locker, bootstrap.EngineOptions(cfg), zl)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      NewServer(engine, verifier, zl).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("api listening", zap.String("addr", cfg.HTTP.Addr), zap.String("driver", cfg.Database.Driver))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("http server", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown", zap.Error(err))
	}
}

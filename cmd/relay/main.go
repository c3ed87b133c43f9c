// Command relay sends queued notification deliveries through SES and SNS and
// periodically sweeps deadlines for urgency crossings.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"closetrack/bootstrap"
	"closetrack/config"
	"closetrack/lifecycle"
	"closetrack/logger"
	"closetrack/notification"
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

	channels, err := notification.NewAWSChannels(ctx, notification.AWSOptions{
		Region:       cfg.Notifications.Region,
		FromEmail:    cfg.Notifications.FromEmail,
		EmailEnabled: cfg.Notifications.EmailEnabled,
		SMSEnabled:   cfg.Notifications.SMSEnabled,
	})
	if err != nil {
		zl.Fatal("build notification channels", zap.Error(err))
	}

	relay := notification.NewRelay(store, channels, bootstrap.RelayConfig(cfg.Notifications), zl)
	engine := lifecycle.NewEngine(store, locker, bootstrap.EngineOptions(cfg), zl)

	metricsSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: promhttp.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(relay.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(sweep(gctx, engine, cfg.Notifications.SweepInterval, zl))
	})
	g.Go(func() error {
		zl.Info("relay metrics listening", zap.String("addr", cfg.HTTP.Addr))
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zl.Error("relay exited", zap.Error(err))
		os.Exit(1)
	}
}

// sweep runs SweepAll every interval, starting immediately.
func sweep(ctx context.Context, engine *lifecycle.Engine, interval time.Duration, zl *zap.Logger) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := engine.SweepAll(ctx, time.Now(), 0); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zl.Warn("deadline sweep finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

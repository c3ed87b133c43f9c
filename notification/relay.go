package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"closetrack/metrics"
)

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Lease is how long a claimed delivery stays invisible to other relays.
	Lease    time.Duration
	Interval time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	return c
}

// BatchResult summarises one ProcessBatch call.
type BatchResult struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

// Relay sends queued deliveries after their unit of work committed. A failed
// recipient is logged and rescheduled without affecting the others.
type Relay struct {
	store    OutboxStore
	channels map[ChannelName]Channel
	cfg      RelayConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewRelay(store OutboxStore, channels []Channel, cfg RelayConfig, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	byName := make(map[ChannelName]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Relay{
		store:    store,
		channels: byName,
		cfg:      cfg.withDefaults(),
		log:      log.With(zap.String("component", "relay")),
		now:      time.Now,
	}
}

// Backoff is the delay before retry number attempts (1-based), doubling from
// base and capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ProcessBatch claims the deliveries due at now and sends them concurrently.
// Only a failure to claim is returned; per-delivery failures are contained.
func (r *Relay) ProcessBatch(ctx context.Context, now time.Time) (BatchResult, error) {
	start := time.Now()
	defer func() { metrics.RelayBatchDuration.Observe(time.Since(start).Seconds()) }()

	claimed, err := r.store.ClaimDeliveries(ctx, now, now.Add(r.cfg.Lease), r.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("notification: claim deliveries: %w", err)
	}

	var (
		mu  sync.Mutex
		res = BatchResult{Claimed: len(claimed)}
	)
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, pd := range claimed {
		g.Go(func() error {
			metrics.RelayInFlight.Inc()
			defer metrics.RelayInFlight.Dec()

			outcome := r.deliver(ctx, pd, now)
			mu.Lock()
			switch outcome {
			case DeliveryDelivered:
				res.Delivered++
			case DeliveryDead:
				res.Dead++
			default:
				res.Retried++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (r *Relay) deliver(ctx context.Context, pd PendingDelivery, now time.Time) DeliveryStatus {
	d := pd.Delivery
	d.Attempts++

	err := r.send(ctx, pd)
	if err == nil {
		at := now.UTC()
		d.Status = DeliveryDelivered
		d.DeliveredAt = &at
		d.LastError = ""
		metrics.DeliveriesTotal.WithLabelValues(string(d.Channel), "delivered").Inc()
	} else {
		failure := &DispatchFailure{Recipient: pd.Notification.RecipientKey, Channel: d.Channel, Err: err}
		d.LastError = failure.Error()
		if d.Attempts >= r.cfg.MaxAttempts {
			d.Status = DeliveryDead
		} else {
			d.Status = DeliveryFailed
			d.NextAttemptAt = now.Add(Backoff(r.cfg.BaseBackoff, r.cfg.MaxBackoff, d.Attempts)).UTC()
		}
		metrics.DeliveriesTotal.WithLabelValues(string(d.Channel), string(d.Status)).Inc()
		r.log.Warn("delivery failed",
			zap.String("delivery_id", d.ID),
			zap.String("notification_id", d.NotificationID),
			zap.String("recipient", failure.Recipient),
			zap.String("channel", string(d.Channel)),
			zap.Int("attempts", d.Attempts),
			zap.String("status", string(d.Status)),
			zap.Error(err))
	}

	if err := r.store.UpdateDelivery(ctx, d); err != nil {
		r.log.Error("record delivery outcome", zap.String("delivery_id", d.ID), zap.Error(err))
	}
	return d.Status
}

var errNoChannel = errors.New("notification: channel not configured")

func (r *Relay) send(ctx context.Context, pd PendingDelivery) (err error) {
	ch, ok := r.channels[pd.Delivery.Channel]
	if !ok {
		return errNoChannel
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notification: channel panic: %v", p)
		}
	}()
	return ch.Send(ctx, pd.Delivery, pd.Notification)
}

// Run processes batches every Interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("relay started", zap.Duration("interval", r.cfg.Interval), zap.Int("batch_size", r.cfg.BatchSize))
	for {
		res, err := r.ProcessBatch(ctx, r.now())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("relay batch failed", zap.Error(err))
		} else if res.Claimed > 0 {
			r.log.Info("relay batch processed",
				zap.Int("claimed", res.Claimed),
				zap.Int("delivered", res.Delivered),
				zap.Int("retried", res.Retried),
				zap.Int("dead", res.Dead))
		}

		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"closetrack/lifecycle"
	"closetrack/lock"
	"closetrack/notification"
	"closetrack/storage/postgres"
	"closetrack/test/actors"
	"closetrack/test/chaos"
	"closetrack/test/infra"
	"closetrack/test/oracles"
	"closetrack/transaction"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "actors of each kind per engine")
	flDeals       = flag.Int("deals", 6, "transactions the actors contend over")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

// TestLifecycleConcurrency runs two engines over one database, sharing a
// Redis lock, and checks the SQL oracles while transitions, completions,
// sweeps and deliveries race each other.
func TestLifecycleConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pgC, dsn, shared := startDatabase(t, ctx)
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, shared, int32(4*(*flConcurrency)+8))
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	log := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	store := postgres.New(pool)
	opts := lifecycle.Options{
		MaxRetries:    5,
		RetryBackoff:  5 * time.Millisecond,
		Notifications: notification.Options{EmailEnabled: true, SMSEnabled: true},
	}
	engines := []*lifecycle.Engine{
		lifecycle.NewEngine(store, lock.NewRedisLocker(rdb, lock.RedisOptions{}, log), opts, log.Named("a")),
		lifecycle.NewEngine(store, lock.NewRedisLocker(rdb, lock.RedisOptions{}, log), opts, log.Named("b")),
	}

	ids := mustSeed(t, ctx, engines[0], *flDeals)

	email := &actors.FlakyChannel{Channel: notification.ChannelEmail, FailEvery: 4}
	sms := &actors.FlakyChannel{Channel: notification.ChannelSMS, FailEvery: 3}
	relayCfg := notification.RelayConfig{
		BatchSize: 20, Concurrency: 4, MaxAttempts: 4,
		BaseBackoff: 10 * time.Millisecond, MaxBackoff: 200 * time.Millisecond, Lease: time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i, eng := range engines {
		for j := 0; j < *flConcurrency; j++ {
			actor := [...]string{"agent-1", "attorney-1"}[(i+j)%2]
			g.Go(func() error { return actors.Transitioner(gctx, eng, ids, actor, stop) })
			g.Go(func() error { return actors.DeadlineCompleter(gctx, eng, ids, actor, stop) })
			g.Go(func() error { return actors.Noter(gctx, eng, ids, actor, stop) })
		}
		g.Go(func() error { return actors.Sweeper(gctx, eng, stop) })
		relay := notification.NewRelay(store, []notification.Channel{email, sms}, relayCfg, log.Named("relay"))
		g.Go(func() error { return actors.Relay(gctx, relay, stop) })
	}

	killed := make(chan int, 1)
	if *flChaos {
		go func() { killed <- chaos.TerminateRandomBackend(gctx, pool, "closetrack-stress", 2*time.Second, stop) }()
	} else {
		killed <- 0
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			if checkOracles(t, gctx, pool, seed) {
				close(stop)
				return
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}

	// final check once every writer has stopped
	checkOracles(t, ctx, pool, seed)
	t.Logf("done: backends killed=%d email sent=%d sms sent=%d", <-killed, email.Sent.Load(), sms.Sent.Load())
}

// checkOracles reports whether an oracle failed.
func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || actors.ConnectionLost(err) {
			return false
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name == "" {
		return false
	}
	dumpRecent(t, ctx, pool)
	t.Errorf("oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	return true
}

func startDatabase(t *testing.T, ctx context.Context) (*infra.PGContainer, string, bool) {
	t.Helper()
	switch {
	case *flDSN != "":
		return &infra.PGContainer{}, *flDSN, true
	case os.Getenv(infra.DSNEnv) != "":
		return &infra.PGContainer{}, os.Getenv(infra.DSNEnv), true
	case dockerAvailable(ctx):
		pgC, dsn, err := infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		return pgC, dsn, false
	}
	dsn, err := infra.InitLocalDatabase(ctx)
	if err != nil {
		t.Skipf("no database for stress run: %v", err)
	}
	return &infra.PGContainer{}, dsn, false
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// mustSeed creates deals whose milestone dates straddle the urgency bands.
func mustSeed(t *testing.T, ctx context.Context, eng *lifecycle.Engine, n int) []string {
	t.Helper()
	now := time.Now().UTC()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		day := func(d int) *time.Time {
			at := now.Add(time.Duration(d*24+rand.Intn(24)) * time.Hour)
			return &at
		}
		txn, err := eng.CreateTransaction(ctx, lifecycle.CreateTransactionRequest{
			CreateParams: transaction.CreateParams{
				PropertyAddress: fmt.Sprintf("%d Stress Ave", 100+i),
				Participants: []transaction.Participant{
					{Key: "agent-1", Role: transaction.RoleAgent, Email: "agent1@example.com", Phone: "+15550000001"},
					{Key: fmt.Sprintf("buyer-%d", i), Role: transaction.RoleBuyer, Email: fmt.Sprintf("buyer%d@example.com", i)},
					{Key: fmt.Sprintf("seller-%d", i), Role: transaction.RoleSeller, Phone: "+15550000002"},
					{Key: "attorney-1", Role: transaction.RoleAttorney, Email: "attorney@example.com"},
				},
				Milestones: transaction.Milestones{
					InspectionDate:         day(rand.Intn(5)),
					AppraisalDate:          day(2 + rand.Intn(6)),
					MortgageCommitmentDate: day(4 + rand.Intn(8)),
					AttorneyReviewDate:     day(6 + rand.Intn(8)),
					ClosingDate:            day(10 + rand.Intn(10)),
				},
				SalePrice:      decimal.NewNullDecimal(decimal.NewFromInt(int64(300000 + rand.Intn(400000)))),
				CommissionRate: decimal.NewNullDecimal(decimal.RequireFromString("2.5")),
			},
			Actor: "agent-1",
		})
		if err != nil {
			t.Fatalf("seed transaction %d: %v", i, err)
		}
		ids = append(ids, txn.ID)
	}
	return ids
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"transactions", `SELECT id, status, cancelled_from, version, updated_at FROM transactions ORDER BY updated_at DESC LIMIT 20`},
		{"activity_entries", `SELECT transaction_id, seq, kind, from_status, to_status, deadline_id, actor, occurred_at FROM activity_entries ORDER BY occurred_at DESC LIMIT 50`},
		{"deadlines", `SELECT id, transaction_id, title, is_completed, notified_urgency FROM deadlines ORDER BY created_at DESC LIMIT 30`},
		{"deliveries", `SELECT id, channel, status, attempts, last_error FROM deliveries ORDER BY created_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}

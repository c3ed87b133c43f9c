package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend opened under applicationName
// every few ticks, leaving the caller's own connection alone. It returns
// the number of backends it terminated.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, applicationName string, every time.Duration, stop <-chan struct{}) int {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var hit bool
			err := pool.QueryRow(ctx, `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database()
  AND application_name = $1
  AND pid <> pg_backend_pid()
ORDER BY random()
LIMIT 1`, applicationName).Scan(&hit)
			if err == nil && hit {
				killed++
			}
		}
	}
}

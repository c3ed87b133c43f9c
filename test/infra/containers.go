package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DSNEnv names the variable that points the stress run at an existing
// database instead of a container.
const DSNEnv = "CLOSETRACK_STRESS_DSN"

const (
	stressImage = "postgres:16-alpine"
	stressCreds = "closetrack"
)

// PGContainer is the database a stress run talks to. C stays nil when the
// run reuses an external database, and Terminate is then a no-op.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 resolves the stress database: overrideDSN first, then
// DSNEnv, and only then a throwaway closetrack container.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv(DSNEnv)} {
		if dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}

	c, err := postgres.Run(ctx, stressImage,
		postgres.WithDatabase(stressCreds),
		postgres.WithUsername(stressCreds),
		postgres.WithPassword(stressCreds),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: start %s: %w", stressImage, err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable", "application_name=closetrack-stress")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: container dsn: %w", err)
	}
	return &PGContainer{C: c}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

//go:build integration

package postgresql_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/runbook/pkg/persistence"
	"github.com/dukex/runbook/pkg/persistence/persistencetest"
	"github.com/dukex/runbook/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var tables = []string{"events", "jobs", "executions", "logs", "workflows"}

type testDB struct {
	url string
	raw *sql.DB
}

var container *postgres.PostgresContainer

// freshDB returns a connection string to an empty database, starting the
// shared container on first use.
func freshDB(ctx context.Context, t *testing.T) testDB {
	t.Helper()

	if container == nil || !container.IsRunning() {
		var err error

		container, err = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("runbook_test"),
			postgres.WithUsername("runbook"),
			postgres.WithPassword("runbook"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	raw, err := sql.Open("postgres", url)
	require.NoError(t, err)

	reset := func() {
		for _, table := range append(tables, "schema_migrations") {
			_, err := raw.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
			require.NoError(t, err)
		}
	}

	reset()
	t.Cleanup(func() {
		reset()
		require.NoError(t, raw.Close())
	})

	return testDB{url: url, raw: raw}
}

func open(ctx context.Context, t *testing.T, url string) *postgresql.Persistence {
	t.Helper()

	p, err := postgresql.NewPersistence(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), url)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close(ctx)) })

	return p
}

func TestPersistence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return open(ctx, t, freshDB(ctx, t).url)
	})
}

func TestNewPersistence_CreatesSchemaOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db := freshDB(ctx, t)
	p := open(ctx, t, db.url)
	require.NoError(t, p.HealthCheck(ctx))

	for _, table := range tables {
		var exists bool

		err := db.raw.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
			table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s", table)
	}

	// a second process opening the same database must not reapply anything
	open(ctx, t, db.url)

	var applied int

	require.NoError(t, db.raw.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 1, applied)

	var name string

	require.NoError(t, db.raw.QueryRowContext(ctx, "SELECT name FROM schema_migrations WHERE version = 1").Scan(&name))
	assert.Equal(t, "initial_schema", name)
}

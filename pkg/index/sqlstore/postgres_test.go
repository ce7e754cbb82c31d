package sqlstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
)

// newPostgresStore spins up a disposable PostgreSQL container and opens
// the store against it, running the embedded migrations. Set
// PHOBOS_TEST_POSTGRES=1 to enable; the suite is skipped otherwise so
// plain `go test ./...` stays docker-free.
func newPostgresStore(t *testing.T) (*Backend, string) {
	t.Helper()
	if os.Getenv("PHOBOS_TEST_POSTGRES") == "" {
		t.Skip("set PHOBOS_TEST_POSTGRES=1 to run the postgres conformance suite")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("phobos"),
		tcpostgres.WithUsername("phobos"),
		tcpostgres.WithPassword("phobos"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	b, err := New(ctx, Options{Dialect: DialectPostgres, DSN: dsn, MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, dsn
}

func TestPostgresConformance(t *testing.T) {
	b, dsn := newPostgresStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m := &model.Medium{
			ID:        model.MediumID{Family: model.FamilyTape, Name: fmt.Sprintf("P%05d", i)},
			AdmStatus: model.AdmUnlocked,
			FSStatus:  model.FSEmpty,
			Flags:     model.MediumFlags{Put: true},
			Stats:     model.MediumStats{PhysFree: 1 << 30},
		}
		require.NoError(t, b.Insert(ctx, index.TableMedia, index.MediumToRow(m)))
	}

	t.Run("DuplicateInsertMapsToAlreadyExists", func(t *testing.T) {
		err := b.Insert(ctx, index.TableMedia, index.Row{ID: "tape/P00000", Fields: map[string]any{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("FilterOverJSONB", func(t *testing.T) {
		rows, err := b.Get(ctx, index.TableMedia, index.And{
			index.Cmp{Field: "family", Op: index.OpEq, Value: "tape"},
			index.Cmp{Field: "phys_free", Op: index.OpGte, Value: int64(1 << 30)},
		})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})

	t.Run("AllOrNothingLock", func(t *testing.T) {
		ok, err := b.Lock(ctx, index.TableMedia, []string{"tape/P00001"}, "host-b", 1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.Lock(ctx, index.TableMedia,
			[]string{"tape/P00000", "tape/P00001", "tape/P00002"}, "host-a", 2)
		require.NoError(t, err)
		assert.False(t, ok)

		lock, err := b.LockStatus(ctx, index.TableMedia, "tape/P00000")
		require.NoError(t, err)
		assert.Nil(t, lock)
	})

	t.Run("MigrationsAreIdempotent", func(t *testing.T) {
		// A second daemon starting against the same database re-runs
		// the migrations without error and sees the existing rows.
		b2, err := New(ctx, Options{Dialect: DialectPostgres, DSN: dsn})
		require.NoError(t, err)
		defer func() { _ = b2.Close() }()

		rows, err := b2.Get(ctx, index.TableMedia, index.All{})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})
}

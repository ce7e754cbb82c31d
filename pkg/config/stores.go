package config

import (
	"context"
	"fmt"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/index/badgerstore"
	"github.com/cea-hpc/phobosd/pkg/index/memory"
	"github.com/cea-hpc/phobosd/pkg/index/sqlstore"
)

// CreateIndex constructs the configured state index backend. Both the
// daemon and phobosctl build their index through here so a single
// config file always points them at the same store.
func (c *Config) CreateIndex(ctx context.Context) (index.Backend, error) {
	switch c.Database.Type {
	case DatabaseMemory:
		return memory.New(), nil
	case DatabaseBadger:
		return badgerstore.New(badgerstore.Options{Dir: c.Database.Path})
	case DatabaseSQLite:
		return sqlstore.New(ctx, sqlstore.Options{
			Dialect: sqlstore.DialectSQLite,
			Path:    c.Database.Path,
		})
	case DatabasePostgres:
		return sqlstore.New(ctx, sqlstore.Options{
			Dialect:      sqlstore.DialectPostgres,
			DSN:          c.Database.Postgres.DSN(),
			MaxOpenConns: c.Database.Postgres.MaxOpenConns,
		})
	default:
		return nil, fmt.Errorf("unknown database type %q", c.Database.Type)
	}
}

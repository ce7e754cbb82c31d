// Package sqlstore implements pkg/index.Backend over a relational
// database: SQLite for embedded single-node deployments and PostgreSQL
// when several hosts share one state index. Rows live in one generic
// table keyed by (tbl, row_id) with their flat attribute set as a JSON
// column and the advisory lock riding in three nullable columns, so an
// all-or-nothing multi-row lock is a single transaction.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// Dialect selects the SQL backend flavor.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Options configures the store.
type Options struct {
	Dialect Dialect
	// Path is the SQLite database file (":memory:" for tests).
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// MaxOpenConns bounds the PostgreSQL pool.
	MaxOpenConns int
}

// rowRecord is the generic row shape shared by every index table.
type rowRecord struct {
	Tbl            string `gorm:"column:tbl;primaryKey;size:32"`
	RowID          string `gorm:"column:row_id;primaryKey;size:512"`
	Fields         string `gorm:"column:fields;type:text"`
	LockHostname   *string
	LockPID        *int       `gorm:"column:lock_pid"`
	LockAcquiredAt *time.Time
}

func (rowRecord) TableName() string { return "index_rows" }

// Backend is the SQL-backed state index.
type Backend struct {
	db      *gorm.DB
	dialect Dialect
}

// New opens the database, running migrations first: golang-migrate's
// embedded scripts on PostgreSQL (advisory-locked, safe across several
// starting daemons), AutoMigrate on SQLite where only one process ever
// owns the file.
func New(ctx context.Context, opts Options) (*Backend, error) {
	var dialector gorm.Dialector
	switch opts.Dialect {
	case DialectSQLite:
		if opts.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
				return nil, taxonomy.NewFatalError("create sqlite directory", err)
			}
		}
		dialector = sqlite.Open(opts.Path)
	case DialectPostgres:
		if err := runMigrations(ctx, opts.DSN); err != nil {
			return nil, err
		}
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, taxonomy.NewInvalidError(string(opts.Dialect), "unknown sql dialect")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, taxonomy.NewCommError("state index", err)
	}

	if opts.Dialect == DialectSQLite {
		if err := db.AutoMigrate(&rowRecord{}); err != nil {
			return nil, mapSQLError(opts.Dialect, "migrate", err)
		}
	}
	if opts.Dialect == DialectPostgres && opts.MaxOpenConns > 0 {
		sqlDB, derr := db.DB()
		if derr == nil {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
	}
	return &Backend{db: db, dialect: opts.Dialect}, nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns every row in table matching filter. The predicate tree
// runs over the decoded attribute sets; only the table scan itself is
// pushed to SQL.
func (b *Backend) Get(ctx context.Context, t index.Table, filter index.Filter) ([]index.Row, error) {
	var records []rowRecord
	if err := b.db.WithContext(ctx).Where("tbl = ?", string(t)).Order("row_id").Find(&records).Error; err != nil {
		return nil, mapSQLError(b.dialect, string(t), err)
	}
	var out []index.Row
	for _, rec := range records {
		fields, err := decodeFields(rec.Fields)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter.Match(fields) {
			out = append(out, index.Row{ID: rec.RowID, Fields: fields})
		}
	}
	return out, nil
}

// Insert adds a row; a duplicate key surfaces as already_exists through
// the error mapping.
func (b *Backend) Insert(ctx context.Context, t index.Table, row index.Row) error {
	buf, err := json.Marshal(row.Fields)
	if err != nil {
		return taxonomy.NewInvalidError(row.ID, fmt.Sprintf("row is not JSON-encodable: %v", err))
	}
	rec := rowRecord{Tbl: string(t), RowID: row.ID, Fields: string(buf)}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return mapSQLError(b.dialect, string(t)+"/"+row.ID, err)
	}
	return nil
}

// Update merges fieldMask into the stored attribute set.
func (b *Backend) Update(ctx context.Context, t index.Table, id string, fieldMask map[string]any) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec rowRecord
		if err := tx.Where("tbl = ? AND row_id = ?", string(t), id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return taxonomy.NewNotFoundError(string(t) + "/" + id)
			}
			return mapSQLError(b.dialect, string(t)+"/"+id, err)
		}
		fields, err := decodeFields(rec.Fields)
		if err != nil {
			return err
		}
		for k, v := range fieldMask {
			fields[k] = v
		}
		buf, err := json.Marshal(fields)
		if err != nil {
			return taxonomy.NewInvalidError(id, fmt.Sprintf("row is not JSON-encodable: %v", err))
		}
		if err := tx.Model(&rowRecord{}).
			Where("tbl = ? AND row_id = ?", string(t), id).
			Update("fields", string(buf)).Error; err != nil {
			return mapSQLError(b.dialect, string(t)+"/"+id, err)
		}
		return nil
	})
}

// Delete removes a row and whatever lock rode on it.
func (b *Backend) Delete(ctx context.Context, t index.Table, id string) error {
	res := b.db.WithContext(ctx).Where("tbl = ? AND row_id = ?", string(t), id).Delete(&rowRecord{})
	if res.Error != nil {
		return mapSQLError(b.dialect, string(t)+"/"+id, res.Error)
	}
	if res.RowsAffected == 0 {
		return taxonomy.NewNotFoundError(string(t) + "/" + id)
	}
	return nil
}

// Lock acquires every row in ids for (hostname, owner) atomically: a
// counting predicate inside one transaction verifies no row is held by
// a different hostname before any lock column is written.
func (b *Backend) Lock(ctx context.Context, t index.Table, ids []string, hostname string, owner int) (bool, error) {
	granted := false
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []rowRecord
		q := tx.Where("tbl = ? AND row_id IN ?", string(t), ids)
		if b.dialect == DialectPostgres {
			q = q.Clauses(forUpdate())
		}
		if err := q.Find(&records).Error; err != nil {
			return mapSQLError(b.dialect, string(t), err)
		}
		if len(records) != len(ids) {
			return taxonomy.NewNotFoundError(string(t))
		}

		var conflicts int64
		if err := tx.Model(&rowRecord{}).
			Where("tbl = ? AND row_id IN ? AND lock_hostname IS NOT NULL AND lock_hostname <> ?",
				string(t), ids, hostname).
			Count(&conflicts).Error; err != nil {
			return mapSQLError(b.dialect, string(t), err)
		}
		if conflicts > 0 {
			return nil
		}

		now := time.Now()
		if err := tx.Model(&rowRecord{}).
			Where("tbl = ? AND row_id IN ?", string(t), ids).
			Updates(map[string]any{
				"lock_hostname":    hostname,
				"lock_pid":         owner,
				"lock_acquired_at": now,
			}).Error; err != nil {
			return mapSQLError(b.dialect, string(t), err)
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

// Unlock clears the lock columns of the rows held by hostname.
func (b *Backend) Unlock(ctx context.Context, t index.Table, ids []string, hostname string) error {
	err := b.db.WithContext(ctx).Model(&rowRecord{}).
		Where("tbl = ? AND row_id IN ? AND lock_hostname = ?", string(t), ids, hostname).
		Updates(map[string]any{
			"lock_hostname":    nil,
			"lock_pid":         nil,
			"lock_acquired_at": nil,
		}).Error
	return mapSQLError(b.dialect, string(t), err)
}

// LockStatus reports the current lock on a row, nil when unlocked.
func (b *Backend) LockStatus(ctx context.Context, t index.Table, id string) (*model.Lock, error) {
	var rec rowRecord
	if err := b.db.WithContext(ctx).Where("tbl = ? AND row_id = ?", string(t), id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, taxonomy.NewNotFoundError(string(t) + "/" + id)
		}
		return nil, mapSQLError(b.dialect, string(t)+"/"+id, err)
	}
	if rec.LockHostname == nil {
		return nil, nil
	}
	lock := &model.Lock{Hostname: *rec.LockHostname}
	if rec.LockPID != nil {
		lock.OwnerPID = *rec.LockPID
	}
	if rec.LockAcquiredAt != nil {
		lock.AcquiredAt = *rec.LockAcquiredAt
	}
	return lock, nil
}

// ReclaimStaleLocks clears locks held by this hostname whose owner pid
// is dead, across every table.
func (b *Backend) ReclaimStaleLocks(ctx context.Context, hostname string, isAlive func(pid int) bool) (int, error) {
	var records []rowRecord
	if err := b.db.WithContext(ctx).
		Where("lock_hostname = ?", hostname).Find(&records).Error; err != nil {
		return 0, mapSQLError(b.dialect, "locks", err)
	}
	n := 0
	for _, rec := range records {
		if rec.LockPID != nil && isAlive(*rec.LockPID) {
			continue
		}
		err := b.db.WithContext(ctx).Model(&rowRecord{}).
			Where("tbl = ? AND row_id = ? AND lock_hostname = ?", rec.Tbl, rec.RowID, hostname).
			Updates(map[string]any{
				"lock_hostname":    nil,
				"lock_pid":         nil,
				"lock_acquired_at": nil,
			}).Error
		if err != nil {
			return n, mapSQLError(b.dialect, rec.Tbl+"/"+rec.RowID, err)
		}
		n++
	}
	return n, nil
}

// forUpdate is the SELECT ... FOR UPDATE clause used on PostgreSQL so
// concurrent daemons serialize on the rows they are locking.
func forUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

// decodeFields mirrors the badger store's normalization: integral
// float64 back to int64 and homogeneous string arrays back to
// []string.
func decodeFields(raw string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, taxonomy.NewInvalidError("", fmt.Sprintf("corrupt row: %v", err))
	}
	for k, v := range fields {
		switch tv := v.(type) {
		case float64:
			if tv == float64(int64(tv)) {
				fields[k] = int64(tv)
			}
		case []any:
			ss := make([]string, 0, len(tv))
			ok := true
			for _, e := range tv {
				s, isStr := e.(string)
				if !isStr {
					ok = false
					break
				}
				ss = append(ss, s)
			}
			if ok {
				fields[k] = ss
			}
		}
	}
	return fields, nil
}

// Package badgerstore implements pkg/index.Backend over an embedded
// BadgerDB: the crash-recoverable single-node state index. Rows are
// JSON values under per-table key prefixes; locks live beside their
// rows under a parallel prefix so a multi-row lock is one read-check
// pass plus one write pass inside a single transaction.
//
// Key namespace:
//
//	Data Type  Prefix  Key Format            Value
//	=================================================
//	Row        "r:"    r:<table>:<id>        fields (JSON)
//	Lock       "k:"    k:<table>:<id>        model.Lock (JSON)
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

const (
	prefixRow  = "r:"
	prefixLock = "k:"
)

func keyRow(t index.Table, id string) []byte {
	return []byte(prefixRow + string(t) + ":" + id)
}

func keyLock(t index.Table, id string) []byte {
	return []byte(prefixLock + string(t) + ":" + id)
}

// Backend is the badger-backed state index.
type Backend struct {
	db *badger.DB
}

// Options tunes the store.
type Options struct {
	// Dir is the database directory.
	Dir string
	// InMemory runs without a directory, for tests.
	InMemory bool
}

// New opens (creating if needed) the database.
func New(opts Options) (*Backend, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, taxonomy.NewFatalError(fmt.Sprintf("open badger at %q", opts.Dir), err)
	}
	return &Backend{db: db}, nil
}

// Close flushes and closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func encodeFields(fields map[string]any) ([]byte, error) {
	buf, err := json.Marshal(fields)
	if err != nil {
		return nil, taxonomy.NewInvalidError("", fmt.Sprintf("row is not JSON-encodable: %v", err))
	}
	return buf, nil
}

// decodeFields unmarshals a row and normalizes JSON's type erosion:
// integral float64 back to int64, homogeneous string arrays back to
// []string, so the filter DSL sees the shapes the row codecs wrote.
func decodeFields(val []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(val, &fields); err != nil {
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

// Get returns every row in table matching filter.
func (b *Backend) Get(ctx context.Context, t index.Table, filter index.Filter) ([]index.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := keyRow(t, "")
	var out []index.Row
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(bytes.TrimPrefix(item.Key(), prefix))
			err := item.Value(func(val []byte) error {
				fields, derr := decodeFields(val)
				if derr != nil {
					return derr
				}
				if filter == nil || filter.Match(fields) {
					out = append(out, index.Row{ID: id, Fields: fields})
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapBadgerError(string(t), err)
	}
	return out, nil
}

// Insert adds a row, failing with already_exists when the id is taken.
func (b *Backend) Insert(ctx context.Context, t index.Table, row index.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := encodeFields(row.Fields)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		key := keyRow(t, row.ID)
		if _, gerr := txn.Get(key); gerr == nil {
			return taxonomy.NewAlreadyExistsError(string(t) + "/" + row.ID)
		} else if gerr != badger.ErrKeyNotFound {
			return gerr
		}
		return txn.Set(key, buf)
	})
	return mapBadgerError(string(t)+"/"+row.ID, err)
}

// Update merges fieldMask into the stored row.
func (b *Backend) Update(ctx context.Context, t index.Table, id string, fieldMask map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		key := keyRow(t, id)
		item, gerr := txn.Get(key)
		if gerr == badger.ErrKeyNotFound {
			return taxonomy.NewNotFoundError(string(t) + "/" + id)
		}
		if gerr != nil {
			return gerr
		}
		var fields map[string]any
		if verr := item.Value(func(val []byte) error {
			var derr error
			fields, derr = decodeFields(val)
			return derr
		}); verr != nil {
			return verr
		}
		for k, v := range fieldMask {
			fields[k] = v
		}
		buf, eerr := encodeFields(fields)
		if eerr != nil {
			return eerr
		}
		return txn.Set(key, buf)
	})
	return mapBadgerError(string(t)+"/"+id, err)
}

// Delete removes a row and any lock riding on it.
func (b *Backend) Delete(ctx context.Context, t index.Table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		key := keyRow(t, id)
		if _, gerr := txn.Get(key); gerr == badger.ErrKeyNotFound {
			return taxonomy.NewNotFoundError(string(t) + "/" + id)
		} else if gerr != nil {
			return gerr
		}
		if derr := txn.Delete(key); derr != nil {
			return derr
		}
		return txn.Delete(keyLock(t, id))
	})
	return mapBadgerError(string(t)+"/"+id, err)
}

// Lock acquires every row in ids for (hostname, owner) atomically: the
// check pass runs before any write inside the same transaction, so a
// conflict on any row acquires nothing. Same-hostname locks are renewed
// in place.
func (b *Backend) Lock(ctx context.Context, t index.Table, ids []string, hostname string, owner int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	granted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if _, gerr := txn.Get(keyRow(t, id)); gerr == badger.ErrKeyNotFound {
				return taxonomy.NewNotFoundError(string(t) + "/" + id)
			} else if gerr != nil {
				return gerr
			}
			lock, lerr := readLock(txn, t, id)
			if lerr != nil {
				return lerr
			}
			if lock != nil && lock.Hostname != hostname {
				return nil
			}
		}
		buf, merr := json.Marshal(model.Lock{Hostname: hostname, OwnerPID: owner, AcquiredAt: time.Now()})
		if merr != nil {
			return merr
		}
		for _, id := range ids {
			if serr := txn.Set(keyLock(t, id), buf); serr != nil {
				return serr
			}
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, mapBadgerError(string(t), err)
	}
	return granted, nil
}

// Unlock releases the rows in ids held by hostname; rows locked by
// another hostname or not locked at all are untouched.
func (b *Backend) Unlock(ctx context.Context, t index.Table, ids []string, hostname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			lock, lerr := readLock(txn, t, id)
			if lerr != nil {
				return lerr
			}
			if lock == nil || lock.Hostname != hostname {
				continue
			}
			if derr := txn.Delete(keyLock(t, id)); derr != nil {
				return derr
			}
		}
		return nil
	})
	return mapBadgerError(string(t), err)
}

// LockStatus reports the current lock on a row, nil when unlocked.
func (b *Backend) LockStatus(ctx context.Context, t index.Table, id string) (*model.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lock *model.Lock
	err := b.db.View(func(txn *badger.Txn) error {
		if _, gerr := txn.Get(keyRow(t, id)); gerr == badger.ErrKeyNotFound {
			return taxonomy.NewNotFoundError(string(t) + "/" + id)
		} else if gerr != nil {
			return gerr
		}
		var lerr error
		lock, lerr = readLock(txn, t, id)
		return lerr
	})
	if err != nil {
		return nil, mapBadgerError(string(t)+"/"+id, err)
	}
	return lock, nil
}

// ReclaimStaleLocks drops locks held by this hostname whose owner pid
// is dead, across every table: the daemon-restart recovery pass.
func (b *Backend) ReclaimStaleLocks(ctx context.Context, hostname string, isAlive func(pid int) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixLock), PrefetchValues: true})
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var lock model.Lock
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &lock)
			}); verr != nil {
				it.Close()
				return verr
			}
			if lock.Hostname == hostname && !isAlive(lock.OwnerPID) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		it.Close()
		for _, key := range stale {
			if derr := txn.Delete(key); derr != nil {
				return derr
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, mapBadgerError("locks", err)
	}
	return n, nil
}

func readLock(txn *badger.Txn, t index.Table, id string) (*model.Lock, error) {
	item, err := txn.Get(keyLock(t, id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lock model.Lock
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &lock)
	}); err != nil {
		return nil, err
	}
	return &lock, nil
}

// mapBadgerError classifies storage failures into the fixed taxonomy;
// errors already carrying a taxonomy code pass through.
func mapBadgerError(entity string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*taxonomy.Error); ok {
		return err
	}
	if err == badger.ErrKeyNotFound {
		return taxonomy.NewNotFoundError(entity)
	}
	msg := err.Error()
	if strings.Contains(msg, "no space") || err == badger.ErrTxnTooBig {
		return taxonomy.NewNoSpaceError(entity)
	}
	return taxonomy.NewIOError(entity, err)
}

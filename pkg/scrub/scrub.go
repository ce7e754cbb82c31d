// Package scrub reconciles extents against object sync state: an
// object that never reached sync within the grace period has its
// extents flipped to orphan and recorded, without deleting the bytes —
// the medium usage stays accounted for until an operator reclaims it.
package scrub

import (
	"context"
	"sort"
	"time"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// Options tunes the scrubber.
type Options struct {
	// Interval is the sweep period.
	Interval time.Duration
	// GracePeriod is how long an object may stay pending before its
	// extents are surfaced as orphans.
	GracePeriod time.Duration
}

// Scrubber runs the periodic sweep.
type Scrubber struct {
	idx  index.Backend
	opts Options
}

// New constructs a scrubber.
func New(idx index.Backend, opts Options) *Scrubber {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	return &Scrubber{idx: idx, opts: opts}
}

// Run sweeps on the configured interval until ctx is cancelled. It
// runs on its own goroutine; every index backend is safe for use
// alongside the scheduler.
func (s *Scrubber) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx, time.Now()); err != nil {
				logger.WarnCtx(ctx, "scrub sweep failed", "error", err)
			} else if n > 0 {
				logger.InfoCtx(ctx, "scrub sweep surfaced orphans", "extents", n)
			}
		}
	}
}

// Sweep examines every pending object older than the grace period and
// orphans its extents, inserting one scrub record per extent. Records
// that already exist from an earlier sweep are left alone, so the
// sweep is idempotent. Returns how many extents were newly orphaned.
func (s *Scrubber) Sweep(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.idx.Get(ctx, index.TableObject,
		index.Cmp{Field: "state", Op: index.OpEq, Value: string(model.ObjectPending)})
	if err != nil {
		return 0, err
	}

	orphaned := 0
	for _, row := range rows {
		obj := index.ObjectFromRow(row, false)
		if !obj.CreatedAt.IsZero() && now.Sub(obj.CreatedAt) < s.opts.GracePeriod {
			continue
		}
		n, err := s.orphanExtents(ctx, obj, now)
		if err != nil {
			return orphaned, err
		}
		orphaned += n
	}
	return orphaned, nil
}

func (s *Scrubber) orphanExtents(ctx context.Context, obj *model.Object, now time.Time) (int, error) {
	extRows, err := s.idx.Get(ctx, index.TableExtent, index.And{
		index.Cmp{Field: "uuid", Op: index.OpEq, Value: obj.UUID},
		index.Cmp{Field: "version", Op: index.OpEq, Value: obj.Version},
		index.Not{Filter: index.Cmp{Field: "state", Op: index.OpEq, Value: string(model.ExtentOrphan)}},
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, row := range extRows {
		ext := index.ExtentFromRow(row)
		if err := s.idx.Update(ctx, index.TableExtent, row.ID,
			map[string]any{"state": string(model.ExtentOrphan)}); err != nil {
			return n, err
		}
		rec := &model.ScrubRecord{
			UUID:        ext.UUID,
			Version:     ext.Version,
			LayoutIndex: ext.LayoutIndex,
			MediaID:     ext.MediaID,
			Reason:      "object never reached sync",
			FirstSeen:   now,
		}
		if err := s.idx.Insert(ctx, index.TableScrub, index.ScrubToRow(rec)); err != nil &&
			!taxonomy.IsAlreadyExistsError(err) {
			return n, err
		}
		n++
		logger.DebugCtx(ctx, "extent orphaned", "oid", ext.OID,
			"index", ext.LayoutIndex, "medium", ext.MediaID.Name)
	}
	return n, nil
}

// Records lists the scrub records accumulated so far, newest first.
func (s *Scrubber) Records(ctx context.Context) ([]*model.ScrubRecord, error) {
	rows, err := s.idx.Get(ctx, index.TableScrub, index.All{})
	if err != nil {
		return nil, err
	}
	out := make([]*model.ScrubRecord, len(rows))
	for i, row := range rows {
		out[i] = index.ScrubFromRow(row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeen.After(out[j].FirstSeen) })
	return out, nil
}

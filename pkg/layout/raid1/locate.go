package raid1

import (
	"context"
	"fmt"
	"sort"

	"github.com/cea-hpc/phobosd/internal/telemetry"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/layout"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// splitView is what locate needs to know about one split: which hosts
// already hold one of its copies, and which copies nobody holds.
type splitView struct {
	holders  map[string]bool
	unlocked []model.MediumID
}

// Locate chooses the host best placed to serve a GET of l. Every host
// is scored (unreachable splits, fitted splits); the minimum
// unreachable count wins, ties broken by the maximum fitted count,
// then lexicographically so the choice is deterministic. Before
// returning, every unlocked medium the winner needs is locked to it
// and the number of fresh locks is reported.
func (c *Composer) Locate(ctx context.Context, idx index.Backend, l *model.Layout, localHost string) (layout.LocateResult, error) {
	ctx, span := telemetry.StartLayoutSpan(ctx, telemetry.SpanLayoutLocate, l.OID,
		telemetry.LayoutType(Name))
	defer span.End()

	repl := c.repl
	if len(l.Extents) == 0 || len(l.Extents)%repl != 0 {
		return layout.LocateResult{}, taxonomy.NewInvalidError(l.OID, "layout has no complete split")
	}
	splits := len(l.Extents) / repl

	views := make([]splitView, splits)
	hostSet := map[string]bool{}

	for s := 0; s < splits; s++ {
		views[s].holders = map[string]bool{}
		live := 0
		for copyIdx := 0; copyIdx < repl; copyIdx++ {
			ext := l.Extents[s*repl+copyIdx]
			if ext.State == model.ExtentOrphan {
				continue
			}
			rowID := index.MediumRowID(ext.MediaID)
			rows, err := idx.Get(ctx, index.TableMedia, index.And{
				index.Cmp{Field: "family", Op: index.OpEq, Value: string(ext.MediaID.Family)},
				index.Cmp{Field: "name", Op: index.OpEq, Value: ext.MediaID.Name},
			})
			if err != nil {
				return layout.LocateResult{}, err
			}
			if len(rows) == 0 {
				continue
			}
			m := index.MediumFromRow(rows[0])
			if m.AdmStatus != model.AdmUnlocked || !m.Flags.Get {
				continue
			}
			live++

			lock, err := idx.LockStatus(ctx, index.TableMedia, rowID)
			if err != nil {
				return layout.LocateResult{}, err
			}
			if lock == nil {
				views[s].unlocked = append(views[s].unlocked, ext.MediaID)
			} else {
				views[s].holders[lock.Hostname] = true
				hostSet[lock.Hostname] = true
			}
		}
		if live == 0 {
			return layout.LocateResult{}, taxonomy.NewNoDeviceError(
				fmt.Sprintf("split %d of %s has no live medium anywhere", s, l.OID))
		}
	}

	hosts := make([]string, 0, len(hostSet))
	for h := range hostSet {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	best := ""
	bestUnreachable, bestFitted := 0, 0
	for _, h := range hosts {
		unreachable, fitted := 0, 0
		for s := range views {
			reachable := views[s].holders[h] || len(views[s].unlocked) > 0
			if !reachable {
				unreachable++
			}
			if views[s].holders[h] {
				fitted++
			}
		}
		if best == "" || unreachable < bestUnreachable ||
			(unreachable == bestUnreachable && fitted > bestFitted) {
			best = h
			bestUnreachable = unreachable
			bestFitted = fitted
		}
	}

	// No host holds anything: every split is served by unlocked media,
	// so there is no preference and the caller may stay local. The
	// locks are still taken, for whoever will do the read.
	chosen := best
	if chosen == "" {
		chosen = localHost
	}

	newLocks := 0
	for s := range views {
		if views[s].holders[chosen] {
			continue
		}
		if len(views[s].unlocked) == 0 {
			continue // reachable only through another host's media
		}
		target := views[s].unlocked[0]
		ok, err := idx.Lock(ctx, index.TableMedia, []string{index.MediumRowID(target)}, chosen, 0)
		if err != nil {
			return layout.LocateResult{}, err
		}
		if ok {
			newLocks++
		}
	}

	return layout.LocateResult{Host: best, NewLocks: newLocks}, nil
}

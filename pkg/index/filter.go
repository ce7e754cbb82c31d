// Package index defines the typed state-index filter DSL and the
// Backend interface every concrete store (memory, badger, sql)
// implements: get/insert/update/delete plus row locking with
// (hostname, owner) tuples and an all-or-nothing multi-row guarantee.
package index

import (
	"strings"
)

// Table names the seven tables: object, deprecated_object, extent,
// layout, media, device, and scrub (the scrubber's records). There is
// no lock table — lock state rides along on the media/device rows it
// protects.
type Table string

const (
	TableObject           Table = "object"
	TableDeprecatedObject Table = "deprecated_object"
	TableExtent           Table = "extent"
	TableLayout           Table = "layout"
	TableMedia            Table = "media"
	TableDevice           Table = "device"
	TableScrub            Table = "scrub"
)

// Tables lists every table in a stable order, for backends that
// enumerate them (migrations, full scans, stale-lock reclaim).
var Tables = []Table{
	TableObject, TableDeprecatedObject, TableExtent,
	TableLayout, TableMedia, TableDevice, TableScrub,
}

// Row is one persisted record, addressed by a table-specific ID and
// carrying a flat attribute set the filter DSL matches against.
type Row struct {
	ID     string
	Fields map[string]any
}

// Op is a comparison operator in the filter DSL.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLte
	OpGt
	OpGte
	OpLike     // substring match, case-sensitive
	OpContains // JSON-subset containment: Fields[key] is a []string containing Value
)

// Filter is a typed predicate tree that every backend evaluates
// in-process against decoded rows through Match — no JSON parsing
// happens inside the core; JSON remains only the
// client-facing shape at the wire boundary.
type Filter interface {
	Match(f map[string]any) bool
}

// Cmp is a leaf predicate comparing one field against a literal value.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

// Match implements Filter.
func (c Cmp) Match(f map[string]any) bool {
	actual, ok := f[c.Field]
	switch c.Op {
	case OpEq:
		return ok && looseEqual(actual, c.Value)
	case OpNe:
		return !ok || !looseEqual(actual, c.Value)
	case OpLike:
		as, aok := actual.(string)
		vs, vok := c.Value.(string)
		return ok && aok && vok && strings.Contains(as, vs)
	case OpContains:
		list, lok := actual.([]string)
		want, wok := c.Value.(string)
		if !ok || !lok || !wok {
			return false
		}
		for _, v := range list {
			if v == want {
				return true
			}
		}
		return false
	case OpLt, OpLte, OpGt, OpGte:
		return compareOrdered(actual, c.Value, c.Op)
	default:
		return false
	}
}

// looseEqual compares across numeric widths so a row read back from a
// JSON-encoding backend (where every number is float64) still matches
// the int-typed literals builders use.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compareOrdered(a, b any, op Op) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpLt:
		return af < bf
	case OpLte:
		return af <= bf
	case OpGt:
		return af > bf
	case OpGte:
		return af >= bf
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return float64(n), true
	default:
		return 0, false
	}
}

// And matches when every sub-filter matches.
type And []Filter

func (a And) Match(f map[string]any) bool {
	for _, sub := range a {
		if !sub.Match(f) {
			return false
		}
	}
	return true
}

// Or matches when at least one sub-filter matches.
type Or []Filter

func (o Or) Match(f map[string]any) bool {
	for _, sub := range o {
		if sub.Match(f) {
			return true
		}
	}
	return false
}

// Not inverts a sub-filter.
type Not struct{ Filter Filter }

func (n Not) Match(f map[string]any) bool {
	return !n.Filter.Match(f)
}

// All matches every row unconditionally, used for unscoped table scans.
type All struct{}

func (All) Match(map[string]any) bool { return true }

// Package intervalmap implements a total mapping from an ordered key space
// to values, stored as a canonical step function.
//
// A Map starts with a single default value covering every key. Assign
// overwrites a half-open interval [begin, end) and Get looks up the value
// of a single key. Internally the map keeps a set of breakpoints, each
// marking the key at which a new run of equal values starts. Adjacent
// breakpoints never hold equal values, and the first breakpoint never holds
// the default value, so every step function has exactly one representation.
//
// A Map is not safe for concurrent use. Callers must serialise Assign with
// every other method.
package intervalmap

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	"github.com/google/btree"
)

const (
	btreeDegree = 16
)

var (
	ErrNotAscending = errors.New("intervalmap: breakpoint keys not strictly ascending")
	ErrNotCanonical = errors.New("intervalmap: adjacent breakpoints hold equal values")
)

// Breakpoint marks the start of a run of keys mapping to Value. The run
// extends up to, but not including, the key of the next breakpoint.
type Breakpoint[K any, V comparable] struct {
	Key   K
	Value V
}

type Map[K any, V comparable] struct {
	less         func(a, b K) bool
	defaultValue V
	tree         *btree.BTreeG[Breakpoint[K, V]]
}

// New returns a map with every key mapped to defaultValue.
func New[K cmp.Ordered, V comparable](defaultValue V) *Map[K, V] {
	return NewFunc[K, V](defaultValue, cmp.Less[K])
}

// NewFunc returns a map with every key mapped to defaultValue, ordering
// keys with less. less must be a strict total order.
func NewFunc[K any, V comparable](defaultValue V, less func(a, b K) bool) *Map[K, V] {
	if less == nil {
		panic("intervalmap: nil less func")
	}
	m := &Map[K, V]{
		less:         less,
		defaultValue: defaultValue,
	}
	m.tree = btree.NewG(btreeDegree, func(a, b Breakpoint[K, V]) bool {
		return less(a.Key, b.Key)
	})
	return m
}

func (m *Map[K, V]) pivot(key K) Breakpoint[K, V] {
	return Breakpoint[K, V]{Key: key}
}

func (m *Map[K, V]) equalKeys(a, b K) bool {
	return !m.less(a, b) && !m.less(b, a)
}

// Default returns the value that applies below the first breakpoint.
func (m *Map[K, V]) Default() V {
	return m.defaultValue
}

// Len returns the number of breakpoints.
func (m *Map[K, V]) Len() int {
	return m.tree.Len()
}

// Get returns the value mapped to key.
func (m *Map[K, V]) Get(key K) V {
	if bp, ok := m.Floor(key); ok {
		return bp.Value
	}
	return m.defaultValue
}

// Floor returns the greatest breakpoint with a key <= key.
func (m *Map[K, V]) Floor(key K) (bp Breakpoint[K, V], ok bool) {
	m.tree.DescendLessOrEqual(m.pivot(key), func(item Breakpoint[K, V]) bool {
		bp = item
		ok = true
		return false
	})
	return
}

// Ceil returns the least breakpoint with a key >= key.
func (m *Map[K, V]) Ceil(key K) (bp Breakpoint[K, V], ok bool) {
	m.tree.AscendGreaterOrEqual(m.pivot(key), func(item Breakpoint[K, V]) bool {
		bp = item
		ok = true
		return false
	})
	return
}

// Higher returns the least breakpoint with a key > key.
func (m *Map[K, V]) Higher(key K) (bp Breakpoint[K, V], ok bool) {
	m.tree.AscendGreaterOrEqual(m.pivot(key), func(item Breakpoint[K, V]) bool {
		if m.equalKeys(item.Key, key) {
			return true
		}
		bp = item
		ok = true
		return false
	})
	return
}

// lower returns the greatest breakpoint with a key < key.
func (m *Map[K, V]) lower(key K) (bp Breakpoint[K, V], ok bool) {
	m.tree.DescendLessOrEqual(m.pivot(key), func(item Breakpoint[K, V]) bool {
		if m.equalKeys(item.Key, key) {
			return true
		}
		bp = item
		ok = true
		return false
	})
	return
}

func (m *Map[K, V]) First() (Breakpoint[K, V], bool) {
	return m.tree.Min()
}

func (m *Map[K, V]) Last() (Breakpoint[K, V], bool) {
	return m.tree.Max()
}

// Assign maps every key in [begin, end) to val, leaving all other keys
// unchanged. An empty or inverted interval is a no-op.
func (m *Map[K, V]) Assign(begin, end K, val V) {
	if !m.less(begin, end) {
		return
	}

	// Nothing changes if begin already reads val and no breakpoint starts
	// inside the interval.
	if m.Get(begin) == val {
		next, ok := m.Higher(begin)
		if !ok || !m.less(next.Key, end) {
			return
		}
	}

	valueBefore := m.defaultValue
	if bp, ok := m.lower(begin); ok {
		valueBefore = bp.Value
	}
	valueAfter := m.Get(end)

	// Clear [begin, end]. The entry at end is re-created below if needed.
	var stale []Breakpoint[K, V]
	m.tree.AscendGreaterOrEqual(m.pivot(begin), func(item Breakpoint[K, V]) bool {
		if m.less(end, item.Key) {
			return false
		}
		stale = append(stale, item)
		return true
	})
	for _, bp := range stale {
		m.tree.Delete(bp)
	}

	// An edge whose value matches its neighbour is merged into it, keeping
	// the breakpoint with the smaller key.
	if valueBefore != val {
		m.tree.ReplaceOrInsert(Breakpoint[K, V]{Key: begin, Value: val})
	}
	if valueAfter != val {
		m.tree.ReplaceOrInsert(Breakpoint[K, V]{Key: end, Value: valueAfter})
	}
}

// Ascend calls fn for each breakpoint with a key >= from, in key order,
// until fn returns false.
func (m *Map[K, V]) Ascend(from K, fn func(Breakpoint[K, V]) bool) {
	m.tree.AscendGreaterOrEqual(m.pivot(from), fn)
}

// AscendAll calls fn for every breakpoint in key order, until fn returns
// false.
func (m *Map[K, V]) AscendAll(fn func(Breakpoint[K, V]) bool) {
	m.tree.Ascend(fn)
}

// Breakpoints returns a copy of the breakpoints in key order.
func (m *Map[K, V]) Breakpoints() []Breakpoint[K, V] {
	bps := make([]Breakpoint[K, V], 0, m.tree.Len())
	m.tree.Ascend(func(item Breakpoint[K, V]) bool {
		bps = append(bps, item)
		return true
	})
	return bps
}

// Clone returns an independent copy of the map. The copy shares storage
// with m until either is modified, so cloning is cheap.
func (m *Map[K, V]) Clone() *Map[K, V] {
	return &Map[K, V]{
		less:         m.less,
		defaultValue: m.defaultValue,
		tree:         m.tree.Clone(),
	}
}

// Restore replaces all breakpoints with bps. bps must be in canonical form:
// strictly ascending keys, no two adjacent equal values, and a first value
// different from the default. On error the map is left unchanged.
func (m *Map[K, V]) Restore(bps []Breakpoint[K, V]) error {
	if err := m.checkBreakpoints(bps); err != nil {
		return err
	}
	m.tree.Clear(false)
	for _, bp := range bps {
		m.tree.ReplaceOrInsert(bp)
	}
	return nil
}

// Check verifies that the map is in canonical form.
func (m *Map[K, V]) Check() error {
	return m.checkBreakpoints(m.Breakpoints())
}

func (m *Map[K, V]) checkBreakpoints(bps []Breakpoint[K, V]) error {
	prevValue := m.defaultValue
	for i, bp := range bps {
		if i > 0 && !m.less(bps[i-1].Key, bp.Key) {
			return fmt.Errorf("%w: index %d", ErrNotAscending, i)
		}
		if bp.Value == prevValue {
			return fmt.Errorf("%w: index %d", ErrNotCanonical, i)
		}
		prevValue = bp.Value
	}
	return nil
}

// String formats the breakpoints for debugging, as
// "size: N [(k1: v1),(k2: v2),]".
func (m *Map[K, V]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "size: %d [", m.tree.Len())
	m.tree.Ascend(func(item Breakpoint[K, V]) bool {
		fmt.Fprintf(&sb, "(%v: %v),", item.Key, item.Value)
		return true
	})
	sb.WriteByte(']')
	return sb.String()
}

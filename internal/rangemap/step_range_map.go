package rangemap

import (
	"github.com/akmistry/stepmap/internal/intervalmap"
)

// slot is a possibly-unmapped value. The zero slot is the background of
// every StepRangeMap.
type slot[V comparable] struct {
	value V
	ok    bool
}

var _ = (RangeMap[int])((*StepRangeMap[int])(nil))

// StepRangeMap is a RangeMap backed by an interval map. Adjacent ranges
// with equal values are always coalesced. The zero value is an empty map.
type StepRangeMap[V comparable] struct {
	m *intervalmap.Map[uint64, slot[V]]
}

func NewStepRangeMap[V comparable]() *StepRangeMap[V] {
	m := &StepRangeMap[V]{}
	m.init()
	return m
}

func (m *StepRangeMap[V]) init() {
	if m.m == nil {
		m.m = intervalmap.New[uint64](slot[V]{})
	}
}

// Len returns the number of stored breakpoints, mapped or not.
func (m *StepRangeMap[V]) Len() int {
	m.init()
	return m.m.Len()
}

func (m *StepRangeMap[V]) Begin() (uint64, bool) {
	m.init()
	// In canonical form the first breakpoint can never be the unmapped
	// background, so it always starts a mapped range.
	first, ok := m.m.First()
	if !ok {
		return 0, false
	}
	return first.Key, true
}

func (m *StepRangeMap[V]) End() uint64 {
	m.init()
	last, ok := m.m.Last()
	if !ok {
		return 0
	}
	return last.Key
}

func (m *StepRangeMap[V]) Add(offset, length uint64, value V) {
	if length == 0 {
		return
	}
	m.init()
	m.m.Assign(offset, offset+length, slot[V]{value: value, ok: true})
}

func (m *StepRangeMap[V]) Remove(offset, length uint64) {
	if length == 0 {
		return
	}
	m.init()
	m.m.Assign(offset, offset+length, slot[V]{})
}

func (m *StepRangeMap[V]) Get(offset uint64) (value V, ok bool) {
	m.init()
	s := m.m.Get(offset)
	return s.value, s.ok
}

// GetWithRange returns the maximal mapped range containing offset.
func (m *StepRangeMap[V]) GetWithRange(offset uint64) (r RangeValue[V], ok bool) {
	m.init()
	start, found := m.m.Floor(offset)
	if !found || !start.Value.ok {
		return
	}
	next, found := m.m.Higher(offset)
	if !found {
		// Ranges always end at a finite offset, so a mapped breakpoint is
		// always followed by another one.
		panic("rangemap: mapped range without end")
	}
	r.Offset = start.Key
	r.Length = next.Key - start.Key
	r.Value = start.Value.value
	return r, true
}

func (m *StepRangeMap[V]) NextKey(offset uint64) (next uint64, ok bool) {
	m.init()
	if m.m.Get(offset).ok {
		return offset, true
	}
	// An unmapped run is always followed by a mapped one.
	bp, found := m.m.Higher(offset)
	if !found {
		return 0, false
	}
	return bp.Key, true
}

func (m *StepRangeMap[V]) NextEmpty(offset uint64) (next uint64) {
	m.init()
	next = offset
	if !m.m.Get(offset).ok {
		return
	}
	m.m.Ascend(offset, func(bp intervalmap.Breakpoint[uint64, slot[V]]) bool {
		if bp.Key == offset || bp.Value.ok {
			return true
		}
		next = bp.Key
		return false
	})
	return
}

func (m *StepRangeMap[V]) Iterate(start uint64, iter func(RangeValue[V]) bool) {
	m.init()
	var r RangeValue[V]
	inRange := false
	if s := m.m.Get(start); s.ok {
		r.Offset = start
		r.Value = s.value
		inRange = true
	}
	m.m.Ascend(start, func(bp intervalmap.Breakpoint[uint64, slot[V]]) bool {
		if bp.Key == start {
			return true
		}
		if inRange {
			r.Length = bp.Key - r.Offset
			if !iter(r) {
				inRange = false
				return false
			}
		}
		inRange = bp.Value.ok
		if inRange {
			r.Offset = bp.Key
			r.Value = bp.Value.value
		}
		return true
	})
}

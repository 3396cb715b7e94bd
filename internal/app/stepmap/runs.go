package stepmap

import (
	"math"

	"github.com/akmistry/stepmap/internal/rangemap"
	"github.com/akmistry/stepmap/internal/store"
)

// Run is a maximal interval [Begin, End) of keys holding a value other
// than the default.
type Run struct {
	Begin, End int64
	Value      string
}

// Keys are mapped to offsets by flipping the sign bit, which keeps their
// order.
func keyOffset(key int64) uint64 {
	return uint64(key) ^ (1 << 63)
}

func offsetKey(off uint64) int64 {
	return int64(off ^ (1 << 63))
}

// Runs returns the runs of bps that overlap [from, to), clipped to it, in
// key order. Keys holding defaultValue are left out.
func Runs(defaultValue string, bps []store.Breakpoint, from, to int64) []Run {
	if from >= to {
		return nil
	}

	var m rangemap.StepRangeMap[string]
	for i, bp := range bps {
		if bp.Value == defaultValue {
			continue
		}
		// The last breakpoint of a canonical map holds the default, so a
		// missing successor only happens for hand-built input.
		end := int64(math.MaxInt64)
		if i+1 < len(bps) {
			end = bps[i+1].Key
		}
		m.Add(keyOffset(bp.Key), keyOffset(end)-keyOffset(bp.Key), bp.Value)
	}

	var runs []Run
	toOff := keyOffset(to)
	m.Iterate(keyOffset(from), func(r rangemap.RangeValue[string]) bool {
		if r.Offset >= toOff {
			return false
		}
		runs = append(runs, Run{
			Begin: offsetKey(r.Offset),
			End:   offsetKey(min(r.End(), toOff)),
			Value: r.Value,
		})
		return true
	})
	return runs
}

// Package stepmap holds the command line glue for the stepmap binary.
package stepmap

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/akmistry/stepmap/internal/util"
)

var (
	ErrInvalidKey = errors.New("invalid key")
)

// ParseKey parses a decimal, hex (0x) or octal (0o) int64 key.
func ParseKey(s string) (int64, error) {
	key, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrInvalidKey, s, err)
	}
	return key, nil
}

// ParseInterval parses the bounds of a half-open interval [begin, end).
// Empty and inverted intervals are returned as is; assigning one is a
// no-op.
func ParseInterval(beginStr, endStr string) (begin, end int64, err error) {
	begin, err = ParseKey(beginStr)
	if err != nil {
		return
	}
	end, err = ParseKey(endStr)
	return
}

func ParseSizeString(s string) (int64, error) {
	size, err := util.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", err, s)
	}
	if size > (1<<63)-1 {
		return 0, fmt.Errorf("%w: %q too big", util.ErrInvalidSizeString, s)
	}
	return int64(size), nil
}

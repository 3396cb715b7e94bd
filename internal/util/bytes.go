package util

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	ErrInvalidSizeString = errors.New("invalid size string")

	sizePattern = regexp.MustCompile("^([1-9][0-9]*)([KMGTP])?$")
	suffixes    = []string{"Bytes", "KB", "MB", "GB", "TB", "PB", "EB", "ZB"}
)

func humanReadableBytes(b uint64) string {
	v := float64(b)
	pow := 0
	for v >= 1024 {
		pow++
		v /= 1024
	}

	if v < 10 {
		return fmt.Sprintf("%0.2f %s", v, suffixes[pow])
	} else if v < 100 {
		return fmt.Sprintf("%0.1f %s", v, suffixes[pow])
	}
	return fmt.Sprintf("%0.0f %s", v, suffixes[pow])
}

type Bytes uint64

func (b Bytes) String() string {
	return humanReadableBytes(uint64(b))
}

type DetailedBytes uint64

func (b DetailedBytes) String() string {
	return fmt.Sprintf("%s (%d bytes)", humanReadableBytes(uint64(b)), b)
}

// ParseBytes parses a size such as "512", "64M" or "8G". Suffixes are
// binary multiples.
func ParseBytes(str string) (Bytes, error) {
	// Special case "0" to simplify the regexp.
	if str == "0" {
		return 0, nil
	}

	parts := sizePattern.FindStringSubmatch(str)
	if len(parts) < 2 {
		return 0, ErrInvalidSizeString
	}

	size, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, ErrInvalidSizeString
	}
	shift := 0
	if len(parts) == 3 {
		switch parts[2] {
		case "K":
			shift = 10
		case "M":
			shift = 20
		case "G":
			shift = 30
		case "T":
			shift = 40
		case "P":
			shift = 50
		}
	}
	if shift > 0 && size > (^uint64(0))>>shift {
		return 0, ErrInvalidSizeString
	}
	return Bytes(size << shift), nil
}

// UnmarshalText allows sizes to be read from config files.
func (b *Bytes) UnmarshalText(text []byte) error {
	v, err := ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("%w: %q", err, text)
	}
	*b = v
	return nil
}

func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(b), 10)), nil
}

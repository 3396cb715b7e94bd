// Package snapshot serialises the breakpoints of an interval map with int64
// keys and string values.
//
// Layout (integers little-endian unless noted):
//
//	magic (8 bytes)
//	header size (uint32)
//	header (protobuf wire format)
//	value table: uvarint length + bytes, per distinct value
//	entries: zig-zag varint key delta + uvarint value index, per breakpoint
//	crc32 (IEEE) of everything before it (uint32)
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/akmistry/go-util/bufferpool"
	"github.com/bits-and-blooms/bitset"

	"github.com/akmistry/stepmap/internal/intervalmap"
	"github.com/akmistry/stepmap/internal/wire"
)

const (
	Magic = "smsnap\x26\x53"

	version = 1

	headerFieldVersion      = 1
	headerFieldDefaultIndex = 2
	headerFieldNumValues    = 3
	headerFieldNumEntries   = 4

	maxHeaderSize = 4096
	crcSize       = 4
)

var (
	ErrInvalidMagic    = errors.New("snapshot: invalid magic")
	ErrInvalidSnapshot = errors.New("snapshot: invalid encoding")
	ErrChecksum        = errors.New("snapshot: checksum mismatch")
)

func init() {
	if len(Magic) != 8 {
		panic("len(Magic) != 8")
	}
}

type Breakpoint = intervalmap.Breakpoint[int64, string]

// Snapshot is the full state of an interval map.
type Snapshot struct {
	Default     string
	Breakpoints []Breakpoint
}

type header struct {
	version      uint64
	defaultIndex uint64
	numValues    uint64
	numEntries   uint64
}

func (h *header) marshal() []byte {
	var b []byte
	b = wire.AppendVarint(b, headerFieldVersion, h.version)
	b = wire.AppendVarint(b, headerFieldDefaultIndex, h.defaultIndex)
	b = wire.AppendVarint(b, headerFieldNumValues, h.numValues)
	b = wire.AppendVarint(b, headerFieldNumEntries, h.numEntries)
	return b
}

func (h *header) unmarshal(b []byte) error {
	*h = header{}
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case headerFieldVersion:
			h.version = f.Varint
		case headerFieldDefaultIndex:
			h.defaultIndex = f.Varint
		case headerFieldNumValues:
			h.numValues = f.Varint
		case headerFieldNumEntries:
			h.numEntries = f.Varint
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if h.version != version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, h.version)
	}
	if h.numValues == 0 || h.defaultIndex >= h.numValues {
		return fmt.Errorf("%w: default index %d of %d values", ErrInvalidSnapshot, h.defaultIndex, h.numValues)
	}
	return nil
}

// Write encodes s to w. The breakpoints must be in ascending key order.
func Write(w io.Writer, s *Snapshot) (int64, error) {
	valueIndex := make(map[string]uint64)
	var values []string
	indexOf := func(v string) uint64 {
		i, ok := valueIndex[v]
		if !ok {
			i = uint64(len(values))
			valueIndex[v] = i
			values = append(values, v)
		}
		return i
	}
	h := header{
		version:      version,
		defaultIndex: indexOf(s.Default),
	}
	for _, bp := range s.Breakpoints {
		indexOf(bp.Value)
	}
	h.numValues = uint64(len(values))
	h.numEntries = uint64(len(s.Breakpoints))

	buf := bufferpool.GetBuffer(64 * 1024)
	defer bufferpool.PutBuffer(buf)

	headerBuf := h.marshal()
	buf.WriteString(Magic)
	buf.Write(binary.LittleEndian.AppendUint32(buf.AvailableBuffer(), uint32(len(headerBuf))))
	buf.Write(headerBuf)

	for _, v := range values {
		buf.Write(binary.AppendUvarint(buf.AvailableBuffer(), uint64(len(v))))
		buf.WriteString(v)
	}

	prev := int64(0)
	for i, bp := range s.Breakpoints {
		if i > 0 && bp.Key <= prev {
			return 0, fmt.Errorf("%w: key %d after %d", intervalmap.ErrNotAscending, bp.Key, prev)
		}
		// Wrapping subtraction; the decoder wraps back.
		entry := binary.AppendVarint(buf.AvailableBuffer(), int64(uint64(bp.Key)-uint64(prev)))
		entry = binary.AppendUvarint(entry, valueIndex[bp.Value])
		buf.Write(entry)
		prev = bp.Key
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	buf.Write(binary.LittleEndian.AppendUint32(buf.AvailableBuffer(), crc))

	return buf.WriteTo(w)
}

// Read decodes a snapshot of the given size from r.
func Read(r io.ReaderAt, size int64) (*Snapshot, error) {
	buf := bufferpool.GetBuffer(int(size))
	defer bufferpool.PutBuffer(buf)
	if _, err := buf.ReadFrom(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, err
	}
	data := buf.Bytes()
	if int64(len(data)) != size {
		return nil, io.ErrUnexpectedEOF
	}
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], []byte(Magic)) {
		return nil, ErrInvalidMagic
	}
	if len(data) < len(Magic)+4+crcSize {
		return nil, fmt.Errorf("%w: size %d too small", ErrInvalidSnapshot, size)
	}

	body, crcBuf := data[:len(data)-crcSize], data[len(data)-crcSize:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(crcBuf) {
		return nil, ErrChecksum
	}
	return decode(body[len(Magic):])
}

func decode(b []byte) (*Snapshot, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: missing header size", ErrInvalidSnapshot)
	}
	headerSize := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if headerSize > maxHeaderSize || int(headerSize) > len(b) {
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidSnapshot, headerSize)
	}
	var h header
	if err := h.unmarshal(b[:headerSize]); err != nil {
		return nil, err
	}
	b = b[headerSize:]

	// Each value takes at least one byte, each entry at least two.
	if h.numValues > uint64(len(b)) || h.numEntries > uint64(len(b))/2 {
		return nil, fmt.Errorf("%w: %d values, %d entries in %d bytes",
			ErrInvalidSnapshot, h.numValues, h.numEntries, len(b))
	}

	values := make([]string, h.numValues)
	for i := range values {
		l, n := binary.Uvarint(b)
		if n <= 0 || l > uint64(len(b)-n) {
			return nil, fmt.Errorf("%w: value %d", ErrInvalidSnapshot, i)
		}
		values[i] = string(b[n : n+int(l)])
		b = b[n+int(l):]
	}

	used := bitset.New(uint(h.numValues))
	used.Set(uint(h.defaultIndex))

	s := &Snapshot{
		Default:     values[h.defaultIndex],
		Breakpoints: make([]Breakpoint, 0, h.numEntries),
	}
	key := int64(0)
	for i := uint64(0); i < h.numEntries; i++ {
		delta, n := binary.Varint(b)
		if n <= 0 {
			return nil, fmt.Errorf("%w: entry %d key", ErrInvalidSnapshot, i)
		}
		b = b[n:]
		index, n := binary.Uvarint(b)
		if n <= 0 || index >= h.numValues {
			return nil, fmt.Errorf("%w: entry %d value index", ErrInvalidSnapshot, i)
		}
		b = b[n:]

		next := int64(uint64(key) + uint64(delta))
		if i > 0 && next <= key {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidSnapshot, i, intervalmap.ErrNotAscending)
		}
		key = next
		used.Set(uint(index))
		s.Breakpoints = append(s.Breakpoints, Breakpoint{Key: key, Value: values[index]})
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidSnapshot, len(b))
	}
	if used.Count() != uint(h.numValues) {
		return nil, fmt.Errorf("%w: unreferenced values", ErrInvalidSnapshot)
	}
	return s, nil
}

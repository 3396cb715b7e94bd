// Package wal implements the assignment journal: an append-only log of
// interval assignments that can be replayed to rebuild an interval map.
package wal

import (
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
	"io"
	"sync"

	iou "github.com/akmistry/go-util/io"
)

var (
	ErrValueTooBig  = errors.New("wal: value too big")
	ErrWriterClosed = errors.New("wal: writer closed")

	crcPool = sync.Pool{New: func() any {
		return crc32.New(crc32.IEEETable)
	}}
	entryPool = sync.Pool{New: func() any {
		return new(logEntry)
	}}
)

const (
	HeaderMagic = "smlog\x31\x41\x59"

	maxHeaderLen = assignEntrySize
)

func init() {
	if len(HeaderMagic) != 8 {
		panic("len(HeaderMagic) != 8")
	}
}

type logEntry struct {
	headerSize int
	headerBuf  [maxHeaderLen]byte
	data       []byte
}

func (e *logEntry) Len() int {
	return e.headerSize + len(e.data)
}

func (e *logEntry) WriteTo(w io.Writer) (int64, error) {
	var n int
	var err error
	if len(e.data) == 0 {
		n, err = w.Write(e.headerBuf[:e.headerSize])
	} else {
		n, err = iou.WriteMany(w, e.headerBuf[:e.headerSize], e.data)
	}
	return int64(n), err
}

// Entry format is (all integers in little-endian):
// [0-3]  - crc32 (IEEE table) of rest of packet, including size and type
// [4-6]  - packet size (including crc and size fields)
// [7]    - packet type
// [8-remainder] - packet-specific data
//
// Assign: [8-15] begin, [16-23] end, [24-] value.
// Footer: [8-15] number of assign records in the log.
func makeLogEntry(pType entryType, a, b int64, data []byte) *logEntry {
	headerSize := entryBaseSize
	switch pType {
	case entryTypeAssign:
		headerSize = assignEntrySize
	case entryTypeFooter:
		headerSize = footerEntrySize
	}
	packetSize := headerSize + len(data)

	e := entryPool.Get().(*logEntry)
	e.headerSize = headerSize
	e.data = data
	binary.LittleEndian.PutUint32(e.headerBuf[4:8], uint32(packetSize))
	e.headerBuf[7] = uint8(pType) & entryTypeMask
	switch pType {
	case entryTypeAssign:
		binary.LittleEndian.PutUint64(e.headerBuf[8:16], uint64(a))
		binary.LittleEndian.PutUint64(e.headerBuf[16:24], uint64(b))
	case entryTypeFooter:
		binary.LittleEndian.PutUint64(e.headerBuf[8:16], uint64(a))
	}
	crcw := crcPool.Get().(hash.Hash32)
	crcw.Write(e.headerBuf[4:e.headerSize])
	if len(data) > 0 {
		crcw.Write(data)
	}
	crc := crcw.Sum32()
	crcw.Reset()
	crcPool.Put(crcw)
	binary.LittleEndian.PutUint32(e.headerBuf[0:4], crc)

	return e
}

func putLogEntry(e *logEntry) {
	e.data = nil
	entryPool.Put(e)
}

// Writer appends assignment records to a log. It is safe for concurrent
// use; records are written in the order Append calls acquire the writer.
type Writer struct {
	w       io.Writer
	offset  int64
	records int64
	lock    sync.Mutex
	// First write error. Once set, the log may end in a partial record, so
	// nothing more is written to it.
	err error

	headerErr  error
	headerOnce sync.Once
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: w,
	}
}

// Must be called with w.lock held.
func (w *Writer) writeHeader() error {
	w.headerOnce.Do(func() {
		h := header{
			Version:      headerVersion,
			ChecksumType: checksumCRC32IEEE,
		}
		buf := h.marshal()
		var headerSizeBuf [4]byte
		binary.LittleEndian.PutUint32(headerSizeBuf[:], uint32(len(buf)))
		var written int
		written, w.headerErr = iou.WriteMany(w.w, []byte(HeaderMagic), headerSizeBuf[:], buf)
		w.offset = int64(written)
	})
	return w.headerErr
}

// Append records the assignment of value to [begin, end).
func (w *Writer) Append(begin, end int64, value []byte) error {
	if len(value) > MaxValueSize {
		return ErrValueTooBig
	}

	e := makeLogEntry(entryTypeAssign, begin, end, value)
	defer putLogEntry(e)

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.w == nil {
		return ErrWriterClosed
	} else if w.err != nil {
		return w.err
	}
	if err := w.writeHeader(); err != nil {
		w.err = err
		return err
	}
	n, err := e.WriteTo(w.w)
	w.offset += n
	if err != nil {
		w.err = err
		return err
	}
	w.records++
	return nil
}

// Err returns the write error that failed the log, if any.
func (w *Writer) Err() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.err
}

// CloseWriter writes the footer that marks the log as complete. It does
// not close the underlying writer. Closing an empty log writes nothing.
func (w *Writer) CloseWriter() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.w == nil {
		return ErrWriterClosed
	}
	lw := w.w
	w.w = nil
	if w.err != nil {
		// A footer behind a partial record would never be read.
		return w.err
	} else if w.offset == 0 {
		// Nothing written to the log, so nothing to do.
		return nil
	}

	e := makeLogEntry(entryTypeFooter, w.records, 0, nil)
	defer putLogEntry(e)
	n, err := e.WriteTo(lw)
	w.offset += n
	return err
}

// LogSize returns the number of bytes written to the log.
func (w *Writer) LogSize() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.offset
}

// Records returns the number of assign records written.
func (w *Writer) Records() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.records
}

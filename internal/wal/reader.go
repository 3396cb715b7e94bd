package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"

	"github.com/akmistry/stepmap/internal/util"
)

var (
	ErrUnexpectedEOF  = io.ErrUnexpectedEOF
	ErrCorruptedLog   = errors.New("wal: log corrupted")
	ErrInvalidMagic   = errors.New("wal: invalid file magic")
	ErrUnsupportedLog = errors.New("wal: unsupported log")
)

const (
	readBufSize = 64 * 1024

	maxHeaderSize = 4096
)

// Record is a single assignment read from a log.
type Record struct {
	Begin, End int64
	Value      []byte
}

type Reader struct {
	ra         io.ReaderAt
	size       int64
	dataOffset int64
	header     header

	records int64
	clean   bool
}

func readHeader(r *bufio.Reader, h *header) (int, error) {
	n := 0
	magicBuf, err := r.Peek(len(HeaderMagic))
	if err != nil {
		return n, err
	}
	if !bytes.Equal(magicBuf, []byte(HeaderMagic)) {
		return n, ErrInvalidMagic
	}
	r.Discard(len(HeaderMagic))
	n += len(HeaderMagic)

	sizeBuf, err := r.Peek(4)
	if err != nil {
		return n, err
	}
	headerSize := binary.LittleEndian.Uint32(sizeBuf)
	r.Discard(4)
	n += 4
	if headerSize > maxHeaderSize {
		return n, fmt.Errorf("%w: header size %d", ErrCorruptedLog, headerSize)
	}

	headerBuf, err := r.Peek(int(headerSize))
	if err != nil {
		return n, err
	}
	err = h.unmarshal(headerBuf)
	r.Discard(int(headerSize))
	n += int(headerSize)
	return n, err
}

// NewReader opens a log of the given size for replay. An empty log is
// valid and contains no records.
func NewReader(ra io.ReaderAt, size int64) (*Reader, error) {
	r := &Reader{
		ra:   io.NewSectionReader(ra, 0, size),
		size: size,
	}
	if size == 0 {
		return r, nil
	}

	bufr := bufio.NewReader(util.NewSimpleReaderAtReader(r.ra, 0))
	n, err := readHeader(bufr, &r.header)
	if err == io.EOF {
		err = ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	r.dataOffset = int64(n)
	return r, nil
}

// Replay calls fn for each record in log order. rec.Value is only valid
// until fn returns. Replay stops at the first error from fn, or at the
// first damaged record. A log that ends mid-record returns
// ErrUnexpectedEOF after delivering every complete record.
func (r *Reader) Replay(fn func(rec Record) error) error {
	r.records = 0
	r.clean = false
	if r.size == 0 {
		return nil
	}

	bufr := bufio.NewReaderSize(util.NewSimpleReaderAtReader(r.ra, r.dataOffset), readBufSize)
	ieeeCrc := crc32.New(crc32.IEEETable)
	var headerBuf [maxHeaderLen]byte
	var valueBuf []byte
	logOff := r.dataOffset
	for {
		n, err := io.ReadFull(bufr, headerBuf[:entryBaseSize])
		if err == io.EOF {
			// Log ended on a record boundary without a footer.
			slog.Debug("wal/Reader: log has no footer", "records", r.records)
			return nil
		} else if err == io.ErrUnexpectedEOF {
			return ErrUnexpectedEOF
		} else if err != nil {
			return err
		}

		crc := binary.LittleEndian.Uint32(headerBuf[0:4])
		pType := entryType(headerBuf[7] & entryTypeMask)
		packetSize := int(binary.LittleEndian.Uint32(headerBuf[4:8]) & 0xFFFFFF)

		headerSize := 0
		switch pType {
		case entryTypeAssign:
			headerSize = assignEntrySize
		case entryTypeFooter:
			headerSize = footerEntrySize
		default:
			slog.Error("wal/Reader: unrecognised entry type", "type", pType, "offset", logOff)
			return fmt.Errorf("%w: entry type %d at offset %d", ErrCorruptedLog, pType, logOff)
		}
		if packetSize < headerSize || packetSize-headerSize > MaxValueSize {
			return fmt.Errorf("%w: packet size %d at offset %d", ErrCorruptedLog, packetSize, logOff)
		}

		m, err := io.ReadFull(bufr, headerBuf[entryBaseSize:headerSize])
		n += m
		if err == nil {
			valueLen := packetSize - headerSize
			if cap(valueBuf) < valueLen {
				valueBuf = make([]byte, valueLen)
			}
			valueBuf = valueBuf[:valueLen]
			m, err = io.ReadFull(bufr, valueBuf)
			n += m
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrUnexpectedEOF
		} else if err != nil {
			return err
		}

		ieeeCrc.Reset()
		ieeeCrc.Write(headerBuf[4:headerSize])
		ieeeCrc.Write(valueBuf)
		if ieeeCrc.Sum32() != crc {
			slog.Error("wal/Reader: invalid CRC", "offset", logOff,
				"expected", crc, "actual", ieeeCrc.Sum32())
			return fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorruptedLog, logOff)
		}
		logOff += int64(n)

		switch pType {
		case entryTypeAssign:
			rec := Record{
				Begin: int64(binary.LittleEndian.Uint64(headerBuf[8:16])),
				End:   int64(binary.LittleEndian.Uint64(headerBuf[16:24])),
				Value: valueBuf,
			}
			if err := fn(rec); err != nil {
				return err
			}
			r.records++
		case entryTypeFooter:
			count := int64(binary.LittleEndian.Uint64(headerBuf[8:16]))
			if count != r.records {
				return fmt.Errorf("%w: footer count %d != %d records", ErrCorruptedLog, count, r.records)
			}
			r.clean = true
			return nil
		}
	}
}

// Records returns the number of records delivered by the last Replay.
func (r *Reader) Records() int64 {
	return r.records
}

// Clean reports whether the last Replay ended at a footer, meaning the log
// was closed cleanly.
func (r *Reader) Clean() bool {
	return r.clean
}

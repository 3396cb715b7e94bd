package wal

import (
	"fmt"

	"github.com/akmistry/stepmap/internal/wire"
)

type header struct {
	Version      uint64
	ChecksumType uint64
}

func (h *header) marshal() []byte {
	var b []byte
	b = wire.AppendVarint(b, headerFieldVersion, h.Version)
	b = wire.AppendVarint(b, headerFieldCrc, h.ChecksumType)
	return b
}

func (h *header) unmarshal(b []byte) error {
	*h = header{}
	err := wire.Decode(b, func(f wire.Field) error {
		switch f.Num {
		case headerFieldVersion:
			h.Version = f.Varint
		case headerFieldCrc:
			h.ChecksumType = f.Varint
		}
		return nil
	})
	if err != nil {
		return err
	}
	if h.Version != headerVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedLog, h.Version)
	}
	if h.ChecksumType != checksumCRC32IEEE {
		return fmt.Errorf("%w: checksum type %d", ErrUnsupportedLog, h.ChecksumType)
	}
	return nil
}

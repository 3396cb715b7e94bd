package wal

type entryType uint8

const (
	// Largest value that fits in a record. Packet sizes are 24 bits.
	MaxValueSize = 1 << 20

	entryTypeAssign = entryType(0)
	entryTypeFooter = entryType(2)
	entryTypeMask   = 0x0F

	entryBaseSize   = 8
	assignEntrySize = entryBaseSize + 8 + 8
	footerEntrySize = entryBaseSize + 8

	headerVersion      = 1
	checksumCRC32IEEE  = 1
	headerFieldVersion = 1
	headerFieldCrc     = 2
)

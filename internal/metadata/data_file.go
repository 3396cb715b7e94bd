package metadata

type DataFileType int

const (
	DataFile_UNSPECIFIED DataFileType = iota
	DataFile_WRITE_LOG
	DataFile_SNAPSHOT
)

func (t DataFileType) String() string {
	switch t {
	case DataFile_WRITE_LOG:
		return "WRITE_LOG"
	case DataFile_SNAPSHOT:
		return "SNAPSHOT"
	default:
		return "UNSPECIFIED"
	}
}

type DataFile interface {
	Name() string
	Type() DataFileType
}

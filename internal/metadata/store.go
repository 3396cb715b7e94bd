package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/akmistry/stepmap/internal/storage"
	"github.com/akmistry/stepmap/internal/wire"
)

const (
	metadataBlobName = "metadata.pb"

	fieldDefaultValue = 1
	fieldDataFile     = 2
	fieldNextSeq      = 3

	fieldDataFileType = 1
	fieldDataFileName = 2
)

var (
	ErrEntryNotFound   = errors.New("metadata: entry not found")
	ErrInvalidMetadata = errors.New("metadata: invalid encoding")
)

// FileEntry names one data file of a store.
type FileEntry struct {
	Type DataFileType
	Name string
}

// Contents is the persisted form of Metadata.
type Contents struct {
	DefaultValue string
	DataFiles    []FileEntry
	NextSeq      uint64
}

func (c *Contents) clone() *Contents {
	out := *c
	out.DataFiles = append([]FileEntry(nil), c.DataFiles...)
	return &out
}

func (c *Contents) marshal() []byte {
	var b []byte
	b = wire.AppendString(b, fieldDefaultValue, c.DefaultValue)
	for _, df := range c.DataFiles {
		var e []byte
		e = wire.AppendVarint(e, fieldDataFileType, uint64(df.Type))
		e = wire.AppendString(e, fieldDataFileName, df.Name)
		b = wire.AppendBytes(b, fieldDataFile, e)
	}
	b = wire.AppendVarint(b, fieldNextSeq, c.NextSeq)
	return b
}

func (c *Contents) unmarshal(b []byte) error {
	*c = Contents{}
	return wire.Decode(b, func(f wire.Field) error {
		switch {
		case f.Num == fieldDefaultValue && f.Type == protowire.BytesType:
			c.DefaultValue = string(f.Bytes)
		case f.Num == fieldNextSeq && f.Type == protowire.VarintType:
			c.NextSeq = f.Varint
		case f.Num == fieldDataFile && f.Type == protowire.BytesType:
			var df FileEntry
			err := wire.Decode(f.Bytes, func(f wire.Field) error {
				switch f.Num {
				case fieldDataFileType:
					df.Type = DataFileType(f.Varint)
				case fieldDataFileName:
					df.Name = string(f.Bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if df.Type != DataFile_WRITE_LOG && df.Type != DataFile_SNAPSHOT {
				return fmt.Errorf("%w: data file %q type %d", ErrInvalidMetadata, df.Name, df.Type)
			}
			c.DataFiles = append(c.DataFiles, df)
		}
		return nil
	})
}

type MetadataStore interface {
	Load() (*Contents, error)
	Store(*Contents) error
}

func LoadFromReader(r io.Reader) (*Contents, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	if err != nil {
		return nil, err
	}

	c := new(Contents)
	err = c.unmarshal(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func StoreToWriter(w io.Writer, c *Contents) error {
	_, err := w.Write(c.marshal())
	return err
}

// BlobMetadataStore keeps metadata as a single blob. Load of a store that
// was never written returns the blob store's not-found error.
type BlobMetadataStore struct {
	bs storage.BlobStore
}

var _ = (MetadataStore)((*BlobMetadataStore)(nil))

func NewBlobMetadataStore(bs storage.BlobStore) *BlobMetadataStore {
	return &BlobMetadataStore{
		bs: bs,
	}
}

func (s *BlobMetadataStore) Load() (*Contents, error) {
	r, err := s.bs.Open(metadataBlobName)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return LoadFromReader(io.NewSectionReader(r, 0, r.Size()))
}

// Store replaces the metadata blob. On error the previous blob is left in
// place.
func (s *BlobMetadataStore) Store(c *Contents) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := s.bs.Create(ctx, metadataBlobName)
	if err != nil {
		return err
	}
	err = StoreToWriter(w, c)
	if err != nil {
		// Closing a cancelled writer discards the blob.
		cancel()
		w.Close()
		return err
	}
	return w.Close()
}

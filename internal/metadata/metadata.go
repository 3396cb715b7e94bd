// Package metadata tracks the data files that make up a persistent store.
package metadata

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
)

type Metadata struct {
	store MetadataStore

	meta *Contents

	lock sync.Mutex
}

func NewMetadata(store MetadataStore, defaultValue string) *Metadata {
	m := &Metadata{
		store: store,
		meta: &Contents{
			DefaultValue: defaultValue,
		},
	}
	return m
}

func LoadMetadata(store MetadataStore) (*Metadata, error) {
	meta, err := store.Load()
	if err != nil {
		return nil, err
	}

	m := &Metadata{
		store: store,
		meta:  meta,
	}
	return m, nil
}

func (m *Metadata) Save() error {
	m.lock.Lock()
	meta := m.meta.clone()
	m.lock.Unlock()

	return m.store.Store(meta)
}

func (m *Metadata) String() string {
	m.lock.Lock()
	defer m.lock.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "default_value: %q\n", m.meta.DefaultValue)
	for _, df := range m.meta.DataFiles {
		fmt.Fprintf(&sb, "data_file: {type: %v, name: %q}\n", df.Type, df.Name)
	}
	fmt.Fprintf(&sb, "next_seq: %d\n", m.meta.NextSeq)
	return sb.String()
}

func (m *Metadata) DefaultValue() string {
	return m.meta.DefaultValue
}

// NextName returns a data file name with a sequence number that has not
// been handed out before. The sequence is persisted by the next Save.
func (m *Metadata) NextName(prefix string) string {
	m.lock.Lock()
	defer m.lock.Unlock()

	name := fmt.Sprintf("%s-%08d", prefix, m.meta.NextSeq)
	m.meta.NextSeq++
	return name
}

func (m *Metadata) PushWriteLog(name string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.meta.DataFiles = append(m.meta.DataFiles, FileEntry{
		Type: DataFile_WRITE_LOG,
		Name: name,
	})
}

func (m *Metadata) RemoveWriteLog(name string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for i, df := range m.meta.DataFiles {
		if df.Type != DataFile_WRITE_LOG || df.Name != name {
			continue
		}

		m.meta.DataFiles = slices.Delete(m.meta.DataFiles, i, i+1)
		return
	}

	log.Printf("ERROR: write log %s not found in metadata", name)
}

// SetSnapshot makes name the store's snapshot, replacing the existing one
// and every write log before logName. The replaced files are returned so
// the caller can delete them once the metadata is saved.
func (m *Metadata) SetSnapshot(name, logName string) ([]DataFile, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	keep := slices.IndexFunc(m.meta.DataFiles, func(df FileEntry) bool {
		return df.Type == DataFile_WRITE_LOG && df.Name == logName
	})
	if keep < 0 {
		return nil, fmt.Errorf("%w: write log %s", ErrEntryNotFound, logName)
	}

	var replaced []DataFile
	for _, df := range m.meta.DataFiles[:keep] {
		replaced = append(replaced, &mDataFile{df})
	}
	files := []FileEntry{{Type: DataFile_SNAPSHOT, Name: name}}
	m.meta.DataFiles = append(files, m.meta.DataFiles[keep:]...)
	return replaced, nil
}

type mDataFile struct {
	FileEntry
}

func (m *mDataFile) Name() string {
	return m.FileEntry.Name
}

func (m *mDataFile) Type() DataFileType {
	switch t := m.FileEntry.Type; t {
	case DataFile_WRITE_LOG, DataFile_SNAPSHOT:
		return t
	default:
		log.Panicf("Unrecognised DataFile type: %d", int(t))
		return DataFile_UNSPECIFIED
	}
}

// ListDataFiles returns the data files in replay order: the snapshot, if
// any, followed by write logs oldest first.
func (m *Metadata) ListDataFiles() []DataFile {
	m.lock.Lock()
	defer m.lock.Unlock()

	ls := make([]DataFile, 0, len(m.meta.DataFiles))
	for _, df := range m.meta.DataFiles {
		ls = append(ls, &mDataFile{df})
	}
	return ls
}

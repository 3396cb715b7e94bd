// Package store keeps an interval map of int64 keys and string values
// durable across restarts, using a journal of assignments and periodic
// snapshots.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akmistry/stepmap/internal/intervalmap"
	"github.com/akmistry/stepmap/internal/metadata"
	"github.com/akmistry/stepmap/internal/snapshot"
	"github.com/akmistry/stepmap/internal/storage"
	"github.com/akmistry/stepmap/internal/util"
	"github.com/akmistry/stepmap/internal/wal"
)

const (
	DefaultSnapshotThreshold = 64 * 1024 * 1024
	MinSnapshotThreshold     = 4096

	walPrefix      = "wal"
	snapshotPrefix = "snapshot"
)

var (
	ErrClosed = errors.New("store: closed")
)

type Breakpoint = intervalmap.Breakpoint[int64, string]

type Options struct {
	BlobStore storage.BlobStore
	LogStore  storage.LogStore
	// Defaults to a metadata blob in BlobStore.
	MetadataStore metadata.MetadataStore

	// Only used when creating a new store.
	DefaultValue string

	// Size of the active journal that triggers a background snapshot.
	SnapshotThreshold int64
	// Flush the journal after every assignment.
	SyncWrites bool

	Registerer prometheus.Registerer
}

type Store struct {
	opts Options

	m *intervalmap.Map[int64, string]
	// Created by the first assignment, so opening a store to read it
	// writes nothing.
	wl     *writeLog
	closed bool
	lock   sync.RWMutex

	meta *metadata.Metadata

	snapshotRunner *util.OneRunner
	snapshotLock   sync.Mutex

	metrics *metrics
}

func Open(opts Options) (*Store, error) {
	startTime := time.Now()

	if opts.BlobStore == nil || opts.LogStore == nil {
		return nil, errors.New("store: BlobStore and LogStore must be non-nil")
	}
	util.SetDefaultIfZero(&opts.SnapshotThreshold, DefaultSnapshotThreshold)
	if opts.SnapshotThreshold < MinSnapshotThreshold {
		return nil, fmt.Errorf("store: SnapshotThreshold must be at least %d", MinSnapshotThreshold)
	}
	if opts.MetadataStore == nil {
		opts.MetadataStore = metadata.NewBlobMetadataStore(opts.BlobStore)
	}

	s := &Store{
		opts:    opts,
		metrics: newMetrics(),
	}
	s.snapshotRunner = util.NewOneRunner(s.snapshotIfNeeded)

	var err error
	s.meta, err = metadata.LoadMetadata(opts.MetadataStore)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Metadata not found, starting new store", "default", opts.DefaultValue)
		s.meta = metadata.NewMetadata(opts.MetadataStore, opts.DefaultValue)
	} else if err != nil {
		return nil, fmt.Errorf("store: error loading metadata: %w", err)
	} else if s.meta.DefaultValue() != opts.DefaultValue {
		slog.Warn("Ignoring default value for existing store",
			"stored", s.meta.DefaultValue(), "requested", opts.DefaultValue)
	}
	slog.Debug(fmt.Sprintf("Metadata: \n%v\n", s.meta))

	s.m = intervalmap.New[int64](s.meta.DefaultValue())
	for _, df := range s.meta.ListDataFiles() {
		if err := s.loadDataFile(df); err != nil {
			return nil, err
		}
	}

	if opts.Registerer != nil {
		if err := s.metrics.register(opts.Registerer); err != nil {
			return nil, fmt.Errorf("store: error registering metrics: %w", err)
		}
	}
	s.metrics.breakpoints.Set(float64(s.m.Len()))

	runtime.GC()

	slog.Info("Finished loading store", "breakpoints", s.m.Len(), "loadTime", time.Since(startTime))

	return s, nil
}

func (s *Store) loadDataFile(df metadata.DataFile) error {
	name := df.Name()
	loadStart := time.Now()
	switch df.Type() {
	case metadata.DataFile_SNAPSHOT:
		f, err := s.opts.BlobStore.Open(name)
		if err != nil {
			return fmt.Errorf("store: error opening snapshot %s: %w", name, err)
		}
		defer f.Close()
		snap, err := snapshot.Read(f, f.Size())
		if err != nil {
			return fmt.Errorf("store: error reading snapshot %s: %w", name, err)
		}
		if snap.Default != s.m.Default() {
			return fmt.Errorf("store: snapshot %s default %q != %q: %w",
				name, snap.Default, s.m.Default(), snapshot.ErrInvalidSnapshot)
		}
		if err := s.m.Restore(snap.Breakpoints); err != nil {
			return fmt.Errorf("store: error restoring snapshot %s: %w", name, err)
		}
		slog.Info("Loaded snapshot", "name", name,
			"breakpoints", len(snap.Breakpoints), "loadTime", time.Since(loadStart))
	case metadata.DataFile_WRITE_LOG:
		f, err := s.opts.LogStore.Open(name)
		if err != nil {
			return fmt.Errorf("store: error opening log file %s on load: %w", name, err)
		}
		defer f.Close()
		records, err := replayLog(f, f.Size(), name, func(rec wal.Record) error {
			s.m.Assign(rec.Begin, rec.End, string(rec.Value))
			return nil
		})
		if err != nil {
			return fmt.Errorf("store: error replaying log file %s: %w", name, err)
		}
		slog.Info("Loaded log file", "name", name,
			"records", records, "loadTime", time.Since(loadStart))
	default:
		slog.Error("Unexpected file type", "name", name, "type", df.Type())
		return fmt.Errorf("store: unknown file type: %v", df.Type())
	}
	return nil
}

func (s *Store) makeLogWriter() (*writeLog, error) {
	for {
		name := s.meta.NextName(walPrefix)
		lf, err := s.opts.LogStore.Create(name)
		if errors.Is(err, fs.ErrExist) {
			// Left behind by a run that never saved its metadata.
			slog.Warn("Log already exists, trying next name", "name", name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("store: error creating log file %s: %w", name, err)
		}
		return newWriteLog(lf, name), nil
	}
}

// startLog creates a new journal and records it in metadata. Must be
// called with s.lock held.
func (s *Store) startLog() (*writeLog, error) {
	wl, err := s.makeLogWriter()
	if err != nil {
		return nil, err
	}
	// Save metadata before the journal is used, so acknowledged assignments
	// are always found on load.
	s.meta.PushWriteLog(wl.Name())
	if err := s.meta.Save(); err != nil {
		s.meta.RemoveWriteLog(wl.Name())
		wl.Close()
		s.opts.LogStore.Remove(wl.Name())
		return nil, fmt.Errorf("store: error saving metadata: %w", err)
	}
	return wl, nil
}

// Must be called with s.lock held.
func (s *Store) activeLog() (*writeLog, error) {
	if s.wl != nil && s.wl.Err() == nil {
		return s.wl, nil
	}
	wl, err := s.startLog()
	if err != nil {
		return nil, err
	}
	if s.wl != nil {
		// The failed journal may end in a partial record. Replay stops there
		// and carries on with the new journal.
		slog.Warn("Replacing failed log", "name", s.wl.Name(), "new", wl.Name(),
			"error", s.wl.Err())
		if err := s.wl.Close(); err != nil {
			slog.Debug("Error closing failed log", "name", s.wl.Name(), "error", err)
		}
	}
	s.wl = wl
	return wl, nil
}

// Assign sets every key in [begin, end) to value. The assignment is
// journalled before it is applied. Empty and inverted intervals are
// ignored.
//
// If the journal is written but can't be flushed, the assignment is still
// applied and the flush error is returned. After any journal error the next
// assignment starts a new journal.
func (s *Store) Assign(begin, end int64, value string) error {
	if begin >= end {
		return nil
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrClosed
	}
	wl, err := s.activeLog()
	if err != nil {
		s.lock.Unlock()
		return err
	}
	err = wl.Append(begin, end, value)
	if err != nil {
		s.lock.Unlock()
		return fmt.Errorf("store: error writing journal: %w", err)
	}
	s.m.Assign(begin, end, value)
	if s.opts.SyncWrites {
		err = wl.Flush()
		if err != nil {
			err = fmt.Errorf("store: error flushing journal: %w", err)
		}
	}
	breakpoints := s.m.Len()
	written := wl.Written()
	s.lock.Unlock()

	s.metrics.assigns.Inc()
	s.metrics.breakpoints.Set(float64(breakpoints))
	s.metrics.journalBytes.Set(float64(written))

	if written >= s.opts.SnapshotThreshold {
		s.snapshotRunner.Go()
	}
	return err
}

func (s *Store) Get(key int64) string {
	s.metrics.lookups.Inc()

	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.m.Get(key)
}

func (s *Store) Default() string {
	return s.m.Default()
}

func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.m.Len()
}

func (s *Store) Breakpoints() []Breakpoint {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.m.Breakpoints()
}

// Close waits for any background snapshot, then closes the journal
// cleanly. The in-memory map stays readable.
func (s *Store) Close() error {
	s.snapshotRunner.Close()
	s.snapshotLock.Lock()
	defer s.snapshotLock.Unlock()

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if s.opts.Registerer != nil {
		s.metrics.unregister(s.opts.Registerer)
	}
	if s.wl == nil {
		return nil
	}
	return s.wl.Close()
}

package store

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/akmistry/stepmap/internal/metadata"
	"github.com/akmistry/stepmap/internal/snapshot"
	"github.com/akmistry/stepmap/internal/util"
)

func (s *Store) snapshotIfNeeded() {
	s.lock.RLock()
	closed := s.closed
	var written int64
	if s.wl != nil {
		written = s.wl.Written()
	}
	s.lock.RUnlock()
	if closed || written < s.opts.SnapshotThreshold {
		return
	}
	log.Printf("Snapshotting with journal size %v", util.DetailedBytes(written))

	if err := s.Snapshot(); err != nil {
		slog.Error("Background snapshot failed", "error", err)
	}
}

// Snapshot writes the current map to a new snapshot and removes the
// journals it supersedes.
func (s *Store) Snapshot() error {
	s.snapshotLock.Lock()
	defer s.snapshotLock.Unlock()

	startTime := time.Now()

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return ErrClosed
	}
	newLog, err := s.startLog()
	if err != nil {
		s.lock.Unlock()
		return err
	}
	oldLog := s.wl
	s.wl = newLog
	frozen := s.m.Clone()
	s.lock.Unlock()

	s.metrics.journalBytes.Set(0)
	if oldLog != nil {
		if err := oldLog.Close(); err != nil {
			slog.Error("Error closing log file", "name", oldLog.Name(), "error", err)
		}
	}

	name := s.meta.NextName(snapshotPrefix)
	size, err := s.writeSnapshot(name, &snapshot.Snapshot{
		Default:     frozen.Default(),
		Breakpoints: frozen.Breakpoints(),
	})
	if err != nil {
		// The journals still hold everything, so the store stays consistent.
		return err
	}

	replaced, err := s.meta.SetSnapshot(name, newLog.Name())
	if err != nil {
		log.Panicf("Active log %s missing from metadata: %v", newLog.Name(), err)
	}
	if err := s.meta.Save(); err != nil {
		return fmt.Errorf("store: error saving metadata: %w", err)
	}
	s.removeDataFiles(replaced)

	s.metrics.snapshots.Inc()
	s.metrics.snapshotDuration.Observe(time.Since(startTime).Seconds())
	log.Printf("Finish snapshot %s, breakpoints: %d, size: %v, total time: %v",
		name, frozen.Len(), util.DetailedBytes(size), time.Since(startTime))
	return nil
}

func (s *Store) writeSnapshot(name string, snap *snapshot.Snapshot) (int64, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := s.opts.BlobStore.Create(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("store: error creating snapshot %s: %w", name, err)
	}
	n, err := snapshot.Write(w, snap)
	if err != nil {
		slog.Error("Unable to write snapshot", "name", name, "error", err)
		// Cancelling first stops the partial blob from being published.
		cancel()
		w.Close()
		return 0, fmt.Errorf("store: error writing snapshot %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		slog.Error("Unable to close snapshot", "name", name, "error", err)
		s.opts.BlobStore.Remove(name)
		return 0, fmt.Errorf("store: error closing snapshot %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) removeDataFiles(dfs []metadata.DataFile) {
	for _, df := range dfs {
		slog.Info("Removing unused file", "name", df.Name(), "type", df.Type())
		var err error
		switch df.Type() {
		case metadata.DataFile_SNAPSHOT:
			err = s.opts.BlobStore.Remove(df.Name())
		case metadata.DataFile_WRITE_LOG:
			err = s.opts.LogStore.Remove(df.Name())
		}
		if err != nil {
			slog.Error("Error removing file", "name", df.Name(), "error", err)
		}
	}
}

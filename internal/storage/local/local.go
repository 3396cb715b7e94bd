// Package local implements storage backends on a local directory.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/akmistry/stepmap/internal/storage"
)

const (
	tempBlobPrefix  = ".temp-"
	tempBlobPattern = tempBlobPrefix + "*"
)

var (
	_ = (storage.BlobStore)((*BlobStore)(nil))
	_ = (storage.LogStore)((*LogStore)(nil))
	_ = (storage.Flusher)((*fileWriter)(nil))
)

type fileReader struct {
	*os.File
	size int64
}

func (r *fileReader) Size() int64 {
	return r.size
}

func openFileReader(fpath string) (*fileReader, error) {
	f, err := os.Open(fpath)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &fileReader{
		File: f,
		size: fi.Size(),
	}
	return r, nil
}

type BlobStore struct {
	dir string
}

func NewBlobStore(dir string) (*BlobStore, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("local.BlobStore: error making blob dir %s: %w", dir, err)
	}
	removeStaleTempFiles(dir)

	s := &BlobStore{
		dir: dir,
	}
	return s, nil
}

// Temp files left behind by a crash are never renamed into place.
func removeStaleTempFiles(dir string) {
	stale, err := filepath.Glob(filepath.Join(dir, tempBlobPattern))
	if err != nil {
		return
	}
	for _, f := range stale {
		if err := os.Remove(f); err != nil {
			slog.Warn("local.BlobStore: unable to remove stale temp file", "file", f, "error", err)
		} else {
			slog.Debug("local.BlobStore: removed stale temp file", "file", f)
		}
	}
}

func (s *BlobStore) makeFilePath(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *BlobStore) Open(name string) (storage.BlobReader, error) {
	return openFileReader(s.makeFilePath(name))
}

type blobWriter struct {
	*os.File
	path string
	ctx  context.Context
}

func (w *blobWriter) Write(b []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.File.Write(b)
}

func (w *blobWriter) Close() error {
	if w.File == nil {
		return os.ErrClosed
	}
	tempName := w.File.Name()
	defer os.Remove(tempName)

	if err := w.ctx.Err(); err != nil {
		w.File.Close()
		w.File = nil
		return err
	}
	err := w.File.Sync()
	if err != nil {
		// Close the file on sync error to avoid an FD leak
		w.File.Close()
		w.File = nil
		return err
	}
	err = w.File.Close()
	w.File = nil
	if err != nil {
		return err
	}
	return os.Rename(tempName, w.path)
}

func (s *BlobStore) Create(ctx context.Context, name string) (storage.BlobWriter, error) {
	f, err := os.CreateTemp(s.dir, tempBlobPattern)
	if err != nil {
		return nil, err
	}
	return &blobWriter{
		File: f,
		path: s.makeFilePath(name),
		ctx:  ctx,
	}, nil
}

func (s *BlobStore) Remove(name string) error {
	return os.Remove(s.makeFilePath(name))
}

type LogStore struct {
	dir string
}

func NewLogStore(dir string) (*LogStore, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("local.LogStore: error making log dir %s: %w", dir, err)
	}

	s := &LogStore{
		dir: dir,
	}
	return s, nil
}

func (s *LogStore) makeFilePath(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *LogStore) Open(name string) (storage.LogReader, error) {
	return openFileReader(s.makeFilePath(name))
}

type fileWriter struct {
	*os.File
}

func (w *fileWriter) Flush() error {
	slog.Debug("fileWriter.Flush()", "name", w.File.Name())
	return w.File.Sync()
}

func (s *LogStore) Create(name string) (storage.LogWriter, error) {
	fpath := s.makeFilePath(name)
	f, err := os.OpenFile(fpath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}

	w := &fileWriter{
		File: f,
	}
	return w, nil
}

func (s *LogStore) Remove(name string) error {
	return os.Remove(s.makeFilePath(name))
}

// Package cloud implements storage.BlobStore on cloud object storage.
package cloud

import (
	"context"
	"log/slog"
	"sync"

	cu "github.com/akmistry/cloud-util"
	_ "github.com/akmistry/cloud-util/all"
	"github.com/akmistry/cloud-util/cache"

	"github.com/akmistry/stepmap/internal/storage"
)

type BlobStore struct {
	bs cu.BlobStore

	// Underlying storage, excluding caches
	baseBs cu.BlobStore
}

var _ = (storage.BlobStore)((*BlobStore)(nil))

// NewBlobStore opens the blob store at url. Uploads are staged in
// stagingDir and reads are cached in cacheDir, when those are non-empty.
func NewBlobStore(url, stagingDir, cacheDir string, cacheSize int64) (*BlobStore, error) {
	bs, err := cu.OpenBlobStore(url)
	if err != nil {
		return nil, err
	}
	baseBs := bs
	if stagingDir != "" {
		bs, err = cache.NewStagedBlobUploader(bs, stagingDir)
		if err != nil {
			return nil, err
		}
	}
	if cacheDir != "" {
		bs, err = cache.NewBlockBlobCache(bs, cacheDir, cacheSize)
		if err != nil {
			return nil, err
		}
	}
	slog.Info("cloud.BlobStore: opened", "url", url,
		"staging", stagingDir != "", "cache", cacheDir != "")
	s := &BlobStore{
		bs:     bs,
		baseBs: baseBs,
	}
	return s, nil
}

// Base returns a store that bypasses the staging uploader and cache. Small
// blobs that must be visible immediately, such as metadata, go here.
func (s *BlobStore) Base() storage.BlobStore {
	if s.bs == s.baseBs {
		// No caches, return self
		return s
	}
	return &BlobStore{
		bs:     s.baseBs,
		baseBs: s.baseBs,
	}
}

func (s *BlobStore) Open(name string) (storage.BlobReader, error) {
	return s.bs.Get(name)
}

// blobWriter cancels the upload if ctx is done before Close, so a
// partially written blob is never published.
type blobWriter struct {
	cu.PutWriter
	ctx      context.Context
	done     chan struct{}
	doneOnce sync.Once
}

func (w *blobWriter) Write(b []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.PutWriter.Write(b)
}

func (w *blobWriter) Close() error {
	w.doneOnce.Do(func() { close(w.done) })
	if err := w.ctx.Err(); err != nil {
		w.PutWriter.Cancel()
		return err
	}
	return w.PutWriter.Close()
}

func (s *BlobStore) Create(ctx context.Context, name string) (storage.BlobWriter, error) {
	pw, err := s.bs.Put(name)
	if err != nil {
		return nil, err
	}
	w := &blobWriter{
		PutWriter: pw,
		ctx:       ctx,
		done:      make(chan struct{}),
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				slog.Debug("cloud.BlobStore: upload cancelled", "name", name)
				pw.Cancel()
			case <-w.done:
			}
		}()
	}
	return w, nil
}

func (s *BlobStore) Remove(name string) error {
	return s.bs.Delete(name)
}

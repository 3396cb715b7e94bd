package stepmap

import (
	"log"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akmistry/stepmap/internal/config"
	"github.com/akmistry/stepmap/internal/metadata"
	"github.com/akmistry/stepmap/internal/storage"
	"github.com/akmistry/stepmap/internal/storage/cloud"
	"github.com/akmistry/stepmap/internal/storage/local"
	"github.com/akmistry/stepmap/internal/store"
)

const (
	blobDirName    = "blobs"
	walDirName     = "wal"
	stagingDirName = "staging"
	cacheDirName   = "blob-cache"
)

// OpenStore opens the store described by cfg. Journals always live under
// cfg.DataDir; snapshots and metadata go to cfg.BlobStore when set.
func OpenStore(cfg *config.Config, reg prometheus.Registerer) (*store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var blobStore, metaBlobStore storage.BlobStore
	if cfg.BlobStore != "" {
		stagingDir := filepath.Join(cfg.DataDir, stagingDirName)
		cacheDir := filepath.Join(cfg.DataDir, cacheDirName)
		cloudBs, err := cloud.NewBlobStore(cfg.BlobStore, stagingDir, cacheDir, int64(cfg.BlobCacheSize))
		if err != nil {
			return nil, err
		}
		blobStore = cloudBs
		metaBlobStore = cloudBs.Base()
		log.Printf("Using blob store %s, cache size %v", cfg.BlobStore, cfg.BlobCacheSize)
	} else {
		localBs, err := local.NewBlobStore(filepath.Join(cfg.DataDir, blobDirName))
		if err != nil {
			return nil, err
		}
		blobStore = localBs
		metaBlobStore = localBs
	}

	logStore, err := local.NewLogStore(filepath.Join(cfg.DataDir, walDirName))
	if err != nil {
		return nil, err
	}

	return store.Open(store.Options{
		BlobStore:         blobStore,
		LogStore:          logStore,
		MetadataStore:     metadata.NewBlobMetadataStore(metaBlobStore),
		DefaultValue:      cfg.DefaultValue,
		SnapshotThreshold: int64(cfg.SnapshotThreshold),
		SyncWrites:        cfg.SyncWrites,
		Registerer:        reg,
	})
}

// Package config reads the stepmap TOML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/akmistry/stepmap/internal/util"
)

const (
	DefaultDataDir           = "./stepmap-data"
	DefaultListen            = "localhost:8080"
	DefaultBlobCacheSize     = 256 * 1024 * 1024
	DefaultSnapshotThreshold = 64 * 1024 * 1024
)

var (
	ErrInvalidConfig = errors.New("config: invalid config")
)

type Config struct {
	DataDir      string `toml:"data_dir"`
	DefaultValue string `toml:"default_value"`

	// Blob store URL for snapshots and metadata. Empty means a directory
	// under DataDir.
	BlobStore     string     `toml:"blobstore"`
	BlobCacheSize util.Bytes `toml:"blob_cache_size"`

	SnapshotThreshold util.Bytes `toml:"snapshot_threshold"`
	SyncWrites        bool       `toml:"sync_writes"`

	Listen  string `toml:"listen"`
	Verbose bool   `toml:"verbose"`
}

func Default() *Config {
	return &Config{
		DataDir:           DefaultDataDir,
		BlobCacheSize:     DefaultBlobCacheSize,
		SnapshotThreshold: DefaultSnapshotThreshold,
		Listen:            DefaultListen,
	}
}

// ReadConfig reads the file at path over the defaults. A missing file
// yields the defaults.
func ReadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	file, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	} else if err != nil {
		return nil, err
	}

	dec := toml.NewDecoder(bytes.NewReader(file))
	dec.DisallowUnknownFields()
	if err := dec.Decode(config); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, sme.String())
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir must be set", ErrInvalidConfig)
	}
	if c.Listen == "" {
		return fmt.Errorf("%w: listen must be set", ErrInvalidConfig)
	}
	return nil
}

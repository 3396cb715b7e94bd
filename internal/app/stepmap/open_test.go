package stepmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/akmistry/stepmap/internal/config"
)

func TestOpenStore_Local(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DefaultValue = "A"

	s, err := OpenStore(cfg, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	if err := s.Assign(1, 3, "B"); err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	for _, dir := range []string{blobDirName, walDirName} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, dir)); err != nil {
			t.Errorf("Missing %s dir: %v", dir, err)
		}
	}

	s, err = OpenStore(cfg, nil)
	if err != nil {
		t.Fatalf("Reopen error: %v", err)
	}
	defer s.Close()
	if s.Get(2) != "B" || s.Get(3) != "A" {
		t.Errorf("Reopened values %q, %q", s.Get(2), s.Get(3))
	}
}

func TestOpenStore_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = ""
	if _, err := OpenStore(cfg, nil); err == nil {
		t.Error("OpenStore with empty data dir succeeded")
	}
}

package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/akmistry/stepmap/internal/storage"
	"github.com/akmistry/stepmap/internal/testutil"
)

func readAll(t *testing.T, r storage.BlobReader) []byte {
	t.Helper()
	buf := make([]byte, r.Size())
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAt error: %v", err)
	}
	return buf[:n]
}

func TestBlobStore(t *testing.T) {
	dir := t.TempDir()
	// Left over from a previous crash.
	if err := os.WriteFile(filepath.Join(dir, tempBlobPrefix+"123"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := NewBlobStore(dir)
	if err != nil {
		t.Fatalf("NewBlobStore error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, tempBlobPrefix+"123")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stale temp file not removed: %v", err)
	}

	_, err = s.Open("blob")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open missing blob error %v", err)
	}

	w, err := s.Create(context.Background(), "blob")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	data := []byte("some blob data")
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	// Not visible until closed.
	if _, err := s.Open("blob"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open before Close error %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	r, err := s.Open("blob")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if r.Size() != int64(len(data)) {
		t.Errorf("Size() %d != %d", r.Size(), len(data))
	}
	if got := readAll(t, r); !bytes.Equal(got, data) {
		t.Errorf("Read %q != %q", got, data)
	}
	r.Close()

	if err := s.Remove("blob"); err != nil {
		t.Errorf("Remove error: %v", err)
	}
	if _, err := s.Open("blob"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open after Remove error %v", err)
	}
}

func TestBlobStore_Large(t *testing.T) {
	s, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore error: %v", err)
	}
	data := testutil.RandomBytes(1024*1024+7, 1)

	w, err := s.Create(context.Background(), "large")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	// Write in uneven chunks.
	for rem := data; len(rem) > 0; {
		n := min(len(rem), 65521)
		if _, err := w.Write(rem[:n]); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		rem = rem[n:]
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	r, err := s.Open("large")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close()
	expected := bytes.NewReader(data)
	testutil.CheckReaderAt(t, r, expected, int64(len(data)), 64*1024)
	testutil.CheckFullReaderAt(t, r, expected, int64(len(data)))
}

func TestBlobStore_Cancel(t *testing.T) {
	s, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w, err := s.Create(ctx, "blob")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	w.Write([]byte("partial"))
	cancel()
	if err := w.Close(); !errors.Is(err, context.Canceled) {
		t.Errorf("Close after cancel error %v", err)
	}
	if _, err := s.Open("blob"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Cancelled blob visible: %v", err)
	}
}

func TestLogStore(t *testing.T) {
	s, err := NewLogStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogStore error: %v", err)
	}

	w, err := s.Create("wal-1")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := s.Create("wal-1"); !errors.Is(err, fs.ErrExist) {
		t.Errorf("Create existing error %v", err)
	}

	w.Write([]byte("hello "))
	w.Write([]byte("world"))
	if f, ok := w.(storage.Flusher); !ok {
		t.Error("LogWriter is not a Flusher")
	} else if err := f.Flush(); err != nil {
		t.Errorf("Flush error: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := w.ReadAt(buf, 6); err != nil || string(buf) != "world" {
		t.Errorf("ReadAt (%q, %v)", buf, err)
	}
	w.Close()

	r, err := s.Open("wal-1")
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if r.Size() != 11 {
		t.Errorf("Size() %d != 11", r.Size())
	}
	r.Close()

	if err := s.Remove("wal-1"); err != nil {
		t.Errorf("Remove error: %v", err)
	}
}

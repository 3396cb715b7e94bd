package store

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/akmistry/stepmap/internal/intervalmap"
	"github.com/akmistry/stepmap/internal/metadata"
	"github.com/akmistry/stepmap/internal/storage"
	"github.com/akmistry/stepmap/internal/storage/local"
	"github.com/akmistry/stepmap/internal/util"
)

type testEnv struct {
	dir  string
	opts Options
}

func newTestEnv(t *testing.T, defaultValue string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	bs, err := local.NewBlobStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	ls, err := local.NewLogStore(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		dir: dir,
		opts: Options{
			BlobStore:    bs,
			LogStore:     ls,
			DefaultValue: defaultValue,
		},
	}
}

func (e *testEnv) open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(e.opts)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	return s
}

func (e *testEnv) logPath(name string) string {
	return filepath.Join(e.dir, "logs", name)
}

func checkState(t *testing.T, s *Store, exp []Breakpoint) {
	t.Helper()
	if exp == nil {
		exp = []Breakpoint{}
	}
	if diff := cmp.Diff(exp, s.Breakpoints()); diff != "" {
		t.Errorf("Breakpoints (-want +got):\n%s", diff)
	}
}

func fileTypes(s *Store) []metadata.DataFileType {
	var types []metadata.DataFileType
	for _, df := range s.meta.ListDataFiles() {
		types = append(types, df.Type())
	}
	return types
}

func TestStore_Reopen(t *testing.T) {
	env := newTestEnv(t, "A")
	s := env.open(t)
	if s.Default() != "A" {
		t.Errorf("Default() %q != A", s.Default())
	}

	assigns := []struct {
		begin, end int64
		value      string
	}{
		{0, 2, "A"},
		{1, 3, "B"},
		{3, 5, "A"},
		{4, 0, "C"},
		{5, 7, "A"},
		{5, 7, "B"},
		{4, 6, "B"},
		{-1, 2, "B"},
	}
	for _, a := range assigns {
		if err := s.Assign(a.begin, a.end, a.value); err != nil {
			t.Fatalf("Assign(%d, %d, %q) error: %v", a.begin, a.end, a.value, err)
		}
	}
	exp := []Breakpoint{{Key: -1, Value: "B"}, {Key: 3, Value: "A"}, {Key: 4, Value: "B"}, {Key: 7, Value: "A"}}
	checkState(t, s, exp)
	if s.Get(-2) != "A" || s.Get(-1) != "B" || s.Get(3) != "A" || s.Get(6) != "B" {
		t.Error("Unexpected Get results")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// The default is fixed when the store is created.
	env.opts.DefaultValue = "Z"
	s = env.open(t)
	defer s.Close()
	if s.Default() != "A" {
		t.Errorf("Reopened Default() %q != A", s.Default())
	}
	checkState(t, s, exp)
	if s.Len() != len(exp) {
		t.Errorf("Len() %d != %d", s.Len(), len(exp))
	}
}

func TestStore_EmptyAssignNotJournalled(t *testing.T) {
	env := newTestEnv(t, "")
	s := env.open(t)
	defer s.Close()

	s.Assign(5, 5, "x")
	s.Assign(6, 5, "x")
	if s.wl != nil {
		t.Errorf("Empty assigns created log %s", s.wl.Name())
	}
	checkState(t, s, nil)
}

func TestStore_ReadOnlyOpen(t *testing.T) {
	env := newTestEnv(t, "A")
	s := env.open(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	blobs, _ := filepath.Glob(filepath.Join(env.dir, "blobs", "*"))
	if len(blobs) != 0 {
		t.Errorf("Open without writes created blobs %v", blobs)
	}

	s = env.open(t)
	s.Assign(0, 10, "B")
	s.Close()
	for i := 0; i < 3; i++ {
		s = env.open(t)
		if s.Get(5) != "B" {
			t.Errorf("Get(5) %q != B", s.Get(5))
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	}

	s = env.open(t)
	defer s.Close()
	if dfs := s.meta.ListDataFiles(); len(dfs) != 1 {
		t.Errorf("%d data files after read-only opens, expected 1", len(dfs))
	}
	logs, _ := filepath.Glob(filepath.Join(env.dir, "logs", "*"))
	if len(logs) != 1 {
		t.Errorf("Log files %v, expected one", logs)
	}
}

var errDiskFull = errors.New("disk full")

// tearingLogStore makes the next write to any of its logs fail after
// writing half the buffer.
type tearingLogStore struct {
	storage.LogStore
	tear atomic.Bool
}

type tearingLogWriter struct {
	storage.LogWriter
	s *tearingLogStore
}

func (w *tearingLogWriter) Write(b []byte) (int, error) {
	if !w.s.tear.CompareAndSwap(true, false) {
		return w.LogWriter.Write(b)
	}
	n, _ := w.LogWriter.Write(b[:len(b)/2])
	return n, errDiskFull
}

func (w *tearingLogWriter) Flush() error {
	if ff, ok := w.LogWriter.(storage.Flusher); ok {
		return ff.Flush()
	}
	return nil
}

func (s *tearingLogStore) Create(name string) (storage.LogWriter, error) {
	lw, err := s.LogStore.Create(name)
	if err != nil {
		return nil, err
	}
	return &tearingLogWriter{LogWriter: lw, s: s}, nil
}

func TestStore_JournalWriteError(t *testing.T) {
	env := newTestEnv(t, "")
	ls := &tearingLogStore{LogStore: env.opts.LogStore}
	env.opts.LogStore = ls
	s := env.open(t)

	if err := s.Assign(10, 15, "B"); err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	failedLog := s.wl.Name()
	ls.tear.Store(true)
	if err := s.Assign(20, 25, "B"); !errors.Is(err, errDiskFull) {
		t.Fatalf("Assign error %v != %v", err, errDiskFull)
	}
	if s.Get(20) != "" {
		t.Errorf("Failed assignment applied, Get(20) %q", s.Get(20))
	}

	// Later assignments go to a new journal and must survive a reopen.
	if err := s.Assign(30, 35, "B"); err != nil {
		t.Fatalf("Assign after failure error: %v", err)
	}
	if s.wl.Name() == failedLog {
		t.Errorf("Still writing to failed log %s", failedLog)
	}
	if err := s.Assign(20, 25, "C"); err != nil {
		t.Fatalf("Assign after failure error: %v", err)
	}
	exp := []Breakpoint{{Key: 10, Value: "B"}, {Key: 15, Value: ""}, {Key: 20, Value: "C"}, {Key: 25, Value: ""}, {Key: 30, Value: "B"}, {Key: 35, Value: ""}}
	checkState(t, s, exp)
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	s = env.open(t)
	defer s.Close()
	checkState(t, s, exp)
	if dfs := s.meta.ListDataFiles(); len(dfs) != 2 || dfs[0].Name() != failedLog {
		t.Errorf("Data files %v, expected %s and one more", dfs, failedLog)
	}
}

func TestStore_Snapshot(t *testing.T) {
	env := newTestEnv(t, "")
	s := env.open(t)
	oracle := intervalmap.New[int64]("")

	assignRandom := func(n int) {
		for i := 0; i < n; i++ {
			begin := rand.Int63n(10000) - 5000
			end := begin + rand.Int63n(100) + 1
			value := strconv.Itoa(rand.Intn(5))
			if err := s.Assign(begin, end, value); err != nil {
				t.Fatalf("Assign error: %v", err)
			}
			oracle.Assign(begin, end, value)
		}
	}

	assignRandom(500)
	firstLog := s.wl.Name()
	if err := s.Snapshot(); err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	if diff := cmp.Diff([]metadata.DataFileType{metadata.DataFile_SNAPSHOT, metadata.DataFile_WRITE_LOG}, fileTypes(s)); diff != "" {
		t.Errorf("Data files (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(env.logPath(firstLog)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Superseded log %s not removed: %v", firstLog, err)
	}
	if util.SliceLast(s.meta.ListDataFiles()).Name() != s.wl.Name() {
		t.Error("Active log is not the last data file")
	}

	assignRandom(500)
	if err := s.Snapshot(); err != nil {
		t.Fatalf("Second snapshot error: %v", err)
	}
	assignRandom(100)
	checkState(t, s, oracle.Breakpoints())
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	blobs, _ := filepath.Glob(filepath.Join(env.dir, "blobs", snapshotPrefix+"-*"))
	if len(blobs) != 1 {
		t.Errorf("Snapshot blobs %v, expected one", blobs)
	}

	s = env.open(t)
	defer s.Close()
	checkState(t, s, oracle.Breakpoints())
	if err := s.m.Check(); err != nil {
		t.Errorf("Check() error: %v", err)
	}
}

func TestStore_BackgroundSnapshot(t *testing.T) {
	env := newTestEnv(t, "")
	env.opts.SnapshotThreshold = MinSnapshotThreshold
	env.opts.Registerer = prometheus.NewRegistry()
	s := env.open(t)

	value := strings.Repeat("v", 100)
	for i := int64(0); i < 200; i++ {
		if err := s.Assign(i*10, i*10+5, value); err != nil {
			t.Fatalf("Assign error: %v", err)
		}
	}
	s.snapshotRunner.Wait()
	if n := testutil.ToFloat64(s.metrics.snapshots); n < 1 {
		t.Errorf("Snapshots %v, expected at least 1", n)
	}
	if w := s.wl.Written(); w >= MinSnapshotThreshold {
		t.Errorf("Active journal %d bytes after snapshot", w)
	}
	exp := s.Breakpoints()
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	s = env.open(t)
	defer s.Close()
	checkState(t, s, exp)
	if len(exp) != 400 {
		t.Errorf("%d breakpoints != 400", len(exp))
	}
}

func TestStore_TruncatedLog(t *testing.T) {
	env := newTestEnv(t, "")
	s := env.open(t)
	s.Assign(0, 10, "a")
	s.Assign(20, 30, "b")
	logName := s.wl.Name()
	sizeBefore := s.wl.Written()
	s.Assign(40, 50, "c")

	// Simulate a crash partway through the last record.
	if err := os.Truncate(env.logPath(logName), sizeBefore+5); err != nil {
		t.Fatal(err)
	}

	s2 := env.open(t)
	defer s2.Close()
	checkState(t, s2, []Breakpoint{{Key: 0, Value: "a"}, {Key: 10, Value: ""}, {Key: 20, Value: "b"}, {Key: 30, Value: ""}})
}

func TestStore_CorruptedLog(t *testing.T) {
	env := newTestEnv(t, "")
	s := env.open(t)
	s.Assign(0, 10, "a")
	logName := s.wl.Name()
	s.Close()

	path := env.logPath(logName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-20] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(env.opts); err == nil {
		t.Error("Open of corrupted log succeeded")
	}
}

func TestStore_Closed(t *testing.T) {
	env := newTestEnv(t, "")
	s := env.open(t)
	s.Assign(0, 1, "x")
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := s.Assign(0, 1, "y"); err != ErrClosed {
		t.Errorf("Assign after close error %v", err)
	}
	if err := s.Snapshot(); err != ErrClosed {
		t.Errorf("Snapshot after close error %v", err)
	}
	if err := s.Close(); err != ErrClosed {
		t.Errorf("Second Close error %v", err)
	}
	if s.Get(0) != "x" {
		t.Errorf("Get(0) %q after close", s.Get(0))
	}
}

func TestStore_Metrics(t *testing.T) {
	env := newTestEnv(t, "")
	reg := prometheus.NewRegistry()
	env.opts.Registerer = reg
	s := env.open(t)

	s.Assign(0, 10, "a")
	s.Assign(5, 15, "b")
	s.Get(1)
	s.Get(2)
	s.Get(3)

	if v := testutil.ToFloat64(s.metrics.assigns); v != 2 {
		t.Errorf("assigns %v != 2", v)
	}
	if v := testutil.ToFloat64(s.metrics.lookups); v != 3 {
		t.Errorf("lookups %v != 3", v)
	}
	if v := testutil.ToFloat64(s.metrics.breakpoints); v != 3 {
		t.Errorf("breakpoints %v != 3", v)
	}
	if v := testutil.ToFloat64(s.metrics.journalBytes); v != float64(s.wl.Written()) {
		t.Errorf("journal bytes %v != %d", v, s.wl.Written())
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 6 {
		t.Errorf("GatherAndCount (%d, %v) != 6", n, err)
	}

	// A second store on the same registry is rejected while the first is
	// open.
	env2 := newTestEnv(t, "")
	env2.opts.Registerer = reg
	if _, err := Open(env2.opts); err == nil {
		t.Error("Duplicate metrics registration succeeded")
	}

	s.Close()
	s2, err := Open(env2.opts)
	if err != nil {
		t.Fatalf("Open after Close error: %v", err)
	}
	s2.Close()
}

func TestStore_InvalidOptions(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Error("Open without stores succeeded")
	}
	env := newTestEnv(t, "")
	env.opts.SnapshotThreshold = 1
	if _, err := Open(env.opts); err == nil {
		t.Error("Open with tiny threshold succeeded")
	}
}

func BenchmarkStore_Assign(b *testing.B) {
	dir := b.TempDir()
	bs, _ := local.NewBlobStore(filepath.Join(dir, "blobs"))
	ls, _ := local.NewLogStore(filepath.Join(dir, "logs"))
	s, err := Open(Options{BlobStore: bs, LogStore: ls})
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		begin := rand.Int63n(1 << 20)
		s.Assign(begin, begin+rand.Int63n(1000)+1, "value")
	}
}

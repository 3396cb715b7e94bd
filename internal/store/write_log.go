package store

import (
	"errors"
	"io"
	"log/slog"

	"github.com/akmistry/stepmap/internal/storage"
	"github.com/akmistry/stepmap/internal/wal"
)

// writeLog is the journal currently receiving assignments. It is not safe
// for concurrent use.
type writeLog struct {
	c    storage.LogWriter
	name string
	log  *wal.Writer
	// First append or flush error. A failed log is only closed.
	err error
}

func newWriteLog(file storage.LogWriter, name string) *writeLog {
	return &writeLog{
		c:    file,
		name: name,
		log:  wal.NewWriter(file),
	}
}

func (l *writeLog) Append(begin, end int64, value string) error {
	if l.err != nil {
		return l.err
	}
	err := l.log.Append(begin, end, []byte(value))
	if err != nil {
		l.err = err
	}
	return err
}

func (l *writeLog) Err() error {
	return l.err
}

func (l *writeLog) Name() string {
	return l.name
}

func (l *writeLog) Written() int64 {
	return l.log.LogSize()
}

// CloseWriter marks the log complete and makes it durable.
func (l *writeLog) CloseWriter() error {
	err := l.log.CloseWriter()
	if err != nil {
		return err
	}
	return l.Flush()
}

func (l *writeLog) Close() error {
	err := l.CloseWriter()
	if errors.Is(err, wal.ErrWriterClosed) {
		err = nil
	}
	if cerr := l.c.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *writeLog) Flush() error {
	slog.Debug("writeLog.Flush()", "name", l.name)
	ff, ok := l.c.(storage.Flusher)
	if !ok {
		return nil
	}
	err := ff.Flush()
	if err != nil && l.err == nil {
		l.err = err
	}
	return err
}

// replayLog calls fn for every record in a journal. A truncated tail is
// logged and tolerated, since the records it held were never acknowledged
// as durable.
func replayLog(file io.ReaderAt, size int64, name string, fn func(rec wal.Record) error) (int64, error) {
	reader, err := wal.NewReader(file, size)
	if errors.Is(err, wal.ErrUnexpectedEOF) {
		slog.Warn("Opened log file with truncated header", "name", name, "size", size)
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	err = reader.Replay(fn)
	if errors.Is(err, wal.ErrUnexpectedEOF) {
		slog.Warn("Opened truncated log file", "name", name, "records", reader.Records())
		err = nil
	} else if errors.Is(err, wal.ErrCorruptedLog) {
		slog.Error("Opened corrupted log file", "name", name, "records", reader.Records(), "error", err)
	}
	if err == nil && !reader.Clean() {
		slog.Info("Log file was not closed cleanly", "name", name, "records", reader.Records())
	}
	return reader.Records(), err
}

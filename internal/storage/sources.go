// Package storage defines the backends that hold journals, snapshots and
// metadata.
package storage

import (
	"context"
	"io"
)

type BlobReader interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type BlobWriter interface {
	io.WriteCloser
}

// BlobStore holds immutable blobs. A blob becomes visible under its name
// only once its writer has been closed successfully.
type BlobStore interface {
	Open(name string) (BlobReader, error)
	Create(ctx context.Context, name string) (BlobWriter, error)
	Remove(name string) error
}

type LogWriter interface {
	io.ReaderAt
	io.Writer
	io.Closer
}

type LogReader interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// LogStore holds append-only journals. Create fails with an error matching
// fs.ErrExist if the name is taken.
type LogStore interface {
	Open(name string) (LogReader, error)
	Create(name string) (LogWriter, error)
	Remove(name string) error
}

// Flusher is implemented by log writers that can make written data
// durable.
type Flusher interface {
	Flush() error
}

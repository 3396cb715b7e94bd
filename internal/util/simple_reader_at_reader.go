package util

import (
	"io"
)

// SimpleReaderAtReader adapts an io.ReaderAt into a sequential io.Reader
// starting at a fixed offset.
type SimpleReaderAtReader struct {
	r   io.ReaderAt
	off int64
}

func NewSimpleReaderAtReader(r io.ReaderAt, off int64) *SimpleReaderAtReader {
	return &SimpleReaderAtReader{r: r, off: off}
}

func (r *SimpleReaderAtReader) Read(b []byte) (int, error) {
	n, err := r.r.ReadAt(b, r.off)
	if n > 0 {
		r.off += int64(n)
	}
	if n == len(b) && err == io.EOF {
		// ReaderAt may return EOF with a full read. Defer it to the next call.
		err = nil
	}
	return n, err
}

// Offset returns the offset of the next byte to be read.
func (r *SimpleReaderAtReader) Offset() int64 {
	return r.off
}

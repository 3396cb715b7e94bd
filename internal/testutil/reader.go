// Package testutil holds checks shared by storage tests.
package testutil

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
)

// RandomBytes returns n bytes from a seeded source, so failures reproduce.
func RandomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func checkedReadAt(t *testing.T, r io.ReaderAt, b []byte, off int64, rem int64) int {
	t.Helper()

	eofRead := int64(len(b)) > rem
	n, err := r.ReadAt(b, off)
	if eofRead {
		if n != int(rem) {
			t.Errorf("off: %d Read %d != rem %d", off, n, rem)
		}
		if err != io.EOF {
			t.Errorf("Error %v != expected EOF", err)
		}
	} else {
		if n != len(b) {
			t.Errorf("Read %d != size %d", n, len(b))
		}
		if err != nil {
			t.Errorf("Error %v", err)
		}
	}
	return n
}

// CheckReaderAt compares sequential and random reads of tested against
// expected.
func CheckReaderAt(t *testing.T, tested, expected io.ReaderAt, size int64, maxReadSize int) {
	t.Helper()
	testReadBuf := make([]byte, maxReadSize)
	expReadBuf := make([]byte, maxReadSize)

	off := int64(0)
	for off < size {
		clear(testReadBuf)
		clear(expReadBuf)
		readSize := rand.Intn(maxReadSize) + 1

		rem := size - off
		testedN := checkedReadAt(t, tested, testReadBuf[:readSize], off, rem)
		expectedN := checkedReadAt(t, expected, expReadBuf[:readSize], off, rem)

		if testedN != expectedN {
			t.Errorf("test read %d != expected read %d", testedN, expectedN)
		}
		if !bytes.Equal(testReadBuf, expReadBuf) {
			t.Errorf("test read buf != expected read buf at off %d, len %d", off, readSize)
		}
		if expectedN == 0 {
			break
		}

		off += int64(expectedN)
	}

	const RandReadIterations = 1000
	for i := 0; i < RandReadIterations && size > 0; i++ {
		clear(testReadBuf)
		clear(expReadBuf)

		off = rand.Int63n(size)
		readSize := rand.Intn(maxReadSize)

		rem := size - off
		testedN := checkedReadAt(t, tested, testReadBuf[:readSize], off, rem)
		expectedN := checkedReadAt(t, expected, expReadBuf[:readSize], off, rem)

		if testedN != expectedN {
			t.Errorf("test read %d != expected read %d", testedN, expectedN)
		}
		if !bytes.Equal(testReadBuf, expReadBuf) {
			t.Errorf("test read buf != expected read buf at off %d, len %d", off, readSize)
		}
	}
}

// CheckFullReaderAt compares a single whole read of tested against
// expected.
func CheckFullReaderAt(t *testing.T, tested, expected io.ReaderAt, size int64) {
	t.Helper()
	testBuf, err := io.ReadAll(io.NewSectionReader(tested, 0, size))
	if err != nil {
		t.Errorf("test ReadAll error %v", err)
	} else if int64(len(testBuf)) != size {
		t.Errorf("test ReadAll size %d != %d", len(testBuf), size)
	}
	expBuf, err := io.ReadAll(io.NewSectionReader(expected, 0, size))
	if err != nil {
		t.Errorf("expected ReadAll error %v", err)
	} else if int64(len(expBuf)) != size {
		t.Errorf("expected ReadAll size %d != %d", len(expBuf), size)
	}
	if !bytes.Equal(testBuf, expBuf) {
		t.Error("test read buf != expected read buf")
	}
}

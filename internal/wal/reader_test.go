package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func readRecords(t *testing.T, data []byte) ([]testRecord, *Reader, error) {
	t.Helper()
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, err
	}
	var recs []testRecord
	err = r.Replay(func(rec Record) error {
		recs = append(recs, testRecord{rec.Begin, rec.End, string(rec.Value)})
		return nil
	})
	return recs, r, err
}

func TestReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendRecords(t, w, testRecords)

	recs, r, err := readRecords(t, buf.Bytes())
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if diff := cmp.Diff(testRecords, recs, cmp.AllowUnexported(testRecord{})); diff != "" {
		t.Errorf("Replayed records (-want +got):\n%s", diff)
	}
	if r.Clean() {
		t.Error("Clean() true without footer")
	}
	if r.Records() != int64(len(testRecords)) {
		t.Errorf("Records() %d != %d", r.Records(), len(testRecords))
	}
}

func TestReader_Footer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendRecords(t, w, testRecords)
	if err := w.CloseWriter(); err != nil {
		t.Fatalf("CloseWriter error: %v", err)
	}
	// Trailing garbage after the footer is ignored.
	buf.WriteString("garbage")

	recs, r, err := readRecords(t, buf.Bytes())
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if len(recs) != len(testRecords) {
		t.Errorf("Replayed %d records != %d", len(recs), len(testRecords))
	}
	if !r.Clean() {
		t.Error("Clean() false with footer")
	}
}

func TestReader_Empty(t *testing.T) {
	recs, r, err := readRecords(t, nil)
	if err != nil || len(recs) != 0 {
		t.Errorf("Empty log (%v, %v)", recs, err)
	}
	if r.Clean() {
		t.Error("Empty log Clean()")
	}
}

func TestReader_Truncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendRecords(t, w, testRecords[:3])
	full := buf.Len()
	appendRecords(t, w, testRecords[3:4])
	data := buf.Bytes()

	// Every cut inside the last record keeps the first three.
	for cut := full + 1; cut < len(data); cut++ {
		recs, _, err := readRecords(t, data[:cut])
		if !errors.Is(err, ErrUnexpectedEOF) {
			t.Errorf("cut %d: error %v != ErrUnexpectedEOF", cut, err)
		}
		if len(recs) != 3 {
			t.Errorf("cut %d: %d records != 3", cut, len(recs))
		}
	}

	// Cut inside the header.
	_, _, err := readRecords(t, data[:len(HeaderMagic)+2])
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("Header cut error %v", err)
	}
}

func TestReader_Corrupted(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendRecords(t, w, testRecords)
	data := bytes.Clone(buf.Bytes())

	// Flip a bit in the last record's value.
	data[len(data)-1] ^= 1
	recs, _, err := readRecords(t, data)
	if !errors.Is(err, ErrCorruptedLog) {
		t.Errorf("Corrupted value error %v", err)
	}
	if len(recs) != len(testRecords)-1 {
		t.Errorf("%d records before corruption != %d", len(recs), len(testRecords)-1)
	}

	data = bytes.Clone(buf.Bytes())
	copy(data, "notalog!")
	if _, _, err := readRecords(t, data); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("Bad magic error %v", err)
	}
}

func TestReader_FooterCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendRecords(t, w, testRecords[:2])
	e := makeLogEntry(entryTypeFooter, 5, 0, nil)
	e.WriteTo(&buf)
	putLogEntry(e)

	_, _, err := readRecords(t, buf.Bytes())
	if !errors.Is(err, ErrCorruptedLog) {
		t.Errorf("Footer mismatch error %v", err)
	}
}

func TestReader_UnsupportedVersion(t *testing.T) {
	h := header{Version: 99, ChecksumType: checksumCRC32IEEE}
	hb := h.marshal()
	var buf bytes.Buffer
	buf.WriteString(HeaderMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(hb)))
	buf.Write(hb)

	_, _, err := readRecords(t, buf.Bytes())
	if !errors.Is(err, ErrUnsupportedLog) {
		t.Errorf("Unsupported version error %v", err)
	}
}

func TestReader_CallbackError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendRecords(t, w, testRecords)

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	errStop := errors.New("stop")
	calls := 0
	err = r.Replay(func(Record) error {
		calls++
		if calls == 2 {
			return errStop
		}
		return nil
	})
	if err != errStop || calls != 2 {
		t.Errorf("Replay (%d calls, %v)", calls, err)
	}
}

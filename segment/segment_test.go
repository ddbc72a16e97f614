// Copyright (C) 2024 Cairn Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cairn-labs/vecmemory/record"
)

func testHeader() *record.Header {
	return &record.Header{
		Dim:      16,
		SubQM:    4,
		SubQBits: 8,
		AEADID:   0,
	}
}

func testRecord(id uint64) *record.Record {
	return &record.Record{
		ID:         id,
		TimestampS: 1700000000 + id,
		Nonce:      [12]byte{byte(id)},
		EncPayload: bytes.Repeat([]byte{byte(id)}, 32),
		Payload:    []byte("payload"),
	}
}

func TestAppendFlushReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0.vecmem")

	s, err := Open(path, testHeader(), nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(testRecord(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	r, err := s.ReopenReadonly()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var ids []uint64
	r.Records(func(rec *record.Record) bool {
		ids = append(ids, rec.ID)
		return true
	})
	if len(ids) != 5 {
		t.Fatalf("got %d records, want 5: %v", len(ids), ids)
	}
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatalf("ids[%d] = %d, want %d", i, id, i+1)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestUncommittedAppendsNotVisible(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0.vecmem")

	s, err := Open(path, testHeader(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Append(testRecord(1)); err != nil {
		t.Fatal(err)
	}
	// Not flushed yet: committed length must still be header-only.
	if got := s.LenBytes(); got != int64(record.HeaderSize) {
		t.Fatalf("LenBytes() = %d before Flush, want %d", got, record.HeaderSize)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := s.LenBytes(); got <= int64(record.HeaderSize) {
		t.Fatalf("LenBytes() = %d after Flush, want > %d", got, record.HeaderSize)
	}
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0.vecmem")

	s, err := Open(path, testHeader(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := s.Append(testRecord(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	validLen := s.LenBytes()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: append a well-formed record's bytes
	// but truncated partway through, past the last fsynced boundary.
	buf, err := record.Serialize(testRecord(4))
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(buf[:len(buf)/2]); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if !reopened.WasTruncated() {
		t.Fatal("expected recovery to detect and truncate the torn tail")
	}
	if got := reopened.LenBytes(); got != validLen {
		t.Fatalf("LenBytes() after recovery = %d, want %d (the last verified boundary)", got, validLen)
	}

	r, err := reopened.ReopenReadonly()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var count int
	r.Records(func(rec *record.Record) bool {
		count++
		return true
	})
	if count != 3 {
		t.Fatalf("got %d records after recovery, want 3", count)
	}
}

func TestSecondWriterRefused(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0.vecmem")

	s, err := Open(path, testHeader(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, err = Open(path, nil, nil)
	if err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestBadMagicRefusesOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0.vecmem")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, record.HeaderSize), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path, nil, nil)
	if err == nil {
		t.Fatal("expected an error opening a file with a bad header")
	}
}

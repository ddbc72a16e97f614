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
	"fmt"

	"github.com/cairn-labs/vecmemory/record"
)

// Reader is an immutable, memory-mapped snapshot of a segment's
// committed bytes. Multiple Readers (in this or other processes) may
// observe the same segment concurrently with the one active writer;
// none of them ever see bytes past the committed-length boundary that
// existed at the moment they were opened.
type Reader struct {
	hdr  *record.Header
	mem  []byte
	size int64
}

// ReopenReadonly snapshots the segment's current committed length and
// returns a Reader backed by a memory-mapped view limited to that
// length. The snapshot is immutable: subsequent Appends/Flushes on the
// writer do not grow this particular Reader's view.
func (s *Store) ReopenReadonly() (*Reader, error) {
	size := s.LenBytes()
	mem, err := mmap(s.path, size)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap %s: %w", s.path, err)
	}
	return &Reader{hdr: s.hdr, mem: mem, size: size}, nil
}

// Header returns the segment header observed by this reader.
func (r *Reader) Header() *record.Header { return r.hdr }

// Close releases the memory mapping.
func (r *Reader) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unmap(r.mem)
	r.mem = nil
	return err
}

// Records returns an iterator over every well-formed record frame
// following the header, in append order. Iteration stops at the first
// frame that fails record.TryParse (CRC mismatch, zero id, oversize or
// truncated frame); frames after it are not visited. Records that
// parse but fail AEAD authentication are yielded, and classifying and
// counting those as Corrupt is left to the orchestrator layer.
func (r *Reader) Records(yield func(*record.Record) bool) {
	if len(r.mem) <= record.HeaderSize {
		return
	}
	buf := r.mem[record.HeaderSize:]
	for len(buf) > 0 {
		rec, consumed, err := record.TryParse(buf)
		if err != nil {
			return
		}
		if !yield(rec) {
			return
		}
		buf = buf[consumed:]
	}
}

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

// Package segment implements the append-only on-disk segment file: a
// fixed header followed by a stream of record frames, written under a
// fsync-gated committed-length discipline so that readers memory-
// mapping the file never observe a torn record, plus the
// crash-recovery scan that truncates a segment to its last verified
// frame on open.
package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cairn-labs/vecmemory/record"
)

// ErrWouldBlock is returned by Open when another process already
// holds the writer lock on this segment file.
var ErrWouldBlock = errors.New("segment: another writer holds this segment")

// ErrClosed is returned by operations attempted on a Store after
// Close has been called.
var ErrClosed = errors.New("segment: store is closed")

// Logf, when non-nil, receives warning-level diagnostics such as
// truncation during crash recovery. It follows the same nil-safe hook
// pattern used elsewhere in this module rather than a package-level
// logger singleton.
type Logf func(format string, args ...interface{})

// Store is a single append-only segment file with exactly one writer.
// Any number of readers may concurrently open read-only mmap views via
// ReopenReadonly.
type Store struct {
	path string
	f    *os.File
	hdr  *record.Header

	mu           sync.Mutex // serializes Append/Flush
	shadowLen    int64      // bytes written, not yet fsynced
	committedLen int64      // atomic: bytes visible to readers

	truncated bool // set if recovery truncated this segment on open
	closed    bool

	logf Logf
}

// Open opens or creates the segment file at path. If the file is new,
// hdr is written immediately and fsynced. If the file exists, its
// on-disk header is read back (hdr is ignored in that case) and a
// recovery scan runs from the header's end forward, truncating at the
// first parse/CRC/AEAD-unaware* failure.
//
// (*) AEAD verification itself is a layer above this package; this
// scan only validates record framing. The orchestrator additionally
// treats AEAD failures encountered while reading as corrupt records to
// skip, per the read-path degrade-gracefully policy.
func Open(path string, hdr *record.Header, logf Logf) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	if err := flockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, ErrWouldBlock) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("segment: flock %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{path: path, f: f, logf: logf}

	if info.Size() == 0 {
		if hdr == nil {
			f.Close()
			return nil, fmt.Errorf("segment: new segment %s requires a header", path)
		}
		buf := hdr.Encode()
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return nil, fmt.Errorf("segment: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("segment: fsync header: %w", err)
		}
		s.hdr = hdr
		s.shadowLen = int64(record.HeaderSize)
		s.committedLen = int64(record.HeaderSize)
		return s, nil
	}

	headerBuf := make([]byte, record.HeaderSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: read header: %w", err)
	}
	parsedHdr, err := record.DecodeHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.hdr = parsedHdr

	verifiedEnd, truncated, err := recoverTail(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	s.truncated = truncated
	if truncated {
		if err := f.Truncate(verifiedEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("segment: truncate after recovery: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("segment: fsync after truncate: %w", err)
		}
		if logf != nil {
			logf("segment %s: truncated to %d bytes after recovery scan (torn tail discarded)", path, verifiedEnd)
		}
	}
	s.shadowLen = verifiedEnd
	s.committedLen = verifiedEnd

	if _, err := f.Seek(verifiedEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Header returns the segment's parsed header.
func (s *Store) Header() *record.Header { return s.hdr }

// WasTruncated reports whether Open's recovery scan discarded a torn
// tail from this segment.
func (s *Store) WasTruncated() bool { return s.truncated }

// LenBytes returns the number of bytes readers currently see
// (the committed length), safe to call concurrently with Append.
func (s *Store) LenBytes() int64 {
	return atomic.LoadInt64(&s.committedLen)
}

// Append writes rec's serialized frame to the segment. The bytes are
// written immediately but are not visible to readers (committedLen is
// not advanced) until the caller calls Flush, or FsyncPolicy-driven
// auto-flush fires at a higher layer. Short writes and EINTR are
// retried transparently; ENOSPC/EIO are returned as fatal errors.
func (s *Store) Append(rec *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	buf, err := record.Serialize(rec)
	if err != nil {
		return err
	}

	if err := writeAllRetry(s.f, buf); err != nil {
		return fmt.Errorf("segment: append: %w", err)
	}
	s.shadowLen += int64(len(buf))
	return nil
}

// writeAllRetry writes all of buf, retrying on EINTR or short writes,
// per the spec's failure-semantics requirement for Append.
func writeAllRetry(f *os.File, buf []byte) error {
	for len(buf) > 0 {
		n, err := f.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// Flush fsyncs the segment file and then promotes committedLen to the
// current shadow (written) length, making all prior Append calls
// durable and visible to readers.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("segment: fsync: %w", err)
	}
	atomic.StoreInt64(&s.committedLen, s.shadowLen)
	return nil
}

// Close releases the writer's file lock and closes the underlying
// file descriptor. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	funlock(s.f)
	return s.f.Close()
}

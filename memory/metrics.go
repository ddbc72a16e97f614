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

package memory

import (
	"sync"
	"sync/atomic"
)

// Logf is the nil-safe diagnostic hook used throughout this module,
// matching the pattern the rest of this codebase uses for optional
// logging without a global logger singleton.
type Logf func(format string, args ...interface{})

// corruptionKind tags the distinct classes of observable corruption
// metrics tracks "once per segment per type" logging for.
type corruptionKind int

const (
	corruptCRC corruptionKind = iota
	corruptAuth
	corruptOversize
	corruptInvalidVector
	numCorruptionKinds
)

// Metrics accumulates counters for one open segment's lifetime:
// dropped/skipped records by reason, retries, and drops on the write
// path. Counters are atomic so the flusher goroutine and any reader
// goroutines can update them concurrently without a lock.
type Metrics struct {
	logf Logf

	crcErrors       uint64
	authErrors      uint64
	oversizeErrors  uint64
	invalidVectors  uint64
	batchesRetried  uint64
	batchesDropped  uint64

	loggedOnce [numCorruptionKinds]sync.Once
}

// NewMetrics constructs a Metrics with logf (may be nil) as its
// diagnostic sink.
func NewMetrics(logf Logf) *Metrics {
	return &Metrics{logf: logf}
}

func (m *Metrics) logOnce(kind corruptionKind, msg string) {
	m.loggedOnce[kind].Do(func() {
		if m.logf != nil {
			m.logf("memory: %s (further occurrences of this kind are counted but not logged)", msg)
		}
	})
}

// RecordCorrupt increments the CRC/parse-failure counter.
func (m *Metrics) RecordCorrupt() {
	atomic.AddUint64(&m.crcErrors, 1)
	m.logOnce(corruptCRC, "corrupt record encountered (CRC or frame parse failure)")
}

// RecordAuthFailure increments the AEAD authentication-failure
// counter.
func (m *Metrics) RecordAuthFailure() {
	atomic.AddUint64(&m.authErrors, 1)
	m.logOnce(corruptAuth, "record failed AEAD authentication")
}

// RecordOversize increments the oversize-record counter.
func (m *Metrics) RecordOversize() {
	atomic.AddUint64(&m.oversizeErrors, 1)
	m.logOnce(corruptOversize, "oversize record skipped")
}

// RecordInvalidVector increments the non-finite-vector counter.
func (m *Metrics) RecordInvalidVector() {
	atomic.AddUint64(&m.invalidVectors, 1)
	m.logOnce(corruptInvalidVector, "non-finite vector dropped")
}

// RecordBatchRetry increments the write-path batch retry counter.
func (m *Metrics) RecordBatchRetry() { atomic.AddUint64(&m.batchesRetried, 1) }

// RecordBatchDrop increments the write-path batch drop counter.
func (m *Metrics) RecordBatchDrop() { atomic.AddUint64(&m.batchesDropped, 1) }

// Snapshot is a point-in-time copy of every counter, for operators
// and tests.
type Snapshot struct {
	CRCErrors      uint64
	AuthErrors     uint64
	OversizeErrors uint64
	InvalidVectors uint64
	BatchesRetried uint64
	BatchesDropped uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CRCErrors:      atomic.LoadUint64(&m.crcErrors),
		AuthErrors:     atomic.LoadUint64(&m.authErrors),
		OversizeErrors: atomic.LoadUint64(&m.oversizeErrors),
		InvalidVectors: atomic.LoadUint64(&m.invalidVectors),
		BatchesRetried: atomic.LoadUint64(&m.batchesRetried),
		BatchesDropped: atomic.LoadUint64(&m.batchesDropped),
	}
}

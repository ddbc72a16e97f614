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

import "errors"

// Error kind sentinels. These are a taxonomy, not a type hierarchy:
// every error this package returns wraps exactly one of these via
// fmt.Errorf("%w: ...", kind, ...), so callers classify with
// errors.Is regardless of the wrapped detail.
var (
	// ErrInvalidInput covers bad configuration, wrong vector
	// dimension, and empty text; the caller can recover by fixing
	// its input and retrying.
	ErrInvalidInput = errors.New("memory: invalid input")

	// ErrInvalidVector covers non-finite embedding components; the
	// offending turn is dropped and a metric incremented.
	ErrInvalidVector = errors.New("memory: non-finite vector")

	// ErrCorrupt covers CRC/AEAD/parse failure encountered while
	// reading; the record is skipped, or the segment tail is
	// truncated if the corruption is found at open time.
	ErrCorrupt = errors.New("memory: corrupt record")

	// ErrOversize covers a record whose enc_len or payload_len
	// exceeds the configured cap; the record is skipped.
	ErrOversize = errors.New("memory: oversize record")

	// ErrIO covers disk I/O failures. Transient failures are
	// retried by the flusher with bounded backoff; permanent
	// failures are surfaced to the caller.
	ErrIO = errors.New("memory: i/o failure")

	// ErrCrypto covers KDF and nonce-source failures; fatal for the
	// affected operation.
	ErrCrypto = errors.New("memory: cryptographic failure")

	// ErrAuthFailure covers one or more records failing AEAD
	// authentication, as surfaced by Validate; distinct from
	// ErrCrypto, which is about deriving or using keys rather than
	// about a specific record's MAC not checking out.
	ErrAuthFailure = errors.New("memory: record authentication failure")

	// ErrCancelled covers cooperative query cancellation; no
	// partial result is returned alongside it.
	ErrCancelled = errors.New("memory: operation cancelled")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("memory: store closed")

	// ErrCodebookMismatch is returned when a segment's on-disk
	// codebook_hash does not match the codebook file loaded
	// alongside it.
	ErrCodebookMismatch = errors.New("memory: codebook hash mismatch")
)

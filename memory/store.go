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
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cairn-labs/vecmemory/aead"
	"github.com/cairn-labs/vecmemory/entropy"
	"github.com/cairn-labs/vecmemory/pq"
	"github.com/cairn-labs/vecmemory/record"
	"github.com/cairn-labs/vecmemory/search"
	"github.com/cairn-labs/vecmemory/segment"
	"github.com/cairn-labs/vecmemory/stage"
)

// defaultEntropyAlgorithm is the entropy codec newly created segments
// pack PQ codes with. It is not part of Config: each algorithm's model
// (where one exists) is self-contained per call, and the chosen
// algorithm itself is pinned in the segment header, not re-specified
// by the caller on every open.
const defaultEntropyAlgorithm = entropy.Ans12

// MemoryStore is the orchestrator wiring the staging cache, embedder,
// PQ codec, entropy codec, AEAD cipher, and segment store together: it
// is the single object the host opens, pushes turns into, queries, and
// closes.
type MemoryStore struct {
	cfg         Config
	path        string
	entropyAlgo entropy.Algorithm

	rootKey aead.Key
	subKey  aead.Key
	cipher  aead.Cipher

	codebook *pq.Codebook
	coarse   *search.CoarseCodebook // nil unless IVF is enabled

	seg    *segment.Store
	nextID uint64 // atomic

	embedder stage.Embedder
	cache    *stage.Cache
	flusher  *stage.Flusher

	metrics *Metrics
	logf    Logf

	closed int32 // atomic
}

// Open opens or creates the segment at path per cfg. codebook must be
// a trained, non-nil codebook matching cfg's shape when path does not
// yet exist (there is no trained model to load from disk); it may be
// nil when reopening an existing segment, in which case the codebook
// persisted alongside it is loaded and checked against the segment
// header's codebook_hash. coarse is required under the same rule iff
// cfg.IVFCoarseK > 0. embedder supplies vectors for both the write
// path (via the staging cache's flusher) and text queries.
func Open(path string, cfg Config, codebook *pq.Codebook, coarse *search.CoarseCodebook, embedder stage.Embedder, logf Logf) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fresh, err := isFreshSegment(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	var hdr *record.Header
	var cb *pq.Codebook
	var coarseCB *search.CoarseCodebook

	if fresh {
		cb, coarseCB, hdr, err = bootstrapFresh(path, cfg, codebook, coarse)
		if err != nil {
			return nil, err
		}
	}

	segLogf := func(format string, args ...interface{}) {
		if logf != nil {
			logf(format, args...)
		}
	}
	seg, err := segment.Open(path, hdr, segment.Logf(segLogf))
	if err != nil {
		if errors.Is(err, segment.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	if !fresh {
		cb, coarseCB, err = loadExisting(path, cfg, seg.Header())
		if err != nil {
			seg.Close()
			return nil, err
		}
	}

	rootKey, err := loadOrCreateRootKey(cfg, path)
	if err != nil {
		seg.Close()
		return nil, err
	}
	purpose := fmt.Sprintf("segment-aead|%s|%x", filepath.Base(path), seg.Header().CodebookHash)
	subKey, err := aead.DeriveSubKey(&rootKey, purpose)
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	cipher, err := aead.New(aead.Algorithm(seg.Header().AEADID), &subKey)
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	lastID, err := scanLastID(seg)
	if err != nil {
		seg.Close()
		return nil, err
	}

	metrics := NewMetrics(logf)

	ms := &MemoryStore{
		cfg:         cfg,
		path:        path,
		entropyAlgo: entropy.Algorithm(seg.Header().EntropyAlgo),
		rootKey:     rootKey,
		subKey:      subKey,
		cipher:      cipher,
		codebook:    cb,
		coarse:      coarseCB,
		seg:         seg,
		nextID:      lastID,
		embedder:    embedder,
		metrics:     metrics,
		logf:        logf,
	}
	ms.flusher = stage.NewFlusher(embedder, ms, stage.Logf(segLogf))
	ms.cache = stage.NewCache(cfg.CacheCapacity, cfg.CacheTTL(), ms.flusher)
	return ms, nil
}

func isFreshSegment(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return info.Size() == 0, nil
}

func bootstrapFresh(path string, cfg Config, codebook *pq.Codebook, coarse *search.CoarseCodebook) (*pq.Codebook, *search.CoarseCodebook, *record.Header, error) {
	if codebook == nil {
		return nil, nil, nil, fmt.Errorf("%w: a trained codebook is required to create a new segment", ErrInvalidInput)
	}
	if codebook.Dim != cfg.Dim || codebook.M != cfg.SubQM || codebook.Bits != cfg.SubQBits {
		return nil, nil, nil, fmt.Errorf("%w: codebook shape (dim=%d m=%d bits=%d) does not match config (dim=%d subq_m=%d subq_bits=%d)",
			ErrInvalidInput, codebook.Dim, codebook.M, codebook.Bits, cfg.Dim, cfg.SubQM, cfg.SubQBits)
	}
	if cfg.IVFCoarseK > 0 && coarse == nil {
		return nil, nil, nil, fmt.Errorf("%w: ivf_coarse_k > 0 requires a trained coarse codebook", ErrInvalidInput)
	}

	alg, err := cfg.AEADAlgorithm()
	if err != nil {
		return nil, nil, nil, err
	}
	ivfK := 0
	if cfg.IVFCoarseK > 0 {
		ivfK = cfg.IVFCoarseK
	}
	hdr := &record.Header{
		Dim:          uint32(cfg.Dim),
		SubQM:        uint16(cfg.SubQM),
		SubQBits:     uint8(cfg.SubQBits),
		AEADID:       byte(alg),
		CodebookHash: codebook.Hash(),
		CreatedAtS:   uint64(time.Now().Unix()),
		EntropyAlgo:  byte(defaultEntropyAlgorithm),
		IVFCoarseK:   byte(ivfK),
	}

	if err := saveCodebookFile(codebookSidecarPath(path), codebook); err != nil {
		return nil, nil, nil, err
	}
	if coarse != nil {
		if err := os.WriteFile(ivfSidecarPath(path), coarse.Marshal(), 0o600); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: write ivf codebook file: %v", ErrIO, err)
		}
	}
	return codebook, coarse, hdr, nil
}

func loadExisting(path string, cfg Config, hdr *record.Header) (*pq.Codebook, *search.CoarseCodebook, error) {
	if int(hdr.Dim) != cfg.Dim || int(hdr.SubQM) != cfg.SubQM || int(hdr.SubQBits) != cfg.SubQBits {
		return nil, nil, fmt.Errorf("%w: config (dim=%d subq_m=%d subq_bits=%d) does not match segment header (dim=%d subq_m=%d subq_bits=%d)",
			ErrInvalidInput, cfg.Dim, cfg.SubQM, cfg.SubQBits, hdr.Dim, hdr.SubQM, hdr.SubQBits)
	}
	cb, err := loadCodebookFile(codebookSidecarPath(path))
	if err != nil {
		return nil, nil, err
	}
	if cb.Hash() != hdr.CodebookHash {
		return nil, nil, ErrCodebookMismatch
	}

	var coarse *search.CoarseCodebook
	if hdr.IVFCoarseK > 0 {
		data, err := os.ReadFile(ivfSidecarPath(path))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read ivf codebook file: %v", ErrIO, err)
		}
		coarse, err = search.UnmarshalCoarseCodebook(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parse ivf codebook file: %v", ErrCorrupt, err)
		}
	}
	return cb, coarse, nil
}

// scanLastID walks the segment once at open to recover the highest
// assigned record id, so newly appended records continue the
// strictly-monotonic sequence rather than restarting at 1.
func scanLastID(seg *segment.Store) (uint64, error) {
	r, err := seg.ReopenReadonly()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer r.Close()
	var last uint64
	r.Records(func(rec *record.Record) bool {
		if rec.ID > last {
			last = rec.ID
		}
		return true
	})
	return last, nil
}

func rootKeySidecarPath(segmentPath string) string { return segmentPath + ".key" }

// loadOrCreateRootKey resolves the store's root AEAD key. Passphrase
// mode derives it fresh from Argon2id every open (nothing to persist:
// the passphrase plus salt reproduce it deterministically). Random
// mode has no such reproducible source, so the generated key is
// persisted to a sidecar file (0600) the first time and read back on
// every subsequent open -- this module has no OS keychain integration
// to delegate that to (see DESIGN.md).
func loadOrCreateRootKey(cfg Config, path string) (aead.Key, error) {
	if cfg.KeySource == KeySourcePassphrase {
		envName := cfg.PassphraseEnv
		if envName == "" {
			envName = "VECMEMORY_PASSPHRASE"
		}
		passphrase := os.Getenv(envName)
		if passphrase == "" {
			return aead.Key{}, fmt.Errorf("%w: passphrase env %q is unset", ErrCrypto, envName)
		}
		salt, err := hex.DecodeString(cfg.ArgonSaltHex)
		if err != nil {
			return aead.Key{}, fmt.Errorf("%w: invalid argon_salt_hex: %v", ErrCrypto, err)
		}
		return aead.DeriveRootKey([]byte(passphrase), salt, aead.DefaultArgon2Params), nil
	}

	keyPath := rootKeySidecarPath(path)
	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != aead.KeyLength {
			return aead.Key{}, fmt.Errorf("%w: root key file %s has wrong length", ErrCrypto, keyPath)
		}
		var k aead.Key
		copy(k[:], data)
		return k, nil
	}
	if !os.IsNotExist(err) {
		return aead.Key{}, fmt.Errorf("%w: read root key file: %v", ErrIO, err)
	}

	var k aead.Key
	if _, err := rand.Read(k[:]); err != nil {
		return aead.Key{}, fmt.Errorf("%w: generate random root key: %v", ErrCrypto, err)
	}
	if err := os.WriteFile(keyPath, k[:], 0o600); err != nil {
		return aead.Key{}, fmt.Errorf("%w: persist root key file: %v", ErrIO, err)
	}
	return k, nil
}

// Push stages pair for embedding and append; it never performs I/O
// itself and returns only once the pair is either buffered or
// (harmlessly) suppressed as an exact duplicate.
func (ms *MemoryStore) Push(pair stage.TurnPair) error {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return ErrClosed
	}
	ms.cache.Push(pair)
	return nil
}

// Flush drains the staging cache, waits for the flusher to finish
// embedding and appending every resulting record, and fsyncs the
// segment so all prior Push calls are durable and visible to Query.
// Flush is idempotent: calling it with nothing staged is a cheap no-op
// beyond a redundant fsync.
func (ms *MemoryStore) Flush() error {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return ErrClosed
	}
	ms.cache.Flush()
	ms.flusher.Barrier()
	if err := ms.seg.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// QueryVector runs a top-k cosine search against an already-embedded
// query vector.
func (ms *MemoryStore) QueryVector(ctx context.Context, vector []float32, k int, filter search.Predicate) ([]search.Neighbour, error) {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return nil, ErrClosed
	}

	lut, err := ms.codebook.BuildLUT(vector, pq.DefaultPreprocess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	reader, err := ms.seg.ReopenReadonly()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer reader.Close()

	scanner := search.NewScanner(reader, ms.cipher, ms.entropyAlgo, ms.codebook.PackedLen())
	scanner.SetUnpack(ms.codebook.UnpackCodes)
	scanner.SetCorruptionHook(func(kind search.CorruptionKind) {
		if kind == search.CorruptAuth {
			ms.metrics.RecordAuthFailure()
		} else {
			ms.metrics.RecordCorrupt()
		}
	})

	var results []search.Neighbour
	if ms.coarse != nil {
		results, err = scanner.QueryIVF(ctx, ms.coarse, vector, pq.DefaultPreprocess, lut, ms.cfg.IVFNProbe, k, filter)
	} else {
		results, err = scanner.Query(ctx, lut, k, filter)
	}
	if err != nil {
		switch {
		case errors.Is(err, search.ErrCancelled):
			return nil, ErrCancelled
		case errors.Is(err, search.ErrKRange):
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		default:
			return nil, err
		}
	}
	return results, nil
}

// QueryText embeds text with the store's embedder and runs QueryVector
// against the result.
func (ms *MemoryStore) QueryText(ctx context.Context, text string, k int, filter search.Predicate) ([]search.Neighbour, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty query text", ErrInvalidInput)
	}
	vec, err := ms.embedder.Embed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query text: %v", ErrIO, err)
	}
	return ms.QueryVector(ctx, vec, k, filter)
}

// Close idempotently drains and stops the background flusher, fsyncs
// the segment, zeroes key material, and releases the writer lock.
func (ms *MemoryStore) Close() error {
	if !atomic.CompareAndSwapInt32(&ms.closed, 0, 1) {
		return nil
	}

	ms.cache.Flush()
	ms.flusher.Close()

	err := ms.seg.Flush()
	ms.rootKey.Zero()
	ms.subKey.Zero()
	if closeErr := ms.seg.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// SubmitBatch implements stage.Sink: it is called only by this
// store's own Flusher goroutine (never directly by a host), so it
// does not check the closed flag -- by the time Close stops accepting
// new Pushes, any already-queued batches are drained by Close itself
// before the segment is fsynced and released.
func (ms *MemoryStore) SubmitBatch(turns []stage.EmbeddedTurn) error {
	for _, et := range turns {
		if err := ms.appendTurn(et); err != nil {
			if errors.Is(err, ErrInvalidVector) {
				ms.metrics.RecordInvalidVector()
				if ms.logf != nil {
					ms.logf("memory: dropping turn with invalid vector: %v", err)
				}
				continue
			}
			return err
		}
	}
	if ms.cfg.FsyncPolicy == FsyncEveryBatch {
		if err := ms.seg.Flush(); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

func (ms *MemoryStore) appendTurn(et stage.EmbeddedTurn) error {
	if len(et.Vector) != ms.cfg.Dim {
		return fmt.Errorf("%w: embedding dim %d != configured dim %d", ErrInvalidVector, len(et.Vector), ms.cfg.Dim)
	}
	for _, x := range et.Vector {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: non-finite embedding component", ErrInvalidVector)
		}
	}

	codes, err := ms.codebook.Encode(et.Vector, pq.DefaultPreprocess)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVector, err)
	}
	packed, err := ms.codebook.PackCodes(codes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if ms.coarse != nil {
		coarseID, err := ms.coarse.Assign(et.Vector, pq.DefaultPreprocess)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidVector, err)
		}
		packed = append([]byte{coarseID}, packed...)
	}

	entropyBytes, err := entropy.Encode(ms.entropyAlgo, packed)
	if err != nil {
		return fmt.Errorf("%w: entropy encode: %v", ErrIO, err)
	}

	id := atomic.AddUint64(&ms.nextID, 1)
	ts := et.Turn.TimestampMs / 1000
	headerBytes := ms.seg.Header().Encode()
	aad := aead.BuildAAD(headerBytes, id, ts)
	nonce, ct, err := ms.cipher.Seal(entropyBytes, aad)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	payload, err := marshalPayload(TurnPayload{
		Role:        et.Turn.Role,
		Content:     et.Turn.Content,
		TimestampMs: et.Turn.TimestampMs,
	})
	if err != nil {
		return err
	}

	if len(ct) > record.MaxEncPayload || len(payload) > record.MaxEncPayload {
		ms.metrics.RecordOversize()
		if ms.logf != nil {
			ms.logf("memory: dropping oversize record id %d", id)
		}
		return nil
	}

	rec := &record.Record{ID: id, TimestampS: ts, Nonce: nonce, EncPayload: ct, Payload: payload}
	if err := ms.seg.Append(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if ms.cfg.FsyncPolicy == FsyncEveryRecord {
		if err := ms.seg.Flush(); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

// Metrics returns the store's live counters, for operators and tests.
func (ms *MemoryStore) Metrics() Snapshot {
	snap := ms.metrics.Snapshot()
	snap.BatchesRetried += ms.flusher.Retried()
	snap.BatchesDropped += ms.flusher.Dropped()
	return snap
}

// WasTruncated reports whether Open's crash-recovery scan discarded a
// torn tail from this segment.
func (ms *MemoryStore) WasTruncated() bool { return ms.seg.WasTruncated() }

// Validate authenticates every record in the segment against the
// store's cipher without decoding or scoring PQ codes. Authentication
// failures are counted (see Metrics) rather than treated as fatal;
// Validate itself returns an error only for I/O failure,
// cancellation, or a closed store (ErrClosed). This is the read-side integrity check the "validate"
// operator command runs.
func (ms *MemoryStore) Validate(ctx context.Context) error {
	if atomic.LoadInt32(&ms.closed) != 0 {
		return ErrClosed
	}
	reader, err := ms.seg.ReopenReadonly()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer reader.Close()

	headerBytes := ms.seg.Header().Encode()
	var cancelled bool
	reader.Records(func(rec *record.Record) bool {
		select {
		case <-ctx.Done():
			cancelled = true
			return false
		default:
		}
		aad := aead.BuildAAD(headerBytes, rec.ID, rec.TimestampS)
		if _, err := ms.cipher.Open(rec.Nonce, rec.EncPayload, aad); err != nil {
			ms.metrics.RecordAuthFailure()
		}
		return true
	})
	if cancelled {
		return ErrCancelled
	}
	return nil
}

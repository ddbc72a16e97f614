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
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/cairn-labs/vecmemory/pq"
	"github.com/cairn-labs/vecmemory/record"
	"github.com/cairn-labs/vecmemory/search"
	"github.com/cairn-labs/vecmemory/stage"
)

// hashEmbedder deterministically maps text to a fixed-dimension vector
// via a seeded PRNG keyed by the text's content, so the same string
// always embeds to the same vector within a test process and distinct
// strings land at distinct points.
type hashEmbedder struct{ dim int }

func (e hashEmbedder) Embed(text string) ([]float32, error) {
	var seed int64
	for i, r := range text {
		seed += int64(r) * int64(i+1)
	}
	rng := rand.New(rand.NewSource(seed + 1))
	v := make([]float32, e.dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v, nil
}

func trainTestCodebook(t *testing.T, dim, m, bits int, embedder hashEmbedder, corpus []string) *pq.Codebook {
	t.Helper()
	cb, err := pq.NewCodebook(dim, m, bits, pq.L2)
	if err != nil {
		t.Fatalf("NewCodebook: %v", err)
	}
	data := make([][]float32, len(corpus))
	for i, text := range corpus {
		v, err := embedder.Embed(text)
		if err != nil {
			t.Fatalf("embed corpus entry: %v", err)
		}
		data[i] = v
	}
	if err := cb.Train(data, pq.TrainOptions{Seed: 7, Preprocess: pq.DefaultPreprocess}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return cb
}

func testCorpus() []string {
	words := []string{"hello", "world", "foo", "bar", "baz", "quux", "ping", "pong", "one", "two",
		"three", "four", "five", "six", "seven", "eight", "nine", "ten", "alpha", "beta",
		"gamma", "delta", "epsilon", "zeta", "eta", "theta", "iota", "kappa", "lambda", "mu"}
	return words
}

func openTestStore(t *testing.T, dir string, cfg Config, cb *pq.Codebook, embedder stage.Embedder) *MemoryStore {
	t.Helper()
	ms, err := Open(filepath.Join(dir, "segment.vmseg"), cfg, cb, nil, embedder, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ms
}

// TestPushFlushQueryRoundTrip covers scenario S1: push one turn pair,
// flush, and expect the query to return the pushed turn with its
// payload intact.
func TestPushFlushQueryRoundTrip(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4
	cfg.CacheCapacity = 10
	cfg.CacheTTLMs = 60_000

	dir := t.TempDir()
	ms := openTestStore(t, dir, cfg, cb, embedder)
	defer ms.Close()

	pair := stage.TurnPair{
		Input:  stage.Turn{Role: "user", Content: "hello", TimestampMs: 1_000},
		Output: stage.Turn{Role: "assistant", Content: "world", TimestampMs: 2_000},
	}
	if err := ms.Push(pair); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Before Flush, nothing pushed is guaranteed visible.
	if err := ms.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	queryVec, err := embedder.Embed("hello")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	results, err := ms.QueryVector(context.Background(), queryVec, 1, nil)
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	payload, err := unmarshalPayload(results[0].Payload)
	if err != nil {
		t.Fatalf("unmarshalPayload: %v", err)
	}
	if payload.Content != "hello" || payload.Role != "user" {
		t.Fatalf("got payload %+v, want content=hello role=user", payload)
	}

	snap := ms.Metrics()
	if snap.InvalidVectors != 0 || snap.OversizeErrors != 0 {
		t.Fatalf("unexpected error counters: %+v", snap)
	}
}

// TestQueryTextEmbedsAndSearches covers the text-query entry point,
// which embeds via the store's configured embedder before delegating
// to QueryVector.
func TestQueryTextEmbedsAndSearches(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	ms := openTestStore(t, dir, cfg, cb, embedder)
	defer ms.Close()

	pair := stage.TurnPair{
		Input:  stage.Turn{Role: "user", Content: "alpha", TimestampMs: 1_000},
		Output: stage.Turn{Role: "assistant", Content: "beta", TimestampMs: 2_000},
	}
	if err := ms.Push(pair); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := ms.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	results, err := ms.QueryText(context.Background(), "alpha", 2, nil)
	if err != nil {
		t.Fatalf("QueryText: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
}

// TestReopenSurvivesProcessRestart covers reopening an existing
// segment without a caller-supplied codebook: the codebook and coarse
// sidecar files (if any) must be loaded from disk and checked against
// the header's hash.
func TestReopenSurvivesProcessRestart(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	path := filepath.Join(dir, "segment.vmseg")

	ms1, err := Open(path, cfg, cb, nil, embedder, nil)
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	pair := stage.TurnPair{
		Input:  stage.Turn{Role: "user", Content: "gamma", TimestampMs: 1_000},
		Output: stage.Turn{Role: "assistant", Content: "delta", TimestampMs: 2_000},
	}
	if err := ms1.Push(pair); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := ms1.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := ms1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ms2, err := Open(path, cfg, nil, nil, embedder, nil)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer ms2.Close()

	queryVec, err := embedder.Embed("gamma")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	results, err := ms2.QueryVector(context.Background(), queryVec, 1, nil)
	if err != nil {
		t.Fatalf("QueryVector after reopen: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results after reopen, want 1", len(results))
	}
}

// TestConfigMismatchOnReopen covers scenario S6: reopening a segment
// with a Config whose shape disagrees with the segment header must
// fail classified as ErrInvalidInput, never silently proceed.
func TestConfigMismatchOnReopen(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	path := filepath.Join(dir, "segment.vmseg")

	ms1, err := Open(path, cfg, cb, nil, embedder, nil)
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	if err := ms1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	badCfg := cfg
	badCfg.Dim = dim * 2
	badCfg.SubQM = 4
	_, err = Open(path, badCfg, nil, nil, embedder, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got err=%v, want ErrInvalidInput for a dim mismatch on reopen", err)
	}
}

// TestFreshSegmentRequiresCodebook covers the case where the caller
// tries to create a new segment without supplying a trained codebook.
func TestFreshSegmentRequiresCodebook(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	path := filepath.Join(dir, "segment.vmseg")

	_, err := Open(path, cfg, nil, nil, embedder, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got err=%v, want ErrInvalidInput when no codebook is supplied for a new segment", err)
	}
}

// TestQueryAfterCloseIsRejected ensures Close makes the store
// unusable for further host-facing calls.
func TestQueryAfterCloseIsRejected(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	ms := openTestStore(t, dir, cfg, cb, embedder)
	if err := ms.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ms.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}

	if err := ms.Push(stage.TurnPair{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after Close: got %v, want ErrClosed", err)
	}
	if _, err := ms.QueryVector(context.Background(), make([]float32, dim), 1, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("QueryVector after Close: got %v, want ErrClosed", err)
	}
}

// TestInvalidVectorDroppedNotFatal covers a turn whose embedding has
// the wrong dimension: it must be dropped and counted, not fail the
// whole batch or the store.
func TestInvalidVectorDroppedNotFatal(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	ms := openTestStore(t, dir, cfg, cb, embedder)
	defer ms.Close()

	wrongDim := []float32{1, 2, 3} // dim 3, configured dim is 4
	err := ms.SubmitBatch([]stage.EmbeddedTurn{
		{Turn: stage.Turn{Role: "user", Content: "short", TimestampMs: 1}, Vector: wrongDim},
	})
	if err != nil {
		t.Fatalf("SubmitBatch must absorb an invalid vector rather than fail: %v", err)
	}
	if got := ms.Metrics().InvalidVectors; got != 1 {
		t.Fatalf("InvalidVectors = %d, want 1", got)
	}
}

// TestQueryReportsTamperedRecordAsAuthFailure covers scenario S4: with
// one record's ciphertext flipped on disk, QueryVector must still
// return neighbours drawn from the remaining records and must count
// the tampered record as exactly one authentication failure.
func TestQueryReportsTamperedRecordAsAuthFailure(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	path := filepath.Join(dir, "segment.vmseg")
	ms, err := Open(path, cfg, cb, nil, embedder, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	corpus := testCorpus()
	for i := 0; i < 10; i++ {
		w := corpus[i]
		if err := ms.Push(stage.TurnPair{
			Input:  stage.Turn{Role: "user", Content: w, TimestampMs: uint64(i)},
			Output: stage.Turn{Role: "assistant", Content: w + "-reply", TimestampMs: uint64(i) + 1},
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := ms.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := ms.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a byte inside the first record's enc_payload region, found
	// by parsing the frame rather than assuming a fixed offset: the
	// frame CRC deliberately excludes enc_payload (see record.go), so
	// this tamper must surface as an AEAD open failure, not a corrupt
	// frame caught earlier.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	const fixedPrefix = 8 + 8 + 12 + 4 // id | timestamp_s | nonce | enc_len
	body := raw[record.HeaderSize:]
	if len(body) < fixedPrefix+4 {
		t.Fatalf("segment body too short to locate a record's enc_payload")
	}
	encLen := int(binary.LittleEndian.Uint32(body[fixedPrefix-4:]))
	encPayloadOff := record.HeaderSize + fixedPrefix
	if encLen == 0 {
		t.Fatal("first record has an empty enc_payload; cannot tamper it")
	}
	raw[encPayloadOff+encLen/2] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write tampered segment: %v", err)
	}

	ms2, err := Open(path, cfg, nil, nil, embedder, nil)
	if err != nil {
		t.Fatalf("Open (reopen tampered): %v", err)
	}
	defer ms2.Close()

	vec, err := embedder.Embed(corpus[0])
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	results, err := ms2.QueryVector(context.Background(), vec, 20, nil)
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected neighbours from the untampered records")
	}

	if got := ms2.Metrics().AuthErrors; got != 1 {
		t.Fatalf("AuthErrors = %d, want exactly 1", got)
	}
}

// TestQueryKRangeValidation ensures k outside (0, 1024] is classified
// as invalid input rather than passed through to the search package's
// own error type.
func TestQueryKRangeValidation(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	ms := openTestStore(t, dir, cfg, cb, embedder)
	defer ms.Close()

	vec := make([]float32, dim)
	_, err := ms.QueryVector(context.Background(), vec, 0, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("k=0: got %v, want ErrInvalidInput", err)
	}
	_, err = ms.QueryVector(context.Background(), vec, 2000, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("k=2000: got %v, want ErrInvalidInput", err)
	}
}

// TestFilterExcludesRecords checks that a non-nil Predicate narrows
// the result set by payload content.
func TestFilterExcludesRecords(t *testing.T) {
	dim := 4
	embedder := hashEmbedder{dim: dim}
	cb := trainTestCodebook(t, dim, 2, 4, embedder, testCorpus())

	cfg := DefaultConfig
	cfg.Dim = dim
	cfg.SubQM = 2
	cfg.SubQBits = 4

	dir := t.TempDir()
	ms := openTestStore(t, dir, cfg, cb, embedder)
	defer ms.Close()

	for _, w := range []string{"one", "two", "three"} {
		if err := ms.Push(stage.TurnPair{
			Input:  stage.Turn{Role: "user", Content: w, TimestampMs: 1},
			Output: stage.Turn{Role: "assistant", Content: w + "-reply", TimestampMs: 2},
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := ms.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	vec, _ := embedder.Embed("two")
	excludeAll := func(payload []byte) bool { return false }
	results, err := ms.QueryVector(context.Background(), vec, 10, search.Predicate(excludeAll))
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results with an always-false filter, want 0", len(results))
	}
}

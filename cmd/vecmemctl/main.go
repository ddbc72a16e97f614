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

// Command vecmemctl is the operator tool for a vecmemory segment: it
// trains a codebook and creates a fresh segment, inspects a segment's
// raw frames without taking its write lock, validates every record's
// AEAD authentication, and runs an ad hoc vector query against a
// segment from the command line.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cairn-labs/vecmemory/memory"
	"github.com/cairn-labs/vecmemory/pq"
	"github.com/cairn-labs/vecmemory/record"
	"github.com/cairn-labs/vecmemory/search"
)

var (
	dashv      bool
	dashh      bool
	configPath string
	trainPath  string
	kFlag      int
	vectorFlag string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.BoolVar(&dashh, "h", false, "show usage help")
	flag.StringVar(&configPath, "config", "", "path to a store configuration YAML file")
	flag.StringVar(&trainPath, "train", "", "path to a JSON-lines file of training vectors (one {\"vector\":[...]} per line)")
	flag.IntVar(&kFlag, "k", 10, "number of nearest neighbours to return")
	flag.StringVar(&vectorFlag, "vector", "", "comma-separated query vector components")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(classifyExit(lastErr))
}

func logf(f string, args ...interface{}) {
	if dashv {
		fmt.Fprintf(os.Stderr, f+"\n", args...)
	}
}

// lastErr is set by subcommands right before they call exitf, so
// exitf's os.Exit code can be derived from it via classifyExit.
var lastErr error

// classifyExit maps this module's error taxonomy to the operator exit
// codes: 0 success, 2 bad configuration or input (including a
// codebook file that does not match its segment, the same class of
// mistake as a dimension mismatch), 3 unrecoverable I/O or corruption,
// 4 key derivation failure, 5 mac verification failure at open, 1 any
// other failure.
func classifyExit(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, memory.ErrInvalidInput), errors.Is(err, memory.ErrCodebookMismatch):
		return 2
	case errors.Is(err, memory.ErrIO), errors.Is(err, memory.ErrCorrupt):
		return 3
	case errors.Is(err, memory.ErrAuthFailure):
		return 5
	case errors.Is(err, memory.ErrCrypto):
		return 4
	default:
		return 1
	}
}

func fail(err error) {
	lastErr = err
	exitf("vecmemctl: %v\n", err)
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 || dashh {
		fmt.Fprintf(os.Stderr, "usage:\n")
		fmt.Fprintf(os.Stderr, "    %s -config <cfg.yaml> -train <vectors.jsonl> create <segment>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        train a codebook and create a fresh segment (name auto-generated if omitted)\n")
		fmt.Fprintf(os.Stderr, "    %s inspect <segment>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        scan a segment's raw frames without taking its write lock\n")
		fmt.Fprintf(os.Stderr, "    %s -config <cfg.yaml> validate <segment>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        authenticate every record and print metrics\n")
		fmt.Fprintf(os.Stderr, "    %s -config <cfg.yaml> -vector <f,f,...> -k <n> query <segment>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "        run a nearest-neighbour query against a segment\n")
		fmt.Fprintf(os.Stderr, "flag usage:\n")
		flag.Usage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		segPath := ""
		if len(args) >= 2 {
			segPath = args[1]
		}
		create(segPath)
	case "inspect":
		if len(args) != 2 {
			fail(fmt.Errorf("%w: usage: inspect <segment>", memory.ErrInvalidInput))
		}
		inspect(args[1])
	case "validate":
		if len(args) != 2 {
			fail(fmt.Errorf("%w: usage: validate <segment>", memory.ErrInvalidInput))
		}
		validate(args[1])
	case "query":
		if len(args) != 2 {
			fail(fmt.Errorf("%w: usage: query <segment>", memory.ErrInvalidInput))
		}
		query(args[1])
	default:
		fail(fmt.Errorf("%w: commands: create, inspect, validate, query", memory.ErrInvalidInput))
	}
}

func loadConfig() memory.Config {
	if configPath == "" {
		return memory.DefaultConfig
	}
	cfg, err := memory.LoadConfig(configPath)
	if err != nil {
		fail(err)
	}
	return cfg
}

// readVectors parses a JSON-lines training file: one {"vector": [...]}
// object per line, blank lines skipped.
func readVectors(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open training file: %v", memory.ErrInvalidInput, err)
	}
	defer f.Close()

	var out [][]float32
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec struct {
			Vector []float32 `json:"vector"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("%w: parse training line: %v", memory.ErrInvalidInput, err)
		}
		out = append(out, rec.Vector)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read training file: %v", memory.ErrIO, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: training file has no vectors", memory.ErrInvalidInput)
	}
	return out, nil
}

// create trains a codebook (and, if ivf_coarse_k > 0, a coarse
// codebook) from the -train file and opens a fresh segment at
// segPath. When segPath is empty a name is generated, the same role
// google/uuid plays for generated object names elsewhere in this
// codebase.
func create(segPath string) {
	cfg := loadConfig()
	if trainPath == "" {
		fail(fmt.Errorf("%w: create requires -train", memory.ErrInvalidInput))
	}
	data, err := readVectors(trainPath)
	if err != nil {
		fail(err)
	}
	for _, v := range data {
		if len(v) != cfg.Dim {
			fail(fmt.Errorf("%w: training vector has dim %d, config wants %d", memory.ErrInvalidInput, len(v), cfg.Dim))
		}
	}

	cb, err := pq.NewCodebook(cfg.Dim, cfg.SubQM, cfg.SubQBits, pq.L2)
	if err != nil {
		fail(err)
	}
	if err := cb.Train(data, pq.TrainOptions{Seed: 1, Preprocess: pq.DefaultPreprocess}); err != nil {
		fail(err)
	}

	var coarse *search.CoarseCodebook
	if cfg.IVFCoarseK > 0 {
		bits := 8
		if cfg.IVFCoarseK <= 16 {
			bits = 4
		}
		coarse, err = search.NewCoarseCodebook(cfg.Dim, bits, pq.L2)
		if err != nil {
			fail(err)
		}
		if err := coarse.Train(data, pq.TrainOptions{Seed: 1, Preprocess: pq.DefaultPreprocess}); err != nil {
			fail(err)
		}
	}

	if segPath == "" {
		segPath = "segment-" + uuid.NewString() + ".vmseg"
	}

	ms, err := memory.Open(segPath, cfg, cb, coarse, unavailableEmbedder{}, logf)
	if err != nil {
		fail(err)
	}
	defer ms.Close()
	fmt.Fprintf(os.Stdout, "created %s\n", segPath)
}

// unavailableEmbedder satisfies stage.Embedder for subcommands that
// never actually push text through the pipeline: this CLI has no
// model-inference backend wired in, so Embed is only ever reachable
// from QueryText, which query deliberately does not call.
type unavailableEmbedder struct{}

func (unavailableEmbedder) Embed(text string) ([]float32, error) {
	return nil, fmt.Errorf("%w: vecmemctl has no embedding backend; pass -vector instead", memory.ErrInvalidInput)
}

// inspect scans a segment's header and record frames directly,
// independent of segment.Store's exclusive flock, so it can run
// alongside a live writer.
func inspect(segPath string) {
	buf, err := os.ReadFile(segPath)
	if err != nil {
		fail(fmt.Errorf("%w: %v", memory.ErrIO, err))
	}
	if len(buf) < record.HeaderSize {
		fail(fmt.Errorf("%w: file shorter than a segment header", memory.ErrCorrupt))
	}
	hdr, err := record.DecodeHeader(buf[:record.HeaderSize])
	if err != nil {
		fail(fmt.Errorf("%w: %v", memory.ErrCorrupt, err))
	}
	fmt.Fprintf(os.Stdout, "dim=%d subq_m=%d subq_bits=%d aead_id=%d entropy_algo=%d ivf_coarse_k=%d created_at=%d\n",
		hdr.Dim, hdr.SubQM, hdr.SubQBits, hdr.AEADID, hdr.EntropyAlgo, hdr.IVFCoarseK, hdr.CreatedAtS)
	fmt.Fprintf(os.Stdout, "codebook_hash=%x\n", hdr.CodebookHash)

	off := record.HeaderSize
	count := 0
	for off < len(buf) {
		rec, n, err := record.TryParse(buf[off:])
		if err != nil {
			fmt.Fprintf(os.Stdout, "stopped at offset %d: %v (%d records read)\n", off, err, count)
			return
		}
		if n == 0 {
			break
		}
		fmt.Fprintf(os.Stdout, "record id=%d ts=%d enc_len=%d payload_len=%d\n",
			rec.ID, rec.TimestampS, len(rec.EncPayload), len(rec.Payload))
		off += n
		count++
	}
	fmt.Fprintf(os.Stdout, "%d records, %d trailing bytes\n", count, len(buf)-off)
}

func validate(segPath string) {
	cfg := loadConfig()
	ms, err := memory.Open(segPath, cfg, nil, nil, unavailableEmbedder{}, logf)
	if err != nil {
		fail(err)
	}
	defer ms.Close()

	if err := ms.Validate(context.Background()); err != nil {
		fail(err)
	}
	snap := ms.Metrics()
	fmt.Fprintf(os.Stdout, "crc_errors=%d auth_errors=%d oversize_errors=%d invalid_vectors=%d truncated=%v\n",
		snap.CRCErrors, snap.AuthErrors, snap.OversizeErrors, snap.InvalidVectors, ms.WasTruncated())
	if snap.AuthErrors > 0 {
		fail(fmt.Errorf("%w: %d records failed authentication", memory.ErrAuthFailure, snap.AuthErrors))
	}
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad vector component %q: %v", memory.ErrInvalidInput, p, err)
		}
		out = append(out, float32(f))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: -vector must not be empty", memory.ErrInvalidInput)
	}
	return out, nil
}

func query(segPath string) {
	cfg := loadConfig()
	if vectorFlag == "" {
		fail(fmt.Errorf("%w: query requires -vector", memory.ErrInvalidInput))
	}
	v, err := parseVector(vectorFlag)
	if err != nil {
		fail(err)
	}

	ms, err := memory.Open(segPath, cfg, nil, nil, unavailableEmbedder{}, logf)
	if err != nil {
		fail(err)
	}
	defer ms.Close()

	results, err := ms.QueryVector(context.Background(), v, kFlag, nil)
	if err != nil {
		fail(err)
	}
	for _, n := range results {
		fmt.Fprintf(os.Stdout, "id=%d score=%g payload=%s\n", n.ID, n.Score, n.Payload)
	}
}

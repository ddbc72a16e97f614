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

// Package memory wires together the staging cache, embedder, product
// quantizer, entropy codec, AEAD cipher, and segment store into the
// orchestrator the host actually talks to: MemoryStore. It exposes the
// write path (Push/Flush) and the read path (QueryVector/QueryText), and owns the
// per-store configuration, error taxonomy, and metrics surfaced to
// operators.
package memory

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/cairn-labs/vecmemory/aead"
)

// KeySource selects how the root AEAD key is obtained.
type KeySource string

const (
	KeySourceRandom     KeySource = "random"
	KeySourcePassphrase KeySource = "passphrase"
)

// FsyncPolicy selects when Append-ed records become durable.
type FsyncPolicy string

const (
	FsyncEveryBatch  FsyncPolicy = "every_batch"
	FsyncEveryRecord FsyncPolicy = "every_record"
)

// Config collects every option named in the external interface table:
// vector shape, AEAD selection, staging cache tuning, segment rollover,
// IVF parameters, and key derivation source.
type Config struct {
	Dim       int `json:"dim"`
	SubQM     int `json:"subq_m"`
	SubQBits  int `json:"subq_bits"`
	AEAD      string `json:"aead"`

	CacheCapacity int           `json:"cache_capacity"`
	CacheTTLMs    int           `json:"cache_ttl_ms"`

	SegmentSizeCap int64 `json:"segment_size_cap"`

	IVFCoarseK int `json:"ivf_coarse_k"`
	IVFNProbe  int `json:"ivf_nprobe"`

	KeySource     KeySource `json:"key_source"`
	ArgonSaltHex  string    `json:"argon_salt_hex,omitempty"`
	PassphraseEnv string    `json:"passphrase_env,omitempty"`

	FsyncPolicy FsyncPolicy `json:"fsync_policy"`
}

// DefaultConfig holds this module's defaults for every optional field.
var DefaultConfig = Config{
	Dim:            384,
	SubQM:          48,
	SubQBits:       8,
	AEAD:           "chacha20poly1305",
	CacheCapacity:  32,
	CacheTTLMs:     1000,
	SegmentSizeCap: 2 << 30, // 2 GiB
	IVFCoarseK:     0,       // disabled by default
	IVFNProbe:      0,
	KeySource:      KeySourceRandom,
	FsyncPolicy:    FsyncEveryBatch,
}

// CacheTTL returns CacheTTLMs as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// AEADAlgorithm resolves the configured AEAD name to its numeric tag.
func (c Config) AEADAlgorithm() (aead.Algorithm, error) {
	switch c.AEAD {
	case "chacha20poly1305", "":
		return aead.ChaCha20Poly1305, nil
	case "aes256gcm":
		return aead.AES256GCM, nil
	default:
		return 0, fmt.Errorf("%w: unknown aead algorithm %q", ErrInvalidInput, c.AEAD)
	}
}

// Validate checks the configuration for internal consistency,
// returning ErrInvalidInput (wrapped with a reason) on any problem.
// This is the "bad configuration" case in the exit-code table.
func (c Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dim must be positive", ErrInvalidInput)
	}
	if c.SubQM <= 0 || c.Dim%c.SubQM != 0 {
		return fmt.Errorf("%w: dim=%d not divisible by subq_m=%d", ErrInvalidInput, c.Dim, c.SubQM)
	}
	if c.SubQBits != 4 && c.SubQBits != 8 {
		return fmt.Errorf("%w: subq_bits must be 4 or 8, got %d", ErrInvalidInput, c.SubQBits)
	}
	if _, err := c.AEADAlgorithm(); err != nil {
		return err
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("%w: cache_capacity must be positive", ErrInvalidInput)
	}
	if c.CacheTTLMs <= 0 {
		return fmt.Errorf("%w: cache_ttl_ms must be positive", ErrInvalidInput)
	}
	if c.SegmentSizeCap <= 0 {
		return fmt.Errorf("%w: segment_size_cap must be positive", ErrInvalidInput)
	}
	if c.IVFCoarseK < 0 {
		return fmt.Errorf("%w: ivf_coarse_k must be >= 0", ErrInvalidInput)
	}
	if c.IVFCoarseK > 0 && c.IVFNProbe <= 0 {
		return fmt.Errorf("%w: ivf_nprobe must be positive when ivf_coarse_k > 0", ErrInvalidInput)
	}
	switch c.KeySource {
	case KeySourceRandom, KeySourcePassphrase:
	default:
		return fmt.Errorf("%w: unknown key_source %q", ErrInvalidInput, c.KeySource)
	}
	if c.KeySource == KeySourcePassphrase && c.ArgonSaltHex == "" {
		return fmt.Errorf("%w: passphrase key source requires argon_salt_hex", ErrInvalidInput)
	}
	switch c.FsyncPolicy {
	case FsyncEveryBatch, FsyncEveryRecord:
	default:
		return fmt.Errorf("%w: unknown fsync_policy %q", ErrInvalidInput, c.FsyncPolicy)
	}
	return nil
}

// LoadConfig reads a YAML configuration file (matching this module's
// ambient config tooling) layered over DefaultConfig: any field absent
// from the file keeps its default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config: %v", ErrInvalidInput, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse config: %v", ErrInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

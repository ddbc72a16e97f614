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

package bitpack

import (
	"math/rand"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for bits := uint(1); bits <= 8; bits++ {
		for trial := 0; trial < 20; trial++ {
			n := rng.Intn(200)
			values := make([]uint32, n)
			max := uint32(1)<<bits - 1
			for i := range values {
				values[i] = uint32(rng.Intn(int(max) + 1))
			}
			packed, err := Pack(values, bits, nil)
			if err != nil {
				t.Fatalf("bits=%d: pack: %v", bits, err)
			}
			got, err := Unpack(packed, n, bits)
			if err != nil {
				t.Fatalf("bits=%d: unpack: %v", bits, err)
			}
			if len(got) != len(values) {
				t.Fatalf("bits=%d: length mismatch", bits)
			}
			for i := range values {
				if got[i] != values[i] {
					t.Fatalf("bits=%d trial=%d idx=%d: want %d got %d", bits, trial, i, values[i], got[i])
				}
			}
		}
	}
}

func TestBitWidthUnsupported(t *testing.T) {
	if _, err := Pack(nil, 0, nil); err == nil {
		t.Fatal("expected error for bits=0")
	}
	if _, err := Pack(nil, 9, nil); err == nil {
		t.Fatal("expected error for bits=9")
	}
}

func TestTruncated(t *testing.T) {
	packed, _ := Pack([]uint32{1, 2, 3}, 4, nil)
	if _, err := Unpack(packed[:len(packed)-1], 3, 4); err == nil {
		t.Fatal("expected truncated error")
	}
}

func TestSIMDParity(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for bits := uint(1); bits <= 8; bits++ {
		for trial := 0; trial < 20; trial++ {
			n := rng.Intn(300)
			values := make([]uint32, n)
			max := uint32(1)<<bits - 1
			for i := range values {
				values[i] = uint32(rng.Intn(int(max) + 1))
			}
			scalar, err := Pack(values, bits, nil)
			if err != nil {
				t.Fatal(err)
			}
			lane, err := PackLane8(values, bits, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(scalar) != len(lane) {
				t.Fatalf("bits=%d: length mismatch scalar=%d lane=%d", bits, len(scalar), len(lane))
			}
			for i := range scalar {
				if scalar[i] != lane[i] {
					t.Fatalf("bits=%d trial=%d byte %d: scalar=%x lane=%x", bits, trial, i, scalar[i], lane[i])
				}
			}
		}
	}
}

func TestEmpty(t *testing.T) {
	packed, err := Pack(nil, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) != 0 {
		t.Fatalf("expected empty output, got %d bytes", len(packed))
	}
	got, err := Unpack(packed, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result")
	}
}

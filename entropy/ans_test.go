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

package entropy

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestAnsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cases := [][]byte{
		nil,
		{},
		[]byte("a"),
		bytes.Repeat([]byte{0x07}, 64),
		[]byte("the quick brown fox jumps over the lazy dog, repeatedly, to build skew"),
	}
	for i := 0; i < 20; i++ {
		n := rng.Intn(1000)
		buf := make([]byte, n)
		for j := range buf {
			// Skewed distribution: mostly low byte values, occasional
			// high ones, so the normalized table has real structure.
			if rng.Intn(4) == 0 {
				buf[j] = byte(rng.Intn(256))
			} else {
				buf[j] = byte(rng.Intn(4))
			}
		}
		cases = append(cases, buf)
	}

	for _, precision := range []uint{12, 14} {
		c := ansCodec{precision: precision}
		for _, src := range cases {
			enc, err := c.Encode(src)
			if err != nil {
				t.Fatalf("precision=%d Encode(%v): %v", precision, src, err)
			}
			dec, err := c.Decode(enc)
			if err != nil {
				t.Fatalf("precision=%d Decode after Encode(%v): %v", precision, src, err)
			}
			if !bytes.Equal(dec, src) && !(len(dec) == 0 && len(src) == 0) {
				t.Fatalf("precision=%d round trip mismatch: src=%v dec=%v", precision, src, dec)
			}
		}
	}
}

func TestAnsEmpty(t *testing.T) {
	c := ansCodec{precision: 12}
	enc, err := c.Encode(nil)
	if err != nil || len(enc) != 0 {
		t.Fatalf("Encode(nil) = %v, %v", enc, err)
	}
	dec, err := c.Decode(nil)
	if err != nil || len(dec) != 0 {
		t.Fatalf("Decode(nil) = %v, %v", dec, err)
	}
}

func TestAnsInvalidTable(t *testing.T) {
	c := ansCodec{precision: 12}
	enc, err := c.Encode([]byte("abcabcabc"))
	if err != nil {
		t.Fatal(err)
	}
	corrupt := append([]byte(nil), enc...)
	// Flip a frequency entry in the table region so frequencies no
	// longer sum to 2^precision.
	_, n := uvarintLen(enc)
	tableStart := n
	corrupt[tableStart+1] ^= 0xff
	_, err = c.Decode(corrupt)
	if err == nil {
		t.Fatal("expected error decoding corrupted table")
	}
}

// uvarintLen returns the decoded value and the number of bytes it
// occupied, mirroring binary.Uvarint's second return value.
func uvarintLen(b []byte) (uint64, int) {
	var x uint64
	var s uint
	for i := 0; i < len(b); i++ {
		if b[i] < 0x80 {
			return x | uint64(b[i])<<s, i + 1
		}
		x |= uint64(b[i]&0x7f) << s
		s += 7
	}
	return 0, 0
}

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
	"container/heap"
	"encoding/binary"
	"sort"
)

// huffmanCodec implements canonical Huffman coding with Schwartz-Kallick
// code assignment. The encoded stream carries only the 256-entry code
// length table (zero meaning "absent"), from which the decoder rebuilds
// canonical codes; no explicit code values are stored. This is the fix
// for the source repository's bug noted in the spec's REDESIGN FLAGS,
// where canonical codes were written as the constant zero.
type huffmanCodec struct{}

type huffNode struct {
	freq        uint64
	symbol      int // -1 for internal nodes
	left, right *huffNode
}

type nodeHeap []*huffNode

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].symbol < h[j].symbol
}
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*huffNode)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// codeLengths computes the Huffman code length for every symbol with a
// non-zero frequency in freq[256]. Symbols with zero frequency get
// length 0. If exactly one symbol occurs, it is assigned length 1 so
// that encoding it never produces a zero-length bitstream.
func codeLengths(freq [256]uint64) [256]byte {
	var lengths [256]byte
	var distinct int
	var only int
	for s, f := range freq {
		if f > 0 {
			distinct++
			only = s
		}
	}
	if distinct == 0 {
		return lengths
	}
	if distinct == 1 {
		lengths[only] = 1
		return lengths
	}

	h := make(nodeHeap, 0, distinct)
	for s, f := range freq {
		if f > 0 {
			h = append(h, &huffNode{freq: f, symbol: s})
		}
	}
	heap.Init(&h)
	for h.Len() > 1 {
		a := heap.Pop(&h).(*huffNode)
		b := heap.Pop(&h).(*huffNode)
		parent := &huffNode{freq: a.freq + b.freq, symbol: -1, left: a, right: b}
		heap.Push(&h, parent)
	}
	root := h[0]
	var walk func(n *huffNode, depth byte)
	walk = func(n *huffNode, depth byte) {
		if n.left == nil && n.right == nil {
			lengths[n.symbol] = depth
			return
		}
		walk(n.left, depth+1)
		walk(n.right, depth+1)
	}
	walk(root, 0)
	return lengths
}

// canonicalCodes assigns canonical Huffman codes from a length table
// following Schwartz-Kallick: symbols are ordered by (length, symbol),
// and codes are assigned as consecutive integers, left-shifted whenever
// the length increases.
func canonicalCodes(lengths [256]byte) (codes [256]uint32, maxLen byte) {
	type sl struct {
		sym int
		len byte
	}
	syms := make([]sl, 0, 256)
	for s, l := range lengths {
		if l > 0 {
			syms = append(syms, sl{s, l})
			if l > maxLen {
				maxLen = l
			}
		}
	}
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].len != syms[j].len {
			return syms[i].len < syms[j].len
		}
		return syms[i].sym < syms[j].sym
	})
	var code uint32
	var prevLen byte
	for i, e := range syms {
		if i > 0 {
			code <<= (e.len - prevLen)
		}
		codes[e.sym] = code
		code++
		prevLen = e.len
	}
	return codes, maxLen
}

func (huffmanCodec) Encode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	var freq [256]uint64
	for _, b := range src {
		freq[b]++
	}
	lengths := codeLengths(freq)
	codes, _ := canonicalCodes(lengths)

	var header [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(header[:], uint64(len(src)))
	out := append([]byte(nil), header[:n]...)
	out = append(out, lengths[:]...)

	w := &bitWriter{}
	for _, b := range src {
		w.writeBits(codes[b], uint(lengths[b]))
	}
	out = append(out, w.flush()...)
	return out, nil
}

func (huffmanCodec) Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	count, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, ErrCorrupt
	}
	src = src[n:]
	if len(src) < 256 {
		return nil, ErrCorrupt
	}
	var lengths [256]byte
	copy(lengths[:], src[:256])
	bits := src[256:]

	if count == 0 {
		return nil, nil
	}

	var counts [256]int
	var maxLen byte
	for _, l := range lengths {
		if l > 0 {
			counts[l]++
			if l > maxLen {
				maxLen = l
			}
		}
	}
	var firstCode [257]uint32
	for l := byte(1); l <= maxLen; l++ {
		firstCode[l] = (firstCode[l-1] + uint32(counts[l-1])) << 1
	}
	symbolsByLen := make([][]byte, maxLen+1)
	for l := byte(1); l <= maxLen; l++ {
		symbolsByLen[l] = make([]byte, 0, counts[l])
	}
	for s := 0; s < 256; s++ {
		l := lengths[s]
		if l > 0 {
			symbolsByLen[l] = append(symbolsByLen[l], byte(s))
		}
	}

	out := make([]byte, 0, count)
	r := &bitReader{in: bits}
	var code uint32
	var length byte
	for uint64(len(out)) < count {
		bit, ok := r.readBit()
		if !ok {
			return nil, ErrCorrupt
		}
		code = (code << 1) | uint32(bit)
		length++
		if length > maxLen {
			return nil, ErrCorrupt
		}
		if counts[length] > 0 {
			idx := code - firstCode[length]
			if idx < uint32(counts[length]) {
				out = append(out, symbolsByLen[length][idx])
				code = 0
				length = 0
			}
		}
	}
	return out, nil
}

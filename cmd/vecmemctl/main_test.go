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

package main

import (
	"errors"
	"testing"

	"github.com/cairn-labs/vecmemory/memory"
)

func TestClassifyExit(t *testing.T) {
	for _, td := range []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"invalid input", memory.ErrInvalidInput, 2},
		{"unclassified error", errors.New("wrap"), 1},
		{"io failure", memory.ErrIO, 3},
		{"corrupt", memory.ErrCorrupt, 3},
		{"crypto failure", memory.ErrCrypto, 4},
		{"auth failure", memory.ErrAuthFailure, 5},
		{"codebook mismatch", memory.ErrCodebookMismatch, 2},
		{"closed", memory.ErrClosed, 1},
	} {
		t.Run(td.name, func(t *testing.T) {
			if got := classifyExit(td.err); got != td.want {
				t.Fatalf("classifyExit(%v) = %d, want %d", td.err, got, td.want)
			}
		})
	}
}

func TestClassifyExitWrapped(t *testing.T) {
	wrapped := errors.New("config: bad dim")
	wrapped = errors.Join(memory.ErrInvalidInput, wrapped)
	if got := classifyExit(wrapped); got != 2 {
		t.Fatalf("classifyExit(wrapped) = %d, want 2", got)
	}
}

func TestParseVector(t *testing.T) {
	for _, td := range []struct {
		name    string
		in      string
		want    []float32
		wantErr bool
	}{
		{"simple", "1,2,3", []float32{1, 2, 3}, false},
		{"spaces", " 1.5 , -2 , 0 ", []float32{1.5, -2, 0}, false},
		{"trailing comma", "1,2,", []float32{1, 2}, false},
		{"empty", "", nil, true},
		{"not a number", "1,x,3", nil, true},
	} {
		t.Run(td.name, func(t *testing.T) {
			got, err := parseVector(td.in)
			if td.wantErr {
				if err == nil {
					t.Fatalf("parseVector(%q): expected error, got %v", td.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVector(%q): unexpected error: %v", td.in, err)
			}
			if len(got) != len(td.want) {
				t.Fatalf("parseVector(%q) = %v, want %v", td.in, got, td.want)
			}
			for i := range got {
				if got[i] != td.want[i] {
					t.Fatalf("parseVector(%q) = %v, want %v", td.in, got, td.want)
				}
			}
		})
	}
}

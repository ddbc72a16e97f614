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
	"fmt"
	"os"

	"github.com/cairn-labs/vecmemory/pq"
)

// codebookSidecarPath derives the sidecar file a segment's trained
// centroids live in. The segment header only carries the 16-byte
// codebook hash; the centroids themselves are not part of the
// bit-exact segment format, so they live alongside it.
func codebookSidecarPath(segmentPath string) string {
	return segmentPath + ".pqcb"
}

// ivfSidecarPath derives the sidecar file an IVF coarse codebook's
// centroids live in, analogous to codebookSidecarPath.
func ivfSidecarPath(segmentPath string) string {
	return segmentPath + ".ivfcb"
}

func saveCodebookFile(path string, cb *pq.Codebook) error {
	if err := os.WriteFile(path, cb.Marshal(), 0o600); err != nil {
		return fmt.Errorf("%w: write codebook file: %v", ErrIO, err)
	}
	return nil
}

func loadCodebookFile(path string) (*pq.Codebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read codebook file: %v", ErrIO, err)
	}
	cb, err := pq.UnmarshalCodebook(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse codebook file: %v", ErrCorrupt, err)
	}
	return cb, nil
}

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

package segment

import (
	"io"
	"os"

	"github.com/cairn-labs/vecmemory/record"
)

// recoverTail scans records from the end of the header forward,
// stopping at the first parse/CRC failure. It returns the byte offset
// of the last fully-verified record boundary and whether that offset
// is short of the file's reported size (i.e. a torn tail was found and
// discarded).
func recoverTail(f *os.File, fileSize int64) (verifiedEnd int64, truncated bool, err error) {
	if fileSize < int64(record.HeaderSize) {
		// A sub-header-sized file: nothing to recover,
		// but it is shorter than a valid header, which Open's caller
		// already rejected by this point via DecodeHeader.
		return fileSize, fileSize < int64(record.HeaderSize), nil
	}

	tail := fileSize - int64(record.HeaderSize)
	buf := make([]byte, tail)
	if _, err := f.ReadAt(buf, int64(record.HeaderSize)); err != nil && err != io.EOF {
		return 0, false, err
	}

	offset := int64(record.HeaderSize)
	remaining := buf
	for len(remaining) > 0 {
		_, consumed, perr := record.TryParse(remaining)
		if perr != nil {
			return offset, offset < fileSize, nil
		}
		offset += int64(consumed)
		remaining = remaining[consumed:]
	}
	return offset, offset < fileSize, nil
}

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

//go:build !unix

package segment

import "os"

// flockExclusive is a no-op on platforms without an advisory-lock
// syscall wired in (e.g. Windows' LockFileEx has different semantics);
// the single-writer invariant there is the caller's responsibility,
// same tradeoff as mmap's non-Linux fallback in this package.
func flockExclusive(f *os.File) error { return nil }

func funlock(f *os.File) error { return nil }

func isInterrupted(err error) bool { return false }

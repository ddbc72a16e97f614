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

package aead

// mlock/munlock have no portable equivalent outside unix-likes (e.g.
// Windows' VirtualLock has different semantics and error modes); Key.Lock
// stays a best-effort call there, so this is a silent no-op rather than
// an error.
func mlock(b []byte) error   { return nil }
func munlock(b []byte) error { return nil }

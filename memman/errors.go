// Copyright (C) 2022 Sneller, Inc.
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

package memman

import "errors"

// Sentinel errors, one per errno this package can surface to callers.
// They are plain comparable values (like io.EOF) rather than
// syscall.Errno so that sched and other callers never need to know
// which OS actually produced the failure; the platform-specific mmap
// shims (memory_linux.go, memory_other.go) are the only code that ever
// sees a raw syscall.Errno.
var (
	// ErrNoMem means there was insufficient lockable memory. This is
	// an expected, common condition and is never logged as an error.
	ErrNoMem = errors.New("memman: insufficient lockable memory (ENOMEM)")
	// ErrNoEnt means the backing chunk file does not exist.
	ErrNoEnt = errors.New("memman: chunk file not found (ENOENT)")
	// ErrXDev means a path was requested against two different
	// Memory instances; the file cache is bound to a single Memory.
	ErrXDev = errors.New("memman: file cache bound to a different Memory instance (EXDEV)")
	// ErrFault means a MemInfo was used after being invalidated.
	ErrFault = errors.New("memman: use of invalidated mapping (EFAULT)")
	// ErrInval means a handle was not recognized by a MemMan.
	ErrInval = errors.New("memman: invalid handle (EINVAL)")
	// ErrPipe means a chunk file exists but has size zero.
	ErrPipe = errors.New("memman: zero-length chunk file (ESPIPE)")
)

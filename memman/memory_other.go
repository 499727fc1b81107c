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

//go:build !linux
// +build !linux

package memman

import (
	"errors"
	"io/fs"
	"os"
)

// maxRlimit is the sentinel budget used in place of RLIM_INFINITY.
const maxRlimit = 1 << 40 // 1 TiB

// mapFile on non-Linux platforms reads the whole file into an
// ordinary heap buffer rather than mmap-ing it, the same fallback
// tenant/dcache/file_other.go uses so the package can still be
// exercised off Linux.
func mapFile(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoEnt
		}
		return nil, err
	}
	if len(buf) == 0 {
		return nil, ErrPipe
	}
	return buf, nil
}

func munmap(mem []byte) error {
	return nil
}

// mlock is a no-op outside Linux; callers still account for the bytes
// as locked so the budget math stays consistent, but no real memory
// locking occurs.
func mlock(mem []byte) error {
	return nil
}

// raiseMemlockRlimit has no equivalent outside Linux; report the
// sentinel maximum so startup proceeds with an effectively unbounded
// budget (the caller is still expected to supply memManSizeMb).
func raiseMemlockRlimit() (int64, error) {
	return maxRlimit, nil
}

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

//go:build linux
// +build linux

package memman

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// maxRlimit is the sentinel budget used in place of RLIM_INFINITY.
const maxRlimit = 1 << 40 // 1 TiB

func mapFile(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, translate(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, translate(err)
	}
	size := fi.Size()
	if size == 0 {
		return nil, ErrPipe
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, translate(err)
	}
	return mem, nil
}

func munmap(mem []byte) error {
	return unix.Munmap(mem)
}

func mlock(mem []byte) error {
	err := unix.Mlock(mem)
	if err == unix.EAGAIN {
		return ErrNoMem
	}
	return translate(err)
}

// raiseMemlockRlimit raises the soft RLIMIT_MEMLOCK to the hard limit
// and returns the resulting limit, treating RLIM_INFINITY as a large
// sentinel rather than an unbounded budget.
func raiseMemlockRlimit() (int64, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlim); err != nil {
		return 0, err
	}
	if rlim.Cur < rlim.Max {
		soft := rlim.Cur
		rlim.Cur = rlim.Max
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rlim); err != nil {
			// fall back to whatever the soft limit already was
			return clampRlimit(soft), nil
		}
	}
	return clampRlimit(rlim.Max), nil
}

func clampRlimit(v uint64) int64 {
	if v == unix.RLIM_INFINITY || v > maxRlimit {
		return maxRlimit
	}
	return int64(v)
}

// translate maps an OS-call failure to this package's sentinel
// errors. os.OpenFile/f.Stat wrap the underlying errno in a
// *fs.PathError, so errors.Is (which walks Unwrap) is required here;
// a direct equality switch against the errno constants would never
// match those wrapped errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EAGAIN):
		return ErrNoMem
	case errors.Is(err, unix.ENOENT), errors.Is(err, fs.ErrNotExist):
		return ErrNoEnt
	case errors.Is(err, unix.EFAULT):
		return ErrFault
	case errors.Is(err, unix.EINVAL):
		return ErrInval
	default:
		return err
	}
}

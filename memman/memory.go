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

// Package memman implements a reference-counted, memory-budgeted
// mmap/mlock manager that materializes chunk table files into locked
// physical memory, coalescing concurrent requests for the same file.
package memman

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// MemInfo describes either a successful mapping (non-nil backing
// slice) or a failed one (err set). Exactly one of the two is
// meaningful at a time, matching the source invariant
// "size > 0 <=> address valid; size == 0 <=> errCode meaningful."
type MemInfo struct {
	mem []byte
	err error
}

// Valid reports whether mi refers to a live mapping.
func (mi MemInfo) Valid() bool { return mi.err == nil && mi.mem != nil }

// Size returns the size of the mapping, or 0 if mi is not valid.
func (mi MemInfo) Size() int64 {
	if !mi.Valid() {
		return 0
	}
	return int64(len(mi.mem))
}

// Err returns the error associated with a failed MemInfo, or nil.
func (mi MemInfo) Err() error { return mi.err }

// Memory owns the physical-memory budget shared by every MemFile
// obtained through the same FileCache. bytesMax is immutable after
// construction; bytesReserved is guarded by mu (it must be checked
// and updated atomically alongside the free-space test in MemFile's
// reservation logic); bytesLocked is read and lowered with atomics,
// and raised only under mu together with the matching drop in
// bytesReserved, so a reservation check never sees transferred bytes
// missing from both counters.
type Memory struct {
	bytesMax int64

	mu            sync.Mutex
	bytesReserved int64

	bytesLocked int64 // atomic

	numMapErrs    int64 // atomic
	numLokErrs    int64 // atomic
	numFlexLocked int64 // atomic
}

// NewMemory constructs a Memory with an explicit, immutable budget.
func NewMemory(bytesMax int64) *Memory {
	if bytesMax < 0 {
		bytesMax = 0
	}
	return &Memory{bytesMax: bytesMax}
}

// NewMemoryFromRlimit raises the soft RLIMIT_MEMLOCK to the hard
// limit (RLIM_INFINITY is treated as a large sentinel, not an
// unbounded budget) and returns a Memory budgeted at min(wantBytes,
// the resulting rlimit). wantBytes <= 0 means "use the rlimit as-is."
func NewMemoryFromRlimit(wantBytes int64) (*Memory, error) {
	rlim, err := raiseMemlockRlimit()
	if err != nil {
		return nil, err
	}
	budget := rlim
	if wantBytes > 0 && wantBytes < budget {
		budget = wantBytes
	}
	return NewMemory(budget), nil
}

// BytesMax returns the immutable memory budget.
func (m *Memory) BytesMax() int64 { return m.bytesMax }

// BytesLocked returns the number of bytes currently mlocked.
func (m *Memory) BytesLocked() int64 { return atomic.LoadInt64(&m.bytesLocked) }

// BytesReserved returns the number of bytes committed but not yet
// mlocked.
func (m *Memory) BytesReserved() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesReserved
}

// NumFlexLocked returns the number of flexible files successfully
// mlocked so far.
func (m *Memory) NumFlexLocked() int64 { return atomic.LoadInt64(&m.numFlexLocked) }

// NumMapErrs returns the number of failed MapFile calls so far.
func (m *Memory) NumMapErrs() int64 { return atomic.LoadInt64(&m.numMapErrs) }

// NumLokErrs returns the number of failed MemLock calls so far.
func (m *Memory) NumLokErrs() int64 { return atomic.LoadInt64(&m.numLokErrs) }

// BytesFree returns bytesMax - bytesReserved - bytesLocked.
func (m *Memory) BytesFree() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesMax - m.bytesReserved - atomic.LoadInt64(&m.bytesLocked)
}

// TryReserve reserves size bytes against the budget if doing so would
// not exceed bytesMax, reporting whether the reservation succeeded.
func (m *Memory) TryReserve(size int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytesReserved+atomic.LoadInt64(&m.bytesLocked)+size > m.bytesMax {
		return false
	}
	m.bytesReserved += size
	return true
}

// Restore returns a previously-reserved size to the budget.
func (m *Memory) Restore(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesReserved -= size
	if m.bytesReserved < 0 {
		m.bytesReserved = 0
	}
}

// transferReservedToLocked moves size bytes from "reserved" to
// "locked" bookkeeping once mlock has succeeded for that range.
func (m *Memory) transferReservedToLocked(size int64) {
	m.mu.Lock()
	m.bytesReserved -= size
	if m.bytesReserved < 0 {
		m.bytesReserved = 0
	}
	atomic.AddInt64(&m.bytesLocked, size)
	m.mu.Unlock()
}

func (m *Memory) unlockBytes(size int64) {
	for {
		cur := atomic.LoadInt64(&m.bytesLocked)
		next := cur - size
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&m.bytesLocked, cur, next) {
			return
		}
	}
}

// FileInfo stats path and returns its size, translating a zero-length
// file into ErrPipe and a missing file into ErrNoEnt (os.Stat wraps
// the underlying errno in a *fs.PathError, so a plain equality check
// against an errno constant would never match).
func (m *Memory) FileInfo(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNoEnt
		}
		return 0, err
	}
	if fi.Size() == 0 {
		return 0, ErrPipe
	}
	return fi.Size(), nil
}

// FilePath assembles the on-disk path for a chunk table file, bit-exact
// to the MyISAM naming convention: <dbDir>/<dbTable>_<chunk>.MYI for
// index files, .MYD for data files.
func FilePath(dbDir, dbTable string, chunk int32, isIndex bool) string {
	ext := ".MYD"
	if isIndex {
		ext = ".MYI"
	}
	return filepath.Join(dbDir, fmt.Sprintf("%s_%d%s", dbTable, chunk, ext))
}

// MapFile opens path read-only, maps it MAP_SHARED|PROT_READ, and
// returns a valid MemInfo. Platform-specific mmap implementations live
// in memory_linux.go / memory_other.go.
func (m *Memory) MapFile(path string) (MemInfo, error) {
	mem, err := mapFile(path)
	if err != nil {
		atomic.AddInt64(&m.numMapErrs, 1)
		return MemInfo{err: err}, err
	}
	return MemInfo{mem: mem}, nil
}

// MemLock mlocks the mapped range described by mi. isFlex only affects
// bookkeeping (the flex-locked counter), not the underlying syscall.
func (m *Memory) MemLock(mi MemInfo, isFlex bool) error {
	if !mi.Valid() {
		return ErrFault
	}
	if err := mlock(mi.mem); err != nil {
		atomic.AddInt64(&m.numLokErrs, 1)
		return err
	}
	m.transferReservedToLocked(mi.Size())
	if isFlex {
		atomic.AddInt64(&m.numFlexLocked, 1)
	}
	return nil
}

// MemRel unmaps the range described by mi. The OS drops the mlock as
// part of munmap; if the caller believes the range was locked,
// bytesLocked is decremented (saturating at zero) so the counters
// stay consistent even under a racing MemRel/MemLock pair. mi is
// invalidated by this call.
func (m *Memory) MemRel(mi *MemInfo, wasLocked bool) {
	if !mi.Valid() {
		return
	}
	size := mi.Size()
	if err := munmap(mi.mem); err != nil {
		// unmap failures would leak address space forever;
		// this indicates a serious bug in the caller.
		panic("memman: munmap failed: " + err.Error())
	}
	if wasLocked {
		m.unlockBytes(size)
	}
	mi.mem = nil
	mi.err = ErrFault
}

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

import "sync"

// MemFile represents one memory-mapped table file, shared by every
// task that references it. MemFiles are created only through
// FileCache.Obtain and are owned by the cache that created them: the
// cache map is what keeps a MemFile alive, and release() never
// destroys anything directly, it only drops the cache's reference
// when the refcount reaches zero (see FileCache.release).
type MemFile struct {
	path   string
	memory *Memory
	size   int64
	isFlex bool

	mu         sync.Mutex
	info       MemInfo
	isMapped   bool
	isLocked   bool
	isReserved bool

	// refcount is only ever touched while the owning FileCache's
	// mutex is held.
	refcount int
}

// Path returns the absolute path this MemFile maps.
func (f *MemFile) Path() string { return f.path }

// IsFlex reports whether this file was obtained with flexible
// semantics (eligible to remain unlocked under memory pressure).
func (f *MemFile) IsFlex() bool { return f.isFlex }

// FileCache is the process-wide, deduplicating path->MemFile cache.
// It is an explicit object (constructed once, typically in main, and
// threaded through to every MemMan) rather than a package-level
// global, per the "process-wide mutable caches" design note: the
// cache map is the sole owner of every MemFile it holds.
type FileCache struct {
	mu    sync.Mutex
	files map[string]*MemFile
}

// NewFileCache constructs an empty FileCache.
func NewFileCache() *FileCache {
	return &FileCache{files: make(map[string]*MemFile)}
}

// Obtain returns the MemFile for path, creating it against memory if
// it doesn't already exist. A path already cached against a different
// Memory instance is reported as ErrXDev, since the cache (and every
// MemFile in it) is bound to a single Memory for the lifetime of the
// process. The whole operation (including the stat(2) needed to size
// a newly-seen path) happens under the cache mutex; unlike a cache
// that must coalesce concurrent *fills*, Obtain never performs the
// (slow, block-on-disk) mmap/mlock itself, so holding the mutex across
// the stat is brief and safe.
func (c *FileCache) Obtain(path string, memory *Memory, isFlex bool) (*MemFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.files[path]; ok {
		if existing.memory != memory {
			return nil, ErrXDev
		}
		existing.refcount++
		return existing, nil
	}

	size, err := memory.FileInfo(path)
	if err != nil {
		return nil, err
	}

	f := &MemFile{
		path:     path,
		memory:   memory,
		size:     size,
		isFlex:   isFlex,
		refcount: 1,
	}
	c.files[path] = f
	return f, nil
}

// memMap maps f's backing file, reserving memory against f.memory
// first. It must be called with f.mu held.
func (f *MemFile) memMap() error {
	if f.isMapped {
		return nil
	}
	if !f.isReserved {
		if !f.memory.TryReserve(f.size) {
			if f.isFlex {
				// flex fallthrough: no reservation was
				// possible, so we simply stay unmapped.
				return nil
			}
			return ErrNoMem
		}
		f.isReserved = true
	}
	mi, err := f.memory.MapFile(f.path)
	if err == nil {
		f.info = mi
		f.isMapped = true
		return nil
	}
	if f.isFlex && err == ErrNoMem {
		// keep the reservation, succeed silently
		return nil
	}
	f.memory.Restore(f.size)
	f.isReserved = false
	return err
}

// memLock mlocks f's mapping, returning the number of bytes actually
// locked (0 for an unlocked flex file). It must be called with f.mu
// held, and only after memMap.
func (f *MemFile) memLock() (int64, error) {
	if f.isLocked {
		return f.size, nil
	}
	if !f.isMapped {
		return 0, ErrNoMem
	}
	err := f.memory.MemLock(f.info, f.isFlex)
	if err == nil {
		f.isLocked = true
		return f.size, nil
	}
	if f.isFlex {
		return 0, nil
	}
	return 0, err
}

// lockBytes reports how many bytes of this file are currently locked,
// for MemFileSet/MemMan status accounting.
func (f *MemFile) lockBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isLocked {
		return f.size
	}
	return 0
}

// release decrements f's refcount, and on reaching zero, removes f
// from the cache (dropping the cache's owning reference) and unwinds
// whatever mapping/reservation f was holding.
func (f *MemFile) release(c *FileCache) {
	c.mu.Lock()
	f.refcount--
	if f.refcount > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.files, f.path)
	c.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isMapped {
		wasLocked := f.isLocked
		f.memory.MemRel(&f.info, wasLocked)
		if !wasLocked && f.isReserved {
			// mapped but never locked: the reservation was never
			// transferred to bytesLocked, so return it here
			f.memory.Restore(f.size)
		}
		f.isMapped = false
		f.isLocked = false
		f.isReserved = false
	} else if f.isReserved {
		f.memory.Restore(f.size)
		f.isReserved = false
	}
}

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

// Handle identifies a live MemFileSet owned by a MemMan. Two values
// are reserved: Invalid (an error sentinel) and IsEmpty (a no-op
// handle for a task that needs no locks; its Unlock always succeeds).
// Regular handles are monotonically increasing positive integers.
type Handle uint64

const (
	// Invalid is the error-sentinel handle.
	Invalid Handle = 0
	// IsEmpty is the no-op handle returned when a task needs no locks.
	IsEmpty Handle = 1
)

// Statistics is a snapshot of a MemMan's resource accounting.
type Statistics struct {
	BytesMax      int64
	BytesLocked   int64
	BytesReserved int64
	NumFileSets   int
	NumFiles      int
	NumReqdFiles  int
	NumFlexFiles  int
	NumFlexLocked int64
	NumLocks      int64
	NumErrors     int64
}

// Status describes one live handle.
type Status struct {
	BytesLocked int64
	NumFiles    int
	Chunk       int32
}

// MemMan is the public façade used by the scheduler: given a list of
// TableInfo entries and a chunk id, it prepares a MemFileSet and
// returns an opaque handle; locking is a separate step so the
// scheduler can gate dispatch on it. The scheduler is written only
// against this interface so it can run against either RealMemMan or
// NoneMemMan.
type MemMan interface {
	// Prepare builds a MemFileSet for tables on chunk and returns a
	// handle to it. It neither reserves memory nor mlocks anything;
	// both happen in Lock.
	Prepare(tables []TableInfo, chunk int32) (Handle, error)
	// Lock attempts to mlock every required file (and as many
	// flexible files as memory permits) referenced by h.
	Lock(h Handle) error
	// Unlock releases h, returning its files to the cache. Reports
	// whether h was a live handle.
	Unlock(h Handle) bool
	// UnlockAll releases every handle owned by this MemMan.
	UnlockAll()
	// Statistics snapshots resource accounting.
	Statistics() Statistics
	// Status reports the resource footprint of a live handle.
	Status(h Handle) (Status, bool)
}

// RealMemMan is the production MemMan: it actually mmaps and mlocks
// chunk table files, gated by a shared Memory budget.
type RealMemMan struct {
	cache  *FileCache
	memory *Memory
	dbDir  string

	mu         sync.Mutex
	nextHandle Handle
	sets       map[Handle]*MemFileSet

	numLocks  int64
	numErrors int64
}

// NewRealMemMan constructs a RealMemMan rooted at dbDir, sharing cache
// and memory with any other MemMan instances that must agree on the
// same budget (there is normally exactly one of each per process).
func NewRealMemMan(cache *FileCache, memory *Memory, dbDir string) *RealMemMan {
	return &RealMemMan{
		cache:      cache,
		memory:     memory,
		dbDir:      dbDir,
		nextHandle: IsEmpty + 1,
		sets:       make(map[Handle]*MemFileSet),
	}
}

// Prepare implements MemMan.
func (m *RealMemMan) Prepare(tables []TableInfo, chunk int32) (Handle, error) {
	required, flex := countFiles(tables)
	if required == 0 && flex == 0 {
		return IsEmpty, nil
	}

	set := newMemFileSet(chunk)
	if err := m.buildSet(set, tables, chunk); err != nil {
		set.close(m.cache)
		m.addError()
		return Invalid, err
	}

	m.mu.Lock()
	h := m.nextHandle
	m.nextHandle++
	m.sets[h] = set
	m.mu.Unlock()
	return h, nil
}

func (m *RealMemMan) buildSet(set *MemFileSet, tables []TableInfo, chunk int32) error {
	for _, t := range tables {
		for _, pair := range [...]struct {
			policy  LockPolicy
			isIndex bool
		}{{t.DataLock, false}, {t.IndexLock, true}} {
			switch pair.policy {
			case Required:
				if err := set.add(m.cache, m.memory, m.dbDir, t.Table, chunk, pair.isIndex, true); err != nil {
					return err
				}
			case Flexible:
				if err := set.add(m.cache, m.memory, m.dbDir, t.Table, chunk, pair.isIndex, false); err != nil {
					return err
				}
			case NoLock, Optional:
				// never admitted to a file set in this core
			}
		}
	}
	return nil
}

func countFiles(tables []TableInfo) (required, flex int) {
	for _, t := range tables {
		for _, p := range [...]LockPolicy{t.DataLock, t.IndexLock} {
			switch p {
			case Required:
				required++
			case Flexible:
				flex++
			}
		}
	}
	return
}

// Lock implements MemMan.
func (m *RealMemMan) Lock(h Handle) error {
	if h == Invalid {
		return ErrInval
	}
	if h == IsEmpty {
		return nil
	}
	m.mu.Lock()
	set, ok := m.sets[h]
	m.mu.Unlock()
	if !ok {
		return ErrInval
	}
	locked, err := set.lockAll()
	if err != nil {
		m.addError()
		m.Unlock(h)
		return err
	}
	if locked > 0 {
		m.mu.Lock()
		m.numLocks++
		m.mu.Unlock()
	}
	return nil
}

// Unlock implements MemMan.
func (m *RealMemMan) Unlock(h Handle) bool {
	if h == IsEmpty {
		return true
	}
	if h == Invalid {
		return false
	}
	m.mu.Lock()
	set, ok := m.sets[h]
	if ok {
		delete(m.sets, h)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	set.close(m.cache)
	return true
}

// UnlockAll implements MemMan.
func (m *RealMemMan) UnlockAll() {
	m.mu.Lock()
	sets := m.sets
	m.sets = make(map[Handle]*MemFileSet)
	m.mu.Unlock()
	for _, set := range sets {
		set.close(m.cache)
	}
}

// Statistics implements MemMan.
func (m *RealMemMan) Statistics() Statistics {
	m.mu.Lock()
	stats := Statistics{
		NumFileSets: len(m.sets),
		NumLocks:    m.numLocks,
		NumErrors:   m.numErrors,
	}
	for _, set := range m.sets {
		stats.NumReqdFiles += set.RequiredCount()
		stats.NumFlexFiles += set.FlexCount()
	}
	m.mu.Unlock()
	stats.BytesMax = m.memory.BytesMax()
	stats.BytesLocked = m.memory.BytesLocked()
	stats.BytesReserved = m.memory.BytesReserved()
	stats.NumFlexLocked = m.memory.NumFlexLocked()
	stats.NumFiles = stats.NumReqdFiles + stats.NumFlexFiles
	return stats
}

// Status implements MemMan.
func (m *RealMemMan) Status(h Handle) (Status, bool) {
	if h == Invalid {
		return Status{}, false
	}
	if h == IsEmpty {
		return Status{}, true
	}
	m.mu.Lock()
	set, ok := m.sets[h]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return Status{
		BytesLocked: set.bytesLocked(),
		NumFiles:    set.FileCount(),
		Chunk:       set.Chunk(),
	}, true
}

func (m *RealMemMan) addError() {
	m.mu.Lock()
	m.numErrors++
	m.mu.Unlock()
}

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

// MemFileSet is the set of MemFiles needed to execute one task on one
// chunk: a mandatory list and a flexible list, plus the chunk id.
type MemFileSet struct {
	chunk     int32
	lockFiles []*MemFile
	flexFiles []*MemFile
}

func newMemFileSet(chunk int32) *MemFileSet {
	return &MemFileSet{chunk: chunk}
}

// Chunk returns the chunk id this file set was prepared for.
func (s *MemFileSet) Chunk() int32 { return s.chunk }

// FileCount returns the total number of files (required + flexible)
// in the set.
func (s *MemFileSet) FileCount() int { return len(s.lockFiles) + len(s.flexFiles) }

// RequiredCount returns the number of mandatory files in the set.
func (s *MemFileSet) RequiredCount() int { return len(s.lockFiles) }

// FlexCount returns the number of flexible files in the set.
func (s *MemFileSet) FlexCount() int { return len(s.flexFiles) }

// add obtains the MemFile for (table, chunk, isIndex) and appends it
// to the mandatory or flexible list.
func (s *MemFileSet) add(cache *FileCache, memory *Memory, dbDir, table string, chunk int32, isIndex bool, mustLock bool) error {
	path := FilePath(dbDir, table, chunk, isIndex)
	f, err := cache.Obtain(path, memory, !mustLock)
	if err != nil {
		return err
	}
	if mustLock {
		s.lockFiles = append(s.lockFiles, f)
	} else {
		s.flexFiles = append(s.flexFiles, f)
	}
	return nil
}

// lockAll locks every mandatory file, stopping and reporting the
// first failure (the caller is expected to discard the set on
// error), then attempts (and ignores failures for) every flexible
// file.
func (s *MemFileSet) lockAll() (int64, error) {
	var locked int64
	for _, f := range s.lockFiles {
		f.mu.Lock()
		err := f.memMap()
		if err == nil {
			var n int64
			n, err = f.memLock()
			locked += n
		}
		f.mu.Unlock()
		if err != nil {
			return locked, err
		}
	}
	for _, f := range s.flexFiles {
		f.mu.Lock()
		if err := f.memMap(); err == nil {
			n, _ := f.memLock()
			locked += n
		}
		f.mu.Unlock()
	}
	return locked, nil
}

// bytesLocked sums the currently-locked bytes across the whole set.
func (s *MemFileSet) bytesLocked() int64 {
	var n int64
	for _, f := range s.lockFiles {
		n += f.lockBytes()
	}
	for _, f := range s.flexFiles {
		n += f.lockBytes()
	}
	return n
}

// close releases every MemFile in the set back to the cache.
func (s *MemFileSet) close(cache *FileCache) {
	for _, f := range s.lockFiles {
		f.release(cache)
	}
	for _, f := range s.flexFiles {
		f.release(cache)
	}
	s.lockFiles = nil
	s.flexFiles = nil
}

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

//go:build !windows
// +build !windows

package memman

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeChunkFile(t *testing.T, dir, table string, chunk int32, isIndex bool, size int) string {
	t.Helper()
	path := FilePath(dir, table, chunk, isIndex)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// A single required file locks cleanly and its
// bytes are returned to Memory on unlock.
func TestRealMemManSimpleLock(t *testing.T) {
	dir := t.TempDir()
	writeChunkFile(t, dir, "t", 100, false, 200_000)

	mem := NewMemory(1_000_000)
	cache := NewFileCache()
	mm := NewRealMemMan(cache, mem, dir)

	tables := []TableInfo{{Table: "t", DataLock: Required, IndexLock: NoLock}}
	h, err := mm.Prepare(tables, 100)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if h <= IsEmpty {
		t.Fatalf("expected handle > 1, got %d", h)
	}
	if err := mm.Lock(h); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	status, ok := mm.Status(h)
	if !ok || status.BytesLocked != 200_000 {
		t.Fatalf("status = %+v, ok=%v", status, ok)
	}
	if !mm.Unlock(h) {
		t.Fatal("Unlock returned false")
	}
	if got := mem.BytesLocked(); got != 0 {
		t.Fatalf("bytesLocked after unlock = %d, want 0", got)
	}
}

// ENOMEM on a required lock: the budget is too small, Lock fails, and
// no bytes remain locked.
func TestRealMemManRequiredENOMEM(t *testing.T) {
	dir := t.TempDir()
	writeChunkFile(t, dir, "t", 100, false, 200_000)

	mem := NewMemory(100_000)
	cache := NewFileCache()
	mm := NewRealMemMan(cache, mem, dir)

	tables := []TableInfo{{Table: "t", DataLock: Required, IndexLock: NoLock}}
	h, err := mm.Prepare(tables, 100)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	err = mm.Lock(h)
	if !errors.Is(err, ErrNoMem) {
		t.Fatalf("Lock err = %v, want ErrNoMem", err)
	}
	if got := mem.BytesLocked(); got != 0 {
		t.Fatalf("bytesLocked = %d, want 0", got)
	}
}

// Flexible downgrade: a flex file that can't fit the budget locks
// zero bytes and does not fail the task.
func TestRealMemManFlexibleDowngrade(t *testing.T) {
	dir := t.TempDir()
	writeChunkFile(t, dir, "t", 100, false, 200_000)

	mem := NewMemory(100_000)
	cache := NewFileCache()
	mm := NewRealMemMan(cache, mem, dir)

	tables := []TableInfo{{Table: "t", DataLock: Flexible, IndexLock: NoLock}}
	h, err := mm.Prepare(tables, 100)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := mm.Lock(h); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	status, _ := mm.Status(h)
	if status.BytesLocked != 0 {
		t.Fatalf("bytesLocked = %d, want 0", status.BytesLocked)
	}
}

// Shared files: two tasks referencing the same chunk file share
// one MemFile; releasing one does not unmap it, releasing the second
// does.
func TestFileCacheSharedRefcount(t *testing.T) {
	dir := t.TempDir()
	writeChunkFile(t, dir, "t", 100, false, 4096)

	mem := NewMemory(1_000_000)
	cache := NewFileCache()
	path := FilePath(dir, "t", 100, false)

	f1, err := cache.Obtain(path, mem, false)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := cache.Obtain(path, mem, false)
	if err != nil {
		t.Fatal(err)
	}
	if f1 != f2 {
		t.Fatal("expected the same *MemFile for concurrent Obtain of the same path")
	}
	if f1.refcount != 2 {
		t.Fatalf("refcount = %d, want 2", f1.refcount)
	}

	f1.mu.Lock()
	if err := f1.memMap(); err != nil {
		t.Fatal(err)
	}
	f1.mu.Unlock()

	f1.release(cache)
	if _, ok := cache.files[path]; !ok {
		t.Fatal("file evicted from cache while still referenced")
	}

	f2.release(cache)
	if _, ok := cache.files[path]; ok {
		t.Fatal("file not evicted from cache after last release")
	}
}

// The same sharing at the MemMan level: two handles on the same chunk
// file share one MemFile and one lock; releasing the first handle
// keeps the bytes locked, releasing the second returns them.
func TestSharedFileAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	writeChunkFile(t, dir, "t", 100, false, 8192)

	mem := NewMemory(1 << 20)
	cache := NewFileCache()
	mm := NewRealMemMan(cache, mem, dir)

	tables := []TableInfo{{Table: "t", DataLock: Required}}
	h1, err := mm.Prepare(tables, 100)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := mm.Prepare(tables, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := mm.Lock(h1); err != nil {
		t.Fatal(err)
	}
	if err := mm.Lock(h2); err != nil {
		t.Fatal(err)
	}
	// one underlying file, locked once
	if got := mem.BytesLocked(); got != 8192 {
		t.Fatalf("bytesLocked = %d, want 8192", got)
	}
	if !mm.Unlock(h1) {
		t.Fatal("Unlock(h1) returned false")
	}
	if got := mem.BytesLocked(); got != 8192 {
		t.Fatalf("bytesLocked after first unlock = %d, want 8192", got)
	}
	if !mm.Unlock(h2) {
		t.Fatal("Unlock(h2) returned false")
	}
	if got := mem.BytesLocked(); got != 0 {
		t.Fatalf("bytesLocked after second unlock = %d, want 0", got)
	}
}

// Invariant: bytesReserved + bytesLocked never exceeds bytesMax, so a
// reservation that would breach the budget is refused outright.
func TestMemoryBudgetInvariant(t *testing.T) {
	mem := NewMemory(1000)
	if !mem.TryReserve(600) {
		t.Fatal("expected first reservation to fit")
	}
	if mem.TryReserve(600) {
		t.Fatal("expected second reservation to exceed the budget")
	}
	if free := mem.BytesFree(); free != 400 {
		t.Fatalf("bytesFree = %d, want 400", free)
	}
	mem.Restore(600)
	if free := mem.BytesFree(); free != 1000 {
		t.Fatalf("bytesFree after restore = %d, want 1000", free)
	}
}

func TestFileCacheCrossMemoryIsEXDEV(t *testing.T) {
	dir := t.TempDir()
	writeChunkFile(t, dir, "t", 100, false, 4096)
	path := FilePath(dir, "t", 100, false)

	cache := NewFileCache()
	memA := NewMemory(1_000_000)
	memB := NewMemory(1_000_000)

	if _, err := cache.Obtain(path, memA, false); err != nil {
		t.Fatal(err)
	}
	_, err := cache.Obtain(path, memB, false)
	if !errors.Is(err, ErrXDev) {
		t.Fatalf("err = %v, want ErrXDev", err)
	}
}

func TestHandleSentinels(t *testing.T) {
	mm := NewRealMemMan(NewFileCache(), NewMemory(1<<20), t.TempDir())
	if err := mm.Lock(Invalid); !errors.Is(err, ErrInval) {
		t.Fatalf("Lock(Invalid) = %v", err)
	}
	if err := mm.Lock(IsEmpty); err != nil {
		t.Fatalf("Lock(IsEmpty) = %v", err)
	}
	if mm.Unlock(Invalid) {
		t.Fatal("Unlock(Invalid) should be false")
	}
	if !mm.Unlock(IsEmpty) {
		t.Fatal("Unlock(IsEmpty) should be true")
	}
	// idempotent
	if mm.Unlock(Invalid) {
		t.Fatal("Unlock(Invalid) should remain false")
	}
	if !mm.Unlock(IsEmpty) {
		t.Fatal("Unlock(IsEmpty) should remain true")
	}
}

func TestNoneMemManRefusesRequired(t *testing.T) {
	mm := NewNoneMemMan()
	tables := []TableInfo{{Table: "t", DataLock: Required}}
	_, err := mm.Prepare(tables, 1)
	if !errors.Is(err, ErrNoMem) {
		t.Fatalf("err = %v, want ErrNoMem", err)
	}
}

func TestNoneMemManAcceptsFlexOnly(t *testing.T) {
	mm := NewNoneMemMan()
	tables := []TableInfo{{Table: "t", DataLock: Flexible}}
	h, err := mm.Prepare(tables, 1)
	if err != nil {
		t.Fatal(err)
	}
	if h != IsEmpty {
		t.Fatalf("handle = %d, want IsEmpty", h)
	}
	if err := mm.Lock(h); err != nil {
		t.Fatal(err)
	}
}

// A missing chunk file surfaces as ErrNoEnt (ENOENT), not a raw
// wrapped *fs.PathError, so the scheduler layer's errors.Is(err,
// ErrNoEnt) check can substitute IsEmpty for it.
func TestRealMemManPrepareMissingFileIsErrNoEnt(t *testing.T) {
	dir := t.TempDir()
	mem := NewMemory(1 << 20)
	cache := NewFileCache()
	mm := NewRealMemMan(cache, mem, dir)

	tables := []TableInfo{{Table: "nonexistent", DataLock: Required}}
	_, err := mm.Prepare(tables, 100)
	if !errors.Is(err, ErrNoEnt) {
		t.Fatalf("Prepare err = %v, want ErrNoEnt", err)
	}
}

func TestFilePathMyISAMConvention(t *testing.T) {
	got := FilePath("/data", "Object", 42, false)
	want := filepath.Join("/data", "Object_42.MYD")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	got = FilePath("/data", "Object", 42, true)
	want = filepath.Join("/data", "Object_42.MYI")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

// Round-trip law: prepare+unlock without ever locking leaves Memory's
// counters unchanged.
func TestPrepareUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeChunkFile(t, dir, "t", 7, false, 1024)

	mem := NewMemory(1 << 20)
	cache := NewFileCache()
	mm := NewRealMemMan(cache, mem, dir)

	before := mem.BytesReserved()
	tables := []TableInfo{{Table: "t", DataLock: Required}}
	h, err := mm.Prepare(tables, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !mm.Unlock(h) {
		t.Fatal("Unlock returned false")
	}
	after := mem.BytesReserved()
	if before != after {
		t.Fatalf("bytesReserved changed: %d -> %d", before, after)
	}
}

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

package sched

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lsst/qserv-worker/memman"
)

// noTable builds a Task whose Prepare always resolves to IsEmpty,
// so it can be dispatched without a real MemMan backing it.
func noTable(queryID string, chunk int32, rating ScanRating) *Task {
	return &Task{
		QueryID: queryID,
		ChunkID: chunk,
		Scan:    []ScanTable{{DB: "db", Table: "t", ScanSpeed: rating}},
		Rating:  rating,
	}
}

// TestChunkOrderingWithinScheduler: tasks queued
// against chunks {40, 40, 33, 40} must dispatch chunk 33 first, then
// every chunk-40 task in descending scan-slowness order, before the
// queue wraps back around.
func TestChunkOrderingWithinScheduler(t *testing.T) {
	mm := memman.NewNoneMemMan()
	q := NewChunkTasksQueue()

	a := noTable("q1", 40, Fastest)  // rating 10
	b := noTable("q1", 40, Fast)     // rating 20
	c := noTable("q1", 33, Medium)   // rating 30, different chunk
	d := noTable("q1", 40, Slow)     // rating 40

	q.QueueTask(a)
	q.QueueTask(b)
	q.QueueTask(c)
	q.QueueTask(d)

	var order []*Task
	for i := 0; i < 4; i++ {
		task, err := q.GetTask(mm, false)
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			t.Fatalf("GetTask returned nil at step %d", i)
		}
		order = append(order, task)
	}

	if order[0] != c {
		t.Fatalf("expected chunk 33 task first, got chunk %d", order[0].ChunkID)
	}
	rest := order[1:]
	wantChunk40 := []*Task{d, b, a} // descending rating: 40, 20, 10
	for i, task := range rest {
		if task != wantChunk40[i] {
			t.Fatalf("chunk-40 dispatch order[%d]: got rating %d, want %d", i, task.Rating, wantChunk40[i].Rating)
		}
	}
}

// TestScanInfoDerivesLocks: a task that carries scan info but no
// explicit table list derives its lock set from the scan entries, so
// a LockInMemory table ends up resident before dispatch.
func TestScanInfoDerivesLocks(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "db"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, ext := range []string{".MYD", ".MYI"} {
		if err := os.WriteFile(filepath.Join(dir, "db", "t_9"+ext), make([]byte, 4096), 0644); err != nil {
			t.Fatal(err)
		}
	}

	mem := memman.NewMemory(1 << 20)
	mm := memman.NewRealMemMan(memman.NewFileCache(), mem, dir)
	q := NewChunkTasksQueue()

	task := &Task{
		QueryID: "q1",
		ChunkID: 9,
		Scan:    []ScanTable{{DB: "db", Table: "t", LockInMemory: true, ScanSpeed: Medium}},
		Rating:  Medium,
	}
	q.QueueTask(task)

	got, err := q.GetTask(mm, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != task {
		t.Fatal("expected the queued task back")
	}
	h, ok := task.Handle()
	if !ok {
		t.Fatal("expected a MemMan handle attached to the task")
	}
	status, ok := mm.Status(h)
	if !ok || status.BytesLocked != 8192 {
		t.Fatalf("status = %+v, ok=%v, want 8192 bytes locked", status, ok)
	}
	if !mm.Unlock(h) {
		t.Fatal("Unlock returned false")
	}
	q.TaskComplete(task)
	if locked := mem.BytesLocked(); locked != 0 {
		t.Fatalf("bytesLocked after unlock = %d, want 0", locked)
	}
}

// TestQueueDrainThenRequeue exercises the wrap-around bookkeeping
// after a ChunkTasksQueue empties completely: a task queued after the
// drain must dispatch cleanly rather than tripping over a stale
// cursor.
func TestQueueDrainThenRequeue(t *testing.T) {
	mm := memman.NewNoneMemMan()
	q := NewChunkTasksQueue()

	first := noTable("q1", 7, Fast)
	q.QueueTask(first)
	got, err := q.GetTask(mm, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Fatal("expected the queued task back")
	}
	q.TaskComplete(first)

	// drain: Ready advances off the empty chunk and drops it
	if ok, err := q.Ready(mm, false); err != nil || ok {
		t.Fatalf("Ready on drained queue = %v, %v", ok, err)
	}

	second := noTable("q2", 3, Fast)
	q.QueueTask(second)
	got, err = q.GetTask(mm, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != second {
		t.Fatal("expected the requeued task back after drain")
	}
}

// TestBootOverrun: once a user query has completed at
// least RequiredTasksCompleted tasks on a scheduler and its aggregate
// elapsed time exceeds that scheduler's MaxMinutes budget, remaining
// queued tasks for the same query are booted onto snail.
func TestBootOverrun(t *testing.T) {
	mm := memman.NewNoneMemMan()
	fast := NewScanScheduler("fast", Fastest, Fast, mm)
	fast.MaxThreads = 1
	fast.ScanMaxMinutes = 1
	snail := NewScanScheduler("snail", Slow+1, Slowest, mm)

	blend := NewBlendScheduler(NewGroupScheduler(mm), []*ScanScheduler{fast}, snail, 0)
	blend.QueriesAndChunks().RequiredTasksCompleted = 1
	blend.QueriesAndChunks().MaxTasksBootedPerUserQuery = 2

	const n = 5
	for i := 0; i < n; i++ {
		blend.Queue(noTable("overrun-query", int32(i), Fastest))
	}

	// Drain the first task and simulate it having taken far longer
	// than the scheduler's one-minute budget.
	first, err := blend.GetCmd(false)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil {
		t.Fatal("expected a dispatchable task")
	}
	blend.CommandStart(first)
	first.start = time.Now().Add(-2 * time.Minute)
	blend.CommandFinish(first)

	booted := 0
	for {
		task, err := blend.GetCmd(false)
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			break
		}
		if task.sched == snail {
			booted++
		}
		blend.CommandStart(task)
		blend.CommandFinish(task)
	}

	if booted == 0 {
		t.Fatal("expected at least one task booted to snail")
	}
	if booted > 2 {
		t.Fatalf("booted %d tasks, want at most maxTasksBootedPerUserQuery=2", booted)
	}
}

// TestGroupSchedulerInteractiveRouting confirms tasks without scan
// info route to the interactive GroupScheduler rather than any scan
// scheduler.
func TestGroupSchedulerInteractiveRouting(t *testing.T) {
	mm := memman.NewNoneMemMan()
	fast := NewScanScheduler("fast", Fastest, Fast, mm)
	fast.MaxThreads = 1
	snail := NewScanScheduler("snail", Slow+1, Slowest, mm)
	group := NewGroupScheduler(mm)
	group.MaxThreads = 1
	blend := NewBlendScheduler(group, []*ScanScheduler{fast}, snail, 0)

	interactive := &Task{QueryID: "q", ChunkID: 1}
	if !interactive.Interactive() {
		t.Fatal("task with no Scan entries should be Interactive")
	}
	blend.Queue(interactive)

	task, err := blend.GetCmd(false)
	if err != nil {
		t.Fatal(err)
	}
	if task != interactive {
		t.Fatal("expected the interactive task back")
	}
	if task.sched != group {
		t.Fatal("expected task routed to the group scheduler")
	}
}

// TestReserveBiasServesUnderReservedChildFirst checks that a child
// scheduler below its MaxReserveThreads is preferred over one that is
// merely ready, even when both have dispatchable work.
func TestReserveBiasServesUnderReservedChildFirst(t *testing.T) {
	mm := memman.NewNoneMemMan()
	fast := NewScanScheduler("fast", Fastest, Fast, mm)
	fast.MaxThreads = 2
	fast.MaxReserveThreads = 1
	snail := NewScanScheduler("snail", Slow+1, Slowest, mm)
	snail.MaxThreads = 2
	group := NewGroupScheduler(mm)
	group.MaxThreads = 1
	blend := NewBlendScheduler(group, []*ScanScheduler{fast}, snail, 0)

	blend.Queue(noTable("q", 1, Fastest))
	blend.snail.QueueCmd(&Task{QueryID: "q", ChunkID: 2, Scan: []ScanTable{{ScanSpeed: Slowest}}, Rating: Slowest})

	task, err := blend.GetCmd(false)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil {
		t.Fatal("expected a dispatchable task")
	}
	if task.sched != fast {
		t.Fatal("expected the under-reserved fast scheduler to be served first")
	}
}

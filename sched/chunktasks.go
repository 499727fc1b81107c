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
	"container/heap"
	"errors"

	"github.com/lsst/qserv-worker/memman"
)

// Readiness is the result of asking a ChunkTasks (or ChunkTasksQueue)
// whether it has a task ready to hand out.
type Readiness int

const (
	// NotReady means there is currently no task to dispatch, but the
	// scheduler is not blocked on memory (it may simply be empty).
	NotReady Readiness = iota
	// Ready means GetTask will return a task immediately.
	Ready
	// NoResources means the head-of-line task could not acquire its
	// MemMan handle because of memory pressure; the caller should
	// mark itself resource-starved and retry after a release.
	NoResources
)

// taskHeap orders tasks so that the top is always the slowest scan
// rating in the set: slower scans begin first within a chunk, so the
// faster ones finish inside the window the slow ones keep the chunk
// resident.
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].Rating > h[j].Rating }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// ChunkTasks is one scheduler's holding area for all tasks bound to a
// single chunk id.
type ChunkTasks struct {
	chunkID         int32
	active          bool
	activeHeap      taskHeap
	pending         []*Task
	inFlight        map[*Task]struct{}
	readyTask       *Task
	resourceStarved bool
}

// NewChunkTasks constructs an empty ChunkTasks for chunkID.
func NewChunkTasks(chunkID int32) *ChunkTasks {
	return &ChunkTasks{
		chunkID:  chunkID,
		inFlight: make(map[*Task]struct{}),
	}
}

// ChunkID returns the chunk id this ChunkTasks holds tasks for.
func (c *ChunkTasks) ChunkID() int32 { return c.chunkID }

// ResourceStarved reports whether the last Ready call failed to
// acquire memory for the head-of-line task.
func (c *ChunkTasks) ResourceStarved() bool { return c.resourceStarved }

// QueueTask adds t to this chunk's pending set if the chunk is
// currently active (so new arrivals don't starve later chunks), or
// directly into the orderable heap otherwise.
func (c *ChunkTasks) QueueTask(t *Task) {
	if c.active {
		c.pending = append(c.pending, t)
		return
	}
	heap.Push(&c.activeHeap, t)
}

// Ready asks MemMan to lock the head-of-line task's tables (if it
// hasn't already got a handle) and reports the outcome. useFlexibleLock
// is used when the owning scheduler is otherwise idle: it promotes
// REQUIRED table references to FLEXIBLE so the scheduler can make
// progress under contention instead of starving completely.
func (c *ChunkTasks) Ready(mm memman.MemMan, useFlexibleLock bool) (Readiness, error) {
	if c.readyTask != nil {
		return Ready, nil
	}
	if c.activeHeap.Len() == 0 {
		return NotReady, nil
	}
	top := c.activeHeap[0]
	if _, ok := top.Handle(); !ok {
		h, err := acquireHandle(mm, top.lockTables(useFlexibleLock), c.chunkID)
		switch {
		case errors.Is(err, memman.ErrNoMem):
			c.resourceStarved = true
			return NoResources, nil
		case errors.Is(err, memman.ErrNoEnt):
			// soft failure: proceed with an empty handle and let
			// the downstream engine report the missing table
			top.setHandle(memman.IsEmpty)
		case err != nil:
			return NotReady, err
		default:
			top.setHandle(h)
		}
	}
	c.resourceStarved = false
	heap.Pop(&c.activeHeap)
	c.readyTask = top
	return Ready, nil
}

// acquireHandle prepares and locks a MemMan handle in one step, the
// convenience the scheduler layer needs even though MemMan itself
// exposes Prepare/Lock separately.
func acquireHandle(mm memman.MemMan, tables []memman.TableInfo, chunk int32) (memman.Handle, error) {
	h, err := mm.Prepare(tables, chunk)
	if err != nil {
		return memman.Invalid, err
	}
	if err := mm.Lock(h); err != nil {
		return memman.Invalid, err
	}
	return h, nil
}

// GetTask hands out the head-of-line task if Ready, marking it
// in-flight.
func (c *ChunkTasks) GetTask(mm memman.MemMan, useFlexibleLock bool) (*Task, Readiness, error) {
	r, err := c.Ready(mm, useFlexibleLock)
	if r != Ready {
		return nil, r, err
	}
	t := c.readyTask
	c.readyTask = nil
	c.inFlight[t] = struct{}{}
	return t, Ready, nil
}

// SetActive toggles whether new arrivals go to pending or directly
// into the heap. Transitioning from active to inactive merges
// pending tasks back into the orderable heap.
func (c *ChunkTasks) SetActive(active bool) {
	if c.active && !active {
		for _, t := range c.pending {
			heap.Push(&c.activeHeap, t)
		}
		c.pending = nil
	}
	c.active = active
}

// ReadyToAdvance reports whether this chunk has no orderable tasks
// left and no in-flight tasks, i.e. the scheduler may safely move on
// to the next chunk.
func (c *ChunkTasks) ReadyToAdvance() bool {
	return c.activeHeap.Len() == 0 && len(c.inFlight) == 0
}

// Empty reports whether this ChunkTasks holds no tasks whatsoever
// (orderable, pending, in-flight, or cached-ready) and may be dropped
// from its owning ChunkTasksQueue.
func (c *ChunkTasks) Empty() bool {
	return c.activeHeap.Len() == 0 && len(c.pending) == 0 &&
		len(c.inFlight) == 0 && c.readyTask == nil
}

// TaskComplete removes t from the in-flight set once its execution
// has finished.
func (c *ChunkTasks) TaskComplete(t *Task) {
	delete(c.inFlight, t)
}

// BootQuery removes up to max not-yet-dispatched tasks belonging to
// queryID from this chunk (from both the orderable heap and the
// pending vector) and returns them, re-heapifying afterward. It never
// touches in-flight or already-ready tasks, since those have already
// committed to running.
func (c *ChunkTasks) BootQuery(queryID string, max int) []*Task {
	if max <= 0 {
		return nil
	}
	var booted []*Task

	kept := c.pending[:0]
	for _, t := range c.pending {
		if len(booted) < max && t.QueryID == queryID {
			booted = append(booted, t)
			continue
		}
		kept = append(kept, t)
	}
	c.pending = kept

	if len(booted) < max {
		remaining := make(taskHeap, 0, c.activeHeap.Len())
		for _, t := range c.activeHeap {
			if len(booted) < max && t.QueryID == queryID {
				booted = append(booted, t)
				continue
			}
			remaining = append(remaining, t)
		}
		c.activeHeap = remaining
		heap.Init(&c.activeHeap)
	}
	return booted
}

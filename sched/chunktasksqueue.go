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
	"sort"

	"golang.org/x/exp/slices"

	"github.com/lsst/qserv-worker/memman"
)

// ChunkTasksQueue is an ordered map from chunk id to ChunkTasks, with
// a cursor pointing at the scheduler's current active chunk. Chunk
// ids are visited in ascending order, wrapping around; the cursor
// never advances past a chunk with in-flight tasks.
type ChunkTasksQueue struct {
	order      []int32 // kept sorted ascending
	chunks     map[int32]*ChunkTasks
	started    bool
	cursor     int
	readyChunk *ChunkTasks
}

// NewChunkTasksQueue constructs an empty ChunkTasksQueue.
func NewChunkTasksQueue() *ChunkTasksQueue {
	return &ChunkTasksQueue{chunks: make(map[int32]*ChunkTasks)}
}

// QueueTask finds or creates the ChunkTasks for t.ChunkID and
// delegates to it.
func (q *ChunkTasksQueue) QueueTask(t *Task) {
	q.chunkFor(t.ChunkID).QueueTask(t)
}

func (q *ChunkTasksQueue) chunkFor(chunkID int32) *ChunkTasks {
	if c, ok := q.chunks[chunkID]; ok {
		return c
	}
	c := NewChunkTasks(chunkID)
	q.chunks[chunkID] = c
	i := sort.Search(len(q.order), func(i int) bool { return q.order[i] >= chunkID })
	// inserting ahead of the cursor shifts the chunk the cursor points
	// at; keep it aimed at the same active chunk
	if len(q.order) > 0 && i <= q.cursor {
		q.cursor++
	}
	q.order = slices.Insert(q.order, i, chunkID)
	return c
}

// HasWork reports whether any chunk still holds tasks.
func (q *ChunkTasksQueue) HasWork() bool { return len(q.order) > 0 }

// ActiveChunkID returns the chunk id currently being serviced, if any.
func (q *ChunkTasksQueue) ActiveChunkID() (int32, bool) {
	if len(q.order) == 0 {
		return 0, false
	}
	return q.order[q.cursor], true
}

// NextTaskDifferentChunkId reports whether the currently active
// chunk's orderable tasks are exhausted, meaning the next dispatch
// (if any) will come from a different chunk.
func (q *ChunkTasksQueue) NextTaskDifferentChunkId() bool {
	id, ok := q.ActiveChunkID()
	if !ok {
		return true
	}
	return q.chunks[id].activeHeap.Len() == 0
}

// Ready finds the next dispatchable task, advancing the active chunk
// as needed and probing forward chunks when the active one is
// exhausted. It halts the probe (returning false) the moment it
// encounters a chunk that is resource-starved, rather than skipping
// past it, so a starved chunk is never permanently starved by its
// neighbors making progress instead.
func (q *ChunkTasksQueue) Ready(mm memman.MemMan, useFlexibleLock bool) (bool, error) {
	if q.readyChunk != nil {
		return true, nil
	}
	if len(q.order) == 0 {
		return false, nil
	}
	if !q.started {
		q.cursor = 0
		q.chunks[q.order[0]].SetActive(true)
		q.started = true
	}

	active := q.chunks[q.order[q.cursor]]
	r, err := active.Ready(mm, useFlexibleLock)
	if err != nil {
		return false, err
	}
	if r == Ready {
		q.readyChunk = active
		return true, nil
	}
	if active.ReadyToAdvance() {
		q.advance()
		if len(q.order) == 0 {
			return false, nil
		}
	}

	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % len(q.order)
		ct := q.chunks[q.order[idx]]
		r, err := ct.Ready(mm, useFlexibleLock)
		if err != nil {
			return false, err
		}
		switch r {
		case Ready:
			q.readyChunk = ct
			return true, nil
		case NoResources:
			return false, nil
		}
	}
	return false, nil
}

// advance moves the cursor off a chunk that has no more in-flight or
// orderable tasks: it clears the active flag (merging any pending
// tasks that arrived while it was active), drops the chunk entirely
// if it is now wholly empty, and marks the new current chunk active.
func (q *ChunkTasksQueue) advance() {
	idx := q.cursor
	id := q.order[idx]
	ct := q.chunks[id]
	ct.SetActive(false)

	if ct.Empty() {
		q.order = slices.Delete(q.order, idx, idx+1)
		delete(q.chunks, id)
		if len(q.order) == 0 {
			// fully drained; the next Ready restarts from the
			// lowest chunk id queued after this point
			q.cursor = 0
			q.started = false
			return
		}
		if idx >= len(q.order) {
			idx = 0
		}
		q.cursor = idx
	} else {
		q.cursor = (idx + 1) % len(q.order)
	}
	q.chunks[q.order[q.cursor]].SetActive(true)
}

// GetTask returns the next dispatchable task, or nil if none is ready.
func (q *ChunkTasksQueue) GetTask(mm memman.MemMan, useFlexibleLock bool) (*Task, error) {
	ok, err := q.Ready(mm, useFlexibleLock)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	ct := q.readyChunk
	q.readyChunk = nil
	t, _, err := ct.GetTask(mm, useFlexibleLock)
	return t, err
}

// TaskComplete routes completion to the owning chunk's ChunkTasks.
func (q *ChunkTasksQueue) TaskComplete(t *Task) {
	if c, ok := q.chunks[t.ChunkID]; ok {
		c.TaskComplete(t)
	}
}

// BootQuery removes up to max not-yet-dispatched tasks belonging to
// queryID across every chunk in the queue.
func (q *ChunkTasksQueue) BootQuery(queryID string, max int) []*Task {
	var booted []*Task
	for _, id := range q.order {
		if len(booted) >= max {
			break
		}
		booted = append(booted, q.chunks[id].BootQuery(queryID, max-len(booted))...)
	}
	return booted
}

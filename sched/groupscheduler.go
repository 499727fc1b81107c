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
	"sync"

	"github.com/lsst/qserv-worker/memman"
)

// GroupScheduler is the interactive path: tasks that carry no scan
// info (so there is no shared-scan benefit to batching them by
// chunk) are dispatched with priority, subject to a cap on
// consecutive dispatches so that interactive traffic cannot starve
// the shared-scan schedulers entirely.
type GroupScheduler struct {
	mm                memman.MemMan
	MaxThreads        int
	MaxReserveThreads int

	mu       sync.Mutex
	cond     *sync.Cond
	notify   func()
	queue    *ChunkTasksQueue
	inFlight int
	perUQ    map[string]int
	streak   int
}

// NewGroupScheduler constructs a GroupScheduler.
func NewGroupScheduler(mm memman.MemMan) *GroupScheduler {
	g := &GroupScheduler{
		mm:    mm,
		queue: NewChunkTasksQueue(),
		perUQ: make(map[string]int),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Name implements childScheduler.
func (g *GroupScheduler) Name() string { return "group" }

// InFlight implements childScheduler.
func (g *GroupScheduler) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// MaxReserve implements childScheduler.
func (g *GroupScheduler) MaxReserve() int { return g.MaxReserveThreads }

// MaxMinutes implements childScheduler. The group scheduler carries
// interactive traffic and enforces no boot-overrun budget.
func (g *GroupScheduler) MaxMinutes() int { return 0 }

// QueueCmd implements childScheduler.
func (g *GroupScheduler) QueueCmd(t *Task) {
	g.mu.Lock()
	g.perUQ[t.QueryID]++
	t.sched = g
	g.queue.QueueTask(t)
	g.mu.Unlock()
	g.broadcast()
}

func (g *GroupScheduler) broadcast() {
	g.cond.Broadcast()
	if g.notify != nil {
		g.notify()
	}
}

// Streak reports how many consecutive tasks this scheduler has
// dispatched since BlendScheduler last served another child; it is
// how Blend decides to deprioritize the group scheduler past
// maxGroupSize.
func (g *GroupScheduler) Streak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streak
}

// ResetStreak clears the consecutive-dispatch counter, called by
// Blend whenever it serves a different child.
func (g *GroupScheduler) ResetStreak() {
	g.mu.Lock()
	g.streak = 0
	g.mu.Unlock()
}

func (g *GroupScheduler) maxInFlight() int {
	if g.MaxThreads <= 0 {
		return 1
	}
	return g.MaxThreads
}

// GetCmd implements childScheduler.
func (g *GroupScheduler) GetCmd(wait bool) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.inFlight < g.maxInFlight() {
			// interactive tasks favor flexible locking: latency
			// matters more than maximizing shared-scan reuse.
			t, err := g.queue.GetTask(g.mm, true)
			if err != nil {
				return nil, err
			}
			if t != nil {
				g.inFlight++
				g.perUQ[t.QueryID]--
				g.streak++
				return t, nil
			}
		}
		if !wait {
			return nil, nil
		}
		g.cond.Wait()
	}
}

// CommandStart implements childScheduler.
func (g *GroupScheduler) CommandStart(t *Task) {}

// CommandFinish implements childScheduler.
func (g *GroupScheduler) CommandFinish(t *Task) {
	g.mu.Lock()
	g.inFlight--
	g.queue.TaskComplete(t)
	g.mu.Unlock()
	if h, ok := t.Handle(); ok {
		g.mm.Unlock(h)
	}
	g.broadcast()
}

// BootQuery implements childScheduler.
func (g *GroupScheduler) BootQuery(queryID string, max int) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	booted := g.queue.BootQuery(queryID, max)
	g.perUQ[queryID] -= len(booted)
	return booted
}

var _ childScheduler = (*GroupScheduler)(nil)

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
	"sync"
	"time"
)

// BlendScheduler is the top-level scheduler: it routes incoming tasks
// to the interactive GroupScheduler, one of several speed-class
// ScanSchedulers, or the catch-all snail scheduler, and it owns the
// single condition variable every Foreman worker blocks on.
type BlendScheduler struct {
	group        *GroupScheduler
	scans        []*ScanScheduler // ordered fast -> slow
	snail        *ScanScheduler
	qac          *QueriesAndChunks
	maxGroupSize int

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// ErrClosed is returned by GetCmd once Close has been called.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "sched: scheduler closed" }

// NewBlendScheduler constructs a BlendScheduler over the given
// children. scans should be supplied fastest-to-slowest; snail is the
// scheduler for tasks whose rating doesn't fit any scan window.
func NewBlendScheduler(group *GroupScheduler, scans []*ScanScheduler, snail *ScanScheduler, maxGroupSize int) *BlendScheduler {
	b := &BlendScheduler{
		group:        group,
		scans:        scans,
		snail:        snail,
		maxGroupSize: maxGroupSize,
	}
	b.cond = sync.NewCond(&b.mu)
	notify := func() { b.cond.Broadcast() }
	group.notify = notify
	for _, s := range scans {
		s.notify = notify
	}
	snail.notify = notify
	b.qac = NewQueriesAndChunks(snail)
	return b
}

// QueriesAndChunks returns the bookkeeper tracking per-query runtime
// across the child schedulers, so callers can configure its budgets.
func (b *BlendScheduler) QueriesAndChunks() *QueriesAndChunks { return b.qac }

// children returns every child scheduler in Blend's dispatch-priority
// order: the group scheduler first (unless it has exceeded its
// consecutive-dispatch budget), then the scan schedulers by descending
// configured Priority (equal priorities keep their construction order,
// fastest first), then snail, then the group scheduler if it was not
// placed first.
func (b *BlendScheduler) children() []childScheduler {
	out := make([]childScheduler, 0, len(b.scans)+2)
	groupFirst := b.group.Streak() < b.maxGroupSize || b.maxGroupSize <= 0
	if groupFirst {
		out = append(out, b.group)
	}
	scans := make([]*ScanScheduler, len(b.scans))
	copy(scans, b.scans)
	sort.SliceStable(scans, func(i, j int) bool { return scans[i].Priority > scans[j].Priority })
	for _, s := range scans {
		out = append(out, s)
	}
	out = append(out, b.snail)
	if !groupFirst {
		out = append(out, b.group)
	}
	return out
}

// Queue routes t to the appropriate child scheduler: the group
// scheduler for interactive tasks (no scan info), the scan scheduler
// whose rating window contains t.Rating, or snail if none matches.
func (b *BlendScheduler) Queue(t *Task) {
	if t.Interactive() {
		b.group.QueueCmd(t)
		return
	}
	for _, s := range b.scans {
		if s.Accepts(t.Rating) {
			s.QueueCmd(t)
			return
		}
	}
	b.snail.QueueCmd(t)
}

// GetCmd returns the next dispatchable task across every child
// scheduler, biased to keep each child making progress: a child
// holding fewer in-flight tasks than its configured reserve is served
// before the rest, then children are tried in priority order. If wait
// is true and nothing is ready, the caller blocks until Queue or
// CommandFinish makes something ready.
func (b *BlendScheduler) GetCmd(wait bool) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return nil, ErrClosed
		}
		t, sched, err := b.pick()
		if err != nil {
			return nil, err
		}
		if t != nil {
			if sched != b.group {
				b.group.ResetStreak()
			}
			return t, nil
		}
		if !wait {
			return nil, nil
		}
		b.cond.Wait()
	}
}

// Close wakes every worker blocked in GetCmd(wait=true) and makes all
// subsequent GetCmd calls return ErrClosed, for an orderly shutdown.
func (b *BlendScheduler) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *BlendScheduler) pick() (*Task, childScheduler, error) {
	children := b.children()

	byReserve := make([]childScheduler, len(children))
	copy(byReserve, children)
	sort.SliceStable(byReserve, func(i, j int) bool {
		iUnder := byReserve[i].InFlight() < byReserve[i].MaxReserve()
		jUnder := byReserve[j].InFlight() < byReserve[j].MaxReserve()
		return iUnder && !jUnder
	})

	for _, c := range byReserve {
		if t, err := c.GetCmd(false); err != nil {
			return nil, nil, err
		} else if t != nil {
			return t, c, nil
		}
	}
	return nil, nil, nil
}

// CommandStart stamps t's start time (which QueriesAndChunks reads
// when t finishes) and routes to the task's owning child scheduler.
func (b *BlendScheduler) CommandStart(t *Task) {
	t.start = time.Now()
	if t.sched != nil {
		t.sched.CommandStart(t)
	}
}

// CommandFinish routes to the task's owning child scheduler, notifies
// QueriesAndChunks, and boots overrunning tasks of the same user query
// onto the snail scheduler if the per-UQ time budget has been
// exceeded.
func (b *BlendScheduler) CommandFinish(t *Task) {
	sched := t.sched
	if sched != nil {
		sched.CommandFinish(t)
	}
	if sched != nil && sched != b.snail {
		b.qac.Finish(sched, t)
	}
}

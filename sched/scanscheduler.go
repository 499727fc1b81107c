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
	"time"

	"github.com/lsst/qserv-worker/memman"
)

// childScheduler is the interface BlendScheduler uses to treat the
// GroupScheduler and every ScanScheduler uniformly. It has nothing to
// do with table-kind (index vs. data) polymorphism, which stays a
// plain switch rather than an interface; this is ordinary scheduler
// composition.
type childScheduler interface {
	Name() string
	QueueCmd(t *Task)
	GetCmd(wait bool) (*Task, error)
	CommandStart(t *Task)
	CommandFinish(t *Task)
	InFlight() int
	MaxReserve() int
	BootQuery(queryID string, max int) []*Task

	// MaxMinutes returns the per-user-query time budget this scheduler
	// enforces via QueriesAndChunks, or 0 if it enforces none.
	MaxMinutes() int
}

// ScanScheduler is one speed-class scheduler: it orders tasks whose
// scan rating falls in [MinRating, MaxRating] by chunk and by scan
// slowness, gating dispatch on a MemMan resource grant.
type ScanScheduler struct {
	name              string
	MinRating         ScanRating
	MaxRating         ScanRating
	mm                memman.MemMan
	MaxThreads        int
	MaxReserveThreads int
	Priority          int
	MaxActiveChunks   int
	ScanMaxMinutes    int

	mu           sync.Mutex
	cond         *sync.Cond
	notify       func()
	queue        *ChunkTasksQueue
	inFlight     int
	perUQ        map[string]int
	activeChunks map[int32]int
	startTimes   map[*Task]time.Time

	deferredSet    bool
	deferredHandle memman.Handle
}

// NewScanScheduler constructs a ScanScheduler for the speed-class
// window [minRating, maxRating].
func NewScanScheduler(name string, minRating, maxRating ScanRating, mm memman.MemMan) *ScanScheduler {
	s := &ScanScheduler{
		name:         name,
		MinRating:    minRating,
		MaxRating:    maxRating,
		mm:           mm,
		MaxThreads:   1,
		queue:        NewChunkTasksQueue(),
		perUQ:        make(map[string]int),
		activeChunks: make(map[int32]int),
		startTimes:   make(map[*Task]time.Time),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Name implements childScheduler.
func (s *ScanScheduler) Name() string { return s.name }

// Accepts reports whether rating falls within this scheduler's window.
func (s *ScanScheduler) Accepts(rating ScanRating) bool {
	return rating >= s.MinRating && rating <= s.MaxRating
}

// InFlight implements childScheduler.
func (s *ScanScheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// MaxReserve implements childScheduler.
func (s *ScanScheduler) MaxReserve() int { return s.MaxReserveThreads }

// MaxMinutes implements childScheduler.
func (s *ScanScheduler) MaxMinutes() int { return s.ScanMaxMinutes }

// QueueCmd implements childScheduler.
func (s *ScanScheduler) QueueCmd(t *Task) {
	s.mu.Lock()
	s.perUQ[t.QueryID]++
	t.sched = s
	s.queue.QueueTask(t)
	s.mu.Unlock()
	s.broadcast()
}

func (s *ScanScheduler) broadcast() {
	s.cond.Broadcast()
	if s.notify != nil {
		s.notify()
	}
}

// readyLocked reports whether a task can be dispatched right now. It
// must be called with s.mu held.
func (s *ScanScheduler) readyLocked() (bool, error) {
	if s.inFlight >= s.maxInFlight() {
		return false, nil
	}
	if s.queue.NextTaskDifferentChunkId() && s.MaxActiveChunks > 0 && len(s.activeChunks) >= s.MaxActiveChunks {
		return false, nil
	}
	// useFlexibleLock: when this scheduler is otherwise idle, it may
	// downgrade mandatory locks to flexible to guarantee progress.
	useFlexibleLock := s.inFlight < 1
	ok, err := s.queue.Ready(s.mm, useFlexibleLock)
	s.releaseDeferredLocked()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *ScanScheduler) maxInFlight() int {
	if s.MaxThreads <= 0 {
		return 1
	}
	return s.MaxThreads
}

// GetCmd implements childScheduler: it returns the next dispatchable
// task, blocking on the scheduler's condition variable if wait is
// true and none is currently available.
func (s *ScanScheduler) GetCmd(wait bool) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		ok, err := s.readyLocked()
		if err != nil {
			return nil, err
		}
		if ok {
			useFlexibleLock := s.inFlight < 1
			t, err := s.queue.GetTask(s.mm, useFlexibleLock)
			if err != nil {
				return nil, err
			}
			if t != nil {
				s.inFlight++
				s.perUQ[t.QueryID]--
				s.activeChunks[t.ChunkID]++
				return t, nil
			}
		}
		if !wait {
			return nil, nil
		}
		s.cond.Wait()
	}
}

// CommandStart implements childScheduler.
func (s *ScanScheduler) CommandStart(t *Task) {
	s.mu.Lock()
	s.startTimes[t] = time.Now()
	s.mu.Unlock()
}

// CommandFinish implements childScheduler: it retires t, releases any
// handle deferred from the previous call (the one-task hysteresis
// that keeps files hot when only one thread is working), and either
// defers t's own handle (if the queue still has work) or releases it
// immediately.
func (s *ScanScheduler) CommandFinish(t *Task) {
	s.mu.Lock()
	s.inFlight--
	s.queue.TaskComplete(t)
	delete(s.startTimes, t)
	if c := s.activeChunks[t.ChunkID]; c <= 1 {
		delete(s.activeChunks, t.ChunkID)
	} else {
		s.activeChunks[t.ChunkID] = c - 1
	}
	s.releaseDeferredLocked()

	if h, ok := t.Handle(); ok {
		if s.queue.HasWork() {
			s.deferredHandle = h
			s.deferredSet = true
		} else {
			s.mm.Unlock(h)
		}
	}
	s.mu.Unlock()
	s.broadcast()
}

func (s *ScanScheduler) releaseDeferredLocked() {
	if !s.deferredSet {
		return
	}
	s.mm.Unlock(s.deferredHandle)
	s.deferredSet = false
}

// BootQuery implements childScheduler: it pulls up to max not-yet-
// dispatched tasks belonging to queryID out of this scheduler's
// queue, for QueriesAndChunks to re-queue on the snail scheduler.
func (s *ScanScheduler) BootQuery(queryID string, max int) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	booted := s.queue.BootQuery(queryID, max)
	s.perUQ[queryID] -= len(booted)
	return booted
}

// Elapsed returns how long t has been running, if it is in flight.
func (s *ScanScheduler) Elapsed(t *Task) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.startTimes[t]
	if !ok {
		return 0, false
	}
	return time.Since(start), true
}

var _ childScheduler = (*ScanScheduler)(nil)

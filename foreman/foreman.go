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

// Package foreman runs a fixed pool of worker goroutines that pull
// tasks from a scheduler, run them, and report completion back to it.
package foreman

import (
	"log"
	"runtime"
	"sync"

	"github.com/lsst/qserv-worker/sched"
)

// Scheduler is the subset of BlendScheduler a Foreman needs. It is an
// interface so tests can drive workers against a fake.
type Scheduler interface {
	GetCmd(wait bool) (*sched.Task, error)
	CommandStart(t *sched.Task)
	CommandFinish(t *sched.Task)
}

// Foreman owns a fixed-size pool of worker goroutines, each looping
// on Scheduler.GetCmd. Workers pull their own work from the scheduler
// rather than being handed individual closures.
type Foreman struct {
	sched Scheduler
	log   *log.Logger

	wg sync.WaitGroup
}

// New constructs a Foreman of max(size, runtime.NumCPU()) workers, so
// a configured pool can never undershoot the machine's parallelism.
func New(s Scheduler, size int, logger *log.Logger) *Foreman {
	if n := runtime.NumCPU(); size < n {
		size = n
	}
	if logger == nil {
		logger = log.Default()
	}
	f := &Foreman{sched: s, log: logger}
	f.wg.Add(size)
	for i := 0; i < size; i++ {
		go f.work(i)
	}
	return f
}

func (f *Foreman) work(id int) {
	defer f.wg.Done()
	for {
		t, err := f.sched.GetCmd(true)
		if err != nil {
			if err == sched.ErrClosed {
				return
			}
			f.log.Printf("foreman: worker %d: GetCmd: %v", id, err)
			return
		}
		if t == nil {
			continue
		}
		f.run(id, t)
	}
}

func (f *Foreman) run(id int, t *sched.Task) {
	f.sched.CommandStart(t)
	defer f.sched.CommandFinish(t)
	if t.Run == nil {
		return
	}
	if err := t.Run(t); err != nil {
		f.log.Printf("foreman: worker %d: chunk %d: %v", id, t.ChunkID, err)
	}
}

// Wait blocks until every worker goroutine has exited, which happens
// once the underlying scheduler is closed.
func (f *Foreman) Wait() { f.wg.Wait() }

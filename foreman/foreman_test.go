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

package foreman

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lsst/qserv-worker/sched"
)

// fakeScheduler hands out a fixed slice of tasks once each, then
// reports ErrClosed, simulating a BlendScheduler shut down after its
// queue drains.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []*sched.Task
	started int32
	done    int32
}

func (f *fakeScheduler) GetCmd(wait bool) (*sched.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, sched.ErrClosed
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	return t, nil
}

func (f *fakeScheduler) CommandStart(t *sched.Task) { atomic.AddInt32(&f.started, 1) }
func (f *fakeScheduler) CommandFinish(t *sched.Task) { atomic.AddInt32(&f.done, 1) }

func TestForemanRunsEveryTask(t *testing.T) {
	const n = 20
	var ran int32
	tasks := make([]*sched.Task, n)
	for i := range tasks {
		tasks[i] = &sched.Task{
			ChunkID: int32(i),
			Run: func(t *sched.Task) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
		}
	}
	fs := &fakeScheduler{pending: tasks}

	f := New(fs, 4, nil)
	f.Wait()

	if int(ran) != n {
		t.Fatalf("ran %d tasks, want %d", ran, n)
	}
	if int(fs.started) != n || int(fs.done) != n {
		t.Fatalf("started=%d done=%d, want %d each", fs.started, fs.done, n)
	}
}

func TestForemanDefaultsPoolSize(t *testing.T) {
	fs := &fakeScheduler{}
	f := New(fs, 0, nil)
	f.Wait()
}

func TestForemanSurvivesNilRun(t *testing.T) {
	fs := &fakeScheduler{pending: []*sched.Task{{ChunkID: 1}}}
	f := New(fs, 1, nil)
	f.Wait()
	if fs.done != 1 {
		t.Fatalf("done=%d, want 1", fs.done)
	}
}

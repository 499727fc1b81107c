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

// Package sched implements the composite scheduler that orders and
// dispatches query fragments across a bounded pool of execution
// threads under shared-scan policies, gating dispatch on MemMan
// resource grants.
package sched

import (
	"io"
	"path/filepath"
	"time"

	"github.com/lsst/qserv-worker/memman"
)

// ScanRating quantifies the I/O cost class of a table scan. Larger
// values are slower scans.
type ScanRating int

// The five speed classes named in the wire protocol.
const (
	Fastest ScanRating = 10
	Fast    ScanRating = 20
	Medium  ScanRating = 30
	Slow    ScanRating = 40
	Slowest ScanRating = 50
)

// ScanTable is one table referenced by a task's scan-info, as
// submitted by the external query planner.
type ScanTable struct {
	DB           string
	Table        string
	LockInMemory bool
	ScanSpeed    ScanRating
}

// ResultSink is the opaque callback a task streams its rows through.
// It is modeled directly on vm.QuerySink: a stream is opened per
// concurrent writer, and the sink as a whole is closed once.
type ResultSink interface {
	Open() (io.WriteCloser, error)
	io.Closer
}

// Task is one query fragment addressing a single chunk of a
// partitioned table. It is queued into exactly one scheduler, is
// dequeued exactly once for execution, and its MemMan handle is
// released exactly once.
type Task struct {
	QueryID string
	ChunkID int32
	Scan    []ScanTable
	Rating  ScanRating
	Tables  []memman.TableInfo
	Sink    ResultSink

	// Run executes the query fragment once its MemMan handle has
	// been locked. It is supplied by the external collaborator that
	// actually runs SQL against the local database; this package
	// never interprets it.
	Run func(t *Task) error

	handle  memman.Handle
	hasHndl bool
	sched   childScheduler
	start   time.Time
}

// Interactive reports whether t has no scan info, meaning it should
// be routed to the interactive GroupScheduler rather than to one of
// the shared-scan ScanSchedulers.
func (t *Task) Interactive() bool { return len(t.Scan) == 0 }

// Handle returns the MemMan handle attached to t, if any.
func (t *Task) Handle() (memman.Handle, bool) { return t.handle, t.hasHndl }

func (t *Task) setHandle(h memman.Handle) {
	t.handle = h
	t.hasHndl = true
}

// lockTables builds the []memman.TableInfo for t, optionally
// downgrading REQUIRED entries to FLEXIBLE. This is the mechanism
// behind ChunkTasks.ready's useFlexibleLock promotion: when a
// scheduler is otherwise idle, downgrading lets tasks make progress
// even under memory contention rather than starving entirely.
func (t *Task) lockTables(useFlexibleLock bool) []memman.TableInfo {
	tables := t.Tables
	if len(tables) == 0 {
		tables = t.scanTables()
	}
	if !useFlexibleLock {
		return tables
	}
	out := make([]memman.TableInfo, len(tables))
	for i, ti := range tables {
		out[i] = ti
		if out[i].DataLock == memman.Required {
			out[i].DataLock = memman.Flexible
		}
		if out[i].IndexLock == memman.Required {
			out[i].IndexLock = memman.Flexible
		}
	}
	return out
}

// scanTables derives the table list from t's scan info, for
// submitters that don't spell out per-table lock policies themselves:
// a table marked LockInMemory locks both its data and index files.
func (t *Task) scanTables() []memman.TableInfo {
	out := make([]memman.TableInfo, len(t.Scan))
	for i, st := range t.Scan {
		policy := memman.NoLock
		if st.LockInMemory {
			policy = memman.Required
		}
		out[i] = memman.TableInfo{
			Table:     filepath.Join(st.DB, st.Table),
			DataLock:  policy,
			IndexLock: policy,
		}
	}
	return out
}

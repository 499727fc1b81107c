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
)

// QueriesAndChunks tracks, per user query, the aggregate run time
// accumulated across completed tasks. Once a query has completed at
// least RequiredTasksCompleted tasks on a budgeted scheduler and its
// aggregate run time exceeds that scheduler's MaxMinutes, its
// remaining queued tasks are booted off that scheduler and requeued
// on the snail scheduler, up to MaxTasksBootedPerUserQuery total. This
// keeps one slow user query from monopolizing a fast shared-scan
// scheduler indefinitely, without aborting the query outright.
type QueriesAndChunks struct {
	snail *ScanScheduler

	// RequiredTasksCompleted is how many tasks of a query must finish
	// on a scheduler before boot-overrun is considered for it, so a
	// single slow chunk doesn't trigger a boot based on one sample.
	RequiredTasksCompleted int
	// MaxTasksBootedPerUserQuery caps how many of a query's tasks may
	// be booted to snail in total, across its whole lifetime.
	MaxTasksBootedPerUserQuery int

	mu        sync.Mutex
	elapsed   map[string]time.Duration
	completed map[string]int
	booted    map[string]int
}

// NewQueriesAndChunks constructs a QueriesAndChunks that reroutes
// booted tasks onto snail.
func NewQueriesAndChunks(snail *ScanScheduler) *QueriesAndChunks {
	return &QueriesAndChunks{
		snail:                      snail,
		RequiredTasksCompleted:     4,
		MaxTasksBootedPerUserQuery: 2,
		elapsed:                    make(map[string]time.Duration),
		completed:                  make(map[string]int),
		booted:                     make(map[string]int),
	}
}

// Finish records t's completion against sched and, if t.QueryID has
// now exceeded sched's per-query time budget, boots its remaining
// queued tasks onto the snail scheduler.
func (q *QueriesAndChunks) Finish(sched childScheduler, t *Task) {
	budget := sched.MaxMinutes()
	if budget <= 0 || sched == q.snail {
		return
	}

	q.mu.Lock()
	q.elapsed[t.QueryID] += time.Since(t.start)
	q.completed[t.QueryID]++
	completed := q.completed[t.QueryID]
	total := q.elapsed[t.QueryID]
	already := q.booted[t.QueryID]
	q.mu.Unlock()

	if completed < q.RequiredTasksCompleted {
		return
	}
	if already >= q.MaxTasksBootedPerUserQuery {
		return
	}
	if total < time.Duration(budget)*time.Minute {
		return
	}

	booted := sched.BootQuery(t.QueryID, q.MaxTasksBootedPerUserQuery-already)
	if len(booted) == 0 {
		return
	}

	q.mu.Lock()
	q.booted[t.QueryID] += len(booted)
	q.mu.Unlock()

	for _, bt := range booted {
		bt.sched = q.snail
		q.snail.QueueCmd(bt)
	}
}

// Forget drops a query's tracked state, for callers that want to
// reclaim memory once a user query is known to have fully completed.
func (q *QueriesAndChunks) Forget(queryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.elapsed, queryID)
	delete(q.completed, queryID)
	delete(q.booted, queryID)
}

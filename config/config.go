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

// Package config describes the on-disk, JSON-encoded configuration of
// a worker process: its MemMan budget and the per-speed-class
// scheduler tuning.
package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
)

// MemManClass selects the MemMan implementation.
type MemManClass string

const (
	// MemManNone refuses any REQUIRED table and accounts nothing,
	// for deployments with no local mmap/mlock budget at all.
	MemManNone MemManClass = "none"
	// MemManReal mmaps and (optionally) mlocks table files out of a
	// bounded memory budget.
	MemManReal MemManClass = "real"
)

// SchedulerConfig is the tuning for one child scheduler: a scan
// scheduler, the interactive group scheduler, or snail.
type SchedulerConfig struct {
	// MaxThreads bounds how many tasks this scheduler may have in
	// flight concurrently.
	MaxThreads int `json:"maxThreads"`
	// MaxReserveThreads is how many of MaxThreads are reserved for
	// this scheduler alone, so BlendScheduler always tries it first
	// when it is below this count.
	MaxReserveThreads int `json:"maxReserveThreads,omitempty"`
	// Priority orders this scheduler against its siblings when
	// BlendScheduler surveys them for a ready task; higher is served
	// earlier.
	Priority int `json:"priority,omitempty"`
	// MaxActiveChunks caps how many distinct chunks this scheduler
	// will work on simultaneously, 0 meaning unlimited.
	MaxActiveChunks int `json:"maxActiveChunks,omitempty"`
	// ScanMaxMinutes is the per-user-query time budget this
	// scheduler enforces via QueriesAndChunks, 0 meaning none.
	ScanMaxMinutes int `json:"scanMaxMinutes,omitempty"`
}

// Config is the complete configuration of a worker process.
type Config struct {
	// MemManClass selects which MemMan implementation to construct.
	MemManClass MemManClass `json:"memManClass"`
	// MemManSizeMB is the memory budget, in megabytes, available for
	// mmap/mlock bookkeeping. It is clamped at startup against both
	// RLIMIT_MEMLOCK and (if readable) the current cgroup's
	// memory.max, whichever is smaller.
	MemManSizeMB int64 `json:"memManSizeMb"`
	// MemManLocation is the root directory under which the per-chunk
	// <db>/<table>_<chunk>.MYD and .MYI files are found.
	MemManLocation string `json:"memManLocation"`

	// ThreadPoolSize is the number of Foreman worker goroutines. 0
	// means runtime.NumCPU().
	ThreadPoolSize int `json:"threadPoolSize,omitempty"`

	// Fast, Medium, Slow tune the three built-in scan speed classes;
	// Snail tunes the catch-all scheduler tasks fall back to once
	// booted for exceeding their scheduler's time budget; Group tunes
	// the interactive scheduler.
	Fast   SchedulerConfig `json:"fast"`
	Medium SchedulerConfig `json:"medium"`
	Slow   SchedulerConfig `json:"slow"`
	Snail  SchedulerConfig `json:"snail"`
	Group  SchedulerConfig `json:"group"`

	// MaxGroupSize bounds how many consecutive interactive tasks
	// BlendScheduler dispatches before moving the group scheduler
	// behind the scan schedulers and snail; a group scheduler below
	// its reserve is still served first.
	MaxGroupSize int `json:"maxGroupSize,omitempty"`

	// RequiredTasksCompleted is how many of a user query's tasks must
	// complete on a scheduler before boot-overrun is considered.
	RequiredTasksCompleted int `json:"requiredTasksCompleted,omitempty"`
	// MaxTasksBootedPerUserQuery caps how many tasks of a single user
	// query may ever be booted to snail.
	MaxTasksBootedPerUserQuery int `json:"maxTasksBootedPerUserQuery,omitempty"`
}

// Default returns the configuration new deployments should start
// from: a real, unbounded-reserve MemMan and conservative per-class
// scheduler limits.
func Default() Config {
	return Config{
		MemManClass:                MemManReal,
		MemManSizeMB:               4096,
		Fast:                       SchedulerConfig{MaxThreads: 4, MaxReserveThreads: 1, Priority: 3, MaxActiveChunks: 4, ScanMaxMinutes: 5},
		Medium:                     SchedulerConfig{MaxThreads: 3, MaxReserveThreads: 1, Priority: 2, MaxActiveChunks: 3, ScanMaxMinutes: 15},
		Slow:                       SchedulerConfig{MaxThreads: 2, MaxReserveThreads: 1, Priority: 1, MaxActiveChunks: 2, ScanMaxMinutes: 30},
		Snail:                      SchedulerConfig{MaxThreads: 1},
		Group:                      SchedulerConfig{MaxThreads: 2, MaxReserveThreads: 1},
		MaxGroupSize:               4,
		RequiredTasksCompleted:     4,
		MaxTasksBootedPerUserQuery: 2,
	}
}

// Load reads and validates a Config from fsys at name.
func Load(fsys fs.FS, name string) (Config, error) {
	c := Default()
	f, err := fsys.Open(name)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", name, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports whether c is internally consistent.
func (c Config) Validate() error {
	switch c.MemManClass {
	case MemManNone:
	case MemManReal:
		if c.MemManLocation == "" {
			return fmt.Errorf("config: memManLocation is required for memManClass %q", MemManReal)
		}
		if c.MemManSizeMB <= 0 {
			return fmt.Errorf("config: memManSizeMb must be positive for memManClass %q", MemManReal)
		}
	default:
		return fmt.Errorf("config: unknown memManClass %q", c.MemManClass)
	}
	return nil
}

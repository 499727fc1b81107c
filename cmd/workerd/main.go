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

// Command workerd runs the query-execution worker: it accepts query
// fragments against locally-held chunks of partitioned tables,
// schedules them under a memory-budgeted MemMan, and runs them across
// a fixed Foreman pool.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lsst/qserv-worker/cgroup"
	"github.com/lsst/qserv-worker/config"
	"github.com/lsst/qserv-worker/foreman"
	"github.com/lsst/qserv-worker/memman"
	"github.com/lsst/qserv-worker/sched"
)

var version = "development"

func main() {
	configPath := flag.String("c", "worker.json", "path to the worker configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	logger := log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	dir, name := splitConfigPath(*configPath)
	cfg, err := config.Load(os.DirFS(dir), name)
	if err != nil {
		logger.Fatalf("loading config: %s", err)
	}
	clampMemManBudget(&cfg, logger)

	mm, err := buildMemMan(cfg, logger)
	if err != nil {
		logger.Fatalf("constructing MemMan: %s", err)
	}

	blend := buildBlendScheduler(cfg, mm)
	pool := foreman.New(blend, cfg.ThreadPoolSize, logger)

	logger.Printf("workerd %s: serving %s with %d MB MemMan budget", version, cfg.MemManLocation, cfg.MemManSizeMB)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Printf("workerd: shutting down")
	blend.Close()
	pool.Wait()
	if rm, ok := mm.(*memman.RealMemMan); ok {
		rm.UnlockAll()
	}
}

func splitConfigPath(path string) (dir, name string) {
	dir = "."
	name = path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			dir = path[:i]
			if dir == "" {
				dir = "/"
			}
			name = path[i+1:]
			break
		}
	}
	return dir, name
}

// clampMemManBudget lowers cfg.MemManSizeMB to the current cgroup's
// memory.max, if one is configured and smaller, so a worker started
// inside a memory-limited container never asks MemMan to mlock more
// than the kernel will let it hold resident.
func clampMemManBudget(cfg *config.Config, logger *log.Logger) {
	if total, err := memman.SystemMemoryTotal(); err == nil {
		totalMB := total / (1024 * 1024)
		if totalMB > 0 && totalMB < cfg.MemManSizeMB {
			logger.Printf("workerd: clamping memManSizeMb from %d to %d MB of physical memory", cfg.MemManSizeMB, totalMB)
			cfg.MemManSizeMB = totalMB
		}
	}

	self, err := cgroup.Self()
	if err != nil {
		return
	}
	limit, ok, err := self.MemoryMax()
	if err != nil || !ok {
		return
	}
	limitMB := limit / (1024 * 1024)
	if limitMB > 0 && limitMB < cfg.MemManSizeMB {
		logger.Printf("workerd: clamping memManSizeMb from %d to %d per cgroup memory.max", cfg.MemManSizeMB, limitMB)
		cfg.MemManSizeMB = limitMB
	}
}

func buildMemMan(cfg config.Config, logger *log.Logger) (memman.MemMan, error) {
	if cfg.MemManClass == config.MemManNone {
		return memman.NewNoneMemMan(), nil
	}
	wantBytes := cfg.MemManSizeMB * 1024 * 1024
	mem, err := memman.NewMemoryFromRlimit(wantBytes)
	if err != nil {
		return nil, err
	}
	cache := memman.NewFileCache()
	return memman.NewRealMemMan(cache, mem, cfg.MemManLocation), nil
}

func buildBlendScheduler(cfg config.Config, mm memman.MemMan) *sched.BlendScheduler {
	group := sched.NewGroupScheduler(mm)
	group.MaxThreads = cfg.Group.MaxThreads
	group.MaxReserveThreads = cfg.Group.MaxReserveThreads

	fast := sched.NewScanScheduler("fast", sched.Fastest, sched.Fast, mm)
	applySchedulerConfig(fast, cfg.Fast)
	medium := sched.NewScanScheduler("medium", sched.Fast+1, sched.Medium, mm)
	applySchedulerConfig(medium, cfg.Medium)
	slow := sched.NewScanScheduler("slow", sched.Medium+1, sched.Slow, mm)
	applySchedulerConfig(slow, cfg.Slow)

	snail := sched.NewScanScheduler("snail", sched.Slow+1, sched.Slowest, mm)
	applySchedulerConfig(snail, cfg.Snail)

	blend := sched.NewBlendScheduler(group, []*sched.ScanScheduler{fast, medium, slow}, snail, cfg.MaxGroupSize)
	qac := blend.QueriesAndChunks()
	if cfg.RequiredTasksCompleted > 0 {
		qac.RequiredTasksCompleted = cfg.RequiredTasksCompleted
	}
	if cfg.MaxTasksBootedPerUserQuery > 0 {
		qac.MaxTasksBootedPerUserQuery = cfg.MaxTasksBootedPerUserQuery
	}
	return blend
}

func applySchedulerConfig(s *sched.ScanScheduler, c config.SchedulerConfig) {
	s.MaxThreads = c.MaxThreads
	s.MaxReserveThreads = c.MaxReserveThreads
	s.Priority = c.Priority
	s.MaxActiveChunks = c.MaxActiveChunks
	s.ScanMaxMinutes = c.ScanMaxMinutes
}

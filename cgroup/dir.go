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

// Package cgroup reads resource limits from the Linux cgroupv2
// filesystem. The worker consults its own cgroup at startup so that a
// memory budget configured for bare metal gets clamped to whatever
// the container it actually runs in allows.
package cgroup

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Dir is an absolute cgroup directory path, including the mount path
// of the cgroup2 mountpoint.
type Dir string

// IsZero returns true if d is the zero value of Dir.
// (The zero value of Dir is not a valid cgroup directory.)
func (d Dir) IsZero() bool { return d == "" }

// Root returns the first cgroup2 mountpoint listed in /proc/mounts.
func Root() (Dir, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) >= 3 && parts[2] == "cgroup2" {
			return Dir(parts[1]), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fs.ErrNotExist
}

// Self returns the cgroup of the current process, provided the
// process is *only* a member of a cgroup2 hierarchy and not a legacy
// cgroup1 one.
func Self() (Dir, error) {
	text, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	if len(text) < 3 || text[0] != '0' || text[1] != ':' || text[2] != ':' {
		return "", fmt.Errorf("don't understand /proc/self/cgroup (are you using systemd?): %s", text)
	}
	text = bytes.TrimSpace(text)
	i := bytes.IndexByte(text, '/')
	if i < 0 {
		return "", fmt.Errorf("%s is not a valid cgroup", text)
	}
	root, err := Root()
	if err != nil {
		return "", err
	}
	return root.Sub(string(text[i:])), nil
}

// Sub returns a new Dir that represents a sub-directory of d.
func (d Dir) Sub(dir string) Dir { return Dir(d.join(dir)) }

func (d Dir) join(name string) string { return filepath.Join(string(d), name) }

// readControl reads a single-line control file within d.
func (d Dir) readControl(name string) (string, error) {
	buf, err := os.ReadFile(d.join(name))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(buf)), nil
}

// MemoryMax returns the memory limit configured for d, in bytes. A
// cgroup with no configured limit holds the literal string "max" in
// memory.max; that case is reported as (0, false) rather than as an
// error, since 0 is not itself a meaningful limit.
func (d Dir) MemoryMax() (limit int64, ok bool, err error) {
	line, err := d.readControl("memory.max")
	if err != nil {
		return 0, false, err
	}
	if line == "max" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

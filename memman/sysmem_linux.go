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

//go:build linux

package memman

import (
	"fmt"
	"os"
)

// SystemMemoryTotal returns the total usable DRAM reported by the
// kernel, read from /proc/meminfo. Callers use it to clamp a
// configured budget that exceeds physical memory down to it, rather
// than discovering that the hard way at mlock time.
func SystemMemoryTotal() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var kb int64
	_, err = fmt.Fscanf(f, "MemTotal: %d kB\n", &kb)
	if err != nil {
		return 0, fmt.Errorf("memman: reading /proc/meminfo: %w", err)
	}
	return kb * 1024, nil
}

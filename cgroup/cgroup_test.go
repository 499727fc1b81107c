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

package cgroup

import (
	"os"
	"strings"
	"testing"
)

func writeControl(t *testing.T, d Dir, name, value string) {
	t.Helper()
	if err := os.WriteFile(d.join(name), []byte(value+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryMax(t *testing.T) {
	d := Dir(t.TempDir())
	writeControl(t, d, "memory.max", "1073741824")
	limit, ok, err := d.MemoryMax()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || limit != 1<<30 {
		t.Fatalf("limit=%d ok=%v, want 1GiB limit", limit, ok)
	}
}

func TestMemoryMaxUnlimited(t *testing.T) {
	d := Dir(t.TempDir())
	writeControl(t, d, "memory.max", "max")
	limit, ok, err := d.MemoryMax()
	if err != nil {
		t.Fatal(err)
	}
	if ok || limit != 0 {
		t.Fatalf("limit=%d ok=%v, want no limit", limit, ok)
	}
}

func TestMemoryMaxMissing(t *testing.T) {
	d := Dir(t.TempDir())
	if _, _, err := d.MemoryMax(); err == nil {
		t.Fatal("expected an error for a missing memory.max")
	}
}

func TestSelfWithinRoot(t *testing.T) {
	root, err := Root()
	if err != nil {
		t.Skip("couldn't find cgroup2 root")
	}
	self, err := Self()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(self), string(root)) {
		t.Errorf("current cgroup %s not within root %s", self, root)
	}
}

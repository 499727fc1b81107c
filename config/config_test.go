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

package config

import (
	"testing"
	"testing/fstest"
)

func TestLoadOverridesDefaults(t *testing.T) {
	fsys := fstest.MapFS{
		"worker.json": &fstest.MapFile{Data: []byte(`{
			"memManClass": "real",
			"memManSizeMb": 8192,
			"memManLocation": "/data/qserv",
			"fast": {"maxThreads": 8, "scanMaxMinutes": 5}
		}`)},
	}
	c, err := Load(fsys, "worker.json")
	if err != nil {
		t.Fatal(err)
	}
	if c.MemManSizeMB != 8192 {
		t.Fatalf("memManSizeMb = %d, want 8192", c.MemManSizeMB)
	}
	if c.Fast.MaxThreads != 8 {
		t.Fatalf("fast.maxThreads = %d, want 8", c.Fast.MaxThreads)
	}
	// Medium was not present in the document, so it should retain its
	// default rather than zero out.
	if c.Medium.MaxThreads != Default().Medium.MaxThreads {
		t.Fatalf("medium.maxThreads = %d, want default %d", c.Medium.MaxThreads, Default().Medium.MaxThreads)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	fsys := fstest.MapFS{
		"worker.json": &fstest.MapFile{Data: []byte(`{"memManLocation": "/x", "bogusField": 1}`)},
	}
	if _, err := Load(fsys, "worker.json"); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidateRequiresLocation(t *testing.T) {
	c := Default()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing memManLocation, got nil")
	}
}

func TestValidateRejectsUnknownClass(t *testing.T) {
	c := Default()
	c.MemManLocation = "/data"
	c.MemManClass = "bogus"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown memManClass, got nil")
	}
}

func TestValidateRejectsZeroBudgetForReal(t *testing.T) {
	c := Default()
	c.MemManLocation = "/data"
	c.MemManSizeMB = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero memManSizeMb, got nil")
	}
}

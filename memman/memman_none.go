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

package memman

import "sync"

// NoneMemMan is the "memManClass=none" variant: it refuses every task
// that requires a REQUIRED lock (reporting ErrNoMem, the same errno a
// RealMemMan reports under genuine memory pressure) but accepts
// FLEXIBLE-only (or lock-free) tasks with IsEmpty, since those never
// need any memory locked to proceed.
type NoneMemMan struct {
	mu        sync.Mutex
	numErrors int64
}

// NewNoneMemMan constructs a NoneMemMan.
func NewNoneMemMan() *NoneMemMan {
	return &NoneMemMan{}
}

// Prepare implements MemMan.
func (m *NoneMemMan) Prepare(tables []TableInfo, chunk int32) (Handle, error) {
	required, _ := countFiles(tables)
	if required > 0 {
		m.mu.Lock()
		m.numErrors++
		m.mu.Unlock()
		return Invalid, ErrNoMem
	}
	return IsEmpty, nil
}

// Lock implements MemMan.
func (m *NoneMemMan) Lock(h Handle) error {
	switch h {
	case Invalid:
		return ErrInval
	case IsEmpty:
		return nil
	default:
		return ErrInval
	}
}

// Unlock implements MemMan.
func (m *NoneMemMan) Unlock(h Handle) bool {
	switch h {
	case IsEmpty:
		return true
	default:
		return false
	}
}

// UnlockAll implements MemMan.
func (m *NoneMemMan) UnlockAll() {}

// Statistics implements MemMan.
func (m *NoneMemMan) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Statistics{NumErrors: m.numErrors}
}

// Status implements MemMan.
func (m *NoneMemMan) Status(h Handle) (Status, bool) {
	if h == IsEmpty {
		return Status{}, true
	}
	return Status{}, false
}

var (
	_ MemMan = (*RealMemMan)(nil)
	_ MemMan = (*NoneMemMan)(nil)
)

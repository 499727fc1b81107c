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

// LockPolicy describes how a table's data or index file should be
// treated by MemMan.
type LockPolicy int

const (
	// NoLock means the file is never added to a MemFileSet.
	NoLock LockPolicy = iota
	// Required (a.k.a. MUSTLOCK/MANDATORY) means the task fails if
	// this file cannot be locked.
	Required
	// Flexible means the file is locked if memory permits, but the
	// task runs regardless; its reservation is still held even if
	// the lock itself could not be obtained.
	Flexible
	// Optional is accepted on the wire but never admitted to a file
	// set; it is skipped identically to NoLock.
	Optional
)

func (p LockPolicy) String() string {
	switch p {
	case NoLock:
		return "NOLOCK"
	case Required:
		return "REQUIRED"
	case Flexible:
		return "FLEXIBLE"
	case Optional:
		return "OPTIONAL"
	default:
		return "UNKNOWN"
	}
}

// TableInfo is one external table reference: a table name plus a lock
// policy for its data file and its index file.
type TableInfo struct {
	Table     string
	DataLock  LockPolicy
	IndexLock LockPolicy
}

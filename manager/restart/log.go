/*
 Voxelgrid Fleet, a control plane for running fleets of game server instances.
 Copyright (C) 2025 Voxelgrid contributors

 This program is free software: you can redistribute it and/or modify
 it under the terms of the GNU Affero General Public License as published by
 the Free Software Foundation, either version 3 of the License, or
 (at your option) any later version.

 This program is distributed in the hope that it will be useful,
 but WITHOUT ANY WARRANTY; without even the implied warranty of
 MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 GNU Affero General Public License for more details.

 You should have received a copy of the GNU Affero General Public License
 along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package restart

import (
	"sync"
	"time"
)

type LogStatus string

const (
	LogRunning LogStatus = "RUNNING"
	LogSuccess LogStatus = "SUCCESS"
	LogFailed  LogStatus = "FAILED"
)

// LogEntry records the execution of one restart target. entries
// transition RUNNING to SUCCESS or FAILED, with a message on failure.
type LogEntry struct {
	Time    time.Time
	Group   string
	Target  string
	Status  LogStatus
	Message string
}

// LogToken refers back to an entry created by Begin.
type LogToken struct {
	entry *LogEntry
}

// Log is the bounded, append-only restart history, retained in
// memory and queryable most-recent-first.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []*LogEntry
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{capacity: capacity}
}

func (l *Log) Begin(group, target string) LogToken {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &LogEntry{
		Time:   time.Now(),
		Group:  group,
		Target: target,
		Status: LogRunning,
	}

	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return LogToken{entry: e}
}

func (l *Log) Complete(t LogToken, status LogStatus, message string) {
	if t.entry == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	t.entry.Status = status
	t.entry.Message = message
}

// Recent returns up to n entries, newest first. n <= 0 returns all
// retained entries.
func (l *Log) Recent(n int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}

	out := make([]LogEntry, 0, n)
	for i := len(l.entries) - 1; i >= len(l.entries)-n; i-- {
		out = append(out, *l.entries[i])
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

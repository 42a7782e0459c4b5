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

import "time"

type TargetKind string

const (
	// TargetGroup restarts every running instance of an instance
	// group.
	TargetGroup TargetKind = "GROUP"
	// TargetService restarts a single named instance.
	TargetService TargetKind = "SERVICE"
)

// Target is one restart unit within a restart group. higher priority
// runs first. the timeout overrides fall back to the scheduler-wide
// defaults when nil.
type Target struct {
	Name           string         `json:"name"`
	Kind           TargetKind     `json:"kind"`
	Priority       int            `json:"priority"`
	RestartTimeout *time.Duration `json:"restartTimeout,omitempty"`
	HealthTimeout  *time.Duration `json:"healthTimeout,omitempty"`
}

// Group is the scheduler configuration unit: a wall-clock restart
// time in 24h HH:MM format and an ordered list of targets. target
// names are unique within a group.
type Group struct {
	Name    string   `json:"name"`
	Time    string   `json:"time"`
	Enabled bool     `json:"enabled"`
	Targets []Target `json:"targets"`
}

// PriorityLabel buckets a priority into a human label. purely for
// display, the scheduler only compares the raw numbers.
func PriorityLabel(priority int) string {
	switch {
	case priority >= 200:
		return "very high"
	case priority >= 100:
		return "high"
	case priority >= 50:
		return "medium"
	case priority >= 10:
		return "low"
	default:
		return "very low"
	}
}

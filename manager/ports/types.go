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

package ports

import "context"

const (
	// MinPort and MaxPort bound the range of ports instances
	// are allowed to bind to. everything below 1024 is reserved
	// for privileged services.
	MinPort uint16 = 1024
	MaxPort uint16 = 65535

	// DefaultFindLimit caps FindAvailableInRange results when the
	// caller did not pass an explicit limit, so an accidental scan
	// over the full range does not return tens of thousands of ports.
	DefaultFindLimit = 100
)

type Status string

const (
	StatusFree        Status = "FREE"
	StatusUsed        Status = "USED"
	StatusBlocked     Status = "BLOCKED"
	StatusForceClosed Status = "FORCE_CLOSED"
	StatusOutOfRange  Status = "OUT_OF_RANGE"
)

// Info is the answer to a port status query. InstanceID is only
// set when the port is used and the owning instance is known.
type Info struct {
	Port       uint16
	Status     Status
	InstanceID string
}

type Stats struct {
	Used        int
	Blocked     int
	ForceClosed int
	UsedPorts   []uint16
}

// ProcessHandle identifies an OS process found bound to a port.
type ProcessHandle struct {
	PID     int
	Command string
}

// ProcessInspector locates and terminates processes at the OS level.
// it is only consulted by the explicit forceful operations, never
// automatically.
type ProcessInspector interface {
	FindProcess(ctx context.Context, port uint16) (ProcessHandle, error)
	Terminate(ctx context.Context, handle ProcessHandle) error
}

// ServiceKiller terminates a managed instance outright, bypassing
// graceful shutdown.
type ServiceKiller interface {
	Kill(ctx context.Context, instanceID string) error
}

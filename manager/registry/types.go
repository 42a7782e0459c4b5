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

package registry

import (
	"fmt"
	"time"
)

type State string

const (
	// StatePrepared means the record exists but the process has
	// not been launched yet.
	StatePrepared State = "PREPARED"
	// StateStarting means the launch was initiated but the process
	// is not reachable yet.
	StateStarting State = "STARTING"
	// StateVisible means the process is online, authenticated and
	// eligible to receive players.
	StateVisible State = "VISIBLE"
	// StateInvisible means the process is online but intentionally
	// hidden, e.g. while warming up mid-restart.
	StateInvisible State = "INVISIBLE"
	// StateClosed is terminal. the process exited and the record
	// is removed from the registry.
	StateClosed State = "CLOSED"
)

type GroupKind string

const (
	// GroupKindProxy marks front-door groups players connect
	// through.
	GroupKindProxy GroupKind = "PROXY"
	// GroupKindBackend marks groups running actual game servers.
	GroupKindBackend GroupKind = "BACKEND"
)

// Instance is one running or prepared worker process managed by the
// fleet. the canonical copy lives in the registry; wrapper nodes only
// hold an advisory copy refreshed by heartbeats.
type Instance struct {
	ID          string
	Group       string
	Ordinal     int
	Node        string
	Port        uint16
	MaxMemoryMB int
	State       State
	OnlineCount int
	Capacity    int
	UpdatedAt   time.Time
}

// Name returns the display name, always derivable as group-ordinal.
func (i Instance) Name() string {
	return fmt.Sprintf("%s-%d", i.Group, i.Ordinal)
}

// Online reports whether the process is up and authenticated,
// regardless of player visibility.
func (i Instance) Online() bool {
	return i.State == StateVisible || i.State == StateInvisible
}

func (i Instance) Active() bool {
	return i.State != StatePrepared && i.State != StateClosed
}

func (i Instance) Full() bool {
	return i.Capacity > 0 && i.OnlineCount >= i.Capacity
}

// Group is a named template/pool that instances belong to. static
// groups have a fixed, capped set of ordinals that persist across
// restarts; dynamic groups spawn and retire instances elastically.
type Group struct {
	Name          string
	Static        bool
	StartPriority int
	Kind          GroupKind
	MaxInstances  int
}

// StatusReport is one heartbeat item sent by a wrapper node for an
// instance it supervises.
type StatusReport struct {
	InstanceID  string
	State       State
	Port        uint16
	OnlineCount int
	Capacity    int
}

type EventKind string

const (
	// EventStarting fires when the process launch was initiated.
	EventStarting EventKind = "STARTING"
	// EventConnected fires when the process authenticated to the
	// manager.
	EventConnected EventKind = "CONNECTED"
	// EventStarted fires when the instance became online.
	EventStarted EventKind = "STARTED"
	// EventUnregistered fires when the record was removed after
	// process exit.
	EventUnregistered EventKind = "UNREGISTERED"
)

// Event is one state transition. Instance is a snapshot taken at the
// moment the transition was observed. listeners must filter by
// instance id, never by group or kind, so two instances transitioning
// at the same moment cannot cross-resolve each other's waiters.
type Event struct {
	Kind     EventKind
	Instance Instance
}

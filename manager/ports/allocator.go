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

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/pkg/errors"
	apierrs "github.com/voxelgrid/fleet/manager/errors"
)

var ErrNoFreePort = errors.New("no free port in range")

// Allocator arbitrates which TCP ports are available for instance
// binding. a port is in exactly one of four states: free, used by an
// instance, administratively blocked or force-closed. force-closed
// ports are remembered until CleanupForcedClosedPorts is called, so
// a port that just had its process killed is not handed out again
// immediately.
type Allocator struct {
	logger    *slog.Logger
	inspector ProcessInspector

	mu      sync.Mutex
	used    map[uint16]string
	blocked map[uint16]bool
	forced  map[uint16]bool
	killer  ServiceKiller
}

func NewAllocator(logger *slog.Logger, inspector ProcessInspector, blocked []uint16) *Allocator {
	a := &Allocator{
		logger:    logger.With("component", "port-allocator"),
		inspector: inspector,
		used:      make(map[uint16]string),
		blocked:   make(map[uint16]bool),
		forced:    make(map[uint16]bool),
	}
	for _, p := range blocked {
		a.blocked[p] = true
	}
	return a
}

// BindKiller wires the instance controller in after construction.
// the controller needs the allocator to claim ports, so it cannot
// be passed to NewAllocator.
func (a *Allocator) BindKiller(k ServiceKiller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killer = k
}

// Claim marks port as used by the given instance. claiming a port
// that is already owned by the same instance is a no-op, so repeated
// heartbeat updates do not fail.
func (a *Allocator) Claim(port uint16, instanceID string) error {
	if port < MinPort {
		return apierrs.ErrPortOutOfRange
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimLocked(port, instanceID)
}

func (a *Allocator) claimLocked(port uint16, instanceID string) error {
	if a.blocked[port] {
		return apierrs.ErrPortBlocked
	}
	if a.forced[port] {
		return apierrs.ErrPortInUse
	}
	if owner, ok := a.used[port]; ok && owner != instanceID {
		return apierrs.ErrPortInUse
	}
	a.used[port] = instanceID
	return nil
}

func (a *Allocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// Allocate scans [start, end) in ascending order and claims the first
// free port for the given instance. scan and claim happen in one
// critical section, so a returned port can never be handed out twice.
func (a *Allocator) Allocate(start, end uint16, instanceID string) (uint16, error) {
	if err := validateRange(start, end); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for port := start; port < end; port++ {
		if a.claimLocked(port, instanceID) != nil {
			continue
		}
		return port, nil
	}
	return 0, ErrNoFreePort
}

// FindAvailableInRange returns up to maxResults free ports in
// [start, end), ascending. maxResults <= 0 falls back to
// DefaultFindLimit.
func (a *Allocator) FindAvailableInRange(start, end uint16, maxResults int) ([]uint16, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	if maxResults <= 0 || maxResults > DefaultFindLimit {
		maxResults = DefaultFindLimit
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	free := make([]uint16, 0, maxResults)
	for port := start; port < end; port++ {
		if _, ok := a.used[port]; ok {
			continue
		}
		if a.blocked[port] || a.forced[port] {
			continue
		}
		free = append(free, port)
		if len(free) == maxResults {
			break
		}
	}
	return free, nil
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	usedPorts := make([]uint16, 0, len(a.used))
	for p := range a.used {
		usedPorts = append(usedPorts, p)
	}
	slices.Sort(usedPorts)

	return Stats{
		Used:        len(a.used),
		Blocked:     len(a.blocked),
		ForceClosed: len(a.forced),
		UsedPorts:   usedPorts,
	}
}

func (a *Allocator) Status(port uint16) Info {
	if port < MinPort {
		return Info{Port: port, Status: StatusOutOfRange}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.used[port]; ok {
		return Info{Port: port, Status: StatusUsed, InstanceID: id}
	}
	if a.blocked[port] {
		return Info{Port: port, Status: StatusBlocked}
	}
	if a.forced[port] {
		return Info{Port: port, Status: StatusForceClosed}
	}
	return Info{Port: port, Status: StatusFree}
}

// BruteClosePort terminates whatever process is bound to port at the
// OS level. on success the port transitions to force-closed and is
// excluded from allocation until CleanupForcedClosedPorts.
func (a *Allocator) BruteClosePort(ctx context.Context, port uint16) error {
	if port < MinPort {
		return apierrs.ErrPortOutOfRange
	}

	handle, err := a.inspector.FindProcess(ctx, port)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	if err := a.inspector.Terminate(ctx, handle); err != nil {
		return fmt.Errorf("terminate pid %d: %w", handle.PID, err)
	}

	a.mu.Lock()
	delete(a.used, port)
	a.forced[port] = true
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "brute closed port", "port", port, "pid", handle.PID, "command", handle.Command)
	return nil
}

// ForceKillService terminates the instance bound to port outright,
// bypassing graceful shutdown. the port itself is released by the
// registry once the process exit is observed.
func (a *Allocator) ForceKillService(ctx context.Context, port uint16) error {
	if port < MinPort {
		return apierrs.ErrPortOutOfRange
	}

	a.mu.Lock()
	id, ok := a.used[port]
	killer := a.killer
	a.mu.Unlock()

	if !ok {
		return apierrs.ErrInstanceNotFound
	}
	if killer == nil {
		return errors.New("no service killer bound")
	}

	if err := killer.Kill(ctx, id); err != nil {
		return fmt.Errorf("kill instance %s: %w", id, err)
	}

	a.logger.InfoContext(ctx, "force killed instance", "port", port, "instance_id", id)
	return nil
}

// CleanupForcedClosedPorts clears the force-closed memory and returns
// how many ports became eligible for allocation again.
func (a *Allocator) CleanupForcedClosedPorts() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.forced)
	a.forced = make(map[uint16]bool)
	return n
}

func validateRange(start, end uint16) error {
	if start < MinPort {
		return apierrs.ErrPortOutOfRange
	}
	if start >= end {
		return apierrs.ErrInvalidPortRange
	}
	return nil
}

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

// Package wrapper runs instances as local OS processes. it is the
// single-host stand-in for remote wrapper daemons: the scheduler and
// the port allocator only ever see its Controller and inspector
// contracts.
package wrapper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	apierrs "github.com/voxelgrid/fleet/manager/errors"
	"github.com/voxelgrid/fleet/manager/registry"
)

var ErrNoCommand = errors.New("no instance command configured")

// PortAllocator is the slice of the port allocator the controller
// needs: claim a port for a new instance, give it back on failure.
type PortAllocator interface {
	Allocate(start, end uint16, instanceID string) (uint16, error)
	Release(port uint16)
}

type Config struct {
	// Command is the argv template used to launch an instance. the
	// assignment is passed through the environment: FLEET_GROUP,
	// FLEET_ORDINAL, FLEET_PORT, FLEET_MAX_MEMORY_MB.
	Command  []string
	WorkDir  string
	NodeName string

	PortRangeStart uint16
	PortRangeEnd   uint16

	DefaultCapacity    int
	DefaultMaxMemoryMB int
}

// LocalController launches and supervises instance processes on the
// manager's own host. a reaper goroutine per process observes the
// exit and deregisters the instance, which resolves pending state
// waits and frees the port.
type LocalController struct {
	logger *slog.Logger
	reg    *registry.Registry
	alloc  PortAllocator
	cfg    Config

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

func NewLocalController(
	logger *slog.Logger,
	reg *registry.Registry,
	alloc PortAllocator,
	cfg Config,
) *LocalController {
	return &LocalController{
		logger: logger.With("component", "local-controller"),
		reg:    reg,
		alloc:  alloc,
		cfg:    cfg,
		procs:  make(map[string]*exec.Cmd),
	}
}

// StartInstance prepares a record for the group's next free ordinal,
// allocates a port and launches the process. the returned snapshot
// is in STARTING state; the instance becomes VISIBLE once its
// heartbeat reports it online.
func (c *LocalController) StartInstance(ctx context.Context, group string) (registry.Instance, error) {
	g, err := c.reg.GroupByName(group)
	if err != nil {
		return registry.Instance{}, err
	}

	if g.Static && g.MaxInstances > 0 && len(c.reg.GroupInstances(group)) >= g.MaxInstances {
		return registry.Instance{}, fmt.Errorf("group %s is capped at %d instances", group, g.MaxInstances)
	}

	if len(c.cfg.Command) == 0 {
		return registry.Instance{}, ErrNoCommand
	}

	id, err := uuid.NewV7()
	if err != nil {
		return registry.Instance{}, fmt.Errorf("instance id: %w", err)
	}

	port, err := c.alloc.Allocate(c.cfg.PortRangeStart, c.cfg.PortRangeEnd, id.String())
	if err != nil {
		return registry.Instance{}, fmt.Errorf("allocate port: %w", err)
	}

	ins := registry.Instance{
		ID:          id.String(),
		Group:       group,
		Ordinal:     c.reg.NextOrdinal(group),
		Node:        c.cfg.NodeName,
		Port:        port,
		MaxMemoryMB: c.cfg.DefaultMaxMemoryMB,
		State:       registry.StatePrepared,
		Capacity:    c.cfg.DefaultCapacity,
	}

	if err := c.reg.Register(ins); err != nil {
		c.alloc.Release(port)
		return registry.Instance{}, fmt.Errorf("register instance: %w", err)
	}

	cmd := exec.Command(c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = c.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FLEET_GROUP=%s", group),
		fmt.Sprintf("FLEET_ORDINAL=%d", ins.Ordinal),
		fmt.Sprintf("FLEET_PORT=%d", port),
		fmt.Sprintf("FLEET_MAX_MEMORY_MB=%d", ins.MaxMemoryMB),
	)

	if err := cmd.Start(); err != nil {
		c.reg.Deregister(ins.ID)
		return registry.Instance{}, fmt.Errorf("launch %s: %w", ins.Name(), err)
	}

	c.mu.Lock()
	c.procs[ins.ID] = cmd
	c.mu.Unlock()

	ins.State = registry.StateStarting
	if err := c.reg.Update(ins); err != nil {
		c.logger.ErrorContext(ctx, "failed to update instance", "instance_id", ins.ID, "err", err)
	}
	c.reg.Publish(ctx, registry.Event{Kind: registry.EventStarting, Instance: ins})

	c.logger.InfoContext(ctx, "started instance",
		"instance", ins.Name(),
		"instance_id", ins.ID,
		"port", port,
		"pid", cmd.Process.Pid,
	)

	go c.reap(ins.ID, cmd)

	return ins, nil
}

// Shutdown asks the process to exit gracefully. the registry record
// stays in its last-known state until the reaper observes the exit.
func (c *LocalController) Shutdown(_ context.Context, ins registry.Instance) error {
	c.mu.Lock()
	cmd, ok := c.procs[ins.ID]
	c.mu.Unlock()

	if !ok {
		return apierrs.ErrInstanceNotFound
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", ins.Name(), err)
	}
	return nil
}

// Kill terminates the process outright. it implements the port
// allocator's ServiceKiller contract.
func (c *LocalController) Kill(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	cmd, ok := c.procs[instanceID]
	c.mu.Unlock()

	if !ok {
		return apierrs.ErrInstanceNotFound
	}

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill instance %s: %w", instanceID, err)
	}

	c.logger.WarnContext(ctx, "killed instance", "instance_id", instanceID)
	return nil
}

func (c *LocalController) reap(id string, cmd *exec.Cmd) {
	err := cmd.Wait()

	c.mu.Lock()
	delete(c.procs, id)
	c.mu.Unlock()

	c.logger.Info("instance exited", "instance_id", id, "err", err)
	c.reg.Deregister(id)
}

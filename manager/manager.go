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

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/voxelgrid/fleet/manager/ports"
	"github.com/voxelgrid/fleet/manager/registry"
	"github.com/voxelgrid/fleet/manager/restart"
	"github.com/voxelgrid/fleet/manager/wrapper"
)

// Manager is the single logical authority of the fleet: it owns the
// registry, the port allocator and the restart scheduler and passes
// references explicitly to whatever needs them.
type Manager struct {
	logger *slog.Logger
	cfg    Config
	cancel context.CancelFunc
}

func NewManager(logger *slog.Logger, cfg Config) *Manager {
	return &Manager{
		logger: logger,
		cfg:    cfg,
	}
}

func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer cancel()

	store := restart.NewFileStore(m.cfg.RestartConfigPath)

	doc, err := store.Load(ctx)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load restart config: %w", err)
		}
		if err := store.Save(ctx, restart.Document{}); err != nil {
			return fmt.Errorf("write default restart config: %w", err)
		}
	}

	var (
		alloc = ports.NewAllocator(m.logger, wrapper.NewProcFinder(m.logger), doc.BlockedPorts)
		reg   = registry.NewRegistry(m.logger, alloc)
		ctrl  = wrapper.NewLocalController(m.logger, reg, alloc, wrapper.Config{
			Command:            m.cfg.InstanceCommand,
			WorkDir:            m.cfg.InstanceWorkDir,
			NodeName:           m.cfg.NodeName,
			PortRangeStart:     m.cfg.PortRangeStart,
			PortRangeEnd:       m.cfg.PortRangeEnd,
			DefaultCapacity:    m.cfg.DefaultCapacity,
			DefaultMaxMemoryMB: m.cfg.DefaultMaxMemoryMB,
		})
		sched = restart.NewScheduler(
			m.logger,
			reg,
			ctrl,
			store,
			restart.NewLog(m.cfg.RestartLogCapacity),
			m.cfg.Timing,
		)
	)

	alloc.BindKiller(ctrl)

	for _, def := range doc.InstanceGroups {
		reg.PutGroup(def.ToRegistry())
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	events, unsubscribe := reg.Subscribe()

	g := multierror.Group{}
	g.Go(func() error {
		for ev := range events {
			m.logger.InfoContext(ctx, "instance transition",
				"kind", ev.Kind,
				"instance", ev.Instance.Name(),
				"instance_id", ev.Instance.ID,
				"state", ev.Instance.State,
			)
		}
		return nil
	})

	<-ctx.Done()

	sched.Stop()
	unsubscribe()

	return g.Wait().ErrorOrNil()
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

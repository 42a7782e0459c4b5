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
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/voxelgrid/fleet/manager/registry"
)

// fakeController applies lifecycle commands straight to the registry:
// a shutdown deregisters, a start registers an online replacement at
// the smallest free ordinal.
type fakeController struct {
	reg *registry.Registry

	mu        sync.Mutex
	seq       int
	starts    []string
	shutdowns []string
}

func (f *fakeController) StartInstance(_ context.Context, group string) (registry.Instance, error) {
	f.mu.Lock()
	f.seq++
	f.starts = append(f.starts, group)
	id := fmt.Sprintf("%s-replacement-%d", group, f.seq)
	f.mu.Unlock()

	ins := registry.Instance{
		ID:      id,
		Group:   group,
		Ordinal: f.reg.NextOrdinal(group),
		State:   registry.StateVisible,
	}
	if err := f.reg.Register(ins); err != nil {
		return registry.Instance{}, err
	}
	return ins, nil
}

func (f *fakeController) Shutdown(_ context.Context, ins registry.Instance) error {
	f.mu.Lock()
	f.shutdowns = append(f.shutdowns, ins.Name())
	f.mu.Unlock()

	f.reg.Deregister(ins.ID)
	return nil
}

func newTestExecutor(t *testing.T) (*executor, *registry.Registry, *fakeController) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	reg := registry.NewRegistry(logger, nil)
	ctrl := &fakeController{reg: reg}

	return &executor{
		logger: logger,
		reg:    reg,
		ctrl:   ctrl,
		log:    NewLog(100),
		timing: Timing{},
	}, reg, ctrl
}

func seedInstances(t *testing.T, reg *registry.Registry, group string, states ...registry.State) {
	t.Helper()
	for i, state := range states {
		require.NoError(t, reg.Register(registry.Instance{
			ID:      fmt.Sprintf("%s-seed-%d", group, i+1),
			Group:   group,
			Ordinal: i + 1,
			State:   state,
		}))
	}
}

func TestPartition(t *testing.T) {
	targets := []Target{
		{Name: "gamma", Kind: TargetGroup, Priority: 50},
		{Name: "beta-1", Kind: TargetService, Priority: 200},
		{Name: "alpha", Kind: TargetGroup, Priority: 200},
		{Name: "delta", Kind: TargetGroup, Priority: 200},
	}

	tiers := partition(targets)
	require.Len(t, tiers, 2)

	require.Equal(t, 200, tiers[0].priority)
	require.Equal(t, "alpha", tiers[0].groups[0].Name)
	require.Equal(t, "delta", tiers[0].groups[1].Name)
	require.Equal(t, "beta-1", tiers[0].services[0].Name)

	require.Equal(t, 50, tiers[1].priority)
	require.Equal(t, "gamma", tiers[1].groups[0].Name)
}

func TestExecuteGroupOrdering(t *testing.T) {
	e, reg, ctrl := newTestExecutor(t)

	reg.PutGroup(registry.Group{Name: "alpha", Static: true, MaxInstances: 3})
	reg.PutGroup(registry.Group{Name: "beta"})
	reg.PutGroup(registry.Group{Name: "gamma"})
	seedInstances(t, reg, "beta", registry.StateVisible)
	seedInstances(t, reg, "gamma", registry.StateVisible)

	require.NoError(t, e.executeGroup(context.Background(), Group{
		Name: "nightly",
		Time: "03:00",
		Targets: []Target{
			{Name: "gamma", Kind: TargetGroup, Priority: 50},
			{Name: "beta-1", Kind: TargetService, Priority: 200},
			{Name: "alpha", Kind: TargetGroup, Priority: 200},
		},
	}))

	// higher tier first, groups before services within a tier
	entries := e.log.Recent(0)
	require.Len(t, entries, 3)
	require.Equal(t, "gamma", entries[0].Target)
	require.Equal(t, "beta-1", entries[1].Target)
	require.Equal(t, "alpha", entries[2].Target)
	for _, entry := range entries {
		require.Equal(t, LogSuccess, entry.Status)
	}

	// the service was replaced in its own group, the dynamic group
	// was shut down without replacements
	require.Equal(t, []string{"beta"}, ctrl.starts)
	require.Equal(t, []string{"beta-1", "gamma-1"}, ctrl.shutdowns)
}

func TestRestartGroupStatic(t *testing.T) {
	e, reg, ctrl := newTestExecutor(t)

	reg.PutGroup(registry.Group{Name: "hub", Static: true, MaxInstances: 3})
	seedInstances(t, reg, "hub", registry.StateVisible, registry.StateVisible, registry.StateVisible)

	require.NoError(t, e.restartGroup(context.Background(), Target{Name: "hub", Kind: TargetGroup}))

	// shutdown walks ordinals downwards, replacements fill them back
	// up from the bottom
	require.Equal(t, []string{"hub-3", "hub-2", "hub-1"}, ctrl.shutdowns)
	require.Equal(t, []string{"hub", "hub", "hub"}, ctrl.starts)

	ordinals := make([]int, 0, 3)
	for _, ins := range reg.GroupInstances("hub") {
		ordinals = append(ordinals, ins.Ordinal)
		require.True(t, ins.Online())
	}
	require.Equal(t, []int{1, 2, 3}, ordinals)
}

func TestRestartGroupDynamic(t *testing.T) {
	e, reg, ctrl := newTestExecutor(t)

	reg.PutGroup(registry.Group{Name: "mini"})
	seedInstances(t, reg, "mini", registry.StateVisible, registry.StateVisible)

	require.NoError(t, e.restartGroup(context.Background(), Target{Name: "mini", Kind: TargetGroup}))

	require.Equal(t, []string{"mini-2", "mini-1"}, ctrl.shutdowns)
	require.Empty(t, ctrl.starts)
	require.Empty(t, reg.GroupInstances("mini"))
}

func TestRestartGroupSkipsNonRunningStates(t *testing.T) {
	e, reg, ctrl := newTestExecutor(t)

	reg.PutGroup(registry.Group{Name: "mixed"})
	seedInstances(t, reg, "mixed",
		registry.StatePrepared,
		registry.StateStarting,
		registry.StateVisible,
		registry.StateInvisible,
	)

	require.NoError(t, e.restartGroup(context.Background(), Target{Name: "mixed", Kind: TargetGroup}))

	// only starting and visible instances take part in the roll
	require.Equal(t, []string{"mixed-3", "mixed-2"}, ctrl.shutdowns)
}

func TestRestartGroupEmpty(t *testing.T) {
	e, reg, ctrl := newTestExecutor(t)
	reg.PutGroup(registry.Group{Name: "idle", Static: true, MaxInstances: 2})

	require.NoError(t, e.restartGroup(context.Background(), Target{Name: "idle", Kind: TargetGroup}))
	require.Empty(t, ctrl.shutdowns)
	require.Empty(t, ctrl.starts)
}

func TestExecuteGroupContinuesAfterFailure(t *testing.T) {
	e, reg, ctrl := newTestExecutor(t)

	reg.PutGroup(registry.Group{Name: "ok"})
	seedInstances(t, reg, "ok", registry.StateVisible)

	require.NoError(t, e.executeGroup(context.Background(), Group{
		Name: "nightly",
		Time: "03:00",
		Targets: []Target{
			{Name: "missing", Kind: TargetGroup},
			{Name: "ok", Kind: TargetGroup},
		},
	}))

	entries := e.log.Recent(0)
	require.Len(t, entries, 2)
	require.Equal(t, "missing", entries[0].Target)
	require.Equal(t, LogFailed, entries[0].Status)
	require.NotEmpty(t, entries[0].Message)
	require.Equal(t, "ok", entries[1].Target)
	require.Equal(t, LogSuccess, entries[1].Status)

	require.Equal(t, []string{"ok-1"}, ctrl.shutdowns)
}

func TestExecuteGroupAbortsOnCancel(t *testing.T) {
	e, reg, _ := newTestExecutor(t)

	reg.PutGroup(registry.Group{Name: "lobby"})
	seedInstances(t, reg, "lobby", registry.StateVisible)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.executeGroup(ctx, Group{
		Name:    "nightly",
		Time:    "03:00",
		Targets: []Target{{Name: "lobby", Kind: TargetGroup}},
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRestartServiceUnknownInstance(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	err := e.restartService(context.Background(), Target{Name: "ghost-1", Kind: TargetService})
	require.Error(t, err)
}

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

package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voxelgrid/fleet/manager/registry"
)

func TestAwaitStateAlreadySatisfied(t *testing.T) {
	reg := newRegistry(t, nil)
	reg.PutGroup(registry.Group{Name: "lobby"})

	ins := registry.Instance{ID: "a", Group: "lobby", Ordinal: 1, State: registry.StateVisible}
	require.NoError(t, reg.Register(ins))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := reg.AwaitState(ins, registry.IsOnline).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
	require.True(t, got.Online())
}

func TestAwaitStateUnknownInstanceResolvesClosed(t *testing.T) {
	reg := newRegistry(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ins := registry.Instance{ID: "ghost", Group: "lobby", Ordinal: 1, OnlineCount: 5}
	got, err := reg.AwaitState(ins, registry.IsOnline).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, registry.StateClosed, got.State)
	require.Equal(t, 0, got.OnlineCount)
}

func TestAwaitStateResolvesOnMatchingEvent(t *testing.T) {
	reg := newRegistry(t, nil)
	reg.PutGroup(registry.Group{Name: "lobby"})

	ins := registry.Instance{ID: "a", Group: "lobby", Ordinal: 1, State: registry.StateStarting}
	require.NoError(t, reg.Register(ins))

	fut := reg.AwaitState(ins, registry.IsOnline)

	ins.State = registry.StateVisible
	require.NoError(t, reg.Update(ins))
	reg.Publish(context.Background(), registry.Event{Kind: registry.EventStarted, Instance: ins})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, registry.StateVisible, got.State)
}

func TestAwaitStateIgnoresNonMatchingEvents(t *testing.T) {
	reg := newRegistry(t, nil)
	reg.PutGroup(registry.Group{Name: "lobby"})

	ins := registry.Instance{ID: "a", Group: "lobby", Ordinal: 1, State: registry.StatePrepared}
	require.NoError(t, reg.Register(ins))

	fut := reg.AwaitState(ins, registry.IsOnline)

	ins.State = registry.StateStarting
	require.NoError(t, reg.Update(ins))
	reg.Publish(context.Background(), registry.Event{Kind: registry.EventStarting, Instance: ins})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := fut.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitStateDeregisterResolvesAllWaiters(t *testing.T) {
	reg := newRegistry(t, nil)
	reg.PutGroup(registry.Group{Name: "lobby"})

	ins := registry.Instance{ID: "a", Group: "lobby", Ordinal: 1, State: registry.StateStarting}
	require.NoError(t, reg.Register(ins))

	// two waiters with predicates that will never match, since the
	// instance goes straight to closed
	futOnline := reg.AwaitState(ins, registry.IsOnline)
	futFull := reg.AwaitState(ins, func(i registry.Instance) bool { return i.Full() })

	reg.Deregister("a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, fut := range []*registry.StateFuture{futOnline, futFull} {
		got, err := fut.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, registry.StateClosed, got.State)
	}
}

func TestAwaitStateFiltersByInstanceID(t *testing.T) {
	reg := newRegistry(t, nil)
	reg.PutGroup(registry.Group{Name: "lobby"})

	a := registry.Instance{ID: "a", Group: "lobby", Ordinal: 1, State: registry.StateStarting}
	b := registry.Instance{ID: "b", Group: "lobby", Ordinal: 2, State: registry.StateStarting}
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	fut := reg.AwaitState(a, registry.IsOnline)

	// b coming online must not resolve a's future
	b.State = registry.StateVisible
	require.NoError(t, reg.Update(b))
	reg.Publish(context.Background(), registry.Event{Kind: registry.EventStarted, Instance: b})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := fut.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

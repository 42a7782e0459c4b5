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

package ports_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	apierrs "github.com/voxelgrid/fleet/manager/errors"
	"github.com/voxelgrid/fleet/manager/ports"
)

type fakeInspector struct {
	handle  ports.ProcessHandle
	findErr error
	killed  []int
}

func (f *fakeInspector) FindProcess(_ context.Context, _ uint16) (ports.ProcessHandle, error) {
	if f.findErr != nil {
		return ports.ProcessHandle{}, f.findErr
	}
	return f.handle, nil
}

func (f *fakeInspector) Terminate(_ context.Context, h ports.ProcessHandle) error {
	f.killed = append(f.killed, h.PID)
	return nil
}

type fakeKiller struct {
	killed []string
}

func (f *fakeKiller) Kill(_ context.Context, id string) error {
	f.killed = append(f.killed, id)
	return nil
}

func newAllocator(t *testing.T, blocked []uint16) *ports.Allocator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return ports.NewAllocator(logger, &fakeInspector{}, blocked)
}

func TestFindAvailableInRange(t *testing.T) {
	tests := []struct {
		name       string
		prep       func(*ports.Allocator)
		start, end uint16
		max        int
		expected   []uint16
		err        error
	}{
		{
			name:     "fresh allocator returns the full range, end exclusive",
			prep:     func(*ports.Allocator) {},
			start:    2000,
			end:      2002,
			expected: []uint16{2000, 2001},
		},
		{
			name:     "max results caps the scan",
			prep:     func(*ports.Allocator) {},
			start:    2000,
			end:      2010,
			max:      3,
			expected: []uint16{2000, 2001, 2002},
		},
		{
			name: "used and blocked ports are skipped",
			prep: func(a *ports.Allocator) {
				require.NoError(t, a.Claim(2001, "ins-1"))
			},
			start:    2000,
			end:      2003,
			expected: []uint16{2000, 2002},
		},
		{
			name:  "start must be below end",
			prep:  func(*ports.Allocator) {},
			start: 2002,
			end:   2000,
			err:   apierrs.ErrInvalidPortRange,
		},
		{
			name:  "privileged ports are rejected",
			prep:  func(*ports.Allocator) {},
			start: 80,
			end:   90,
			err:   apierrs.ErrPortOutOfRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAllocator(t, nil)
			tt.prep(a)

			got, err := a.FindAvailableInRange(tt.start, tt.end, tt.max)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestClaimConflicts(t *testing.T) {
	a := newAllocator(t, []uint16{2001})

	require.NoError(t, a.Claim(2000, "ins-1"))
	// re-claiming with the same owner must stay a no-op
	require.NoError(t, a.Claim(2000, "ins-1"))
	require.ErrorIs(t, a.Claim(2000, "ins-2"), apierrs.ErrPortInUse)
	require.ErrorIs(t, a.Claim(2001, "ins-2"), apierrs.ErrPortBlocked)
	require.ErrorIs(t, a.Claim(80, "ins-2"), apierrs.ErrPortOutOfRange)

	a.Release(2000)
	require.NoError(t, a.Claim(2000, "ins-2"))
}

func TestStatusClassification(t *testing.T) {
	a := newAllocator(t, []uint16{2001})
	require.NoError(t, a.Claim(2000, "ins-1"))

	require.Equal(t, ports.Info{Port: 2000, Status: ports.StatusUsed, InstanceID: "ins-1"}, a.Status(2000))
	require.Equal(t, ports.Info{Port: 2001, Status: ports.StatusBlocked}, a.Status(2001))
	require.Equal(t, ports.Info{Port: 2002, Status: ports.StatusFree}, a.Status(2002))
	require.Equal(t, ports.Info{Port: 80, Status: ports.StatusOutOfRange}, a.Status(80))
}

func TestStats(t *testing.T) {
	a := newAllocator(t, []uint16{3000, 3001})
	require.NoError(t, a.Claim(2001, "ins-1"))
	require.NoError(t, a.Claim(2000, "ins-2"))

	stats := a.Stats()
	require.Equal(t, 2, stats.Used)
	require.Equal(t, 2, stats.Blocked)
	require.Equal(t, 0, stats.ForceClosed)
	require.Equal(t, []uint16{2000, 2001}, stats.UsedPorts)
}

func TestBruteCloseAndCleanup(t *testing.T) {
	var (
		logger    = slog.New(slog.NewTextHandler(os.Stdout, nil))
		inspector = &fakeInspector{handle: ports.ProcessHandle{PID: 4242, Command: "java"}}
		a         = ports.NewAllocator(logger, inspector, nil)
		ctx       = context.Background()
	)

	require.NoError(t, a.Claim(2000, "ins-1"))
	require.NoError(t, a.BruteClosePort(ctx, 2000))
	require.Equal(t, []int{4242}, inspector.killed)
	require.Equal(t, ports.StatusForceClosed, a.Status(2000).Status)

	// force-closed ports must not be handed out again
	free, err := a.FindAvailableInRange(2000, 2002, 0)
	require.NoError(t, err)
	require.Equal(t, []uint16{2001}, free)

	require.Equal(t, 1, a.CleanupForcedClosedPorts())

	free, err = a.FindAvailableInRange(2000, 2002, 0)
	require.NoError(t, err)
	require.Equal(t, []uint16{2000, 2001}, free)
}

func TestBruteCloseValidation(t *testing.T) {
	a := newAllocator(t, nil)
	require.ErrorIs(t, a.BruteClosePort(context.Background(), 80), apierrs.ErrPortOutOfRange)
}

func TestForceKillService(t *testing.T) {
	tests := []struct {
		name string
		prep func(*ports.Allocator)
		port uint16
		err  error
	}{
		{
			name: "kills the owning instance",
			prep: func(a *ports.Allocator) {
				require.NoError(t, a.Claim(2000, "ins-1"))
			},
			port: 2000,
		},
		{
			name: "no instance bound",
			prep: func(*ports.Allocator) {},
			port: 2000,
			err:  apierrs.ErrInstanceNotFound,
		},
		{
			name: "out of range",
			prep: func(*ports.Allocator) {},
			port: 80,
			err:  apierrs.ErrPortOutOfRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				a      = newAllocator(t, nil)
				killer = &fakeKiller{}
			)
			a.BindKiller(killer)
			tt.prep(a)

			err := a.ForceKillService(context.Background(), tt.port)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				require.Empty(t, killer.killed)
				return
			}
			require.NoError(t, err)
			require.Equal(t, []string{"ins-1"}, killer.killed)
		})
	}
}

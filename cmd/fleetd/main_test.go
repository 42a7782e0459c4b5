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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	apierrs "github.com/voxelgrid/fleet/manager/errors"
)

func TestPortRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end uint
		err        error
	}{
		{
			name:  "valid range",
			start: 30000,
			end:   40000,
		},
		{
			name:  "end exceeds uint16 instead of wrapping",
			start: 30000,
			end:   70000,
			err:   apierrs.ErrPortOutOfRange,
		},
		{
			name:  "start exceeds uint16",
			start: 70000,
			end:   80000,
			err:   apierrs.ErrPortOutOfRange,
		},
		{
			name:  "privileged start",
			start: 80,
			end:   30000,
			err:   apierrs.ErrPortOutOfRange,
		},
		{
			name:  "start not below end",
			start: 40000,
			end:   30000,
			err:   apierrs.ErrInvalidPortRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := portRange(tt.start, tt.end)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, uint16(tt.start), start)
			require.Equal(t, uint16(tt.end), end)
		})
	}
}

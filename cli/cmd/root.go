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

package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// Root builds the fleetctl command tree. fleetctl edits the restart
// configuration document offline; the running manager picks changes
// up on its next reload.
func Root(ctx context.Context) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "fleetctl",
		Short:        "Operator tooling for the fleet manager's restart configuration.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(
		&configPath,
		"config", "c",
		"restart.yaml",
		"path of the restart configuration document",
	)

	root.AddCommand(newRestartCommand(ctx, &configPath))
	return root
}

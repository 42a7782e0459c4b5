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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"
	"github.com/voxelgrid/fleet/internal/ptr"
	"github.com/voxelgrid/fleet/manager/restart"
)

func newRestartCommand(ctx context.Context, configPath *string) *cobra.Command {
	c := &cobra.Command{
		Use:   "restart",
		Short: "Commands related to the restart scheduler configuration.",
	}
	c.AddCommand(
		newListCommand(ctx, configPath),
		newShowCommand(ctx, configPath),
		newAddCommand(ctx, configPath),
		newRemoveCommand(ctx, configPath),
		newSetTimeCommand(ctx, configPath),
		newEnableCommand(ctx, configPath, true),
		newEnableCommand(ctx, configPath, false),
		newAddTargetCommand(ctx, configPath),
		newRemoveTargetCommand(ctx, configPath),
		newValidateCommand(ctx, configPath),
	)
	return c
}

func newListCommand(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "Lists all restart groups.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := restart.NewFileStore(*configPath).Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			t := table.New("NAME", "TIME", "ENABLED", "TARGETS")
			for _, g := range doc.Groups {
				t.AddRow(g.Name, g.Time, strconv.FormatBool(g.Enabled), len(g.Targets))
			}
			t.Print()
			return nil
		},
	}
}

func newShowCommand(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "show <group>",
		Short:        "Shows the targets of a restart group.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := restart.NewFileStore(*configPath).Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			g, ok := doc.Group(args[0])
			if !ok {
				return fmt.Errorf("group %q does not exist", args[0])
			}

			t := table.New("TARGET", "KIND", "PRIORITY", "")
			for _, target := range g.Targets {
				t.AddRow(target.Name, target.Kind, target.Priority, restart.PriorityLabel(target.Priority))
			}
			t.Print()
			return nil
		},
	}
}

func newAddCommand(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "add <group> <HH:MM>",
		Short:        "Adds a new restart group with the given trigger time.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(ctx, *configPath, func(d *restart.Document) error {
				return d.AddGroup(args[0], args[1])
			})
		},
	}
}

func newRemoveCommand(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "remove <group>",
		Short:        "Removes a restart group.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(ctx, *configPath, func(d *restart.Document) error {
				return d.RemoveGroup(args[0])
			})
		},
	}
}

func newSetTimeCommand(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "set-time <group> <HH:MM>",
		Short:        "Changes a restart group's trigger time.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(ctx, *configPath, func(d *restart.Document) error {
				return d.SetGroupTime(args[0], args[1])
			})
		},
	}
}

func newEnableCommand(ctx context.Context, configPath *string, enable bool) *cobra.Command {
	use, short := "enable <group>", "Enables a restart group's daily trigger."
	if !enable {
		use, short = "disable <group>", "Disables a restart group's daily trigger."
	}
	return &cobra.Command{
		Use:          use,
		Short:        short,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(ctx, *configPath, func(d *restart.Document) error {
				return d.SetGroupEnabled(args[0], enable)
			})
		},
	}
}

func newAddTargetCommand(ctx context.Context, configPath *string) *cobra.Command {
	var (
		kind           string
		priority       int
		restartTimeout time.Duration
		healthTimeout  time.Duration
	)

	c := &cobra.Command{
		Use:          "add-target <group> <target>",
		Short:        "Adds a restart target to a group.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := restart.Target{
				Name:     args[1],
				Kind:     restart.TargetKind(strings.ToUpper(kind)),
				Priority: priority,
			}
			if restartTimeout > 0 {
				t.RestartTimeout = ptr.Pointer(restartTimeout)
			}
			if healthTimeout > 0 {
				t.HealthTimeout = ptr.Pointer(healthTimeout)
			}

			return mutate(ctx, *configPath, func(d *restart.Document) error {
				return d.AddTarget(args[0], t)
			})
		},
	}
	c.Flags().StringVar(&kind, "kind", "GROUP", "target kind, GROUP or SERVICE")
	c.Flags().IntVar(&priority, "priority", 0, "higher priorities restart first")
	c.Flags().DurationVar(&restartTimeout, "restart-timeout", 0, "per-target shutdown confirmation timeout")
	c.Flags().DurationVar(&healthTimeout, "health-timeout", 0, "per-target replacement online timeout")
	return c
}

func newRemoveTargetCommand(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "remove-target <group> <target>",
		Short:        "Removes a restart target from a group.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(ctx, *configPath, func(d *restart.Document) error {
				return d.RemoveTarget(args[0], args[1])
			})
		},
	}
}

func newValidateCommand(ctx context.Context, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "validate",
		Short:        "Validates the configuration document.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := restart.NewFileStore(*configPath).Load(ctx); err != nil {
				return err
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}
}

func mutate(ctx context.Context, path string, fn func(*restart.Document) error) error {
	store := restart.NewFileStore(path)

	doc, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := fn(&doc); err != nil {
		return err
	}

	if err := store.Save(ctx, doc); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

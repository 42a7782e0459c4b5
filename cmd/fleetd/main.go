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
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/voxelgrid/fleet/manager"
	apierrs "github.com/voxelgrid/fleet/manager/errors"
	"github.com/voxelgrid/fleet/manager/restart"
)

func main() {
	var (
		logger             = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		fs                 = flag.NewFlagSet("fleetd", flag.ContinueOnError)
		nodeName           = fs.String("node-name", "node-0", "name this manager reports as the hosting wrapper node")
		restartConfig      = fs.String("restart-config", "/etc/fleetd/restart.yaml", "path of the restart scheduler configuration document")                  //nolint:lll
		portRangeStart     = fs.Uint("port-range-start", 30000, "first port handed out to instances")
		portRangeEnd       = fs.Uint("port-range-end", 40000, "first port after the instance port range")
		instanceCommand    = fs.String("instance-command", "", "argv template used to launch instances, space separated")                                     //nolint:lll
		instanceWorkDir    = fs.String("instance-workdir", "", "working directory instances are launched in")
		defaultCapacity    = fs.Int("default-capacity", 100, "player capacity assigned to new instances")
		defaultMaxMemory   = fs.Int("default-max-memory-mb", 1024, "maximum memory in MB assigned to new instances")
		restartLogCapacity = fs.Int("restart-log-capacity", 1000, "how many restart log entries are retained in memory")
		interItemDelay     = fs.Duration("restart-inter-item-delay", 10*time.Second, "delay between targets of the same kind within a priority tier")         //nolint:lll
		interTierDelay     = fs.Duration("restart-inter-tier-delay", 30*time.Second, "delay between priority tiers")
		staticDrain        = fs.Duration("restart-static-drain", 20*time.Second, "drain grace period after shutting down a static group")
		dynamicDrain       = fs.Duration("restart-dynamic-drain", 5*time.Second, "drain grace period after shutting down a dynamic group")
		restartTimeout     = fs.Duration("restart-timeout", 2*time.Minute, "how long to wait for an instance to confirm its shutdown")
		healthTimeout      = fs.Duration("health-timeout", 2*time.Minute, "how long to wait for a replacement instance to come online")
	)
	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FLEETD"),
	); err != nil {
		die(logger, "failed to parse config", err)
	}

	timing := restart.DefaultTiming()
	timing.InterItem = *interItemDelay
	timing.InterTier = *interTierDelay
	timing.StaticDrain = *staticDrain
	timing.DynamicDrain = *dynamicDrain
	timing.DefaultRestartTimeout = *restartTimeout
	timing.DefaultHealthTimeout = *healthTimeout

	rangeStart, rangeEnd, err := portRange(*portRangeStart, *portRangeEnd)
	if err != nil {
		die(logger, "invalid port range", err)
	}

	var (
		cfg = manager.Config{
			NodeName:           *nodeName,
			RestartConfigPath:  *restartConfig,
			PortRangeStart:     rangeStart,
			PortRangeEnd:       rangeEnd,
			InstanceCommand:    strings.Fields(*instanceCommand),
			InstanceWorkDir:    *instanceWorkDir,
			DefaultCapacity:    *defaultCapacity,
			DefaultMaxMemoryMB: *defaultMaxMemory,
			RestartLogCapacity: *restartLogCapacity,
			Timing:             timing,
		}
		ctx = context.Background()
		mgr = manager.NewManager(logger, cfg)
	)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		s := <-c
		logger.Info("received shutdown signal", "signal", s)
		mgr.Stop()
	}()

	if err := mgr.Run(ctx); err != nil {
		die(logger, "failed to run manager", err)
	}
}

// portRange validates the flag values before the narrowing uint16
// conversion, so an out-of-range value fails fast instead of silently
// wrapping around.
func portRange(start, end uint) (uint16, uint16, error) {
	if start < 1024 || start > 65535 || end > 65535 {
		return 0, 0, apierrs.ErrPortOutOfRange
	}
	if start >= end {
		return 0, 0, apierrs.ErrInvalidPortRange
	}
	return uint16(start), uint16(end), nil
}

func die(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

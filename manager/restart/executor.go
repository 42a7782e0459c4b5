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
	"sort"
	"strings"
	"time"

	"github.com/voxelgrid/fleet/manager/registry"
)

// Controller issues the actual process lifecycle commands to a
// wrapper node. the scheduler depends only on this contract, not on
// transport details.
type Controller interface {
	StartInstance(ctx context.Context, group string) (registry.Instance, error)
	Shutdown(ctx context.Context, ins registry.Instance) error
}

// Timing holds the fixed delays of the rolling-restart protocol.
// zero values mean no delay, which is what the tests use.
type Timing struct {
	// InterItem is inserted after a successful target when more
	// items remain in the same kind's list, so player drain has
	// time to settle.
	InterItem time.Duration
	// InterTier is inserted between priority tiers, skipped after
	// the lowest one.
	InterTier time.Duration

	StaticShutdownDelay  time.Duration
	DynamicShutdownDelay time.Duration
	StaticDrain          time.Duration
	DynamicDrain         time.Duration
	StartDelay           time.Duration
	ServiceRestartDelay  time.Duration

	// DefaultRestartTimeout bounds how long the executor waits for
	// a shutdown to be confirmed, DefaultHealthTimeout how long for
	// a replacement to come online. targets can override both.
	DefaultRestartTimeout time.Duration
	DefaultHealthTimeout  time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		InterItem:             10 * time.Second,
		InterTier:             30 * time.Second,
		StaticShutdownDelay:   3 * time.Second,
		DynamicShutdownDelay:  1 * time.Second,
		StaticDrain:           20 * time.Second,
		DynamicDrain:          5 * time.Second,
		StartDelay:            3 * time.Second,
		ServiceRestartDelay:   5 * time.Second,
		DefaultRestartTimeout: 2 * time.Minute,
		DefaultHealthTimeout:  2 * time.Minute,
	}
}

type executor struct {
	logger *slog.Logger
	reg    *registry.Registry
	ctrl   Controller
	log    *Log
	timing Timing
}

type tier struct {
	priority int
	groups   []Target
	services []Target
}

// partition buckets targets by priority, descending. within a tier
// group targets run strictly before service targets, and each kind
// is ordered by name so execution is deterministic.
func partition(targets []Target) []tier {
	byPrio := make(map[int]*tier)
	for _, t := range targets {
		tr, ok := byPrio[t.Priority]
		if !ok {
			tr = &tier{priority: t.Priority}
			byPrio[t.Priority] = tr
		}
		if t.Kind == TargetGroup {
			tr.groups = append(tr.groups, t)
			continue
		}
		tr.services = append(tr.services, t)
	}

	tiers := make([]tier, 0, len(byPrio))
	for _, tr := range byPrio {
		sort.Slice(tr.groups, func(i, j int) bool {
			return strings.Compare(tr.groups[i].Name, tr.groups[j].Name) < 0
		})
		sort.Slice(tr.services, func(i, j int) bool {
			return strings.Compare(tr.services[i].Name, tr.services[j].Name) < 0
		})
		tiers = append(tiers, *tr)
	}
	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].priority > tiers[j].priority
	})
	return tiers
}

// executeGroup runs the rolling-restart protocol for one restart
// group. a failing target is logged and execution proceeds with the
// next one, only cancellation aborts the run.
func (e *executor) executeGroup(ctx context.Context, g Group) error {
	e.logger.InfoContext(ctx, "executing restart group", "group", g.Name, "targets", len(g.Targets))

	tiers := partition(g.Targets)
	for i, tr := range tiers {
		if err := e.runKind(ctx, g.Name, tr.groups); err != nil {
			return err
		}
		if err := e.runKind(ctx, g.Name, tr.services); err != nil {
			return err
		}
		if i < len(tiers)-1 {
			if err := sleepCtx(ctx, e.timing.InterTier); err != nil {
				return err
			}
		}
	}

	e.logger.InfoContext(ctx, "restart group done", "group", g.Name)
	return nil
}

func (e *executor) runKind(ctx context.Context, groupName string, targets []Target) error {
	for i, t := range targets {
		tok := e.log.Begin(groupName, t.Name)

		err := e.runTarget(ctx, t)
		if err != nil {
			e.log.Complete(tok, LogFailed, err.Error())
			e.logger.ErrorContext(ctx, "restart target failed",
				"group", groupName,
				"target", t.Name,
				"err", err,
			)
		} else {
			e.log.Complete(tok, LogSuccess, "")
		}

		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		if err == nil && i < len(targets)-1 {
			if err := sleepCtx(ctx, e.timing.InterItem); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *executor) runTarget(ctx context.Context, t Target) error {
	switch t.Kind {
	case TargetGroup:
		return e.restartGroup(ctx, t)
	case TargetService:
		return e.restartService(ctx, t)
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
}

// restartGroup shuts down all starting-or-visible instances of the
// named group in descending ordinal order, waits out the drain grace
// period and, for static groups only, requests one replacement per
// shut-down instance. dynamic groups are replenished by normal
// demand-driven provisioning.
func (e *executor) restartGroup(ctx context.Context, t Target) error {
	g, err := e.reg.GroupByName(t.Name)
	if err != nil {
		return err
	}

	running := make([]registry.Instance, 0)
	for _, ins := range e.reg.GroupInstances(t.Name) {
		if ins.State == registry.StateStarting || ins.State == registry.StateVisible {
			running = append(running, ins)
		}
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].Ordinal > running[j].Ordinal
	})

	shutdownDelay, drain := e.timing.DynamicShutdownDelay, e.timing.DynamicDrain
	if g.Static {
		shutdownDelay, drain = e.timing.StaticShutdownDelay, e.timing.StaticDrain
	}

	for i, ins := range running {
		if err := e.ctrl.Shutdown(ctx, ins); err != nil {
			return fmt.Errorf("shutdown %s: %w", ins.Name(), err)
		}
		if err := e.awaitClosed(ctx, ins, t); err != nil {
			return err
		}
		if i < len(running)-1 {
			if err := sleepCtx(ctx, shutdownDelay); err != nil {
				return err
			}
		}
	}

	if len(running) == 0 {
		return nil
	}

	if err := sleepCtx(ctx, drain); err != nil {
		return err
	}

	if !g.Static {
		return nil
	}

	// the registry hands out the smallest free ordinal, so starting
	// one replacement per shut-down instance recreates the static
	// group's fixed ordinal set in ascending order.
	for i := range running {
		ins, err := e.ctrl.StartInstance(ctx, t.Name)
		if err != nil {
			return fmt.Errorf("start replacement in %s: %w", t.Name, err)
		}
		if err := e.awaitOnline(ctx, ins, t); err != nil {
			return err
		}
		if i < len(running)-1 {
			if err := sleepCtx(ctx, e.timing.StartDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *executor) restartService(ctx context.Context, t Target) error {
	ins, err := e.reg.ByName(t.Name)
	if err != nil {
		return err
	}

	if err := e.ctrl.Shutdown(ctx, ins); err != nil {
		return fmt.Errorf("shutdown %s: %w", ins.Name(), err)
	}
	if err := e.awaitClosed(ctx, ins, t); err != nil {
		return err
	}

	if err := sleepCtx(ctx, e.timing.ServiceRestartDelay); err != nil {
		return err
	}

	replacement, err := e.ctrl.StartInstance(ctx, ins.Group)
	if err != nil {
		return fmt.Errorf("start replacement in %s: %w", ins.Group, err)
	}
	return e.awaitOnline(ctx, replacement, t)
}

// awaitClosed blocks until the registry confirms the instance is
// gone. a wrapper that never confirms leaves the registry in the
// last-known state, so the wait is bounded here, not there.
func (e *executor) awaitClosed(ctx context.Context, ins registry.Instance, t Target) error {
	timeout := e.timing.DefaultRestartTimeout
	if t.RestartTimeout != nil {
		timeout = *t.RestartTimeout
	}

	wctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	if _, err := e.reg.AwaitState(ins, registry.IsClosed).Wait(wctx); err != nil {
		return fmt.Errorf("instance %s did not confirm shutdown: %w", ins.Name(), err)
	}
	return nil
}

func (e *executor) awaitOnline(ctx context.Context, ins registry.Instance, t Target) error {
	timeout := e.timing.DefaultHealthTimeout
	if t.HealthTimeout != nil {
		timeout = *t.HealthTimeout
	}

	wctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	if _, err := e.reg.AwaitState(ins, registry.IsOnline).Wait(wctx); err != nil {
		return fmt.Errorf("instance %s did not come online: %w", ins.Name(), err)
	}
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// sleepCtx is a cancellation checkpoint: it waits out the delay
// unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

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
	"sync"
	"time"

	apierrs "github.com/voxelgrid/fleet/manager/errors"
	"github.com/voxelgrid/fleet/manager/registry"
)

// Scheduler runs one cancellable daily timer task per enabled
// restart group. every successful configuration mutation is written
// through to the store first, then the live tasks are rebuilt from
// the document, so the two can never drift apart. rebuilding does
// not interrupt an execution already in flight, only Stop does.
type Scheduler struct {
	logger *slog.Logger
	reg    *registry.Registry
	ctrl   Controller
	store  Store
	log    *Log
	timing Timing

	// now is replaceable in tests
	now func() time.Time

	mu      sync.Mutex
	doc     Document
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	tasks   map[string]context.CancelFunc
	sem     chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(
	logger *slog.Logger,
	reg *registry.Registry,
	ctrl Controller,
	store Store,
	log *Log,
	timing Timing,
) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "restart-scheduler"),
		reg:    reg,
		ctrl:   ctrl,
		store:  store,
		log:    log,
		timing: timing,
		now:    time.Now,
		tasks:  make(map[string]context.CancelFunc),
	}
}

// Start loads the configuration document and schedules a daily task
// for every enabled group.
func (s *Scheduler) Start(ctx context.Context) error {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load restart config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.doc = doc
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true

	s.resizeSemLocked()
	s.rebuildLocked()
	s.logger.Info("scheduler started", "groups", len(doc.Groups))
	return nil
}

// Stop cancels all pending daily timers and interrupts in-flight
// executions at their next delay or await checkpoint. it blocks
// until every task has returned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	for name, cancel := range s.tasks {
		cancel()
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Reload re-reads the document from the store and rebuilds all
// scheduled tasks from it.
func (s *Scheduler) Reload(ctx context.Context) error {
	doc, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load restart config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = doc
	if s.running {
		s.resizeSemLocked()
		s.rebuildLocked()
	}
	return nil
}

/*
 * configuration mutations. each one validates against the current
 * document, writes through to the store and rebuilds the timers.
 */

func (s *Scheduler) AddGroup(ctx context.Context, name, clock string) error {
	return s.mutate(ctx, func(d *Document) error {
		return d.AddGroup(name, clock)
	})
}

func (s *Scheduler) RemoveGroup(ctx context.Context, name string) error {
	return s.mutate(ctx, func(d *Document) error {
		return d.RemoveGroup(name)
	})
}

func (s *Scheduler) SetGroupTime(ctx context.Context, name, clock string) error {
	return s.mutate(ctx, func(d *Document) error {
		return d.SetGroupTime(name, clock)
	})
}

func (s *Scheduler) EnableGroup(ctx context.Context, name string, enabled bool) error {
	return s.mutate(ctx, func(d *Document) error {
		return d.SetGroupEnabled(name, enabled)
	})
}

func (s *Scheduler) AddTarget(ctx context.Context, group string, t Target) error {
	return s.mutate(ctx, func(d *Document) error {
		return d.AddTarget(group, t)
	})
}

func (s *Scheduler) RemoveTarget(ctx context.Context, group, target string) error {
	return s.mutate(ctx, func(d *Document) error {
		return d.RemoveTarget(group, target)
	})
}

func (s *Scheduler) mutate(ctx context.Context, fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.doc.clone()
	if err := fn(&working); err != nil {
		return err
	}

	if err := s.store.Save(ctx, working); err != nil {
		return fmt.Errorf("save restart config: %w", err)
	}

	s.doc = working
	if s.running {
		s.resizeSemLocked()
		s.rebuildLocked()
	}
	return nil
}

// resizeSemLocked sizes the execution semaphore from the current
// document, so a changed maxConcurrentRestarts takes effect without a
// scheduler restart. in-flight executions keep the channel instance
// they acquired, their token accounting stays consistent.
func (s *Scheduler) resizeSemLocked() {
	if s.doc.MaxConcurrentRestarts <= 0 {
		s.sem = nil
		return
	}
	if s.sem == nil || cap(s.sem) != s.doc.MaxConcurrentRestarts {
		s.sem = make(chan struct{}, s.doc.MaxConcurrentRestarts)
	}
}

// RestartNow triggers the rolling-restart protocol for a group
// immediately, regardless of its enabled flag.
func (s *Scheduler) RestartNow(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return apierrs.ErrSchedulerStopped
	}

	g, ok := s.doc.Group(name)
	if !ok {
		return apierrs.ErrRestartGroupNotFound
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.runCtx, g)
	}()
	return nil
}

type NextRestart struct {
	Group string
	At    time.Time
}

type StatusInfo struct {
	Running       bool
	Groups        int
	EnabledGroups int
	Targets       int
	Next          *NextRestart
}

func (s *Scheduler) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := StatusInfo{Running: s.running, Groups: len(s.doc.Groups)}
	for _, g := range s.doc.Groups {
		info.Targets += len(g.Targets)
		if !g.Enabled {
			continue
		}
		info.EnabledGroups++

		hour, minute, err := ParseClock(g.Time)
		if err != nil {
			continue
		}
		at := nextOccurrence(s.now(), hour, minute)
		if info.Next == nil || at.Before(info.Next.At) {
			info.Next = &NextRestart{Group: g.Name, At: at}
		}
	}
	return info
}

func (s *Scheduler) RecentLog(n int) []LogEntry {
	return s.log.Recent(n)
}

// Document returns a copy of the current configuration document.
func (s *Scheduler) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// rebuildLocked tears down every timer task and recreates them from
// the current document.
func (s *Scheduler) rebuildLocked() {
	for name, cancel := range s.tasks {
		cancel()
		delete(s.tasks, name)
	}

	for _, g := range s.doc.Groups {
		if !g.Enabled {
			continue
		}

		taskCtx, cancel := context.WithCancel(s.runCtx)
		s.tasks[g.Name] = cancel

		s.wg.Add(1)
		go s.scheduleGroup(taskCtx, g)
	}
}

// scheduleGroup waits for the next occurrence of the group's HH:MM
// trigger, executes the protocol and repeats every 24 hours. the
// execution itself runs against the scheduler's run context, so
// tearing this task down during a reload does not interrupt it.
func (s *Scheduler) scheduleGroup(ctx context.Context, g Group) {
	defer s.wg.Done()

	hour, minute, err := ParseClock(g.Time)
	if err != nil {
		// documents are validated on load and mutation, this only
		// trips on a programming error
		s.logger.Error("invalid group time", "group", g.Name, "time", g.Time, "err", err)
		return
	}

	for {
		next := nextOccurrence(s.now(), hour, minute)
		s.logger.Info("scheduled restart", "group", g.Name, "at", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.execute(s.runCtx, g)

		if ctx.Err() != nil {
			return
		}
	}
}

// execute is the task boundary: panics are recovered and the group's
// schedule keeps running, one group's failure never terminates the
// process or unrelated tasks.
func (s *Scheduler) execute(ctx context.Context, g Group) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("restart execution panicked", "group", g.Name, "panic", r)
		}
	}()

	s.mu.Lock()
	sem := s.sem
	s.mu.Unlock()

	if sem != nil {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-sem }()
	}

	e := &executor{
		logger: s.logger,
		reg:    s.reg,
		ctrl:   s.ctrl,
		log:    s.log,
		timing: s.timing,
	}

	if err := e.executeGroup(ctx, g); err != nil {
		s.logger.ErrorContext(ctx, "restart execution aborted", "group", g.Name, "err", err)
	}
}

func nextOccurrence(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		// re-derive from the calendar date instead of adding 24h, so
		// the configured wall-clock time survives DST transitions
		next = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location())
	}
	return next
}

func (d Document) clone() Document {
	out := d
	out.Groups = make([]Group, len(d.Groups))
	for i, g := range d.Groups {
		out.Groups[i] = g
		out.Groups[i].Targets = append([]Target(nil), g.Targets...)
	}
	out.BlockedPorts = append([]uint16(nil), d.BlockedPorts...)
	out.InstanceGroups = append([]InstanceGroupDef(nil), d.InstanceGroups...)
	return out
}

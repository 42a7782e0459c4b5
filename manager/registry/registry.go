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

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	apierrs "github.com/voxelgrid/fleet/manager/errors"
)

// PortTracker keeps the port allocator in sync with registry data:
// an instance bound to a port implies the port is marked used.
type PortTracker interface {
	Claim(port uint16, instanceID string) error
	Release(port uint16)
}

// Registry owns the canonical in-memory record of every known
// instance. Register, Update and Deregister never fire transition
// events by themselves; events are published by the component that
// observed the actual state change (heartbeat ingestion or a
// lifecycle command).
type Registry struct {
	logger  *slog.Logger
	tracker PortTracker

	mu        sync.Mutex
	instances map[string]Instance
	groups    map[string]Group
	waiters   map[string][]*waiter
	subs      map[int]chan Event
	nextSub   int
}

func NewRegistry(logger *slog.Logger, tracker PortTracker) *Registry {
	return &Registry{
		logger:    logger.With("component", "registry"),
		tracker:   tracker,
		instances: make(map[string]Instance),
		groups:    make(map[string]Group),
		waiters:   make(map[string][]*waiter),
		subs:      make(map[int]chan Event),
	}
}

func (r *Registry) PutGroup(g Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.Name] = g
}

func (r *Registry) GroupByName(name string) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		return Group{}, apierrs.ErrGroupNotFound
	}
	return g, nil
}

func (r *Registry) Groups() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		l = append(l, g)
	}
	sort.Slice(l, func(i, j int) bool {
		return strings.Compare(l[i].Name, l[j].Name) < 0
	})
	return l
}

// Register upserts the instance record by id. an instance's group
// must exist in the group registry.
func (r *Registry) Register(ins Instance) error {
	return r.upsert(ins)
}

// Update is an alias of Register: updating an unknown id inserts it.
func (r *Registry) Update(ins Instance) error {
	return r.upsert(ins)
}

func (r *Registry) upsert(ins Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[ins.Group]; !ok {
		return apierrs.ErrGroupNotFound
	}

	prev, exists := r.instances[ins.ID]

	if ins.Port != 0 && r.tracker != nil {
		if err := r.tracker.Claim(ins.Port, ins.ID); err != nil {
			return fmt.Errorf("claim port %d: %w", ins.Port, err)
		}
	}

	// a heartbeat can move an instance to another port; the stale
	// claim must not stay marked used forever
	if exists && prev.Port != 0 && prev.Port != ins.Port && r.tracker != nil {
		r.tracker.Release(prev.Port)
	}

	ins.UpdatedAt = time.Now()
	r.instances[ins.ID] = ins
	return nil
}

// Deregister removes the record, releases its port and resolves all
// pending waits for this instance with the CLOSED-consistent
// snapshot, since a closed instance can never re-enter earlier
// states. removing an already-absent id is a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()

	ins, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.instances, id)
	if ins.Port != 0 && r.tracker != nil {
		r.tracker.Release(ins.Port)
	}

	ins.State = StateClosed
	ins.OnlineCount = 0
	ins.UpdatedAt = time.Now()

	r.resolveLocked(Event{Kind: EventUnregistered, Instance: ins})
	r.broadcastLocked(Event{Kind: EventUnregistered, Instance: ins})
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ins, ok := r.instances[id]
	if !ok {
		return Instance{}, apierrs.ErrInstanceNotFound
	}
	return ins, nil
}

// ByName resolves an instance by its current display name.
func (r *Registry) ByName(name string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ins := range r.instances {
		if ins.Name() == name {
			return ins, nil
		}
	}
	return Instance{}, apierrs.ErrInstanceNotFound
}

func (r *Registry) List() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := make([]Instance, 0, len(r.instances))
	for _, ins := range r.instances {
		l = append(l, ins)
	}

	// sort to return consistent output
	sort.Slice(l, func(i, j int) bool {
		return strings.Compare(l[i].Name(), l[j].Name()) < 0
	})
	return l
}

// GroupInstances returns all instances of a group in ascending
// ordinal order.
func (r *Registry) GroupInstances(group string) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := make([]Instance, 0)
	for _, ins := range r.instances {
		if ins.Group == group {
			l = append(l, ins)
		}
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].Ordinal < l[j].Ordinal
	})
	return l
}

// NextOrdinal returns the smallest ordinal not currently taken in
// the group, starting at 1. static groups rely on this to recreate
// the same ordinal set after a restart.
func (r *Registry) NextOrdinal(group string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	taken := make(map[int]bool)
	for _, ins := range r.instances {
		if ins.Group == group {
			taken[ins.Ordinal] = true
		}
	}

	ord := 1
	for taken[ord] {
		ord++
	}
	return ord
}

// Publish resolves matching waiters and fans the event out to
// subscribers. callers update the record first, then publish.
func (r *Registry) Publish(ctx context.Context, ev Event) {
	r.mu.Lock()
	r.resolveLocked(ev)
	r.broadcastLocked(ev)
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "published event",
		"kind", ev.Kind,
		"instance_id", ev.Instance.ID,
		"state", ev.Instance.State,
	)
}

// Subscribe returns a buffered event stream and a cancel function.
// events are dropped for subscribers that do not keep up, the
// registry never blocks on a slow consumer.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++

	ch := make(chan Event, 64)
	r.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

// ApplyStatusReports ingests a heartbeat batch from a wrapper node.
// runtime fields are upserted and one transition event is published
// per observed state change. a CLOSED report deregisters the
// instance.
func (r *Registry) ApplyStatusReports(ctx context.Context, reports []StatusReport) error {
	for _, rep := range reports {
		ins, err := r.Get(rep.InstanceID)
		if err != nil {
			r.logger.WarnContext(ctx, "heartbeat for unknown instance", "instance_id", rep.InstanceID)
			continue
		}

		if rep.State == StateClosed {
			r.Deregister(rep.InstanceID)
			continue
		}

		prev := ins.State
		ins.State = rep.State
		ins.OnlineCount = rep.OnlineCount
		if rep.Capacity != 0 {
			ins.Capacity = rep.Capacity
		}
		if rep.Port != 0 {
			ins.Port = rep.Port
		}

		if err := r.Update(ins); err != nil {
			return fmt.Errorf("apply report for %s: %w", rep.InstanceID, err)
		}

		if prev == ins.State {
			continue
		}

		wasOnline := prev == StateVisible || prev == StateInvisible

		switch {
		case ins.State == StateStarting:
			r.Publish(ctx, Event{Kind: EventStarting, Instance: ins})
		case ins.Online() && !wasOnline:
			r.Publish(ctx, Event{Kind: EventConnected, Instance: ins})
			r.Publish(ctx, Event{Kind: EventStarted, Instance: ins})
		default:
			// VISIBLE <-> INVISIBLE flips are not a fresh start
		}
	}
	return nil
}

func (r *Registry) broadcastLocked(ev Event) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

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
	"time"
)

// Predicate is checked against instance snapshots carried by
// transition events.
type Predicate func(Instance) bool

func IsOnline(i Instance) bool {
	return i.Online()
}

func IsClosed(i Instance) bool {
	return i.State == StateClosed
}

func IsState(s State) Predicate {
	return func(i Instance) bool {
		return i.State == s
	}
}

// StateFuture resolves once with the instance snapshot that first
// satisfied the predicate.
type StateFuture struct {
	ch chan Instance
}

// Wait blocks until the future resolves or ctx is done. timing out a
// wait is the caller's job, the registry keeps waiters around
// forever otherwise.
func (f *StateFuture) Wait(ctx context.Context) (Instance, error) {
	select {
	case ins := <-f.ch:
		return ins, nil
	case <-ctx.Done():
		return Instance{}, ctx.Err()
	}
}

type waiter struct {
	pred Predicate
	ch   chan Instance
}

// AwaitState returns a future that resolves when the instance next
// satisfies pred. it resolves immediately when the predicate already
// holds, and also when the instance is unknown to the registry: an
// absent record means CLOSED, which can never re-enter earlier
// states, so there is no event left to wait for.
func (r *Registry) AwaitState(ins Instance, pred Predicate) *StateFuture {
	f := &StateFuture{ch: make(chan Instance, 1)}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.instances[ins.ID]
	if !ok {
		ins.State = StateClosed
		ins.OnlineCount = 0
		ins.UpdatedAt = time.Now()
		f.ch <- ins
		return f
	}

	if pred(cur) {
		f.ch <- cur
		return f
	}

	r.waiters[ins.ID] = append(r.waiters[ins.ID], &waiter{pred: pred, ch: f.ch})
	return f
}

// resolveLocked checks the event against all pending waiters for the
// event's instance. an unregistered event resolves every waiter,
// any other event only those whose predicate matches the snapshot.
func (r *Registry) resolveLocked(ev Event) {
	pending := r.waiters[ev.Instance.ID]
	if len(pending) == 0 {
		return
	}

	remaining := pending[:0]
	for _, w := range pending {
		if ev.Kind == EventUnregistered || w.pred(ev.Instance) {
			w.ch <- ev.Instance
			continue
		}
		remaining = append(remaining, w)
	}

	if len(remaining) == 0 {
		delete(r.waiters, ev.Instance.ID)
		return
	}
	r.waiters[ev.Instance.ID] = remaining
}

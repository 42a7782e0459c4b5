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
	"fmt"
	"strconv"
	"strings"

	apierrs "github.com/voxelgrid/fleet/manager/errors"
	"github.com/voxelgrid/fleet/manager/registry"
)

// InstanceGroupDef declares an instance group in the configuration
// document. the manager seeds the registry from these on startup.
type InstanceGroupDef struct {
	Name          string `json:"name"`
	Static        bool   `json:"static"`
	StartPriority int    `json:"startPriority"`
	Kind          string `json:"kind"`
	MaxInstances  int    `json:"maxInstances,omitempty"`
}

func (d InstanceGroupDef) ToRegistry() registry.Group {
	kind := registry.GroupKindBackend
	if strings.EqualFold(d.Kind, string(registry.GroupKindProxy)) {
		kind = registry.GroupKindProxy
	}
	return registry.Group{
		Name:          d.Name,
		Static:        d.Static,
		StartPriority: d.StartPriority,
		Kind:          kind,
		MaxInstances:  d.MaxInstances,
	}
}

// Document is the persisted configuration: restart groups, the port
// allocator policy and the instance group declarations. the live
// scheduling structures are always rebuilt from this document, never
// maintained in parallel.
type Document struct {
	Groups                []Group            `json:"groups"`
	MaxConcurrentRestarts int                `json:"maxConcurrentRestarts"`
	BlockedPorts          []uint16           `json:"blockedPorts,omitempty"`
	InstanceGroups        []InstanceGroupDef `json:"instanceGroups,omitempty"`
}

func (d *Document) Group(name string) (Group, bool) {
	for _, g := range d.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

func (d *Document) group(name string) *Group {
	for i := range d.Groups {
		if d.Groups[i].Name == name {
			return &d.Groups[i]
		}
	}
	return nil
}

// AddGroup appends a new, enabled restart group. it fails when the
// name already exists or the time is not valid HH:MM.
func (d *Document) AddGroup(name, clock string) error {
	if _, _, err := ParseClock(clock); err != nil {
		return err
	}
	if d.group(name) != nil {
		return apierrs.ErrRestartGroupExists
	}
	d.Groups = append(d.Groups, Group{
		Name:    name,
		Time:    clock,
		Enabled: true,
	})
	return nil
}

func (d *Document) RemoveGroup(name string) error {
	for i := range d.Groups {
		if d.Groups[i].Name == name {
			d.Groups = append(d.Groups[:i], d.Groups[i+1:]...)
			return nil
		}
	}
	return apierrs.ErrRestartGroupNotFound
}

func (d *Document) SetGroupTime(name, clock string) error {
	if _, _, err := ParseClock(clock); err != nil {
		return err
	}
	g := d.group(name)
	if g == nil {
		return apierrs.ErrRestartGroupNotFound
	}
	g.Time = clock
	return nil
}

func (d *Document) SetGroupEnabled(name string, enabled bool) error {
	g := d.group(name)
	if g == nil {
		return apierrs.ErrRestartGroupNotFound
	}
	g.Enabled = enabled
	return nil
}

// AddTarget appends a target to a group. it fails when the target
// name is already present in that group.
func (d *Document) AddTarget(groupName string, t Target) error {
	if t.Kind != TargetGroup && t.Kind != TargetService {
		return apierrs.ErrInvalidTargetKind
	}

	g := d.group(groupName)
	if g == nil {
		return apierrs.ErrRestartGroupNotFound
	}

	for _, existing := range g.Targets {
		if existing.Name == t.Name {
			return apierrs.ErrTargetExists
		}
	}

	g.Targets = append(g.Targets, t)
	return nil
}

func (d *Document) RemoveTarget(groupName, targetName string) error {
	g := d.group(groupName)
	if g == nil {
		return apierrs.ErrRestartGroupNotFound
	}

	for i := range g.Targets {
		if g.Targets[i].Name == targetName {
			g.Targets = append(g.Targets[:i], g.Targets[i+1:]...)
			return nil
		}
	}
	return apierrs.ErrTargetNotFound
}

// Validate checks every group of the document, so a hand-edited file
// is rejected on load instead of misfiring at 03:00.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Groups))
	for _, g := range d.Groups {
		if seen[g.Name] {
			return fmt.Errorf("group %q: %w", g.Name, apierrs.ErrRestartGroupExists)
		}
		seen[g.Name] = true

		if _, _, err := ParseClock(g.Time); err != nil {
			return fmt.Errorf("group %q: %w", g.Name, err)
		}

		targets := make(map[string]bool, len(g.Targets))
		for _, t := range g.Targets {
			if t.Kind != TargetGroup && t.Kind != TargetService {
				return fmt.Errorf("group %q target %q: %w", g.Name, t.Name, apierrs.ErrInvalidTargetKind)
			}
			if targets[t.Name] {
				return fmt.Errorf("group %q target %q: %w", g.Name, t.Name, apierrs.ErrTargetExists)
			}
			targets[t.Name] = true
		}
	}
	return nil
}

// ParseClock parses a 24h wall-clock time of the form HH:MM.
func ParseClock(clock string) (int, int, error) {
	parts := strings.Split(clock, ":")
	if len(parts) != 2 {
		return 0, 0, apierrs.ErrInvalidTime
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, apierrs.ErrInvalidTime
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, apierrs.ErrInvalidTime
	}

	return hour, minute, nil
}

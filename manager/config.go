package manager

import (
	"github.com/voxelgrid/fleet/manager/restart"
)

type Config struct {
	NodeName          string
	RestartConfigPath string

	PortRangeStart uint16
	PortRangeEnd   uint16

	InstanceCommand []string
	InstanceWorkDir string

	DefaultCapacity    int
	DefaultMaxMemoryMB int

	RestartLogCapacity int
	Timing             restart.Timing
}

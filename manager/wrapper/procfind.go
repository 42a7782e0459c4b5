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

package wrapper

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	apierrs "github.com/voxelgrid/fleet/manager/errors"
	"github.com/voxelgrid/fleet/manager/ports"
)

// tcpStateListen is the LISTEN socket state in /proc/net/tcp.
const tcpStateListen = "0A"

// ProcFinder resolves which local process has a TCP port bound by
// walking procfs: the socket inode from /proc/net/tcp{,6}, then the
// /proc/<pid>/fd entries pointing at it.
type ProcFinder struct {
	logger *slog.Logger

	// procRoot is /proc outside of tests
	procRoot string
}

func NewProcFinder(logger *slog.Logger) *ProcFinder {
	return &ProcFinder{
		logger:   logger.With("component", "proc-finder"),
		procRoot: "/proc",
	}
}

func (f *ProcFinder) FindProcess(ctx context.Context, port uint16) (ports.ProcessHandle, error) {
	inode, err := f.listenInode(port)
	if err != nil {
		return ports.ProcessHandle{}, err
	}

	pid, err := f.pidBySocketInode(inode)
	if err != nil {
		return ports.ProcessHandle{}, err
	}

	command := ""
	if raw, err := os.ReadFile(filepath.Join(f.procRoot, strconv.Itoa(pid), "cmdline")); err == nil {
		command = strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " ")
	}

	f.logger.DebugContext(ctx, "found process", "port", port, "pid", pid, "command", command)
	return ports.ProcessHandle{PID: pid, Command: command}, nil
}

func (f *ProcFinder) Terminate(_ context.Context, handle ports.ProcessHandle) error {
	if err := syscall.Kill(handle.PID, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", handle.PID, err)
	}
	return nil
}

// listenInode scans the kernel's socket tables for a LISTEN socket
// on the given port and returns its inode.
func (f *ProcFinder) listenInode(port uint16) (uint64, error) {
	for _, table := range []string{"net/tcp", "net/tcp6"} {
		inode, err := scanSocketTable(filepath.Join(f.procRoot, table), port)
		if err != nil {
			continue
		}
		return inode, nil
	}
	return 0, apierrs.ErrNoProcessFound
}

func scanSocketTable(path string, port uint16) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open socket table: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Scan() // header

	for scanner.Scan() {
		// sl local_address rem_address st ... inode
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 || fields[3] != tcpStateListen {
			continue
		}

		_, portHex, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}

		p, err := strconv.ParseUint(portHex, 16, 16)
		if err != nil || uint16(p) != port {
			continue
		}

		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		return inode, nil
	}
	return 0, apierrs.ErrNoProcessFound
}

// pidBySocketInode finds the process holding an fd that points at
// the socket inode.
func (f *ProcFinder) pidBySocketInode(inode uint64) (int, error) {
	procs, err := os.ReadDir(f.procRoot)
	if err != nil {
		return 0, fmt.Errorf("read proc root: %w", err)
	}

	want := fmt.Sprintf("socket:[%d]", inode)

	for _, entry := range procs {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		fdDir := filepath.Join(f.procRoot, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			// processes we may not inspect are skipped
			continue
		}

		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == want {
				return pid, nil
			}
		}
	}
	return 0, apierrs.ErrNoProcessFound
}

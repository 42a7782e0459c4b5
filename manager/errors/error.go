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

package errors

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

/*
 * registry related errors
 */

var (
	ErrInstanceNotFound = New(codes.NotFound, "instance not found")
	ErrGroupNotFound    = New(codes.NotFound, "instance group not found")
	ErrGroupExists      = New(codes.AlreadyExists, "instance group already exists")
)

/*
 * restart scheduler related errors
 */

var (
	ErrRestartGroupNotFound = New(codes.NotFound, "restart group does not exist")
	ErrRestartGroupExists   = New(codes.AlreadyExists, "restart group already exists")
	ErrTargetNotFound       = New(codes.NotFound, "restart target does not exist")
	ErrTargetExists         = New(codes.AlreadyExists, "restart target already exists")
	ErrInvalidTime          = New(codes.InvalidArgument, "time must be in 24h HH:MM format")
	ErrInvalidTargetKind    = New(codes.InvalidArgument, "target kind must be GROUP or SERVICE")
	ErrSchedulerStopped     = New(codes.FailedPrecondition, "restart scheduler is not running")
)

/*
 * port allocator related errors
 */

var (
	ErrPortOutOfRange   = New(codes.OutOfRange, "port is outside the usable range 1024-65535")
	ErrPortInUse        = New(codes.AlreadyExists, "port is already in use")
	ErrPortBlocked      = New(codes.FailedPrecondition, "port is administratively blocked")
	ErrInvalidPortRange = New(codes.InvalidArgument, "range start must be smaller than range end")
	ErrNoProcessFound   = New(codes.NotFound, "no process bound to port")
)

type Error struct {
	Message string
	Code    codes.Code
}

func (e Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

func (e Error) Error() string {
	return e.Message
}

func New(args ...any) Error {
	e := Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			e.Message = arg
		case codes.Code:
			e.Code = arg
		default:
			continue
		}
	}
	return e
}

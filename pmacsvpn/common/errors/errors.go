/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages, and boundary error kinds used to
classify failures at the CLI surface.

*/
package errors

import (
	std_errors "errors"
	"fmt"
	"runtime"

	"github.com/DrivasLab/pmacs-vpn/pmacsvpn/common/stacktrace"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	err := fmt.Errorf("%s", message)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err)
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information.
func Tracef(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err)
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err)
}

// TraceMsg wraps the given error with the caller stack frame information
// and the given message.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return fmt.Errorf("%s#%d: %s: %w", stacktrace.GetFunctionName(pc), line, message, err)
}

// Kind classifies an error at the process boundary. Kinds map onto the
// documented CLI exit codes and user-facing hints.
type Kind int

const (
	KindNone Kind = iota
	KindPrivilege
	KindConfig
	KindNoInteractiveInput
	KindAuthCredentials
	KindAuthMfa
	KindAuthUnsupported
	KindNetworkResolve
	KindNetworkConnect
	KindNetworkTls
	KindBadResponse
	KindTunnelInterface
	KindTunnelRoute
	KindTunnelNameTable
	KindTunnelDead
	KindSessionExpired
	KindAlreadyRunning
)

// BoundaryError carries a Kind along with the underlying cause. It is
// produced at the points where component failures become user visible.
type BoundaryError struct {
	ErrorKind Kind
	Err       error
}

func (e *BoundaryError) Error() string {
	return e.Err.Error()
}

func (e *BoundaryError) Unwrap() error {
	return e.Err
}

// NewBoundary wraps err with the given kind and the caller stack frame
// information.
func NewBoundary(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	pc, _, line, _ := runtime.Caller(1)
	return &BoundaryError{
		ErrorKind: kind,
		Err:       fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, err),
	}
}

// NewBoundaryf is NewBoundary with a formatted message instead of an
// existing error.
func NewBoundaryf(kind Kind, format string, args ...interface{}) error {
	pc, _, line, _ := runtime.Caller(1)
	return &BoundaryError{
		ErrorKind: kind,
		Err:       fmt.Errorf("%s#%d: %w", stacktrace.GetFunctionName(pc), line, fmt.Errorf(format, args...)),
	}
}

// GetKind returns the boundary kind of err, or KindNone when err carries no
// classification.
func GetKind(err error) Kind {
	var boundaryErr *BoundaryError
	if std_errors.As(err, &boundaryErr) {
		return boundaryErr.ErrorKind
	}
	return KindNone
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

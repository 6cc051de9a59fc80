/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package audio

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrConfiguration reports invalid Open parameters.
	ErrConfiguration = errors.New("invalid stream configuration")

	// ErrDevice reports that the requested device or API could not be bound.
	ErrDevice = errors.New("audio device error")

	// ErrInvalidState reports an operation not allowed in the current state.
	ErrInvalidState = errors.New("invalid stream state")

	// ErrNotAvailable reports a value the platform or stream cannot provide,
	// e.g. the default device on a system without audio hardware.
	ErrNotAvailable = errors.New("not available")

	// ErrStopStream may be returned by a ProcessFunc to ask the transport to
	// stop invoking the callback. The stream moves from Running to Open.
	ErrStopStream = errors.New("stop stream requested")
)

// StreamError carries the failing operation, the error kind and the cause.
type StreamError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("audio: %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// newError builds a StreamError. When err already carries a kind it is
// returned with the operation updated so callers keep the original kind.
func newError(op string, kind error, err error) error {
	var se *StreamError
	if errors.As(err, &se) {
		return &StreamError{Op: op, Kind: se.Kind, Err: se.Err}
	}
	return &StreamError{Op: op, Kind: kind, Err: err}
}

func configError(format string, args ...any) error {
	return &StreamError{Op: "open", Kind: ErrConfiguration, Err: fmt.Errorf(format, args...)}
}

func deviceError(op, format string, args ...any) error {
	return &StreamError{Op: op, Kind: ErrDevice, Err: fmt.Errorf(format, args...)}
}

func stateError(op string, s State) error {
	return &StreamError{Op: op, Kind: ErrInvalidState, Err: fmt.Errorf("stream is %s", s)}
}

func notAvailable(op, format string, args ...any) error {
	return &StreamError{Op: op, Kind: ErrNotAvailable, Err: fmt.Errorf(format, args...)}
}

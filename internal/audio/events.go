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

import "time"

// GlitchKind classifies a non-fatal runtime problem.
type GlitchKind string

const (
	// GlitchXRun is a transport-reported underflow or overflow
	GlitchXRun GlitchKind = "xrun"
	// GlitchProcessFailure is a ProcessFunc that returned an error
	GlitchProcessFailure GlitchKind = "process_failure"
	// GlitchProcessPanic is a ProcessFunc that panicked
	GlitchProcessPanic GlitchKind = "process_panic"
)

// Glitch describes one degraded callback cycle.
type Glitch struct {
	Kind       GlitchKind
	Cycle      uint64
	StreamTime time.Duration
	Status     Status
	Err        error
}

// StateEvent describes one lifecycle transition.
type StateEvent struct {
	From, To State
	// Reason is set when the transport halted the stream on its own.
	Reason error
	Time   time.Time
}

// Observer receives stream reports on the control side. Glitch is called from
// the manager's reporter goroutine and StateChanged from the goroutine that
// performed the transition. Implementations must not call back into the
// Manager and should return quickly.
type Observer interface {
	StateChanged(ev StateEvent)
	Glitch(g Glitch)
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	Cycles             uint64 `json:"cycles"`
	XRuns              uint64 `json:"xruns"`
	Failures           uint64 `json:"failures"`
	Panics             uint64 `json:"panics"`
	Silenced           uint64 `json:"silenced"`
	ConsecutiveGlitchy uint64 `json:"consecutive_glitchy"`
	DroppedReports     uint64 `json:"dropped_reports"`
}

// Add returns the sum of s and o. ConsecutiveGlitchy is taken from o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Cycles:             s.Cycles + o.Cycles,
		XRuns:              s.XRuns + o.XRuns,
		Failures:           s.Failures + o.Failures,
		Panics:             s.Panics + o.Panics,
		Silenced:           s.Silenced + o.Silenced,
		ConsecutiveGlitchy: o.ConsecutiveGlitchy,
		DroppedReports:     s.DroppedReports + o.DroppedReports,
	}
}

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

import "sync/atomic"

// ProcessFunc processes one buffer period. in is empty for output-only
// streams. out is zeroed before the call and has the expected output shape;
// the function writes its result into it. It runs on the transport thread and
// must return well within one buffer period.
//
// A returned error silences the cycle. ErrStopStream asks the transport to
// stop.
type ProcessFunc func(in, out Buffer) error

// Processor is the object form of a processing function. Returning false
// from Process asks the stream to stop.
type Processor interface {
	Process(in, out Buffer) bool
}

// FromProcessor adapts p to a ProcessFunc.
func FromProcessor(p Processor) ProcessFunc {
	return func(in, out Buffer) error {
		if !p.Process(in, out) {
			return ErrStopStream
		}
		return nil
	}
}

type slotEntry struct {
	fn         ProcessFunc
	generation uint64
}

// ProcessingSlot holds the currently installed ProcessFunc. Set is called
// from the control side and Current from the transport thread; neither ever
// waits for the other. A replaced function stays valid for a cycle that
// already loaded it.
type ProcessingSlot struct {
	current     atomic.Pointer[slotEntry]
	generations atomic.Uint64
}

// NewProcessingSlot returns an empty slot.
func NewProcessingSlot() *ProcessingSlot {
	return &ProcessingSlot{}
}

// Set installs fn and returns the function it replaced. A nil fn uninstalls.
// The change is seen from the next callback cycle on.
func (s *ProcessingSlot) Set(fn ProcessFunc) ProcessFunc {
	var next *slotEntry
	if fn != nil {
		next = &slotEntry{fn: fn, generation: s.generations.Add(1)}
	}
	prev := s.current.Swap(next)
	if prev == nil {
		return nil
	}
	return prev.fn
}

// Current returns the installed function, or nil.
func (s *ProcessingSlot) Current() ProcessFunc {
	if e := s.current.Load(); e != nil {
		return e.fn
	}
	return nil
}

// Generation returns a counter identifying the installed function; 0 means
// nothing is installed.
func (s *ProcessingSlot) Generation() uint64 {
	if e := s.current.Load(); e != nil {
		return e.generation
	}
	return 0
}

func (s *ProcessingSlot) load() *slotEntry {
	return s.current.Load()
}

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
	"math"
	"sync/atomic"
	"time"
)

const defaultReportCapacity = 64

// errPeriodOverflow fails a cycle whose period does not fit the channel
// offset scratch buffers.
var errPeriodOverflow = errors.New("callback period exceeds the configured frame size")

// PanicError wraps a value recovered from a panicking ProcessFunc.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("process function panicked: %v", e.Value)
}

// Bridge is the callback a transport invokes on its own thread. It adapts the
// raw buffers to Buffer views, runs the installed ProcessFunc and contains its
// failures: a failed cycle is written as silence and the stream keeps going.
//
// The callback path never locks, logs or blocks. Glitches are handed to the
// control side through a bounded channel.
type Bridge struct {
	slot        *ProcessingSlot
	format      SampleFormat
	width       int
	inChannels  int
	outChannels int
	inFirst     int
	outFirst    int
	inDevice    int
	outDevice   int
	interleaved bool

	// Preallocated views for streams with a first-channel offset.
	scratchIn  []byte
	scratchOut []byte

	gain    atomic.Uint64 // float64 bits
	reports chan Glitch

	cycles      atomic.Uint64
	xruns       atomic.Uint64
	failures    atomic.Uint64
	panics      atomic.Uint64
	silenced    atomic.Uint64
	consecutive atomic.Uint64
	dropped     atomic.Uint64
}

// NewBridge returns a bridge for cfg reading functions from slot. reportCap
// bounds the number of undelivered glitch reports.
func NewBridge(slot *ProcessingSlot, cfg StreamConfig, reportCap int) *Bridge {
	if reportCap <= 0 {
		reportCap = defaultReportCapacity
	}
	width, _ := cfg.Format.ByteWidth()
	b := &Bridge{
		slot:        slot,
		format:      cfg.Format,
		width:       width,
		inChannels:  cfg.InputChannels,
		outChannels: cfg.OutputChannels,
		inFirst:     cfg.InputFirstChannel,
		outFirst:    cfg.OutputFirstChannel,
		inDevice:    cfg.DeviceInputChannels(),
		outDevice:   cfg.DeviceOutputChannels(),
		interleaved: !cfg.Flags.Has(FlagNonInterleaved),
		reports:     make(chan Glitch, reportCap),
	}
	if cfg.HasInput() && b.inFirst > 0 {
		b.scratchIn = make([]byte, cfg.InputBytes())
	}
	if cfg.HasOutput() && b.outFirst > 0 {
		b.scratchOut = make([]byte, cfg.OutputBytes())
	}
	b.SetGain(1)
	return b
}

// Reports returns the channel glitch reports are delivered on.
func (b *Bridge) Reports() <-chan Glitch {
	return b.reports
}

// SetGain sets the factor applied to every output sample.
func (b *Bridge) SetGain(g float64) {
	b.gain.Store(math.Float64bits(g))
}

// Gain returns the current output factor.
func (b *Bridge) Gain() float64 {
	return math.Float64frombits(b.gain.Load())
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Cycles:             b.cycles.Load(),
		XRuns:              b.xruns.Load(),
		Failures:           b.failures.Load(),
		Panics:             b.panics.Load(),
		Silenced:           b.silenced.Load(),
		ConsecutiveGlitchy: b.consecutive.Load(),
		DroppedReports:     b.dropped.Load(),
	}
}

// Callback implements the transport Callback.
func (b *Bridge) Callback(out, in []byte, frames int, streamTime time.Duration, status Status) CallbackResult {
	cycle := b.cycles.Add(1)
	glitchy := false

	if status != 0 {
		glitchy = true
		b.xruns.Add(1)
		b.report(Glitch{Kind: GlitchXRun, Cycle: cycle, StreamTime: streamTime, Status: status})
	}

	// One load per cycle: a replacement never takes effect mid-cycle.
	entry := b.slot.load()
	clear(out)
	if entry == nil {
		b.settle(glitchy)
		return CallbackContinue
	}

	devIn := Buffer{Data: in, Frames: frames, Format: b.format, Interleaved: b.interleaved}
	if len(in) > 0 {
		devIn.Channels = b.inDevice
	}
	devOut := Buffer{Data: out, Frames: frames, Format: b.format, Interleaved: b.interleaved}
	if len(out) > 0 {
		devOut.Channels = b.outDevice
	}

	var (
		panicked bool
		err      error
	)
	inBuf, outBuf, ok := b.views(devIn, devOut)
	if ok {
		panicked, err = invoke(entry.fn, inBuf, outBuf)
	} else {
		err = errPeriodOverflow
	}
	switch {
	case err == nil:
		if b.scratchOut != nil && len(out) > 0 {
			copyChannels(devOut, b.outFirst, outBuf, 0, b.outChannels)
		}
		if g := b.Gain(); g != 1 && len(out) > 0 {
			scaleSamples(out, b.format, g)
		}
	case errors.Is(err, ErrStopStream):
		clear(out)
		b.settle(glitchy)
		return CallbackStop
	default:
		clear(out)
		glitchy = true
		b.silenced.Add(1)
		kind := GlitchProcessFailure
		if panicked {
			kind = GlitchProcessPanic
			b.panics.Add(1)
		} else {
			b.failures.Add(1)
		}
		b.report(Glitch{Kind: kind, Cycle: cycle, StreamTime: streamTime, Status: status, Err: err})
	}

	b.settle(glitchy)
	return CallbackContinue
}

// views returns the buffers the process function sees. Offset channels are
// gathered into the scratch input and written to a zeroed scratch output.
func (b *Bridge) views(in, out Buffer) (Buffer, Buffer, bool) {
	if b.scratchIn != nil && !in.Empty() {
		n := in.Frames * b.inChannels * b.width
		if n > len(b.scratchIn) {
			return in, out, false
		}
		view := Buffer{Data: b.scratchIn[:n], Frames: in.Frames, Channels: b.inChannels, Format: b.format, Interleaved: b.interleaved}
		copyChannels(view, 0, in, b.inFirst, b.inChannels)
		in = view
	}
	if b.scratchOut != nil && !out.Empty() {
		n := out.Frames * b.outChannels * b.width
		if n > len(b.scratchOut) {
			return in, out, false
		}
		view := Buffer{Data: b.scratchOut[:n], Frames: out.Frames, Channels: b.outChannels, Format: b.format, Interleaved: b.interleaved}
		clear(view.Data)
		out = view
	}
	return in, out, true
}

func invoke(fn ProcessFunc, in, out Buffer) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = &PanicError{Value: r}
		}
	}()
	return false, fn(in, out)
}

func (b *Bridge) settle(glitchy bool) {
	if glitchy {
		b.consecutive.Add(1)
		return
	}
	b.consecutive.Store(0)
}

func (b *Bridge) report(g Glitch) {
	select {
	case b.reports <- g:
	default:
		b.dropped.Add(1)
	}
}

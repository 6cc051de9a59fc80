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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func passthrough(in, out Buffer) error {
	copy(out.Data, in.Data)
	return nil
}

func newTestBridge(cfg StreamConfig) (*Bridge, *ProcessingSlot, []byte, []byte) {
	slot := NewProcessingSlot()
	b := NewBridge(slot, cfg, 8)
	return b, slot, make([]byte, cfg.DeviceInputBytes()), make([]byte, cfg.DeviceOutputBytes())
}

func TestBridgeSilenceWithoutFunction(t *testing.T) {
	cfg := duplexConfig()
	bridge, _, in, out := newTestBridge(cfg)
	fill(out, 0xAA)

	res := bridge.Callback(out, in, cfg.FrameSize, 0, 0)

	assert.Equal(t, CallbackContinue, res)
	assert.Equal(t, make([]byte, len(out)), out, "output must be silent")
	assert.Equal(t, uint64(1), bridge.Stats().Cycles)
}

func TestBridgeInvokesInstalledFunction(t *testing.T) {
	cfg := duplexConfig()
	bridge, slot, in, out := newTestBridge(cfg)
	inView := Buffer{Data: in, Format: FormatFloat32}.Float32()
	for i := range inView {
		inView[i] = 0.5
	}

	var seenIn, seenOut Buffer
	slot.Set(func(i, o Buffer) error {
		seenIn, seenOut = i, o
		return passthrough(i, o)
	})

	res := bridge.Callback(out, in, cfg.FrameSize, 10*time.Millisecond, 0)

	require.Equal(t, CallbackContinue, res)
	assert.Equal(t, in, out)
	assert.Equal(t, cfg.FrameSize, seenIn.Frames)
	assert.Equal(t, 2, seenIn.Channels)
	assert.Equal(t, 2, seenOut.Channels)
	assert.True(t, seenOut.Interleaved)
	assert.Equal(t, FormatFloat32, seenOut.Format)
}

func TestBridgeOutputIsZeroedBeforeCall(t *testing.T) {
	cfg := duplexConfig()
	bridge, slot, in, out := newTestBridge(cfg)
	fill(out, 0x7F)

	slot.Set(func(in, o Buffer) error {
		for _, v := range o.Data {
			if v != 0 {
				return errors.New("output not zeroed")
			}
		}
		return nil
	})

	bridge.Callback(out, in, cfg.FrameSize, 0, 0)
	assert.Zero(t, bridge.Stats().Failures)
}

func TestBridgeContainsFailures(t *testing.T) {
	t.Run("returned error", func(t *testing.T) {
		cfg := duplexConfig()
		bridge, slot, in, out := newTestBridge(cfg)
		fill(in, 0x11)
		slot.Set(func(in, o Buffer) error {
			copy(o.Data, in.Data)
			return errors.New("dsp blew up")
		})

		res := bridge.Callback(out, in, cfg.FrameSize, 0, 0)

		assert.Equal(t, CallbackContinue, res, "a failure must not stop the stream")
		assert.Equal(t, make([]byte, len(out)), out, "partial output must be discarded")

		stats := bridge.Stats()
		assert.Equal(t, uint64(1), stats.Failures)
		assert.Equal(t, uint64(1), stats.Silenced)

		g := <-bridge.Reports()
		assert.Equal(t, GlitchProcessFailure, g.Kind)
		assert.EqualError(t, g.Err, "dsp blew up")
	})

	t.Run("panic", func(t *testing.T) {
		cfg := duplexConfig()
		bridge, slot, in, out := newTestBridge(cfg)
		slot.Set(func(in, o Buffer) error {
			o.Data[0] = 1
			panic("index out of range")
		})

		var res CallbackResult
		require.NotPanics(t, func() { res = bridge.Callback(out, in, cfg.FrameSize, 0, 0) })

		assert.Equal(t, CallbackContinue, res)
		assert.Equal(t, make([]byte, len(out)), out)
		assert.Equal(t, uint64(1), bridge.Stats().Panics)

		g := <-bridge.Reports()
		assert.Equal(t, GlitchProcessPanic, g.Kind)
		var pe *PanicError
		require.ErrorAs(t, g.Err, &pe)
		assert.Equal(t, "index out of range", pe.Value)
	})
}

func TestBridgeStopRequest(t *testing.T) {
	cfg := duplexConfig()
	bridge, slot, in, out := newTestBridge(cfg)
	fill(in, 0x22)
	slot.Set(func(in, o Buffer) error {
		copy(o.Data, in.Data)
		return ErrStopStream
	})

	res := bridge.Callback(out, in, cfg.FrameSize, 0, 0)

	assert.Equal(t, CallbackStop, res)
	assert.Equal(t, make([]byte, len(out)), out)
	assert.Zero(t, bridge.Stats().Failures, "stopping is not a failure")
	assert.Empty(t, bridge.Reports())
}

func TestBridgeStatusFlags(t *testing.T) {
	cfg := duplexConfig()
	bridge, slot, in, out := newTestBridge(cfg)
	calls := 0
	slot.Set(func(in, o Buffer) error {
		calls++
		return nil
	})

	res := bridge.Callback(out, in, cfg.FrameSize, 0, StatusInputOverflow|StatusOutputUnderflow)

	assert.Equal(t, CallbackContinue, res)
	assert.Equal(t, 1, calls, "the function still runs on an xrun cycle")

	g := <-bridge.Reports()
	assert.Equal(t, GlitchXRun, g.Kind)
	assert.Equal(t, "input_overflow|output_underflow", g.Status.String())
	assert.Equal(t, uint64(1), bridge.Stats().XRuns)
}

func TestBridgeConsecutiveGlitchCounter(t *testing.T) {
	cfg := duplexConfig()
	bridge, _, in, out := newTestBridge(cfg)

	for i := 0; i < 3; i++ {
		bridge.Callback(out, in, cfg.FrameSize, 0, StatusOutputUnderflow)
	}
	assert.Equal(t, uint64(3), bridge.Stats().ConsecutiveGlitchy)

	bridge.Callback(out, in, cfg.FrameSize, 0, 0)
	assert.Zero(t, bridge.Stats().ConsecutiveGlitchy)
	assert.Equal(t, uint64(3), bridge.Stats().XRuns)
}

func TestBridgeDropsReportsWhenFull(t *testing.T) {
	cfg := duplexConfig()
	bridge := NewBridge(NewProcessingSlot(), cfg, 2)
	in, out := make([]byte, cfg.InputBytes()), make([]byte, cfg.OutputBytes())

	for i := 0; i < 5; i++ {
		bridge.Callback(out, in, cfg.FrameSize, 0, StatusInputOverflow)
	}

	assert.Len(t, bridge.Reports(), 2)
	assert.Equal(t, uint64(3), bridge.Stats().DroppedReports)
}

func TestBridgeHalfDuplex(t *testing.T) {
	t.Run("output only", func(t *testing.T) {
		cfg := duplexConfig()
		cfg.InputChannels = 0
		bridge, slot, _, out := newTestBridge(cfg)

		var seenIn Buffer
		slot.Set(func(in, o Buffer) error {
			seenIn = in
			o.Float32()[0] = 0.5
			return nil
		})

		bridge.Callback(out, nil, cfg.FrameSize, 0, 0)

		assert.True(t, seenIn.Empty())
		assert.Zero(t, seenIn.Channels)
		assert.Equal(t, float32(0.5), Buffer{Data: out, Format: FormatFloat32}.Float32()[0])
	})

	t.Run("input only", func(t *testing.T) {
		cfg := duplexConfig()
		cfg.OutputChannels = 0
		bridge, slot, in, _ := newTestBridge(cfg)

		var seenOut Buffer
		slot.Set(func(i, o Buffer) error {
			seenOut = o
			return nil
		})

		res := bridge.Callback(nil, in, cfg.FrameSize, 0, 0)

		assert.Equal(t, CallbackContinue, res)
		assert.True(t, seenOut.Empty())
	})
}

func TestBridgeAppliesGain(t *testing.T) {
	cfg := duplexConfig()
	cfg.Format = FormatInt16
	bridge, slot, in, out := newTestBridge(cfg)
	slot.Set(func(in, o Buffer) error {
		for i := range o.Int16() {
			o.Int16()[i] = 1000
		}
		return nil
	})

	bridge.SetGain(0.25)
	bridge.Callback(out, in, cfg.FrameSize, 0, 0)

	for _, v := range (Buffer{Data: out, Format: FormatInt16}).Int16() {
		require.Equal(t, int16(250), v)
	}
}

func TestBridgeFirstChannelOffsets(t *testing.T) {
	cfg := StreamConfig{
		InputChannels: 1, InputFirstChannel: 2,
		OutputChannels: 2, OutputFirstChannel: 1,
		Format: FormatInt16, SampleRate: 48000, FrameSize: 4,
	}
	bridge, slot, in, out := newTestBridge(cfg)
	require.Len(t, in, 4*3*2, "input device opened with first+count channels")
	require.Len(t, out, 4*3*2)

	dev := Buffer{Data: in, Frames: 4, Channels: 3, Format: FormatInt16, Interleaved: true}
	for i := 0; i < 4; i++ {
		for ch := 0; ch < 3; ch++ {
			dev.SetSample(i, ch, float64(10*ch+i))
		}
	}

	var seen []int16
	slot.Set(func(i, o Buffer) error {
		require.Equal(t, 1, i.Channels)
		require.Equal(t, 2, o.Channels)
		seen = append(seen, i.Int16()...)
		for f := 0; f < o.Frames; f++ {
			o.SetSample(f, 0, 100)
			o.SetSample(f, 1, 200)
		}
		return nil
	})
	fill(out, 0x11)

	bridge.Callback(out, in, 4, 0, 0)

	assert.Equal(t, []int16{20, 21, 22, 23}, seen, "only channel 2 reaches the processor")
	assert.Equal(t, []int16{0, 100, 200, 0, 100, 200, 0, 100, 200, 0, 100, 200},
		Buffer{Data: out, Format: FormatInt16}.Int16())
}

func TestBridgeOffsetPeriodOverflow(t *testing.T) {
	cfg := StreamConfig{
		InputChannels: 1, InputFirstChannel: 1,
		Format: FormatInt16, SampleRate: 48000, FrameSize: 4,
	}
	bridge, slot, _, _ := newTestBridge(cfg)
	called := false
	slot.Set(func(i, o Buffer) error {
		called = true
		return nil
	})

	res := bridge.Callback(nil, make([]byte, 8*2*2), 8, 0, 0)

	assert.Equal(t, CallbackContinue, res)
	assert.False(t, called)
	assert.Equal(t, uint64(1), bridge.Stats().Failures)
	glitch := <-bridge.Reports()
	assert.ErrorIs(t, glitch.Err, errPeriodOverflow)
}

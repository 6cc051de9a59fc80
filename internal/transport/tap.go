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

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
)

// Publisher sends one encoded frame, e.g. a NATS connection.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// TapStats counts the periods a tap handled
type TapStats struct {
	Captured  uint64 `json:"captured"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type capture struct {
	slot int
	seq  uint32
	n    int
}

// Tap copies input periods off the transport thread and publishes them as
// frames. Capturing never blocks or allocates: periods arriving while every
// slot is in flight are dropped and counted.
type Tap struct {
	cfg     audio.StreamConfig
	subject string
	pub     Publisher
	logger  *slog.Logger

	slots [][]byte
	free  chan int
	ready chan capture

	// sequence is only touched by the transport thread.
	sequence uint32

	captured  atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewTap creates a tap for the input side of cfg holding up to depth periods
// in flight.
func NewTap(cfg audio.StreamConfig, depth int, pub Publisher, subject string, logger *slog.Logger) (*Tap, error) {
	if !cfg.HasInput() {
		return nil, errors.New("tap needs a stream with input channels")
	}
	if cfg.Flags.Has(audio.FlagNonInterleaved) {
		return nil, errors.New("tap frames carry interleaved samples only")
	}
	if cfg.InputBytes() > MaxDataSize {
		return nil, fmt.Errorf("input period of %d bytes exceeds the frame limit of %d", cfg.InputBytes(), MaxDataSize)
	}
	if depth <= 0 {
		return nil, fmt.Errorf("tap depth must be positive, got %d", depth)
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tap{
		cfg:     cfg,
		subject: subject,
		pub:     pub,
		logger:  logger.With("component", "tap", "subject", subject),
		slots:   make([][]byte, depth),
		free:    make(chan int, depth),
		ready:   make(chan capture, depth),
	}
	for i := range t.slots {
		t.slots[i] = make([]byte, cfg.InputBytes())
		t.free <- i
	}
	return t, nil
}

// Wrap returns a ProcessFunc that captures the input and then runs next. A
// nil next leaves the output silent.
func (t *Tap) Wrap(next audio.ProcessFunc) audio.ProcessFunc {
	return func(in, out audio.Buffer) error {
		t.capture(in)
		if next == nil {
			return nil
		}
		return next(in, out)
	}
}

func (t *Tap) capture(in audio.Buffer) {
	seq := t.sequence
	t.sequence++
	if in.Empty() {
		return
	}
	// A stream reopened with a different input layout is not captured.
	if in.Format != t.cfg.Format || in.Channels != t.cfg.InputChannels || len(in.Data) > len(t.slots[0]) {
		t.dropped.Add(1)
		return
	}

	select {
	case slot := <-t.free:
		n := copy(t.slots[slot], in.Data)
		// ready holds as many entries as there are slots.
		t.ready <- capture{slot: slot, seq: seq, n: n}
		t.captured.Add(1)
	default:
		t.dropped.Add(1)
	}
}

// Run publishes captured periods until ctx is cancelled, then flushes the
// periods already captured and publishes an end frame.
func (t *Tap) Run(ctx context.Context) error {
	t.logger.Debug("tap started", "depth", len(t.slots))
	for {
		select {
		case c := <-t.ready:
			t.send(c)
		case <-ctx.Done():
			for {
				select {
				case c := <-t.ready:
					t.send(c)
				default:
					t.publish(&Frame{Type: FrameTypeAudioEnd, Format: t.cfg.Format})
					t.logger.Debug("tap stopped", "published", t.published.Load(), "dropped", t.dropped.Load())
					return nil
				}
			}
		}
	}
}

func (t *Tap) send(c capture) {
	frame := &Frame{
		Type:       FrameTypeAudioData,
		Format:     t.cfg.Format,
		Channels:   uint16(t.cfg.InputChannels), //nolint:gosec // G115: channel counts are small
		SampleRate: uint32(t.cfg.SampleRate),
		Sequence:   c.seq,
		Timestamp:  t.timestamp(c.seq),
		Data:       t.slots[c.slot][:c.n],
	}
	data, err := frame.Serialize()
	// Serialize copied the samples; the slot can be reused.
	t.free <- c.slot
	if err != nil {
		t.failed.Add(1)
		t.logger.Error("failed to encode frame", "sequence", c.seq, "error", err)
		return
	}
	if err := t.pub.Publish(t.subject, data); err != nil {
		t.failed.Add(1)
		t.logger.Warn("failed to publish frame", "sequence", c.seq, "error", err)
		return
	}
	t.published.Add(1)
}

func (t *Tap) publish(f *Frame) {
	data, err := f.Serialize()
	if err == nil {
		err = t.pub.Publish(t.subject, data)
	}
	if err != nil {
		t.failed.Add(1)
		t.logger.Warn("failed to publish frame", "type", f.Type, "error", err)
	}
}

// timestamp returns the stream time of period seq in microseconds.
func (t *Tap) timestamp(seq uint32) uint64 {
	return uint64(float64(seq) * float64(t.cfg.FrameSize) * 1e6 / t.cfg.SampleRate)
}

// Stats returns the tap counters
func (t *Tap) Stats() TapStats {
	return TapStats{
		Captured:  t.captured.Load(),
		Published: t.published.Load(),
		Dropped:   t.dropped.Load(),
		Failed:    t.failed.Load(),
	}
}

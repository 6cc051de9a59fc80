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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrControllerStopped is returned by Do once Run has returned.
var ErrControllerStopped = errors.New("audio controller stopped")

// Op names a control command.
type Op string

const (
	OpOpen   Op = "open"
	OpStart  Op = "start"
	OpStop   Op = "stop"
	OpClose  Op = "close"
	OpVolume Op = "volume"
	OpStatus Op = "status"
)

// ParseOp parses a command name, ignoring case.
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case OpOpen, OpStart, OpStop, OpClose, OpVolume, OpStatus:
		return op, nil
	}
	return "", fmt.Errorf("unknown control op %q", s)
}

// Command is one request to the controller. Config is used by OpOpen and
// Volume by OpVolume.
type Command struct {
	Op     Op
	Config StreamConfig
	Volume float64
}

// Snapshot describes the stream after a command ran.
type Snapshot struct {
	State      State   `json:"state"`
	API        API     `json:"api"`
	SampleRate float64 `json:"sample_rate,omitempty"`
	Latency    int     `json:"latency_frames,omitempty"`
	Volume     float64 `json:"volume"`
	Stats      Stats   `json:"stats"`
}

// Snapshot reads the current stream state and counters.
func (m *Manager) Snapshot() Snapshot {
	snap := Snapshot{
		State:  m.State(),
		API:    m.CurrentAPI(),
		Volume: m.OutputVolume(),
		Stats:  m.Stats(),
	}
	if rate, err := m.StreamSampleRate(); err == nil {
		snap.SampleRate = rate
	}
	if latency, err := m.StreamLatency(); err == nil {
		snap.Latency = latency
	}
	return snap
}

type result struct {
	snap Snapshot
	err  error
}

type request struct {
	cmd   Command
	reply chan result
}

// Controller runs every lifecycle operation of a Manager on one goroutine so
// callers from different goroutines (signal handlers, NATS subscriptions)
// never race on Open/Start/Stop/Close.
type Controller struct {
	manager  *Manager
	logger   *slog.Logger
	requests chan request
	done     chan struct{}
}

// NewController creates a controller for m. Run must be called for commands
// to be served.
func NewController(m *Manager, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		manager:  m,
		logger:   logger.With("component", "controller"),
		requests: make(chan request),
		done:     make(chan struct{}),
	}
}

// Manager returns the controlled manager.
func (c *Controller) Manager() *Manager {
	return c.manager
}

// Run serves commands until ctx is cancelled, then closes the stream.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			if err := c.manager.Close(); err != nil {
				c.logger.Warn("failed to close stream on shutdown", "error", err)
				return err
			}
			return nil
		case req := <-c.requests:
			snap, err := c.execute(req.cmd)
			req.reply <- result{snap: snap, err: err}
		}
	}
}

func (c *Controller) execute(cmd Command) (Snapshot, error) {
	var err error
	switch cmd.Op {
	case OpOpen:
		err = c.manager.Open(cmd.Config)
	case OpStart:
		err = c.manager.Start()
	case OpStop:
		err = c.manager.Stop()
	case OpClose:
		err = c.manager.Close()
	case OpVolume:
		c.manager.SetOutputVolume(cmd.Volume)
	case OpStatus:
	default:
		err = fmt.Errorf("unknown control op %q", cmd.Op)
	}
	if err != nil {
		c.logger.Debug("command failed", "op", string(cmd.Op), "error", err)
	}
	return c.manager.Snapshot(), err
}

// Do sends cmd to the control goroutine and waits for its result.
func (c *Controller) Do(ctx context.Context, cmd Command) (Snapshot, error) {
	reply := make(chan result, 1)
	select {
	case c.requests <- request{cmd: cmd, reply: reply}:
	case <-c.done:
		return Snapshot{}, ErrControllerStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Open opens a stream with cfg
func (c *Controller) Open(ctx context.Context, cfg StreamConfig) error {
	_, err := c.Do(ctx, Command{Op: OpOpen, Config: cfg})
	return err
}

// Start starts the open stream
func (c *Controller) Start(ctx context.Context) error {
	_, err := c.Do(ctx, Command{Op: OpStart})
	return err
}

// Stop stops the running stream
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.Do(ctx, Command{Op: OpStop})
	return err
}

// Close closes the stream
func (c *Controller) Close(ctx context.Context) error {
	_, err := c.Do(ctx, Command{Op: OpClose})
	return err
}

// Status returns a snapshot taken on the control goroutine
func (c *Controller) Status(ctx context.Context) (Snapshot, error) {
	return c.Do(ctx, Command{Op: OpStatus})
}

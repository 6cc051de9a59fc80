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
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// State is the lifecycle state of a stream.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "running":
		*s = StateRunning
	default:
		return fmt.Errorf("unknown stream state %q", text)
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithAPI sets the API used when a StreamConfig leaves it unspecified and
// the API the device registry queries.
func WithAPI(api API) Option {
	return func(m *Manager) { m.api = api }
}

// WithLogger sets the logger used on the control side.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver registers an observer for state changes and glitches.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// WithReportCapacity bounds the number of undelivered glitch reports.
func WithReportCapacity(n int) Option {
	return func(m *Manager) { m.reportCap = n }
}

// Manager owns one stream: its transport binding, lifecycle state and
// processing slot. Open, Start, Stop and Close must be serialized by the
// caller (see Controller); queries and SetProcessFunc may be called from any
// goroutine.
type Manager struct {
	backend   Backend
	registry  *DeviceRegistry
	api       API
	logger    *slog.Logger
	reportCap int
	slot      *ProcessingSlot

	obsMu     sync.RWMutex
	observers []Observer

	state  atomic.Int32
	volume atomic.Uint64 // float64 bits
	bridge atomic.Pointer[Bridge]
	runs   atomic.Uint64

	// statsMu guards totals, the counters of streams closed so far, and the
	// retirement of the current bridge.
	statsMu sync.Mutex
	totals  Stats

	// mu guards the fields below and serializes transitions with the halt
	// handler.
	mu           sync.Mutex
	cfg          StreamConfig
	transport    Transport
	generation   uint64
	reporterQuit chan struct{}
	reporterDone chan struct{}
}

// NewManager returns a closed stream manager using backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:   backend,
		logger:    slog.Default(),
		reportCap: defaultReportCapacity,
		slot:      NewProcessingSlot(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "audio", "backend", backend.Name())
	m.registry = NewDeviceRegistry(backend, m.api)
	m.volume.Store(math.Float64bits(1))
	return m
}

// AddObserver registers o for subsequent reports.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Devices returns the device registry for the manager's API.
func (m *Manager) Devices() *DeviceRegistry {
	return m.registry
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsOpen reports whether a stream is open (stopped or running).
func (m *Manager) IsOpen() bool {
	return m.State() != StateClosed
}

// IsRunning reports whether the stream has been started.
func (m *Manager) IsRunning() bool {
	return m.State() == StateRunning
}

// Open binds a transport for cfg. The stream stays closed when validation or
// binding fails.
func (m *Manager) Open(cfg StreamConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.State(); s != StateClosed {
		return stateError("open", s)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.API == APIUnspecified {
		cfg.API = m.api
	}

	bridge := NewBridge(m.slot, cfg, m.reportCap)
	bridge.SetGain(m.OutputVolume())

	m.generation++
	gen := m.generation
	t, err := m.backend.Open(OpenParams{
		Config:   cfg,
		Callback: bridge.Callback,
		Halted: func(err error) {
			run := m.runs.Load()
			go m.handleHalt(gen, run, err)
		},
	})
	if err != nil {
		m.logger.Error("failed to open stream", "error", err)
		return newError("open", ErrDevice, err)
	}

	m.cfg = cfg
	m.transport = t
	m.bridge.Store(bridge)
	m.startReporter(bridge)
	m.setState(StateOpen, nil)

	m.logger.Info("stream opened",
		"api", t.API().String(),
		"format", cfg.Format.String(),
		"sample_rate", t.SampleRate(),
		"frame_size", cfg.FrameSize,
		"input_channels", cfg.InputChannels,
		"output_channels", cfg.OutputChannels)
	return nil
}

// Start makes the transport begin invoking the callback.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.State(); s != StateOpen {
		return stateError("start", s)
	}
	m.runs.Add(1)
	if err := m.transport.Start(); err != nil {
		m.logger.Error("failed to start stream", "error", err)
		return newError("start", ErrDevice, err)
	}
	m.setState(StateRunning, nil)
	m.logger.Debug("stream started")
	return nil
}

// Stop makes the transport cease invoking the callback. It returns after an
// in-flight callback has completed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.State(); s != StateRunning {
		return stateError("stop", s)
	}
	if err := m.transport.Stop(); err != nil {
		m.logger.Error("failed to stop stream", "error", err)
		return newError("stop", ErrDevice, err)
	}
	m.setState(StateOpen, nil)
	m.logger.Debug("stream stopped")
	return nil
}

// Close stops a running stream and releases the transport. Closing a closed
// stream is a no-op. The stream is closed on return even if releasing failed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.State()
	if s == StateClosed {
		return nil
	}

	var result *multierror.Error
	if s == StateRunning {
		if err := m.transport.Stop(); err != nil {
			result = multierror.Append(result, newError("close", ErrDevice, err))
		}
	}
	if err := m.transport.Close(); err != nil {
		result = multierror.Append(result, newError("close", ErrDevice, err))
	}
	m.stopReporter()
	m.retireBridge()
	m.transport = nil
	m.cfg = StreamConfig{}
	m.setState(StateClosed, nil)

	if err := result.ErrorOrNil(); err != nil {
		m.logger.Warn("stream closed with errors", "error", err)
		return err
	}
	m.logger.Info("stream closed")
	return nil
}

// Shutdown closes the stream and terminates the backend. The transport thread
// is quiesced before any resource is released.
func (m *Manager) Shutdown() error {
	var result *multierror.Error
	if err := m.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.backend.Terminate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("terminate %s backend: %w", m.backend.Name(), err))
	}
	return result.ErrorOrNil()
}

// SetProcessFunc installs fn for the next callback cycle and returns the
// replaced function. It never waits for the transport thread.
func (m *Manager) SetProcessFunc(fn ProcessFunc) ProcessFunc {
	prev := m.slot.Set(fn)
	m.logger.Debug("process function replaced", "generation", m.slot.Generation())
	return prev
}

// ProcessingSlot exposes the slot shared with the callback bridge.
func (m *Manager) ProcessingSlot() *ProcessingSlot {
	return m.slot
}

// SetOutputVolume sets the output gain, clamped to [0, 1]. It persists across
// reopen.
func (m *Manager) SetOutputVolume(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	m.volume.Store(math.Float64bits(v))
	if b := m.bridge.Load(); b != nil {
		b.SetGain(v)
	}
}

// OutputVolume returns the output gain.
func (m *Manager) OutputVolume() float64 {
	return math.Float64frombits(m.volume.Load())
}

// CurrentAPI returns the API of the open stream, or the configured API when
// closed.
func (m *Manager) CurrentAPI() API {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != nil {
		return m.transport.API()
	}
	return m.api
}

// Config returns the configuration of the open stream.
func (m *Manager) Config() (StreamConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		return StreamConfig{}, notAvailable("config", "stream is closed")
	}
	return m.cfg, nil
}

// StreamLatency returns input plus output buffering delay in frames.
func (m *Manager) StreamLatency() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		return 0, notAvailable("stream latency", "stream is closed")
	}
	return m.transport.Latency(), nil
}

// StreamSampleRate returns the rate the open stream runs at.
func (m *Manager) StreamSampleRate() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		return 0, notAvailable("stream sample rate", "stream is closed")
	}
	return m.transport.SampleRate(), nil
}

// Stats returns the callback counters accumulated over every stream the
// manager has opened. ConsecutiveGlitchy describes the open stream only.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	total := m.totals
	total.ConsecutiveGlitchy = 0
	if b := m.bridge.Load(); b != nil {
		total = total.Add(b.Stats())
	}
	return total
}

// retireBridge folds the final counters of the closing stream into the
// totals. The transport must be released.
func (m *Manager) retireBridge() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if b := m.bridge.Swap(nil); b != nil {
		m.totals = m.totals.Add(b.Stats())
	}
}

// handleHalt runs when the transport stopped on its own. gen ties the
// notification to the transport that sent it and run to the Start it
// interrupted.
func (m *Manager) handleHalt(gen, run uint64, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || run != m.runs.Load() || m.State() != StateRunning {
		return
	}
	if reason == nil {
		reason = ErrStopStream
	}
	if err := m.transport.Stop(); err != nil {
		m.logger.Warn("failed to stop halted transport", "error", err)
	}
	m.setState(StateOpen, reason)
	m.logger.Warn("stream halted by transport", "reason", reason)
}

// setState must be called with mu held.
func (m *Manager) setState(to State, reason error) {
	from := State(m.state.Swap(int32(to)))
	ev := StateEvent{From: from, To: to, Reason: reason, Time: time.Now()}

	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.StateChanged(ev)
	}
}

func (m *Manager) startReporter(b *Bridge) {
	quit := make(chan struct{})
	done := make(chan struct{})
	m.reporterQuit, m.reporterDone = quit, done

	go func() {
		defer close(done)
		for {
			select {
			case g := <-b.Reports():
				m.deliver(g)
			case <-quit:
				for {
					select {
					case g := <-b.Reports():
						m.deliver(g)
					default:
						return
					}
				}
			}
		}
	}()
}

func (m *Manager) stopReporter() {
	if m.reporterQuit == nil {
		return
	}
	close(m.reporterQuit)
	<-m.reporterDone
	m.reporterQuit, m.reporterDone = nil, nil
}

func (m *Manager) deliver(g Glitch) {
	attrs := []any{"kind", string(g.Kind), "cycle", g.Cycle, "stream_time", g.StreamTime}
	if g.Status != 0 {
		attrs = append(attrs, "status", g.Status.String())
	}
	if g.Err != nil {
		attrs = append(attrs, "error", g.Err)
	}
	m.logger.Warn("audio glitch", attrs...)

	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.Glitch(g)
	}
}

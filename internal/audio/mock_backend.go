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
	"sync"
	"sync/atomic"
	"time"
)

// MockBackend implements Backend for testing without hardware dependencies
type MockBackend struct {
	mu                 sync.Mutex
	devices            []Device
	devicesError       error
	openError          error
	startError         error
	stopError          error
	closeError         error
	terminateError     error
	simulateRealTiming bool
	transports         []*MockTransport
	terminated         bool
}

// NewMockBackend creates a new mock backend with a microphone, a speaker and
// a duplex interface.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		devices: []Device{
			{
				ID: 0, Name: "Mock Microphone",
				MaxInputChannels: 2, DefaultSampleRate: 48000,
				SampleRates: []float64{16000, 44100, 48000}, IsDefaultInput: true,
				Formats: NewFormatSet(AllFormats...),
			},
			{
				ID: 1, Name: "Mock Speakers",
				MaxOutputChannels: 2, DefaultSampleRate: 48000,
				SampleRates: []float64{44100, 48000}, IsDefaultOutput: true,
				Formats: NewFormatSet(AllFormats...),
			},
			{
				ID: 2, Name: "Mock Duplex Interface",
				MaxInputChannels: 8, MaxOutputChannels: 8, DuplexChannels: 8,
				DefaultSampleRate: 96000, SampleRates: []float64{44100, 48000, 96000},
				Formats: NewFormatSet(AllFormats...),
			},
		},
	}
}

// SetDevices replaces the simulated device list. A nil list simulates a
// system without audio hardware.
func (m *MockBackend) SetDevices(devices []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append([]Device(nil), devices...)
}

// SetDevicesError configures the backend to fail device queries
func (m *MockBackend) SetDevicesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devicesError = err
}

// SetOpenError configures the backend to return an error on Open
func (m *MockBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openError = err
}

// SetStartError configures transports to return an error on Start
func (m *MockBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetStopError configures transports to return an error on Stop
func (m *MockBackend) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// SetCloseError configures transports to return an error on Close. The
// transport is released regardless.
func (m *MockBackend) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// SetTerminateError configures the backend to return an error on Terminate
func (m *MockBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetSimulateRealTiming controls whether started transports invoke the
// callback from a ticker goroutine. When disabled, tests drive cycles with
// MockTransport.Cycle.
func (m *MockBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// Transports returns every transport opened so far
func (m *MockBackend) Transports() []*MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockTransport(nil), m.transports...)
}

// LastTransport returns the most recently opened transport, or nil
func (m *MockBackend) LastTransport() *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.transports) == 0 {
		return nil
	}
	return m.transports[len(m.transports)-1]
}

// Terminated reports whether Terminate has been called
func (m *MockBackend) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// Name implements Backend
func (m *MockBackend) Name() string { return "mock" }

// Devices implements Backend
func (m *MockBackend) Devices(API) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devicesError != nil {
		return nil, m.devicesError
	}
	return append([]Device(nil), m.devices...), nil
}

// DefaultInputDevice implements Backend
func (m *MockBackend) DefaultInputDevice(API) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devicesError != nil {
		return -1, m.devicesError
	}
	if d, ok := defaultDevice(m.devices, true); ok {
		return d.ID, nil
	}
	return -1, notAvailable("default input device", "no default input device")
}

// DefaultOutputDevice implements Backend
func (m *MockBackend) DefaultOutputDevice(API) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devicesError != nil {
		return -1, m.devicesError
	}
	if d, ok := defaultDevice(m.devices, false); ok {
		return d.ID, nil
	}
	return -1, notAvailable("default output device", "no default output device")
}

// Open implements Backend
func (m *MockBackend) Open(p OpenParams) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openError != nil {
		return nil, m.openError
	}
	cfg := p.Config
	if cfg.HasInput() {
		if err := m.checkDevice(cfg.InputDevice, cfg.DeviceInputChannels(), true); err != nil {
			return nil, err
		}
	}
	if cfg.HasOutput() {
		if err := m.checkDevice(cfg.OutputDevice, cfg.DeviceOutputChannels(), false); err != nil {
			return nil, err
		}
	}

	api := cfg.API
	if api == APIUnspecified {
		api = APIDummy
	}
	t := &MockTransport{
		backend:  m,
		params:   p,
		api:      api,
		realtime: m.simulateRealTiming,
	}
	if cfg.HasInput() {
		t.in = make([]byte, cfg.DeviceInputBytes())
	}
	if cfg.HasOutput() {
		t.out = make([]byte, cfg.DeviceOutputBytes())
	}
	t.generator = sineGenerator(440, cfg.SampleRate)
	m.transports = append(m.transports, t)
	return t, nil
}

// checkDevice must be called with mu held.
func (m *MockBackend) checkDevice(id *int, channels int, input bool) error {
	var (
		d  Device
		ok bool
	)
	if id == nil {
		d, ok = defaultDevice(m.devices, input)
		if !ok {
			return deviceError("open", "no default device for direction")
		}
	} else if d, ok = findDevice(m.devices, *id); !ok {
		return deviceError("open", "device %d not found", *id)
	}

	limit := d.MaxOutputChannels
	if input {
		limit = d.MaxInputChannels
	}
	if channels > limit {
		return deviceError("open", "device %q supports %d channels, %d requested", d.Name, limit, channels)
	}
	return nil
}

// Terminate implements Backend
func (m *MockBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		err := m.terminateError
		m.mu.Unlock()
		return err
	}
	transports := append([]*MockTransport(nil), m.transports...)
	m.terminated = true
	// Transports read the injected errors under mu.
	m.mu.Unlock()

	for _, t := range transports {
		t.release()
	}
	return nil
}

func (m *MockBackend) injected() (startErr, stopErr, closeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startError, m.stopError, m.closeError
}

// MockTransport implements Transport. Its callback runs either on a ticker
// goroutine (real timing) or synchronously from Cycle.
type MockTransport struct {
	backend  *MockBackend
	params   OpenParams
	api      API
	realtime bool
	in, out  []byte

	mu       sync.Mutex
	running  bool
	closed   bool
	stopCh   chan struct{}
	loopDone chan struct{}

	// cycleMu is held for the duration of one callback
	cycleMu    sync.Mutex
	frameCount uint64
	generator  func(in Buffer, frameOffset uint64)
	lastOutput []byte

	cycles        atomic.Uint64
	pendingStatus atomic.Uint32
}

// Config returns the configuration the transport was opened with
func (t *MockTransport) Config() StreamConfig { return t.params.Config }

// Running reports whether the transport currently invokes the callback
func (t *MockTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Closed reports whether the transport has been released
func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Cycles returns the number of completed callbacks
func (t *MockTransport) Cycles() uint64 { return t.cycles.Load() }

// LastOutput returns a copy of the output written by the latest callback
func (t *MockTransport) LastOutput() []byte {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()
	return append([]byte(nil), t.lastOutput...)
}

// SetInputGenerator replaces the function that fills the input buffer before
// each callback. frameOffset counts frames since the transport was opened.
func (t *MockTransport) SetInputGenerator(gen func(in Buffer, frameOffset uint64)) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()
	t.generator = gen
}

// InjectStatus makes the next ticker-driven callback report s
func (t *MockTransport) InjectStatus(s Status) {
	t.pendingStatus.Store(uint32(s))
}

// Cycle runs one callback synchronously with the given status
func (t *MockTransport) Cycle(status Status) (CallbackResult, error) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	if !t.Running() {
		return CallbackContinue, errors.New("mock transport not running")
	}
	return t.runCycle(status), nil
}

// FailDevice simulates losing the device while running
func (t *MockTransport) FailDevice(err error) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()
	t.halt(err)
}

// Start implements Transport
func (t *MockTransport) Start() error {
	startErr, _, _ := t.backend.injected()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("mock transport closed")
	}
	if startErr != nil {
		return startErr
	}
	if t.running {
		return errors.New("mock transport already running")
	}

	t.running = true
	if t.realtime {
		t.stopCh = make(chan struct{})
		t.loopDone = make(chan struct{})
		go t.simulatePeriods(t.stopCh, t.loopDone)
	}
	return nil
}

// Stop implements Transport
func (t *MockTransport) Stop() error {
	if _, stopErr, _ := t.backend.injected(); stopErr != nil {
		return stopErr
	}
	t.stop()
	return nil
}

// Close implements Transport
func (t *MockTransport) Close() error {
	_, _, closeErr := t.backend.injected()
	if !t.release() {
		return nil
	}
	return closeErr
}

// API implements Transport
func (t *MockTransport) API() API { return t.api }

// SampleRate implements Transport
func (t *MockTransport) SampleRate() float64 { return t.params.Config.SampleRate }

// Latency implements Transport
func (t *MockTransport) Latency() int {
	cfg := t.params.Config
	latency := 0
	if cfg.HasInput() {
		latency += cfg.FrameSize
	}
	if cfg.HasOutput() {
		latency += cfg.FrameSize
	}
	return latency
}

// release stops and closes the transport. It reports false when the
// transport was already closed.
func (t *MockTransport) release() bool {
	t.stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

func (t *MockTransport) stop() {
	t.mu.Lock()
	t.running = false
	stopCh, done := t.stopCh, t.loopDone
	t.stopCh, t.loopDone = nil, nil
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}
	// Wait for a synchronous Cycle that is still in the callback.
	t.cycleMu.Lock()
	t.cycleMu.Unlock() //nolint:staticcheck
}

// halt must be called with cycleMu held.
func (t *MockTransport) halt(err error) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()
	t.params.halted(err)
}

// runCycle must be called with cycleMu held.
func (t *MockTransport) runCycle(status Status) CallbackResult {
	cfg := t.params.Config
	if t.in != nil && t.generator != nil {
		t.generator(Buffer{
			Data:        t.in,
			Frames:      cfg.FrameSize,
			Channels:    cfg.DeviceInputChannels(),
			Format:      cfg.Format,
			Interleaved: !cfg.Flags.Has(FlagNonInterleaved),
		}, t.frameCount)
	}

	streamTime := time.Duration(float64(t.frameCount) / cfg.SampleRate * float64(time.Second))
	res := t.params.Callback(t.out, t.in, cfg.FrameSize, streamTime, status)
	t.frameCount += uint64(cfg.FrameSize)
	t.lastOutput = append(t.lastOutput[:0], t.out...)
	t.cycles.Add(1)

	if res == CallbackStop {
		t.halt(nil)
	}
	return res
}

// simulatePeriods invokes the callback once per buffer period
func (t *MockTransport) simulatePeriods(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	period := t.params.Config.Period()
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.cycleMu.Lock()
			if !t.Running() {
				t.cycleMu.Unlock()
				return
			}
			res := t.runCycle(Status(t.pendingStatus.Swap(0)))
			t.cycleMu.Unlock()
			if res == CallbackStop {
				return
			}
		}
	}
}

// sineGenerator fills every input channel with a tone at a tenth of full
// scale.
func sineGenerator(freq, rate float64) func(Buffer, uint64) {
	return func(in Buffer, frameOffset uint64) {
		_, hi, err := in.Format.Range()
		if err != nil {
			return
		}
		for i := 0; i < in.Frames; i++ {
			t := float64(frameOffset+uint64(i)) / rate
			v := 0.1 * hi * math.Sin(2*math.Pi*freq*t)
			for ch := 0; ch < in.Channels; ch++ {
				in.SetSample(i, ch, v)
			}
		}
	}
}

// String identifies the transport in test failures
func (t *MockTransport) String() string {
	return fmt.Sprintf("mock transport (%s, %d cycles)", t.api, t.Cycles())
}

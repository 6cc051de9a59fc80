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

	"github.com/gordonklaus/portaudio"
)

var hostAPIs = map[API]portaudio.HostApiType{
	APILinuxALSA:     portaudio.ALSA,
	APILinuxOSS:      portaudio.OSS,
	APIUnixJack:      portaudio.JACK,
	APIMacOSXCore:    portaudio.CoreAudio,
	APIWindowsWASAPI: portaudio.WASAPI,
	APIWindowsASIO:   portaudio.ASIO,
	APIWindowsDS:     portaudio.DirectSound,
}

// portaudioFormats lists the sample formats the binding can deliver.
var portaudioFormats = []SampleFormat{FormatInt8, FormatInt16, FormatInt24, FormatInt32, FormatFloat32}

// PortAudioBackend implements Backend using the real PortAudio library
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
	logger      *slog.Logger
}

// NewPortAudioBackend creates a new PortAudio backend. The library is
// initialized on first use.
func NewPortAudioBackend(logger *slog.Logger) *PortAudioBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAudioBackend{logger: logger.With("backend", "portaudio")}
}

// Name implements Backend
func (p *PortAudioBackend) Name() string { return "portaudio" }

func (p *PortAudioBackend) ensure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	p.initialized = true
	return nil
}

// Terminate implements Backend
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil
	}
	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// hostAPI resolves api to a PortAudio host API.
func (p *PortAudioBackend) hostAPI(api API) (*portaudio.HostApiInfo, error) {
	if err := p.ensure(); err != nil {
		return nil, err
	}
	if api == APIUnspecified {
		return portaudio.DefaultHostApi()
	}
	t, ok := hostAPIs[api]
	if !ok {
		return nil, fmt.Errorf("%s is not provided by PortAudio", api)
	}
	h, err := portaudio.HostApi(t)
	if err != nil {
		return nil, fmt.Errorf("%s host API: %w", api, err)
	}
	return h, nil
}

// Devices implements Backend
func (p *PortAudioBackend) Devices(api API) ([]Device, error) {
	h, err := p.hostAPI(api)
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(h.Devices))
	for _, d := range h.Devices {
		dev := deviceFromInfo(d, h)
		dev.SampleRates, dev.Formats = probeDevice(d)
		devices = append(devices, dev)
	}
	return devices, nil
}

// DefaultInputDevice implements Backend
func (p *PortAudioBackend) DefaultInputDevice(api API) (int, error) {
	h, err := p.hostAPI(api)
	if err != nil {
		return -1, err
	}
	if h.DefaultInputDevice == nil {
		return -1, notAvailable("default input device", "%s reports no default input device", h.Name)
	}
	return h.DefaultInputDevice.Index, nil
}

// DefaultOutputDevice implements Backend
func (p *PortAudioBackend) DefaultOutputDevice(api API) (int, error) {
	h, err := p.hostAPI(api)
	if err != nil {
		return -1, err
	}
	if h.DefaultOutputDevice == nil {
		return -1, notAvailable("default output device", "%s reports no default output device", h.Name)
	}
	return h.DefaultOutputDevice.Index, nil
}

// Open implements Backend
func (p *PortAudioBackend) Open(op OpenParams) (Transport, error) {
	cfg := op.Config
	if !NewFormatSet(portaudioFormats...).Has(cfg.Format) {
		return nil, deviceError("open", "PortAudio does not support %s samples", cfg.Format)
	}
	if cfg.Flags.Has(FlagNonInterleaved) {
		return nil, deviceError("open", "PortAudio transport requires interleaved buffers")
	}
	if ignored := cfg.Flags &^ (FlagMinimizeLatency | FlagNonInterleaved); ignored != 0 {
		p.logger.Debug("ignoring stream flags", "flags", fmt.Sprintf("0x%x", uint32(ignored)))
	}

	h, err := p.hostAPI(cfg.API)
	if err != nil {
		return nil, err
	}

	var in, out *portaudio.DeviceInfo
	if cfg.HasInput() {
		if in, err = resolvePortAudioDevice(h, cfg.InputDevice, true); err != nil {
			return nil, err
		}
	}
	if cfg.HasOutput() {
		if out, err = resolvePortAudioDevice(h, cfg.OutputDevice, false); err != nil {
			return nil, err
		}
	}

	params := streamParameters(cfg, in, out)
	t := &portaudioTransport{
		params:      op,
		api:         hostAPIToAPI(h.Type),
		inChannels:  cfg.DeviceInputChannels(),
		outChannels: cfg.DeviceOutputChannels(),
	}

	var stream *portaudio.Stream
	switch cfg.Format {
	case FormatInt8:
		stream, err = openTyped[int8](params, t)
	case FormatInt16:
		stream, err = openTyped[int16](params, t)
	case FormatInt24:
		stream, err = openTyped[portaudio.Int24](params, t)
	case FormatInt32:
		stream, err = openTyped[int32](params, t)
	case FormatFloat32:
		stream, err = openTyped[float32](params, t)
	}
	if err != nil {
		return nil, deviceError("open", "failed to open PortAudio stream: %v", err)
	}
	t.stream = stream

	p.logger.Debug("PortAudio stream opened", "host_api", h.Name, "format", cfg.Format.String())
	return t, nil
}

func resolvePortAudioDevice(h *portaudio.HostApiInfo, id *int, input bool) (*portaudio.DeviceInfo, error) {
	if id == nil {
		d := h.DefaultOutputDevice
		if input {
			d = h.DefaultInputDevice
		}
		if d == nil {
			return nil, deviceError("open", "%s has no default device for this direction", h.Name)
		}
		return d, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, deviceError("open", "failed to list PortAudio devices: %v", err)
	}
	for _, d := range devices {
		if d.Index == *id {
			return d, nil
		}
	}
	return nil, deviceError("open", "device %d not found", *id)
}

// streamParameters maps cfg onto PortAudio parameters. MinimizeLatency picks
// the devices' low latency defaults.
func streamParameters(cfg StreamConfig, in, out *portaudio.DeviceInfo) portaudio.StreamParameters {
	var params portaudio.StreamParameters
	if cfg.Flags.Has(FlagMinimizeLatency) {
		params = portaudio.LowLatencyParameters(in, out)
	} else {
		params = portaudio.HighLatencyParameters(in, out)
	}
	params.Input.Channels = cfg.DeviceInputChannels()
	params.Output.Channels = cfg.DeviceOutputChannels()
	if in == nil {
		params.Input.Device = nil
		params.Input.Channels = 0
	}
	if out == nil {
		params.Output.Device = nil
		params.Output.Channels = 0
	}
	params.SampleRate = cfg.SampleRate
	params.FramesPerBuffer = cfg.FrameSize
	return params
}

// openTyped registers a callback of the element type matching the stream
// format and hands the buffers to the transport as raw bytes.
func openTyped[T any](params portaudio.StreamParameters, t *portaudioTransport) (*portaudio.Stream, error) {
	switch {
	case t.inChannels > 0 && t.outChannels > 0:
		return portaudio.OpenStream(params, func(in, out []T, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			t.dispatch(bytesOf(out), bytesOf(in), len(out)/t.outChannels, ti, flags)
		})
	case t.inChannels > 0:
		return portaudio.OpenStream(params, func(in []T, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			t.dispatch(nil, bytesOf(in), len(in)/t.inChannels, ti, flags)
		})
	default:
		return portaudio.OpenStream(params, func(out []T, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			t.dispatch(bytesOf(out), nil, len(out)/t.outChannels, ti, flags)
		})
	}
}

// portaudioTransport implements Transport over a PortAudio callback stream
type portaudioTransport struct {
	stream      *portaudio.Stream
	params      OpenParams
	api         API
	inChannels  int
	outChannels int

	halting atomic.Bool

	// Owned by the callback thread while the stream runs.
	timeBase time.Duration
	started  bool
}

func (t *portaudioTransport) dispatch(out, in []byte, frames int, ti portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	if t.halting.Load() {
		clear(out)
		return
	}
	if !t.started {
		t.timeBase = ti.CurrentTime
		t.started = true
	}
	res := t.params.Callback(out, in, frames, ti.CurrentTime-t.timeBase, statusFromFlags(flags))
	if res == CallbackStop && t.halting.CompareAndSwap(false, true) {
		t.params.halted(nil)
	}
}

// Start implements Transport
func (t *portaudioTransport) Start() error {
	t.halting.Store(false)
	t.started = false
	return t.stream.Start()
}

// Stop implements Transport. Pa_StopStream returns once pending buffers have
// been processed.
func (t *portaudioTransport) Stop() error {
	return t.stream.Stop()
}

// Close implements Transport
func (t *portaudioTransport) Close() error {
	return t.stream.Close()
}

// API implements Transport
func (t *portaudioTransport) API() API { return t.api }

// SampleRate implements Transport
func (t *portaudioTransport) SampleRate() float64 {
	if info := t.stream.Info(); info != nil {
		return info.SampleRate
	}
	return t.params.Config.SampleRate
}

// Latency implements Transport
func (t *portaudioTransport) Latency() int {
	info := t.stream.Info()
	if info == nil {
		return 0
	}
	return latencyFrames(info.InputLatency+info.OutputLatency, info.SampleRate)
}

func latencyFrames(d time.Duration, rate float64) int {
	return int(math.Round(d.Seconds() * rate))
}

func statusFromFlags(flags portaudio.StreamCallbackFlags) Status {
	var s Status
	if flags&portaudio.InputUnderflow != 0 {
		s |= StatusInputUnderflow
	}
	if flags&portaudio.InputOverflow != 0 {
		s |= StatusInputOverflow
	}
	if flags&portaudio.OutputUnderflow != 0 {
		s |= StatusOutputUnderflow
	}
	if flags&portaudio.OutputOverflow != 0 {
		s |= StatusOutputOverflow
	}
	return s
}

func hostAPIToAPI(t portaudio.HostApiType) API {
	for api, ht := range hostAPIs {
		if ht == t {
			return api
		}
	}
	return APIUnspecified
}

func deviceFromInfo(d *portaudio.DeviceInfo, h *portaudio.HostApiInfo) Device {
	dev := Device{
		ID:                d.Index,
		Name:              d.Name,
		MaxInputChannels:  d.MaxInputChannels,
		MaxOutputChannels: d.MaxOutputChannels,
		DefaultSampleRate: d.DefaultSampleRate,
	}
	if d.MaxInputChannels > 0 && d.MaxOutputChannels > 0 {
		dev.DuplexChannels = min(d.MaxInputChannels, d.MaxOutputChannels)
	}
	if h != nil {
		dev.IsDefaultInput = h.DefaultInputDevice != nil && h.DefaultInputDevice.Index == d.Index
		dev.IsDefaultOutput = h.DefaultOutputDevice != nil && h.DefaultOutputDevice.Index == d.Index
	}
	return dev
}

// probeDevice asks PortAudio which standard rates and sample formats the
// device accepts on one channel.
func probeDevice(d *portaudio.DeviceInfo) ([]float64, FormatSet) {
	base := portaudio.StreamParameters{SampleRate: d.DefaultSampleRate}
	if d.MaxInputChannels > 0 {
		base.Input = portaudio.StreamDeviceParameters{Device: d, Channels: 1, Latency: d.DefaultLowInputLatency}
	} else if d.MaxOutputChannels > 0 {
		base.Output = portaudio.StreamDeviceParameters{Device: d, Channels: 1, Latency: d.DefaultLowOutputLatency}
	} else {
		return nil, 0
	}

	var rates []float64
	for _, r := range StandardSampleRates {
		p := base
		p.SampleRate = r
		if portaudio.IsFormatSupported(p, probeCallback(FormatFloat32)) == nil {
			rates = append(rates, r)
		}
	}

	var formats FormatSet
	for _, f := range portaudioFormats {
		if portaudio.IsFormatSupported(base, probeCallback(f)) == nil {
			formats |= NewFormatSet(f)
		}
	}
	return rates, formats
}

func probeCallback(f SampleFormat) any {
	switch f {
	case FormatInt8:
		return func([]int8) {}
	case FormatInt16:
		return func([]int16) {}
	case FormatInt24:
		return func([]portaudio.Int24) {}
	case FormatInt32:
		return func([]int32) {}
	default:
		return func([]float32) {}
	}
}

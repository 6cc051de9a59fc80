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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/hashicorp/go-multierror"
)

const (
	malgoPeriods = 2
	// miniaudio reports 0 channels for "any"; treat such a device as stereo.
	malgoFallbackChannels = 2
)

var malgoBackends = map[API]malgo.Backend{
	APILinuxALSA:     malgo.BackendAlsa,
	APILinuxPulse:    malgo.BackendPulseaudio,
	APILinuxOSS:      malgo.BackendOss,
	APIUnixJack:      malgo.BackendJack,
	APIMacOSXCore:    malgo.BackendCoreaudio,
	APIWindowsWASAPI: malgo.BackendWasapi,
	APIWindowsDS:     malgo.BackendDsound,
	APIDummy:         malgo.BackendNull,
}

var malgoFormats = map[SampleFormat]malgo.FormatType{
	FormatInt16:   malgo.FormatS16,
	FormatInt24:   malgo.FormatS24,
	FormatInt32:   malgo.FormatS32,
	FormatFloat32: malgo.FormatF32,
}

// MalgoBackend implements Backend on miniaudio through malgo. Device IDs are
// positions in the combined list of playback devices followed by capture
// devices.
type MalgoBackend struct {
	mu       sync.Mutex
	contexts map[malgo.Backend]*malgo.AllocatedContext
	logger   *slog.Logger
}

// NewMalgoBackend creates a new malgo backend. Contexts are created per API on
// first use.
func NewMalgoBackend(logger *slog.Logger) *MalgoBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MalgoBackend{
		contexts: make(map[malgo.Backend]*malgo.AllocatedContext),
		logger:   logger.With("backend", "malgo"),
	}
}

// Name implements Backend
func (b *MalgoBackend) Name() string { return "malgo" }

// resolveMalgoAPI maps api onto a miniaudio backend, picking the platform default
// when unspecified.
func resolveMalgoAPI(api API) (API, malgo.Backend, error) {
	if api == APIUnspecified {
		switch runtime.GOOS {
		case "linux":
			api = APILinuxALSA
		case "windows":
			api = APIWindowsWASAPI
		case "darwin":
			api = APIMacOSXCore
		default:
			api = APIDummy
		}
	}
	mb, ok := malgoBackends[api]
	if !ok {
		return api, 0, fmt.Errorf("%s is not provided by miniaudio", api)
	}
	return api, mb, nil
}

func (b *MalgoBackend) context(api API) (*malgo.AllocatedContext, error) {
	_, mb, err := resolveMalgoAPI(api)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx, ok := b.contexts[mb]; ok {
		return ctx, nil
	}
	ctx, err := malgo.InitContext([]malgo.Backend{mb}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio context for %s: %w", api, err)
	}
	b.contexts[mb] = ctx
	return ctx, nil
}

// Terminate implements Backend
func (b *MalgoBackend) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result *multierror.Error
	for mb, ctx := range b.contexts {
		if err := ctx.Uninit(); err != nil {
			result = multierror.Append(result, fmt.Errorf("uninit miniaudio context: %w", err))
		}
		ctx.Free()
		delete(b.contexts, mb)
	}
	return result.ErrorOrNil()
}

type malgoDevices struct {
	playback []malgo.DeviceInfo
	capture  []malgo.DeviceInfo
}

func (b *MalgoBackend) enumerate(ctx *malgo.AllocatedContext) (malgoDevices, error) {
	playback, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return malgoDevices{}, fmt.Errorf("failed to list playback devices: %w", err)
	}
	capture, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return malgoDevices{}, fmt.Errorf("failed to list capture devices: %w", err)
	}
	return malgoDevices{playback: playback, capture: capture}, nil
}

// Devices implements Backend
func (b *MalgoBackend) Devices(api API) ([]Device, error) {
	ctx, err := b.context(api)
	if err != nil {
		return nil, err
	}
	all, err := b.enumerate(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(all.playback)+len(all.capture))
	for i, info := range all.playback {
		if full, err := ctx.DeviceInfo(malgo.Playback, info.ID, malgo.Shared); err == nil {
			info = full
		}
		devices = append(devices, deviceFromMalgo(i, info, false))
	}
	for i, info := range all.capture {
		if full, err := ctx.DeviceInfo(malgo.Capture, info.ID, malgo.Shared); err == nil {
			info = full
		}
		devices = append(devices, deviceFromMalgo(len(all.playback)+i, info, true))
	}
	return devices, nil
}

// DefaultInputDevice implements Backend
func (b *MalgoBackend) DefaultInputDevice(api API) (int, error) {
	ctx, err := b.context(api)
	if err != nil {
		return -1, err
	}
	all, err := b.enumerate(ctx)
	if err != nil {
		return -1, err
	}
	for i, info := range all.capture {
		if info.IsDefault == 1 {
			return len(all.playback) + i, nil
		}
	}
	return -1, notAvailable("default input device", "no default capture device")
}

// DefaultOutputDevice implements Backend
func (b *MalgoBackend) DefaultOutputDevice(api API) (int, error) {
	ctx, err := b.context(api)
	if err != nil {
		return -1, err
	}
	all, err := b.enumerate(ctx)
	if err != nil {
		return -1, err
	}
	for i, info := range all.playback {
		if info.IsDefault == 1 {
			return i, nil
		}
	}
	return -1, notAvailable("default output device", "no default playback device")
}

// Open implements Backend
func (b *MalgoBackend) Open(op OpenParams) (Transport, error) {
	cfg := op.Config
	format, ok := malgoFormats[cfg.Format]
	if !ok {
		return nil, deviceError("open", "miniaudio does not support %s samples", cfg.Format)
	}
	if cfg.Flags.Has(FlagNonInterleaved) {
		return nil, deviceError("open", "miniaudio transport requires interleaved buffers")
	}
	if ignored := cfg.Flags &^ (FlagMinimizeLatency | FlagHogDevice | FlagNonInterleaved); ignored != 0 {
		b.logger.Debug("ignoring stream flags", "flags", fmt.Sprintf("0x%x", uint32(ignored)))
	}

	api, _, err := resolveMalgoAPI(cfg.API)
	if err != nil {
		return nil, err
	}
	ctx, err := b.context(api)
	if err != nil {
		return nil, err
	}

	t := &malgoTransport{params: op, api: api}
	var all malgoDevices
	if cfg.InputDevice != nil || cfg.OutputDevice != nil {
		if all, err = b.enumerate(ctx); err != nil {
			return nil, deviceError("open", "%v", err)
		}
	}
	if cfg.OutputDevice != nil {
		id := *cfg.OutputDevice
		if id < 0 || id >= len(all.playback) {
			return nil, deviceError("open", "playback device %d not found", id)
		}
		t.playbackID = all.playback[id].ID
		t.hasPlaybackID = true
	}
	if cfg.InputDevice != nil {
		id := *cfg.InputDevice - len(all.playback)
		if id < 0 || id >= len(all.capture) {
			return nil, deviceError("open", "capture device %d not found", *cfg.InputDevice)
		}
		t.captureID = all.capture[id].ID
		t.hasCaptureID = true
	}

	devCfg := t.deviceConfig(format)
	device, err := malgo.InitDevice(ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: t.dispatch,
		Stop: t.onStop,
	})
	if err != nil {
		return nil, deviceError("open", "failed to initialize miniaudio device: %v", err)
	}
	t.device = device
	t.rate = float64(device.SampleRate())

	b.logger.Debug("miniaudio device initialized", "api", api.String(), "format", cfg.Format.String(), "sample_rate", t.rate)
	return t, nil
}

func deviceFromMalgo(id int, info malgo.DeviceInfo, capture bool) Device {
	dev := Device{ID: id, Name: info.Name()}

	channels := 0
	rates := map[float64]bool{}
	var formats FormatSet
	for i := 0; i < int(info.FormatCount) && i < len(info.Formats); i++ {
		df := info.Formats[i]
		channels = max(channels, int(df.Channels))
		if df.SampleRate > 0 {
			rates[float64(df.SampleRate)] = true
		}
		for f, mf := range malgoFormats {
			if df.Format == mf || df.Format == malgo.FormatUnknown {
				formats |= NewFormatSet(f)
			}
		}
	}
	if channels == 0 {
		channels = malgoFallbackChannels
	}
	if formats == 0 {
		formats = NewFormatSet(FormatInt16, FormatInt24, FormatInt32, FormatFloat32)
	}
	dev.Formats = formats

	if len(rates) == 0 {
		dev.SampleRates = append([]float64(nil), StandardSampleRates...)
	} else {
		for _, r := range StandardSampleRates {
			if rates[r] {
				dev.SampleRates = append(dev.SampleRates, r)
			}
		}
	}
	dev.DefaultSampleRate = 48000
	if len(dev.SampleRates) > 0 && !containsRate(dev.SampleRates, 48000) {
		dev.DefaultSampleRate = dev.SampleRates[len(dev.SampleRates)-1]
	}

	if capture {
		dev.MaxInputChannels = channels
		dev.IsDefaultInput = info.IsDefault == 1
	} else {
		dev.MaxOutputChannels = channels
		dev.IsDefaultOutput = info.IsDefault == 1
	}
	return dev
}

func containsRate(rates []float64, r float64) bool {
	for _, v := range rates {
		if v == r {
			return true
		}
	}
	return false
}

// malgoTransport implements Transport over one miniaudio device
type malgoTransport struct {
	device *malgo.Device
	params OpenParams
	api    API
	rate   float64

	// Device IDs are kept here so the pointers handed to miniaudio stay valid.
	playbackID    malgo.DeviceID
	captureID     malgo.DeviceID
	hasPlaybackID bool
	hasCaptureID  bool

	frames   atomic.Uint64
	halting  atomic.Bool
	stopping atomic.Bool
}

func (t *malgoTransport) deviceConfig(format malgo.FormatType) malgo.DeviceConfig {
	cfg := t.params.Config

	kind := malgo.Duplex
	switch {
	case !cfg.HasInput():
		kind = malgo.Playback
	case !cfg.HasOutput():
		kind = malgo.Capture
	}

	dc := malgo.DefaultDeviceConfig(kind)
	dc.SampleRate = uint32(math.Round(cfg.SampleRate))
	dc.PeriodSizeInFrames = uint32(cfg.FrameSize)
	dc.Periods = malgoPeriods
	dc.Alsa.NoMMap = 1
	if cfg.Flags.Has(FlagMinimizeLatency) {
		dc.PerformanceProfile = malgo.LowLatency
	} else {
		dc.PerformanceProfile = malgo.Conservative
	}

	share := malgo.Shared
	if cfg.Flags.Has(FlagHogDevice) {
		share = malgo.Exclusive
	}
	if cfg.HasOutput() {
		dc.Playback.Format = format
		dc.Playback.Channels = uint32(cfg.DeviceOutputChannels())
		dc.Playback.ShareMode = share
		if t.hasPlaybackID {
			dc.Playback.DeviceID = t.playbackID.Pointer()
		}
	}
	if cfg.HasInput() {
		dc.Capture.Format = format
		dc.Capture.Channels = uint32(cfg.DeviceInputChannels())
		dc.Capture.ShareMode = share
		if t.hasCaptureID {
			dc.Capture.DeviceID = t.captureID.Pointer()
		}
	}
	return dc
}

func (t *malgoTransport) dispatch(out, in []byte, frameCount uint32) {
	if t.halting.Load() {
		clear(out)
		return
	}
	if len(out) == 0 {
		out = nil
	}
	if len(in) == 0 {
		in = nil
	}

	elapsed := t.frames.Add(uint64(frameCount)) - uint64(frameCount)
	streamTime := time.Duration(float64(elapsed) / t.rate * float64(time.Second))
	res := t.params.Callback(out, in, int(frameCount), streamTime, 0)
	if res == CallbackStop && t.halting.CompareAndSwap(false, true) {
		t.params.halted(nil)
	}
}

// onStop runs whenever the device stops, including through Stop.
func (t *malgoTransport) onStop() {
	if t.stopping.Load() || t.halting.Load() {
		return
	}
	if t.halting.CompareAndSwap(false, true) {
		t.params.halted(deviceError("run", "miniaudio device stopped unexpectedly"))
	}
}

// Start implements Transport
func (t *malgoTransport) Start() error {
	t.halting.Store(false)
	t.stopping.Store(false)
	return t.device.Start()
}

// Stop implements Transport
func (t *malgoTransport) Stop() error {
	t.stopping.Store(true)
	return t.device.Stop()
}

// Close implements Transport
func (t *malgoTransport) Close() error {
	t.stopping.Store(true)
	t.device.Uninit()
	return nil
}

// API implements Transport
func (t *malgoTransport) API() API { return t.api }

// SampleRate implements Transport
func (t *malgoTransport) SampleRate() float64 { return t.rate }

// Latency implements Transport
func (t *malgoTransport) Latency() int {
	cfg := t.params.Config
	per := cfg.FrameSize * malgoPeriods
	latency := 0
	if cfg.HasInput() {
		latency += per
	}
	if cfg.HasOutput() {
		latency += per
	}
	return latency
}

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
	"math"
	"strings"
	"time"
)

// API selects the driver backend used to talk to the hardware.
type API int

const (
	APIUnspecified API = iota
	APILinuxALSA
	APILinuxPulse
	APILinuxOSS
	APIUnixJack
	APIMacOSXCore
	APIWindowsWASAPI
	APIWindowsASIO
	APIWindowsDS
	APIDummy
)

var apiNames = map[API]string{
	APIUnspecified:   "Unspecified",
	APILinuxALSA:     "ALSA",
	APILinuxPulse:    "Pulse",
	APILinuxOSS:      "OSS",
	APIUnixJack:      "Jack",
	APIMacOSXCore:    "CoreAudio",
	APIWindowsWASAPI: "WASAPI",
	APIWindowsASIO:   "ASIO",
	APIWindowsDS:     "DirectSound",
	APIDummy:         "Dummy",
}

func (a API) String() string {
	if name, ok := apiNames[a]; ok {
		return name
	}
	return fmt.Sprintf("API(%d)", int(a))
}

// MarshalText encodes the display name.
func (a API) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts anything ParseAPI does.
func (a *API) UnmarshalText(text []byte) error {
	api, err := ParseAPI(string(text))
	if err != nil {
		return err
	}
	*a = api
	return nil
}

// ParseAPI accepts display names ("ALSA") and short identifiers ("alsa",
// "core", "wasapi"). The empty string is APIUnspecified.
func ParseAPI(s string) (API, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unspecified", "default":
		return APIUnspecified, nil
	case "alsa", "linux_alsa":
		return APILinuxALSA, nil
	case "pulse", "pulseaudio", "linux_pulse":
		return APILinuxPulse, nil
	case "oss", "linux_oss":
		return APILinuxOSS, nil
	case "jack", "unix_jack":
		return APIUnixJack, nil
	case "core", "coreaudio", "macosx_core":
		return APIMacOSXCore, nil
	case "wasapi", "windows_wasapi":
		return APIWindowsWASAPI, nil
	case "asio", "windows_asio":
		return APIWindowsASIO, nil
	case "ds", "directsound", "windows_ds":
		return APIWindowsDS, nil
	case "dummy", "null":
		return APIDummy, nil
	default:
		return APIUnspecified, fmt.Errorf("unknown audio API %q", s)
	}
}

// StreamFlags change the default stream behavior.
type StreamFlags uint32

const (
	FlagNonInterleaved   StreamFlags = 0x1
	FlagMinimizeLatency  StreamFlags = 0x2
	FlagHogDevice        StreamFlags = 0x4
	FlagScheduleRealtime StreamFlags = 0x8
	FlagAlsaUseDefault   StreamFlags = 0x10
	FlagJackDontConnect  StreamFlags = 0x20

	allFlags = FlagNonInterleaved | FlagMinimizeLatency | FlagHogDevice |
		FlagScheduleRealtime | FlagAlsaUseDefault | FlagJackDontConnect
)

var flagNames = map[string]StreamFlags{
	"noninterleaved":    FlagNonInterleaved,
	"minimize_latency":  FlagMinimizeLatency,
	"hog_device":        FlagHogDevice,
	"schedule_realtime": FlagScheduleRealtime,
	"alsa_use_default":  FlagAlsaUseDefault,
	"jack_dont_connect": FlagJackDontConnect,
}

// ParseStreamFlags combines flag names such as "minimize_latency".
func ParseStreamFlags(names []string) (StreamFlags, error) {
	var flags StreamFlags
	for _, n := range names {
		f, ok := flagNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown stream flag %q", n)
		}
		flags |= f
	}
	return flags, nil
}

// Has reports whether every bit of f is set.
func (s StreamFlags) Has(f StreamFlags) bool {
	return s&f == f
}

// DeviceIndex returns a pointer to id for StreamConfig device fields.
func DeviceIndex(id int) *int {
	return &id
}

// StreamConfig holds the negotiated parameters of one open stream. A nil
// device selects the API's default device for that direction.
//
// InputFirstChannel and OutputFirstChannel offset the channels used on the
// device: the device is opened with first+count channels and the process
// function sees only channels [first, first+count).
type StreamConfig struct {
	API                API
	InputDevice        *int
	OutputDevice       *int
	InputChannels      int
	OutputChannels     int
	InputFirstChannel  int
	OutputFirstChannel int
	Format             SampleFormat
	SampleRate         float64
	FrameSize          int
	Flags              StreamFlags
	// Name identifies the stream to observers, e.g. in NATS subjects.
	Name string
}

// Validate checks the parameters that do not depend on hardware.
func (c StreamConfig) Validate() error {
	if c.InputChannels < 0 || c.OutputChannels < 0 {
		return configError("channel counts must not be negative (input %d, output %d)", c.InputChannels, c.OutputChannels)
	}
	if c.InputFirstChannel < 0 || c.OutputFirstChannel < 0 {
		return configError("first channels must not be negative (input %d, output %d)", c.InputFirstChannel, c.OutputFirstChannel)
	}
	if c.InputChannels+c.OutputChannels == 0 {
		return configError("stream needs at least one input or output channel")
	}
	if !c.Format.Valid() {
		return configError("unrecognized sample format 0x%x", uint32(c.Format))
	}
	if c.FrameSize <= 0 {
		return configError("frame size must be positive, got %d", c.FrameSize)
	}
	if c.SampleRate <= 0 || math.IsNaN(c.SampleRate) || math.IsInf(c.SampleRate, 0) {
		return configError("sample rate must be positive, got %v", c.SampleRate)
	}
	if c.Flags&^allFlags != 0 {
		return configError("unknown stream flags 0x%x", uint32(c.Flags&^allFlags))
	}
	if c.API < APIUnspecified || c.API > APIDummy {
		return configError("unknown audio API %d", int(c.API))
	}
	return nil
}

// HasInput reports whether the stream captures audio.
func (c StreamConfig) HasInput() bool { return c.InputChannels > 0 }

// HasOutput reports whether the stream plays audio.
func (c StreamConfig) HasOutput() bool { return c.OutputChannels > 0 }

// DeviceInputChannels returns the channel count the input device is opened
// with.
func (c StreamConfig) DeviceInputChannels() int {
	if !c.HasInput() {
		return 0
	}
	return c.InputFirstChannel + c.InputChannels
}

// DeviceOutputChannels returns the channel count the output device is opened
// with.
func (c StreamConfig) DeviceOutputChannels() int {
	if !c.HasOutput() {
		return 0
	}
	return c.OutputFirstChannel + c.OutputChannels
}

// DeviceInputBytes returns the size of one input period as the device
// delivers it.
func (c StreamConfig) DeviceInputBytes() int {
	w, _ := c.Format.ByteWidth()
	return c.FrameSize * c.DeviceInputChannels() * w
}

// DeviceOutputBytes returns the size of one output period as the device
// consumes it.
func (c StreamConfig) DeviceOutputBytes() int {
	w, _ := c.Format.ByteWidth()
	return c.FrameSize * c.DeviceOutputChannels() * w
}

// InputBytes returns the size of one input buffer period in bytes.
func (c StreamConfig) InputBytes() int {
	w, _ := c.Format.ByteWidth()
	return c.FrameSize * c.InputChannels * w
}

// OutputBytes returns the size of one output buffer period in bytes.
func (c StreamConfig) OutputBytes() int {
	w, _ := c.Format.ByteWidth()
	return c.FrameSize * c.OutputChannels * w
}

// Period returns the duration of one buffer period.
func (c StreamConfig) Period() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.FrameSize) / c.SampleRate * float64(time.Second))
}

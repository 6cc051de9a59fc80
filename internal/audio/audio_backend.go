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

import "time"

// Backend provides an abstraction layer over a device-discovery and audio
// transport library. This enables dependency injection and makes testing
// hardware-independent.
type Backend interface {
	// Name identifies the backend library ("portaudio", "malgo", "mock")
	Name() string

	// Devices lists the devices reachable through api
	Devices(api API) ([]Device, error)

	// DefaultInputDevice returns the default input device ID for api
	DefaultInputDevice(api API) (int, error)

	// DefaultOutputDevice returns the default output device ID for api
	DefaultOutputDevice(api API) (int, error)

	// Open binds a transport for the configuration and registers the callback
	Open(params OpenParams) (Transport, error)

	// Terminate releases the backend library
	Terminate() error
}

// Transport abstracts one bound stream. Once started it invokes the callback
// on its own thread every buffer period.
type Transport interface {
	// Start begins invoking the callback
	Start() error

	// Stop ceases invoking the callback. It returns after any in-flight
	// callback has returned; no callback begins afterwards.
	Stop() error

	// Close releases the device binding
	Close() error

	// API returns the API the transport resolved to
	API() API

	// SampleRate returns the rate the device actually runs at
	SampleRate() float64

	// Latency returns input plus output buffering delay in frames
	Latency() int
}

// Status carries transport-reported timing problems for one callback.
type Status uint32

const (
	StatusInputUnderflow  Status = 0x1
	StatusInputOverflow   Status = 0x2
	StatusOutputUnderflow Status = 0x4
	StatusOutputOverflow  Status = 0x8
)

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var out string
	for _, n := range []struct {
		bit  Status
		name string
	}{
		{StatusInputUnderflow, "input_underflow"},
		{StatusInputOverflow, "input_overflow"},
		{StatusOutputUnderflow, "output_underflow"},
		{StatusOutputOverflow, "output_overflow"},
	} {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// CallbackResult tells the transport whether to keep invoking the callback.
type CallbackResult int

const (
	CallbackContinue CallbackResult = iota
	CallbackStop
)

// Callback is invoked by a transport once per buffer period. in is nil for
// output-only streams and out is nil for input-only streams.
type Callback func(out, in []byte, frames int, streamTime time.Duration, status Status) CallbackResult

// OpenParams holds everything a backend needs to bind a transport.
type OpenParams struct {
	Config   StreamConfig
	Callback Callback

	// Halted is called once, on the transport thread, when the transport
	// stops on its own: the callback returned Stop (err is nil) or the device
	// failed. It must not block.
	Halted func(err error)
}

func (p OpenParams) halted(err error) {
	if p.Halted != nil {
		p.Halted(err)
	}
}

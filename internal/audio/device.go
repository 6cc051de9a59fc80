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

import "errors"

// StandardSampleRates are probed by backends that cannot list supported
// rates directly.
var StandardSampleRates = []float64{
	4000, 5512, 8000, 9600, 11025, 16000, 22050,
	32000, 44100, 48000, 88200, 96000, 176400, 192000,
}

// Device is a snapshot of one audio device. IDs are only meaningful until the
// device topology changes; callers must not cache them across list calls.
type Device struct {
	ID                int       `json:"id"`
	Name              string    `json:"name"`
	MaxInputChannels  int       `json:"max_input_channels"`
	MaxOutputChannels int       `json:"max_output_channels"`
	DuplexChannels    int       `json:"duplex_channels"`
	DefaultSampleRate float64   `json:"default_sample_rate"`
	SampleRates       []float64 `json:"sample_rates,omitempty"`
	IsDefaultInput    bool      `json:"is_default_input"`
	IsDefaultOutput   bool      `json:"is_default_output"`
	Formats           FormatSet `json:"formats"`
}

// DeviceRegistry reports the devices of one API through a backend. It keeps
// no state between calls.
type DeviceRegistry struct {
	backend Backend
	api     API
}

// NewDeviceRegistry returns a registry for api on backend.
func NewDeviceRegistry(backend Backend, api API) *DeviceRegistry {
	return &DeviceRegistry{backend: backend, api: api}
}

// API returns the API the registry queries.
func (r *DeviceRegistry) API() API {
	return r.api
}

// ListDevices queries the backend once. A system without devices yields an
// empty slice and no error.
func (r *DeviceRegistry) ListDevices() ([]Device, error) {
	devices, err := r.backend.Devices(r.api)
	if err != nil {
		return nil, newError("list devices", ErrDevice, err)
	}
	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}

// DefaultInputDevice returns the ID of the default input device. The error
// matches ErrNotAvailable when the platform reports none and ErrDevice when
// the query itself failed.
func (r *DeviceRegistry) DefaultInputDevice() (int, error) {
	id, err := r.backend.DefaultInputDevice(r.api)
	if err != nil {
		return -1, defaultDeviceError("default input device", err)
	}
	return id, nil
}

// DefaultOutputDevice returns the ID of the default output device, with the
// same errors as DefaultInputDevice.
func (r *DeviceRegistry) DefaultOutputDevice() (int, error) {
	id, err := r.backend.DefaultOutputDevice(r.api)
	if err != nil {
		return -1, defaultDeviceError("default output device", err)
	}
	return id, nil
}

func defaultDeviceError(op string, err error) error {
	if errors.Is(err, ErrNotAvailable) {
		return err
	}
	return newError(op, ErrDevice, err)
}

// findDevice returns the device with the given ID.
func findDevice(devices []Device, id int) (Device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// defaultDevice returns the first device flagged as default for the
// direction.
func defaultDevice(devices []Device, input bool) (Device, bool) {
	for _, d := range devices {
		if input && d.IsDefaultInput || !input && d.IsDefaultOutput {
			return d, true
		}
	}
	return Device{}, false
}

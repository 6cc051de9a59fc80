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
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// SampleFormat identifies the binary representation of one audio sample.
// The tag values match the RtAudio format bitmask so they can be combined
// into a FormatSet.
type SampleFormat uint32

const (
	FormatInt8    SampleFormat = 0x1
	FormatInt16   SampleFormat = 0x2
	FormatInt24   SampleFormat = 0x4
	FormatInt32   SampleFormat = 0x8
	FormatFloat32 SampleFormat = 0x10
	FormatFloat64 SampleFormat = 0x20
)

// AllFormats lists every recognized sample format in ascending tag order.
var AllFormats = []SampleFormat{
	FormatInt8,
	FormatInt16,
	FormatInt24,
	FormatInt32,
	FormatFloat32,
	FormatFloat64,
}

// ByteWidth returns the number of bytes one sample occupies.
func (f SampleFormat) ByteWidth() (int, error) {
	switch f {
	case FormatInt8:
		return 1, nil
	case FormatInt16:
		return 2, nil
	case FormatInt24:
		return 3, nil
	case FormatInt32, FormatFloat32:
		return 4, nil
	case FormatFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unrecognized sample format 0x%x", uint32(f))
	}
}

// Range returns the minimum and maximum sample value. Float formats are
// normalized to [-1, 1].
func (f SampleFormat) Range() (lo, hi float64, err error) {
	switch f {
	case FormatInt8:
		return math.MinInt8, math.MaxInt8, nil
	case FormatInt16:
		return math.MinInt16, math.MaxInt16, nil
	case FormatInt24:
		return -(1 << 23), 1<<23 - 1, nil
	case FormatInt32:
		return math.MinInt32, math.MaxInt32, nil
	case FormatFloat32, FormatFloat64:
		return -1, 1, nil
	default:
		return 0, 0, fmt.Errorf("unrecognized sample format 0x%x", uint32(f))
	}
}

// Valid reports whether f is one of the recognized formats.
func (f SampleFormat) Valid() bool {
	_, err := f.ByteWidth()
	return err == nil
}

// IsFloat reports whether samples are normalized floating point values.
func (f SampleFormat) IsFloat() bool {
	return f == FormatFloat32 || f == FormatFloat64
}

func (f SampleFormat) String() string {
	switch f {
	case FormatInt8:
		return "int8"
	case FormatInt16:
		return "int16"
	case FormatInt24:
		return "int24"
	case FormatInt32:
		return "int32"
	case FormatFloat32:
		return "float32"
	case FormatFloat64:
		return "float64"
	default:
		return fmt.Sprintf("SampleFormat(0x%x)", uint32(f))
	}
}

// ParseSampleFormat maps a format name such as "float32" or "s16" to its tag.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int8", "s8", "sint8":
		return FormatInt8, nil
	case "int16", "s16", "sint16":
		return FormatInt16, nil
	case "int24", "s24", "sint24":
		return FormatInt24, nil
	case "int32", "s32", "sint32":
		return FormatInt32, nil
	case "float32", "f32":
		return FormatFloat32, nil
	case "float64", "f64":
		return FormatFloat64, nil
	default:
		return 0, fmt.Errorf("unknown sample format %q", s)
	}
}

// FormatSet is a bitmask of sample formats, e.g. the native formats of a device.
type FormatSet uint32

// NewFormatSet builds a set from the given formats.
func NewFormatSet(formats ...SampleFormat) FormatSet {
	var s FormatSet
	for _, f := range formats {
		s |= FormatSet(f)
	}
	return s
}

// Has reports whether f is in the set.
func (s FormatSet) Has(f SampleFormat) bool {
	return f.Valid() && s&FormatSet(f) != 0
}

// Formats returns the members of the set in ascending tag order.
func (s FormatSet) Formats() []SampleFormat {
	var out []SampleFormat
	for _, f := range AllFormats {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FormatSet) String() string {
	names := make([]string, 0, len(AllFormats))
	for _, f := range s.Formats() {
		names = append(names, f.String())
	}
	return strings.Join(names, ",")
}

// MarshalText encodes the set as comma separated format names.
func (s FormatSet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// sampleAt decodes the sample at byte offset off. Integer formats return the
// raw integer value, float formats the stored value. 24-bit samples are packed
// little-endian.
func sampleAt(b []byte, off int, f SampleFormat) float64 {
	switch f {
	case FormatInt8:
		return float64(int8(b[off]))
	case FormatInt16:
		return float64(int16(binary.NativeEndian.Uint16(b[off:])))
	case FormatInt24:
		v := int32(b[off]) | int32(b[off+1])<<8 | int32(int8(b[off+2]))<<16
		return float64(v)
	case FormatInt32:
		return float64(int32(binary.NativeEndian.Uint32(b[off:])))
	case FormatFloat32:
		return float64(math.Float32frombits(binary.NativeEndian.Uint32(b[off:])))
	case FormatFloat64:
		return math.Float64frombits(binary.NativeEndian.Uint64(b[off:]))
	}
	return 0
}

// putSample encodes v at byte offset off, clamping to the format range.
func putSample(b []byte, off int, f SampleFormat, v float64) {
	lo, hi, err := f.Range()
	if err != nil {
		return
	}
	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}
	if !f.IsFloat() {
		v = math.Round(v)
	}

	switch f {
	case FormatInt8:
		b[off] = byte(int8(v))
	case FormatInt16:
		binary.NativeEndian.PutUint16(b[off:], uint16(int16(v)))
	case FormatInt24:
		i := int32(v)
		b[off] = byte(i)
		b[off+1] = byte(i >> 8)
		b[off+2] = byte(i >> 16)
	case FormatInt32:
		binary.NativeEndian.PutUint32(b[off:], uint32(int32(v)))
	case FormatFloat32:
		binary.NativeEndian.PutUint32(b[off:], math.Float32bits(float32(v)))
	case FormatFloat64:
		binary.NativeEndian.PutUint64(b[off:], math.Float64bits(v))
	}
}

// scaleSamples multiplies every sample in b by gain in place.
func scaleSamples(b []byte, f SampleFormat, gain float64) {
	width, err := f.ByteWidth()
	if err != nil {
		return
	}
	for off := 0; off+width <= len(b); off += width {
		putSample(b, off, f, sampleAt(b, off, f)*gain)
	}
}

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

import "unsafe"

// Buffer is a view over one buffer period of raw samples. Data aliases
// transport memory and is only valid during the callback that received it.
type Buffer struct {
	Data        []byte
	Frames      int
	Channels    int
	Format      SampleFormat
	Interleaved bool
}

// Empty reports whether the buffer carries no samples, as for the input side
// of an output-only stream.
func (b Buffer) Empty() bool {
	return len(b.Data) == 0
}

// Samples returns the number of samples (frames × channels).
func (b Buffer) Samples() int {
	return b.Frames * b.Channels
}

// Sample returns the value of the sample for channel ch at frame i. Integer
// formats yield the raw integer value.
func (b Buffer) Sample(i, ch int) float64 {
	w, err := b.Format.ByteWidth()
	if err != nil {
		return 0
	}
	return sampleAt(b.Data, b.offset(i, ch)*w, b.Format)
}

// SetSample stores v for channel ch at frame i, clamped to the format range.
func (b Buffer) SetSample(i, ch int, v float64) {
	w, err := b.Format.ByteWidth()
	if err != nil {
		return
	}
	putSample(b.Data, b.offset(i, ch)*w, b.Format, v)
}

func (b Buffer) offset(i, ch int) int {
	if b.Interleaved {
		return i*b.Channels + ch
	}
	return ch*b.Frames + i
}

// copyChannels copies n channels of src starting at srcFirst into dst
// starting at dstFirst. Both buffers share format and interleaving.
func copyChannels(dst Buffer, dstFirst int, src Buffer, srcFirst, n int) {
	w, err := src.Format.ByteWidth()
	if err != nil {
		return
	}
	frames := min(dst.Frames, src.Frames)
	if src.Interleaved {
		span := n * w
		for i := 0; i < frames; i++ {
			so := (i*src.Channels + srcFirst) * w
			do := (i*dst.Channels + dstFirst) * w
			copy(dst.Data[do:do+span], src.Data[so:so+span])
		}
		return
	}
	span := frames * w
	for ch := 0; ch < n; ch++ {
		so := (srcFirst + ch) * src.Frames * w
		do := (dstFirst + ch) * dst.Frames * w
		copy(dst.Data[do:do+span], src.Data[so:so+span])
	}
}

// Int8 returns the samples as int8, or nil when the format differs.
func (b Buffer) Int8() []int8 { return viewAs[int8](b, FormatInt8) }

// Int16 returns the samples as int16, or nil when the format differs.
func (b Buffer) Int16() []int16 { return viewAs[int16](b, FormatInt16) }

// Int32 returns the samples as int32, or nil when the format differs.
func (b Buffer) Int32() []int32 { return viewAs[int32](b, FormatInt32) }

// Float32 returns the samples as float32, or nil when the format differs.
func (b Buffer) Float32() []float32 { return viewAs[float32](b, FormatFloat32) }

// Float64 returns the samples as float64, or nil when the format differs.
func (b Buffer) Float64() []float64 { return viewAs[float64](b, FormatFloat64) }

func viewAs[T any](b Buffer, f SampleFormat) []T {
	if b.Format != f || len(b.Data) == 0 {
		return nil
	}
	var zero T
	n := len(b.Data) / int(unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b.Data))), n)
}

// bytesOf views a typed sample slice as raw bytes without copying.
func bytesOf[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

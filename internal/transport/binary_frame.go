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

// Package transport frames captured audio periods for the wire.
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
)

// Binary frame layout: a fixed big-endian header followed by raw samples in
// the stream's sample format.

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// FrameTypeAudioData carries one buffer period of input samples
	FrameTypeAudioData FrameType = 0x01
	// FrameTypeAudioEnd marks the end of the captured stream
	FrameTypeAudioEnd FrameType = 0x02
)

// Frame represents a binary frame in the protocol
type Frame struct {
	Type       FrameType
	Format     audio.SampleFormat
	Channels   uint16
	SampleRate uint32
	Sequence   uint32
	// Timestamp is the stream time of the first frame in microseconds.
	Timestamp uint64
	Data      []byte
}

// FrameHeader represents the fixed-size frame header (28 bytes)
type FrameHeader struct {
	Magic      uint32    // 0x4C4F5141 ("LOQA")
	Type       FrameType // Frame type (1 byte)
	Format     uint8     // Sample format tag (1 byte)
	Channels   uint16    // Interleaved channel count (2 bytes)
	SampleRate uint32    // Frames per second (4 bytes)
	Sequence   uint32    // Buffer period number (4 bytes)
	Timestamp  uint64    // Stream time microseconds (8 bytes)
	Length     uint32    // Data payload length (4 bytes)
}

const (
	// Magic number for frame validation
	FrameMagic = 0x4C4F5141 // "LOQA" in big-endian

	// MaxFrameSize matches the default NATS max payload.
	MaxFrameSize = 1 << 20
	HeaderSize   = 28
	MaxDataSize  = MaxFrameSize - HeaderSize
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", len(f.Data), MaxDataSize)
	}

	header := FrameHeader{
		Magic:      FrameMagic,
		Type:       f.Type,
		Format:     uint8(f.Format),
		Channels:   f.Channels,
		SampleRate: f.SampleRate,
		Sequence:   f.Sequence,
		Timestamp:  f.Timestamp,
		Length:     uint32(len(f.Data)), //nolint:gosec // G115: bounded by MaxDataSize above
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Data)))
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.Data)
	return buf.Bytes(), nil
}

// DeserializeFrame converts binary data to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too small: %d bytes (min %d)", len(data), HeaderSize)
	}

	header, err := parseFrameHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("frame size mismatch: got %d bytes, expected %d", len(data), expectedSize)
	}

	frame := &Frame{
		Type:       header.Type,
		Format:     audio.SampleFormat(header.Format),
		Channels:   header.Channels,
		SampleRate: header.SampleRate,
		Sequence:   header.Sequence,
		Timestamp:  header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		if _, err := io.ReadFull(bytes.NewReader(data[HeaderSize:]), frame.Data); err != nil {
			return nil, fmt.Errorf("failed to read frame data: %w", err)
		}
	}
	return frame, nil
}

// parseFrameHeader parses just the header portion of frame data
func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), HeaderSize)
	}

	var header FrameHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("invalid frame magic: 0x%08X (expected 0x%08X)", header.Magic, FrameMagic)
	}
	if header.Length > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", header.Length, MaxDataSize)
	}
	if header.Type == FrameTypeAudioData && !audio.SampleFormat(header.Format).Valid() {
		return nil, fmt.Errorf("invalid sample format tag 0x%02X", header.Format)
	}
	return &header, nil
}

// Frames returns the number of sample frames in the payload
func (f *Frame) Frames() int {
	width, err := f.Format.ByteWidth()
	if err != nil || f.Channels == 0 {
		return 0
	}
	return len(f.Data) / (width * int(f.Channels))
}

// Buffer views the payload as an interleaved audio buffer
func (f *Frame) Buffer() audio.Buffer {
	return audio.Buffer{
		Data:        f.Data,
		Frames:      f.Frames(),
		Channels:    int(f.Channels),
		Format:      f.Format,
		Interleaved: true,
	}
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Data)
}

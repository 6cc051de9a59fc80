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

package main

import (
	"fmt"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/loqalabs/loqa-audio-go/internal/config"
)

// processorFor returns the processing function named in the settings. A nil
// function leaves the output silent.
func processorFor(name string) (audio.ProcessFunc, error) {
	switch name {
	case config.ProcessorPassthrough:
		return passthrough, nil
	case config.ProcessorSilence:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown processor %q", name)
}

// passthrough copies input to output. Output channels beyond the input
// channel count repeat the input channels in order.
func passthrough(in, out audio.Buffer) error {
	if in.Empty() || out.Empty() {
		return nil
	}
	if in.Channels == out.Channels && in.Interleaved == out.Interleaved {
		copy(out.Data, in.Data)
		return nil
	}
	for i := 0; i < out.Frames; i++ {
		for ch := 0; ch < out.Channels; ch++ {
			out.SetSample(i, ch, in.Sample(i, ch%in.Channels))
		}
	}
	return nil
}

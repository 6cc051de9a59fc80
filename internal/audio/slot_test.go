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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stopAfter struct{ remaining int }

func (s *stopAfter) Process(in, out Buffer) bool {
	s.remaining--
	return s.remaining > 0
}

func TestProcessingSlotSet(t *testing.T) {
	slot := NewProcessingSlot()
	assert.Nil(t, slot.Current())
	assert.Zero(t, slot.Generation())

	first := func(in, out Buffer) error { return nil }
	second := func(in, out Buffer) error { return errors.New("second") }

	assert.Nil(t, slot.Set(first))
	gen := slot.Generation()
	assert.NotZero(t, gen)

	prev := slot.Set(second)
	require.NotNil(t, prev)
	assert.NoError(t, prev(Buffer{}, Buffer{}), "Set must return the replaced function")
	assert.Greater(t, slot.Generation(), gen)

	prev = slot.Set(nil)
	require.NotNil(t, prev)
	assert.EqualError(t, prev(Buffer{}, Buffer{}), "second")
	assert.Nil(t, slot.Current())
	assert.Zero(t, slot.Generation())
}

func TestFromProcessor(t *testing.T) {
	fn := FromProcessor(&stopAfter{remaining: 2})

	assert.NoError(t, fn(Buffer{}, Buffer{}))
	assert.ErrorIs(t, fn(Buffer{}, Buffer{}), ErrStopStream)
}

// TestProcessingSlotConcurrentSwap replaces the function while a reader loads
// it continuously; every load must yield a whole installed function.
func TestProcessingSlotConcurrentSwap(t *testing.T) {
	slot := NewProcessingSlot()
	cfg := duplexConfig()
	bridge := NewBridge(slot, cfg, 1)

	marker := func(v float32) ProcessFunc {
		return func(in, out Buffer) error {
			for i := range out.Float32() {
				out.Float32()[i] = v
			}
			return nil
		}
	}
	slot.Set(marker(0.25))

	in := make([]byte, cfg.InputBytes())
	out := make([]byte, cfg.OutputBytes())
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			assert.Equal(t, CallbackContinue, bridge.Callback(out, in, cfg.FrameSize, 0, 0))
			view := Buffer{Data: out, Format: FormatFloat32}.Float32()
			first := view[0]
			assert.Contains(t, []float32{0.25, 0.75}, first)
			for _, v := range view {
				if v != first {
					t.Errorf("cycle mixed two functions: %v and %v", first, v)
					return
				}
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			slot.Set(marker(0.75))
		} else {
			slot.Set(marker(0.25))
		}
	}
	time.Sleep(5 * time.Millisecond)
	close(done)
	wg.Wait()

	assert.Zero(t, bridge.Stats().Failures)
}

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

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/loqalabs/loqa-audio-go/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockNATSConnection records publishes and delivers messages to subscribers
type MockNATSConnection struct {
	mu          sync.RWMutex
	subscribers map[string][]nats.MsgHandler
	published   map[string][][]byte
	connected   bool
	errors      map[string]error
	handlers    sync.WaitGroup
}

func NewMockNATSConnection() *MockNATSConnection {
	return &MockNATSConnection{
		subscribers: make(map[string][]nats.MsgHandler),
		published:   make(map[string][][]byte),
		connected:   true,
		errors:      make(map[string]error),
	}
}

func (m *MockNATSConnection) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, nats.ErrConnectionClosed
	}
	if err, exists := m.errors[subject]; exists {
		return nil, err
	}
	m.subscribers[subject] = append(m.subscribers[subject], handler)
	return &nats.Subscription{}, nil
}

func (m *MockNATSConnection) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nats.ErrConnectionClosed
	}
	if err, exists := m.errors[subject]; exists {
		return err
	}
	m.published[subject] = append(m.published[subject], append([]byte(nil), data...))
	return nil
}

// Deliver simulates an incoming message with an optional reply subject
func (m *MockNATSConnection) Deliver(subject, reply string, data []byte) {
	m.mu.RLock()
	handlers := m.subscribers[subject]
	m.mu.RUnlock()

	for _, handler := range handlers {
		msg := &nats.Msg{Subject: subject, Reply: reply, Data: data}
		m.handlers.Add(1)
		go func() {
			defer m.handlers.Done()
			handler(msg)
		}()
	}
}

// Wait blocks until every delivered message was handled
func (m *MockNATSConnection) Wait() {
	m.handlers.Wait()
}

func (m *MockNATSConnection) Published(subject string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.published[subject]...)
}

func (m *MockNATSConnection) Subscribed(subject string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[subject]) > 0
}

func (m *MockNATSConnection) SetError(subject string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[subject] = err
}

func (m *MockNATSConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func streamDefaults() config.StreamSettings {
	return config.StreamSettings{
		Name:           "studio",
		API:            "dummy",
		InputDevice:    config.DefaultDevice,
		OutputDevice:   config.DefaultDevice,
		InputChannels:  2,
		OutputChannels: 2,
		Format:         "float32",
		SampleRate:     48000,
		FrameSize:      256,
	}
}

// startControl wires a subscriber to a running controller over a mock backend
func startControl(t *testing.T) (*MockNATSConnection, *audio.Controller, *audio.MockBackend) {
	t.Helper()
	backend := audio.NewMockBackend()
	c := audio.NewController(audio.NewManager(backend, audio.WithLogger(quietLogger)), quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	conn := NewMockNATSConnection()
	sub, err := NewAudioSubscriber(conn, streamDefaults(), c, quietLogger)
	require.NoError(t, err)
	require.NoError(t, sub.Start())

	t.Cleanup(func() {
		conn.Wait()
		cancel()
		<-done
	})
	return conn, c, backend
}

func sendControl(t *testing.T, conn *MockNATSConnection, subject, reply, body string) ControlReply {
	t.Helper()
	before := len(conn.Published(reply))
	conn.Deliver(subject, reply, []byte(body))
	conn.Wait()

	replies := conn.Published(reply)
	require.Len(t, replies, before+1, "expected one reply on %s", reply)
	var r ControlReply
	require.NoError(t, json.Unmarshal(replies[len(replies)-1], &r))
	return r
}

func TestSubjectsFor(t *testing.T) {
	s, err := SubjectsFor("studio")
	require.NoError(t, err)
	assert.Equal(t, Subjects{
		State:   "audio.studio.state",
		Glitch:  "audio.studio.glitch",
		Control: "audio.studio.control",
		Frames:  "audio.studio.frames",
	}, s)

	for _, bad := range []string{"", "a.b", "mic*", "out>", "two words", "broadcast"} {
		_, err := SubjectsFor(bad)
		assert.Error(t, err, bad)
	}
}

func TestAudioSubscriberStart(t *testing.T) {
	tests := []struct {
		name      string
		failOn    string
		wantError bool
	}{
		{name: "subscribes", wantError: false},
		{name: "stream_topic_fails", failOn: "audio.studio.control", wantError: true},
		{name: "broadcast_topic_fails", failOn: BroadcastControl, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := NewMockNATSConnection()
			if tt.failOn != "" {
				conn.SetError(tt.failOn, errors.New("permission denied"))
			}
			sub, err := NewAudioSubscriber(conn, streamDefaults(), nil, quietLogger)
			require.NoError(t, err)

			err = sub.Start()
			if tt.wantError {
				assert.ErrorContains(t, err, tt.failOn)
				return
			}
			require.NoError(t, err)
			assert.True(t, conn.Subscribed("audio.studio.control"))
			assert.True(t, conn.Subscribed(BroadcastControl))
		})
	}
}

func TestAudioSubscriberRejectsBadStreamName(t *testing.T) {
	s := streamDefaults()
	s.Name = "living.room"
	_, err := NewAudioSubscriber(NewMockNATSConnection(), s, nil, quietLogger)
	assert.Error(t, err)
}

func TestControlRoundTrip(t *testing.T) {
	conn, c, backend := startControl(t)

	r := sendControl(t, conn, "audio.studio.control", "_INBOX.1", `{"op":"open"}`)
	require.True(t, r.OK, r.Error)
	assert.Equal(t, audio.StateOpen, r.Snapshot.State)
	assert.Equal(t, 48000.0, r.Snapshot.SampleRate)

	r = sendControl(t, conn, "audio.studio.control", "_INBOX.1", `{"op":"start"}`)
	require.True(t, r.OK, r.Error)
	assert.Equal(t, audio.StateRunning, r.Snapshot.State)
	assert.True(t, backend.LastTransport().Running())

	r = sendControl(t, conn, BroadcastControl, "_INBOX.2", `{"op":"volume","volume":0.25}`)
	require.True(t, r.OK, r.Error)
	assert.Equal(t, 0.25, r.Snapshot.Volume)

	r = sendControl(t, conn, "audio.studio.control", "_INBOX.1", `{"op":"close"}`)
	require.True(t, r.OK, r.Error)
	assert.Equal(t, audio.StateClosed, c.Manager().State())
}

func TestControlOpenOverrides(t *testing.T) {
	conn, c, backend := startControl(t)

	r := sendControl(t, conn, "audio.studio.control", "_INBOX.1",
		`{"op":"open","stream":{"output_channels":0,"sample_rate":16000,"format":"int16","flags":["minimize_latency"]}}`)
	require.True(t, r.OK, r.Error)

	cfg := backend.LastTransport().Config()
	assert.Equal(t, 2, cfg.InputChannels, "fields without overrides keep their defaults")
	assert.Zero(t, cfg.OutputChannels)
	assert.Equal(t, 16000.0, cfg.SampleRate)
	assert.Equal(t, audio.FormatInt16, cfg.Format)
	assert.Equal(t, audio.FlagMinimizeLatency, cfg.Flags)
	assert.Equal(t, audio.StateOpen, c.Manager().State())
}

func TestControlErrorsAreReplied(t *testing.T) {
	conn, _, _ := startControl(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"op":`, "unmarshal"},
		{"unknown op", `{"op":"rewind"}`, "unknown control op"},
		{"volume without value", `{"op":"volume"}`, "needs a volume"},
		{"invalid override", `{"op":"open","stream":{"format":"mp3"}}`, "unknown sample format"},
		{"invalid state", `{"op":"start"}`, "invalid stream state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sendControl(t, conn, "audio.studio.control", "_INBOX.err", tt.body)
			assert.False(t, r.OK)
			assert.Contains(t, r.Error, tt.want)
		})
	}
}

func TestControlWithoutReplySubject(t *testing.T) {
	conn, c, _ := startControl(t)

	conn.Deliver("audio.studio.control", "", []byte(`{"op":"open"}`))
	conn.Wait()

	assert.Equal(t, audio.StateOpen, c.Manager().State())
	assert.Empty(t, conn.Published(""))
}

func TestControlTimesOutWhenControllerIsBusy(t *testing.T) {
	// A controller that is never run cannot accept commands.
	c := audio.NewController(audio.NewManager(audio.NewMockBackend(), audio.WithLogger(quietLogger)), quietLogger)
	conn := NewMockNATSConnection()
	sub, err := NewAudioSubscriber(conn, streamDefaults(), c, quietLogger)
	require.NoError(t, err)
	sub.SetCommandTimeout(10 * time.Millisecond)
	require.NoError(t, sub.Start())

	r := sendControl(t, conn, "audio.studio.control", "_INBOX.1", `{"op":"status"}`)
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, context.DeadlineExceeded.Error())
}

func TestEventPublisher(t *testing.T) {
	conn := NewMockNATSConnection()
	p, err := NewEventPublisher(conn, "studio", quietLogger)
	require.NoError(t, err)

	now := time.Now()
	p.StateChanged(audio.StateEvent{From: audio.StateRunning, To: audio.StateOpen, Reason: audio.ErrStopStream, Time: now})
	p.Glitch(audio.Glitch{
		Kind:       audio.GlitchXRun,
		Cycle:      42,
		StreamTime: 1500 * time.Microsecond,
		Status:     audio.StatusOutputUnderflow,
	})
	p.Glitch(audio.Glitch{Kind: audio.GlitchProcessFailure, Cycle: 43, Err: errors.New("dsp fault")})

	states := conn.Published("audio.studio.state")
	require.Len(t, states, 1)
	var state map[string]any
	require.NoError(t, json.Unmarshal(states[0], &state))
	assert.Equal(t, "studio", state["stream"])
	assert.Equal(t, "running", state["from"])
	assert.Equal(t, "open", state["to"])
	assert.Equal(t, audio.ErrStopStream.Error(), state["reason"])

	glitches := conn.Published("audio.studio.glitch")
	require.Len(t, glitches, 2)

	var xrun GlitchMessage
	require.NoError(t, json.Unmarshal(glitches[0], &xrun))
	assert.Equal(t, audio.GlitchXRun, xrun.Kind)
	assert.Equal(t, uint64(42), xrun.Cycle)
	assert.Equal(t, 1.5, xrun.StreamTimeMS)
	assert.Equal(t, "output_underflow", xrun.Status)
	assert.Empty(t, xrun.Error)

	var failure GlitchMessage
	require.NoError(t, json.Unmarshal(glitches[1], &failure))
	assert.Equal(t, "dsp fault", failure.Error)
	assert.Empty(t, failure.Status)
}

func TestEventPublisherFollowsManager(t *testing.T) {
	conn := NewMockNATSConnection()
	p, err := NewEventPublisher(conn, "studio", quietLogger)
	require.NoError(t, err)

	m := audio.NewManager(audio.NewMockBackend(), audio.WithLogger(quietLogger), audio.WithObserver(p))
	cfg, err := streamDefaults().StreamConfig()
	require.NoError(t, err)

	require.NoError(t, m.Open(cfg))
	require.NoError(t, m.Start())
	require.NoError(t, m.Close())

	var to []string
	for _, data := range conn.Published("audio.studio.state") {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		to = append(to, msg["to"].(string))
	}
	assert.Equal(t, []string{"open", "running", "closed"}, to)
}

func TestEventPublisherSurvivesPublishErrors(t *testing.T) {
	conn := NewMockNATSConnection()
	p, err := NewEventPublisher(conn, "studio", quietLogger)
	require.NoError(t, err)

	conn.Close()
	assert.NotPanics(t, func() {
		p.Glitch(audio.Glitch{Kind: audio.GlitchXRun})
	})
	assert.Empty(t, conn.Published("audio.studio.glitch"))
}

func TestConnectGivesUp(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", ConnectOptions{Attempts: 2, RetryDelay: time.Millisecond, Logger: quietLogger})
	require.Error(t, err)
	assert.ErrorContains(t, err, "after 2 attempts")
}

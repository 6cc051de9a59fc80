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
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/loqalabs/loqa-audio-go/internal/config"
	audionats "github.com/loqalabs/loqa-audio-go/internal/nats"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeConn is an in-memory NATS connection
type fakeConn struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published map[string]int
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]nats.MsgHandler), published: make(map[string]int)}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nats.ErrConnectionClosed
	}
	c.published[subject]++
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	return &nats.Subscription{}, nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) deliver(subject string, data []byte) {
	c.mu.Lock()
	h := c.handlers[subject]
	c.mu.Unlock()
	if h != nil {
		h(&nats.Msg{Subject: subject, Data: data})
	}
}

func (c *fakeConn) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[subject]
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s, err := config.Load(config.New(), "")
	require.NoError(t, err)
	s.Backend = config.BackendMock
	s.Stream.API = "dummy"
	return s
}

func newTestService(s *config.Settings, backend *audio.MockBackend) *service {
	return &service{
		settings: s,
		backend:  backend,
		registry: prometheus.NewRegistry(),
		logger:   quietLogger,
		connect: func(string, string, *slog.Logger) (audionats.Connection, error) {
			return nil, errors.New("nats disabled in tests")
		},
	}
}

// runInBackground starts svc and returns a function that cancels it and
// returns the result of run.
func runInBackground(t *testing.T, svc *service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.run(ctx) }()

	stop := sync.OnceValue(func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("service did not stop")
		}
	})
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitRunning(t *testing.T, backend *audio.MockBackend) *audio.MockTransport {
	t.Helper()
	require.Eventually(t, func() bool {
		tr := backend.LastTransport()
		return tr != nil && tr.Running()
	}, 2*time.Second, time.Millisecond)
	return backend.LastTransport()
}

func TestServiceRunsUntilCancelled(t *testing.T) {
	backend := audio.NewMockBackend()
	stop := runInBackground(t, newTestService(testSettings(t), backend))

	transport := waitRunning(t, backend)
	cfg := transport.Config()
	assert.Equal(t, 1, cfg.InputChannels)
	assert.Equal(t, 1, cfg.OutputChannels)
	assert.Equal(t, "loqa", cfg.Name)

	_, err := transport.Cycle(0)
	require.NoError(t, err)

	require.NoError(t, stop())
	assert.True(t, transport.Closed())
	assert.True(t, backend.Terminated())
}

func TestServicePassesInputThrough(t *testing.T) {
	backend := audio.NewMockBackend()
	runInBackground(t, newTestService(testSettings(t), backend))
	transport := waitRunning(t, backend)

	transport.SetInputGenerator(func(in audio.Buffer, _ uint64) {
		for i := 0; i < in.Frames; i++ {
			in.SetSample(i, 0, 0.5)
		}
	})
	_, err := transport.Cycle(0)
	require.NoError(t, err)

	out := audio.Buffer{Data: transport.LastOutput(), Frames: 512, Channels: 1, Format: audio.FormatFloat32, Interleaved: true}
	assert.Equal(t, float32(0.5), out.Float32()[0])
	assert.Equal(t, float32(0.5), out.Float32()[511])
}

func TestServiceOpenFailure(t *testing.T) {
	backend := audio.NewMockBackend()
	backend.SetOpenError(errors.New("device busy"))

	err := newTestService(testSettings(t), backend).run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, audio.ErrDevice)
	assert.ErrorContains(t, err, "device busy")
	assert.True(t, backend.Terminated(), "the backend is released on failure")
}

func TestServiceRejectsUnknownProcessor(t *testing.T) {
	s := testSettings(t)
	s.Processor = "flanger"
	err := newTestService(s, audio.NewMockBackend()).run(context.Background())
	assert.ErrorContains(t, err, "unknown processor")
}

func TestServiceMetricsEndpoint(t *testing.T) {
	s := testSettings(t)
	s.Metrics.Enabled = true
	s.Metrics.Address = "127.0.0.1:0"

	backend := audio.NewMockBackend()
	svc := newTestService(s, backend)
	addrc := make(chan net.Addr, 1)
	svc.metricsAddr = addrc
	stop := runInBackground(t, svc)

	var addr net.Addr
	select {
	case addr = <-addrc:
	case <-time.After(2 * time.Second):
		t.Fatal("metrics listener did not start")
	}
	waitRunning(t, backend)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 2 * time.Second}
	// scrape runs inside Eventually and reports failures as an empty body.
	scrape := func() string {
		resp, err := client.Get("http://" + addr.String() + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return ""
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ""
		}
		return string(body)
	}

	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), `loqa_audio_stream_running{stream="loqa"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
	body := scrape()
	assert.Contains(t, body, `loqa_audio_callbacks_total{stream="loqa"}`)
	assert.Contains(t, body, `loqa_audio_glitches_total{kind="xrun",stream="loqa"} 0`)
	assert.Contains(t, body, "go_goroutines")

	require.NoError(t, stop())
}

func TestServiceMetricsListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := testSettings(t)
	s.Metrics.Enabled = true
	s.Metrics.Address = ln.Addr().String()

	backend := audio.NewMockBackend()
	err = newTestService(s, backend).run(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
	assert.Nil(t, backend.LastTransport(), "no stream is opened without the listener")
}

func TestServiceNATSControl(t *testing.T) {
	s := testSettings(t)
	s.NATS.Enabled = true

	conn := newFakeConn()
	backend := audio.NewMockBackend()
	svc := newTestService(s, backend)
	svc.connect = func(url, name string, _ *slog.Logger) (audionats.Connection, error) {
		assert.Equal(t, "nats://localhost:4222", url)
		assert.Equal(t, "loqa-audio", name)
		return conn, nil
	}
	stop := runInBackground(t, svc)
	transport := waitRunning(t, backend)

	require.Eventually(t, func() bool { return conn.count("audio.loqa.state") == 2 }, time.Second, time.Millisecond,
		"open and running are published")

	conn.deliver("audio.loqa.control", []byte(`{"op":"stop"}`))
	assert.False(t, transport.Running())

	require.NoError(t, stop())
	assert.True(t, conn.isClosed())
}

func TestServiceNATSConnectFailure(t *testing.T) {
	s := testSettings(t)
	s.NATS.Enabled = true

	backend := audio.NewMockBackend()
	err := newTestService(s, backend).run(context.Background())
	assert.ErrorContains(t, err, "nats disabled in tests")
	assert.Nil(t, backend.LastTransport())
}

func TestServiceTapPublishesFrames(t *testing.T) {
	s := testSettings(t)
	s.NATS.Enabled = true
	s.Tap.Enabled = true

	conn := newFakeConn()
	backend := audio.NewMockBackend()
	svc := newTestService(s, backend)
	svc.connect = func(string, string, *slog.Logger) (audionats.Connection, error) { return conn, nil }
	stop := runInBackground(t, svc)
	transport := waitRunning(t, backend)

	for i := 0; i < 3; i++ {
		_, err := transport.Cycle(0)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return conn.count("audio.loqa.frames") == 3 }, time.Second, time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, 4, conn.count("audio.loqa.frames"), "an end frame follows the captured periods")
}

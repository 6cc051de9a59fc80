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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/loqalabs/loqa-audio-go/internal/config"
	"github.com/loqalabs/loqa-audio-go/internal/metrics"
	audionats "github.com/loqalabs/loqa-audio-go/internal/nats"
	"github.com/loqalabs/loqa-audio-go/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func (a *app) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open a stream and run it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				a.settings.Metrics.Enabled = true
			}
			backend, err := a.newBackend(a.settings.Backend, a.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := &service{
				settings: a.settings,
				backend:  backend,
				registry: prometheus.NewRegistry(),
				logger:   a.logger,
				connect:  connectNATS,
			}
			return svc.run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("name", "", "stream name, also used in NATS subjects")
	flags.Int("input-device", 0, "input device ID (-1 selects the default)")
	flags.Int("output-device", 0, "output device ID (-1 selects the default)")
	flags.Int("input-channels", 0, "input channel count (0 for output only)")
	flags.Int("output-channels", 0, "output channel count (0 for input only)")
	flags.Int("input-first-channel", 0, "first device channel used for input")
	flags.Int("output-first-channel", 0, "first device channel used for output")
	flags.String("format", "", "sample format: int8, int16, int24, int32, float32 or float64")
	flags.Float64("sample-rate", 0, "sample rate in Hz")
	flags.Int("frame-size", 0, "frames per buffer period")
	flags.StringSlice("flags", nil, "stream flags, e.g. minimize_latency,hog_device")
	flags.Float64("volume", 0, "output volume between 0 and 1")
	flags.String("processor", "", "processing: passthrough or silence")
	flags.Bool("nats", false, "publish events and accept control commands over NATS")
	flags.String("nats-url", "", "NATS server URL")
	flags.Bool("tap", false, "publish captured input periods as binary frames over NATS")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (enables metrics)")
	bindFlags(a.v, flags, map[string]string{
		"name":                 "stream.name",
		"input-device":         "stream.input_device",
		"output-device":        "stream.output_device",
		"input-channels":       "stream.input_channels",
		"output-channels":      "stream.output_channels",
		"input-first-channel":  "stream.input_first_channel",
		"output-first-channel": "stream.output_first_channel",
		"format":               "stream.format",
		"sample-rate":          "stream.sample_rate",
		"frame-size":           "stream.frame_size",
		"flags":                "stream.flags",
		"volume":               "volume",
		"processor":            "processor",
		"nats":                 "nats.enabled",
		"nats-url":             "nats.url",
		"tap":                  "tap.enabled",
		"metrics-addr":         "metrics.address",
	})
	return cmd
}

func connectNATS(url, name string, logger *slog.Logger) (audionats.Connection, error) {
	return audionats.Connect(url, audionats.ConnectOptions{Name: name, Logger: logger})
}

// service runs one stream with its optional metrics listener and NATS
// bridge until the context is cancelled.
type service struct {
	settings *config.Settings
	backend  audio.Backend
	registry *prometheus.Registry
	logger   *slog.Logger
	connect  func(url, name string, logger *slog.Logger) (audionats.Connection, error)

	// metricsAddr receives the bound listener address when metrics are
	// enabled.
	metricsAddr chan<- net.Addr
}

func (s *service) run(ctx context.Context) (err error) {
	defer func() {
		if terr := s.backend.Terminate(); terr != nil {
			err = multierror.Append(err, fmt.Errorf("terminate %s backend: %w", s.backend.Name(), terr)).ErrorOrNil()
		}
	}()

	cfg, err := s.settings.Stream.StreamConfig()
	if err != nil {
		return err
	}
	process, err := processorFor(s.settings.Processor)
	if err != nil {
		return err
	}

	manager := audio.NewManager(s.backend, audio.WithAPI(cfg.API), audio.WithLogger(s.logger))
	manager.SetOutputVolume(s.settings.Volume)

	streamMetrics, err := metrics.NewStreamMetrics(s.registry, cfg.Name, manager)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	manager.AddObserver(streamMetrics)

	controller := audio.NewController(manager, s.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controller.Run(gctx) })

	if err := s.startMetrics(gctx, g); err != nil {
		cancel()
		return multierror.Append(err, g.Wait()).ErrorOrNil()
	}
	if s.settings.NATS.Enabled {
		conn, err := s.startNATS(manager, controller)
		if err != nil {
			cancel()
			return multierror.Append(err, g.Wait()).ErrorOrNil()
		}
		defer conn.Close()

		if s.settings.Tap.Enabled {
			tap, err := s.newTap(cfg, conn)
			if err != nil {
				cancel()
				return multierror.Append(err, g.Wait()).ErrorOrNil()
			}
			process = tap.Wrap(process)
			g.Go(func() error { return tap.Run(gctx) })
		}
	}
	manager.SetProcessFunc(process)

	if err := controller.Open(gctx, cfg); err != nil {
		cancel()
		return multierror.Append(err, g.Wait()).ErrorOrNil()
	}
	if err := controller.Start(gctx); err != nil {
		cancel()
		return multierror.Append(err, g.Wait()).ErrorOrNil()
	}

	snap, err := controller.Status(gctx)
	if err == nil {
		s.logger.Info("stream running",
			"stream", cfg.Name,
			"api", snap.API.String(),
			"sample_rate", snap.SampleRate,
			"latency_frames", snap.Latency,
			"processor", s.settings.Processor)
	}

	<-gctx.Done()
	s.logger.Info("shutting down", "stream", cfg.Name)
	cancel()
	return g.Wait()
}

func (s *service) startMetrics(ctx context.Context, g *errgroup.Group) error {
	if !s.settings.Metrics.Enabled {
		return nil
	}

	s.registry.MustRegister(collectors.NewGoCollector())
	srv, ln, err := serveMetrics(s.settings.Metrics.Address, s.registry)
	if err != nil {
		return err
	}
	s.logger.Info("serving metrics", "address", ln.Addr().String())
	if s.metricsAddr != nil {
		s.metricsAddr <- ln.Addr()
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

func (s *service) startNATS(manager *audio.Manager, controller *audio.Controller) (audionats.Connection, error) {
	conn, err := s.connect(s.settings.NATS.URL, s.settings.NATS.Name, s.logger)
	if err != nil {
		return nil, err
	}

	publisher, err := audionats.NewEventPublisher(conn, s.settings.Stream.Name, s.logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	manager.AddObserver(publisher)

	subscriber, err := audionats.NewAudioSubscriber(conn, s.settings.Stream, controller, s.logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := subscriber.Start(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *service) newTap(cfg audio.StreamConfig, conn audionats.Connection) (*transport.Tap, error) {
	subjects, err := audionats.SubjectsFor(cfg.Name)
	if err != nil {
		return nil, err
	}
	tap, err := transport.NewTap(cfg, s.settings.Tap.Depth, conn, subjects.Frames, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tap: %w", err)
	}
	s.logger.Info("publishing captured audio", "subject", subjects.Frames, "depth", s.settings.Tap.Depth)
	return tap, nil
}

// serveMetrics binds addr and returns a server exposing registry on /metrics.
func serveMetrics(addr string, registry *prometheus.Registry) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln, nil
}

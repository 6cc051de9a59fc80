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

// Package config loads service settings from defaults, a YAML file and
// LOQA_AUDIO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/loqalabs/loqa-audio-go/internal/logging"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LOQA_AUDIO_STREAM_SAMPLE_RATE.
const EnvPrefix = "LOQA_AUDIO"

// DefaultDevice selects the API's default device in StreamSettings.
const DefaultDevice = -1

// Backends accepted by Settings.Backend.
const (
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
	BackendMock      = "mock"
)

// Processors accepted by Settings.Processor.
const (
	ProcessorPassthrough = "passthrough"
	ProcessorSilence     = "silence"
)

// Settings is the decoded service configuration.
type Settings struct {
	Backend   string          `mapstructure:"backend"`
	Processor string          `mapstructure:"processor"`
	Volume    float64         `mapstructure:"volume"`
	Stream    StreamSettings  `mapstructure:"stream"`
	Log       LogSettings     `mapstructure:"log"`
	NATS      NATSSettings    `mapstructure:"nats"`
	Tap       TapSettings     `mapstructure:"tap"`
	Metrics   MetricsSettings `mapstructure:"metrics"`
}

// StreamSettings is the textual form of audio.StreamConfig. The JSON tags let
// control messages override individual fields.
type StreamSettings struct {
	Name               string   `mapstructure:"name" json:"name,omitempty"`
	API                string   `mapstructure:"api" json:"api,omitempty"`
	InputDevice        int      `mapstructure:"input_device" json:"input_device"`
	OutputDevice       int      `mapstructure:"output_device" json:"output_device"`
	InputChannels      int      `mapstructure:"input_channels" json:"input_channels"`
	OutputChannels     int      `mapstructure:"output_channels" json:"output_channels"`
	InputFirstChannel  int      `mapstructure:"input_first_channel" json:"input_first_channel"`
	OutputFirstChannel int      `mapstructure:"output_first_channel" json:"output_first_channel"`
	Format             string   `mapstructure:"format" json:"format,omitempty"`
	SampleRate         float64  `mapstructure:"sample_rate" json:"sample_rate,omitempty"`
	FrameSize          int      `mapstructure:"frame_size" json:"frame_size,omitempty"`
	Flags              []string `mapstructure:"flags" json:"flags,omitempty"`
}

// LogSettings configures internal/logging.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NATSSettings configures event publishing and remote control.
type NATSSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`
}

// TapSettings configures publishing captured input periods over NATS.
type TapSettings struct {
	Enabled bool `mapstructure:"enabled"`
	Depth   int  `mapstructure:"depth"`
}

// MetricsSettings configures the Prometheus listener.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// New returns a viper instance with defaults and environment overrides
// installed. Callers may bind command line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendPortAudio)
	v.SetDefault("processor", ProcessorPassthrough)
	v.SetDefault("volume", 1.0)

	v.SetDefault("stream.name", "loqa")
	v.SetDefault("stream.api", "unspecified")
	v.SetDefault("stream.input_device", DefaultDevice)
	v.SetDefault("stream.output_device", DefaultDevice)
	v.SetDefault("stream.input_channels", 1)
	v.SetDefault("stream.output_channels", 1)
	v.SetDefault("stream.input_first_channel", 0)
	v.SetDefault("stream.output_first_channel", 0)
	v.SetDefault("stream.format", "float32")
	v.SetDefault("stream.sample_rate", 48000.0)
	v.SetDefault("stream.frame_size", 512)
	v.SetDefault("stream.flags", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "loqa-audio")

	v.SetDefault("tap.enabled", false)
	v.SetDefault("tap.depth", 8)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9464")
}

// Load reads path (or config.yaml from the working directory and
// $HOME/.config/loqa-audio when path is empty) into Settings and validates
// the result. A missing default config file is not an error.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/loqa-audio")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return settings, nil
}

// Validate reports every invalid field at once.
func (s *Settings) Validate() error {
	var result *multierror.Error

	switch s.Backend {
	case BackendPortAudio, BackendMalgo, BackendMock:
	default:
		result = multierror.Append(result, fmt.Errorf("backend: unknown backend %q", s.Backend))
	}
	switch s.Processor {
	case ProcessorPassthrough, ProcessorSilence:
	default:
		result = multierror.Append(result, fmt.Errorf("processor: unknown processor %q", s.Processor))
	}
	if s.Volume < 0 || s.Volume > 1 {
		result = multierror.Append(result, fmt.Errorf("volume: %v is outside 0..1", s.Volume))
	}
	if _, err := logging.ParseLevel(s.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format: unknown format %q", s.Log.Format))
	}
	if s.NATS.Enabled && s.NATS.URL == "" {
		result = multierror.Append(result, errors.New("nats.url: required when nats is enabled"))
	}
	if s.Tap.Enabled && !s.NATS.Enabled {
		result = multierror.Append(result, errors.New("tap.enabled: requires nats to be enabled"))
	}
	if s.Tap.Depth <= 0 {
		result = multierror.Append(result, fmt.Errorf("tap.depth: must be positive, got %d", s.Tap.Depth))
	}
	if s.Metrics.Enabled && s.Metrics.Address == "" {
		result = multierror.Append(result, errors.New("metrics.address: required when metrics are enabled"))
	}
	if _, err := s.Stream.StreamConfig(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stream: %w", err))
	}

	return result.ErrorOrNil()
}

// StreamConfig converts the settings into a validated audio.StreamConfig.
func (s StreamSettings) StreamConfig() (audio.StreamConfig, error) {
	api, err := audio.ParseAPI(s.API)
	if err != nil {
		return audio.StreamConfig{}, fmt.Errorf("%w: %w", audio.ErrConfiguration, err)
	}
	format, err := audio.ParseSampleFormat(s.Format)
	if err != nil {
		return audio.StreamConfig{}, fmt.Errorf("%w: %w", audio.ErrConfiguration, err)
	}
	flags, err := audio.ParseStreamFlags(s.Flags)
	if err != nil {
		return audio.StreamConfig{}, fmt.Errorf("%w: %w", audio.ErrConfiguration, err)
	}

	cfg := audio.StreamConfig{
		API:                api,
		InputDevice:        deviceIndex(s.InputDevice),
		OutputDevice:       deviceIndex(s.OutputDevice),
		InputChannels:      s.InputChannels,
		OutputChannels:     s.OutputChannels,
		InputFirstChannel:  s.InputFirstChannel,
		OutputFirstChannel: s.OutputFirstChannel,
		Format:             format,
		SampleRate:         s.SampleRate,
		FrameSize:          s.FrameSize,
		Flags:              flags,
		Name:               s.Name,
	}
	if err := cfg.Validate(); err != nil {
		return audio.StreamConfig{}, err
	}
	return cfg, nil
}

func deviceIndex(id int) *int {
	if id < 0 {
		return nil
	}
	return audio.DeviceIndex(id)
}

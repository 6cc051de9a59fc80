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
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/loqalabs/loqa-audio-go/internal/config"
	"github.com/loqalabs/loqa-audio-go/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// app is shared by the subcommands; PersistentPreRunE fills it in.
type app struct {
	v          *viper.Viper
	configPath string
	settings   *config.Settings
	logger     *slog.Logger

	// newBackend is replaced in tests.
	newBackend func(name string, logger *slog.Logger) (audio.Backend, error)
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New(), newBackend: newBackend}

	root := &cobra.Command{
		Use:           "loqa-audio",
		Short:         "Realtime duplex audio streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default ./config.yaml)")
	flags.String("backend", "", "audio backend: portaudio, malgo or mock")
	flags.String("api", "", "host audio API, e.g. alsa, pulse, jack, core, wasapi, asio, ds, dummy")
	flags.String("log-level", "", "log level: trace, debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")
	bindFlags(a.v, flags, map[string]string{
		"backend":    "backend",
		"api":        "stream.api",
		"log-level":  "log.level",
		"log-format": "log.format",
	})

	root.AddCommand(a.devicesCommand(), a.runCommand())
	return root
}

func (a *app) initialize(cmd *cobra.Command) error {
	settings, err := config.Load(a.v, a.configPath)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}

	logger, err := logging.New(settings.Log.Level, settings.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.settings = settings
	a.logger = logger
	return nil
}

// newBackend builds the backend named in the settings
func newBackend(name string, logger *slog.Logger) (audio.Backend, error) {
	switch name {
	case config.BackendPortAudio:
		return audio.NewPortAudioBackend(logger), nil
	case config.BackendMalgo:
		return audio.NewMalgoBackend(logger), nil
	case config.BackendMock:
		return audio.NewMockBackend(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"github.com/loqalabs/loqa-audio-go/internal/audio"
	"github.com/spf13/cobra"
)

func (a *app) devicesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices of the selected backend and API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			api, err := audio.ParseAPI(a.settings.Stream.API)
			if err != nil {
				return err
			}
			backend, err := a.newBackend(a.settings.Backend, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if terr := backend.Terminate(); terr != nil {
					err = multierror.Append(err, terr).ErrorOrNil()
				}
			}()

			devices, err := audio.NewDeviceRegistry(backend, api).ListDevices()
			if err != nil {
				return err
			}
			if asJSON {
				return writeDevicesJSON(cmd.OutOrStdout(), devices)
			}
			return writeDevices(cmd.OutOrStdout(), devices)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print devices as JSON")
	return cmd
}

func writeDevicesJSON(w io.Writer, devices []audio.Device) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func writeDevices(w io.Writer, devices []audio.Device) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "no audio devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tIN\tOUT\tDUPLEX\tRATE\tFORMATS\tDEFAULT")
	for _, d := range devices {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%g\t%s\t%s\n",
			d.ID, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DuplexChannels,
			d.DefaultSampleRate, d.Formats, defaultMarker(d))
	}
	return tw.Flush()
}

func defaultMarker(d audio.Device) string {
	switch {
	case d.IsDefaultInput && d.IsDefaultOutput:
		return "in,out"
	case d.IsDefaultInput:
		return "in"
	case d.IsDefaultOutput:
		return "out"
	}
	return ""
}

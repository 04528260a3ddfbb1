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
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
)

func newDevicesCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices of the host audio API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := audio.NewHostSession(a.newBackend(), a.cfg.API())
			if err != nil {
				return a.backendHint(err)
			}
			defer func() { _ = session.Close() }() // No stream attached, nothing to report

			devices, err := audio.NewDeviceCatalog(session).Devices()
			if err != nil {
				return err
			}

			printDevices(cmd.OutOrStdout(), session.CurrentAPI(), devices, all)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include devices that could not be probed")
	return cmd
}

func printDevices(w io.Writer, api audio.HostAPI, devices []audio.DeviceInfo, all bool) {
	fprintf(w, "Host API: %s (%d devices)\n", api, len(devices))

	for _, d := range devices {
		if !d.Probed {
			if all {
				fprintf(w, "\n[%d] %s\n  not probed\n", d.ID, d.Name)
			}
			continue
		}

		var markers []string
		if d.IsDefaultOutput {
			markers = append(markers, "default output")
		}
		if d.IsDefaultInput {
			markers = append(markers, "default input")
		}
		suffix := ""
		if len(markers) > 0 {
			suffix = " (" + strings.Join(markers, ", ") + ")"
		}

		fprintf(w, "\n[%d] %s%s\n", d.ID, d.Name, suffix)
		fprintf(w, "  channels: out=%d in=%d duplex=%d\n", d.OutputChannels, d.InputChannels, d.DuplexChannels)
		fprintf(w, "  sample rates: %s", joinInts(d.SampleRates))
		if d.PreferredSampleRate > 0 {
			fprintf(w, " (preferred %d)", d.PreferredSampleRate)
		}
		fprintf(w, "\n  native formats: %s\n", d.NativeFormats)
	}
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return "none"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}

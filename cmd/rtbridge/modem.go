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
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	"github.com/loqalabs/loqa-rtbridge/internal/modem"
)

func newModemCmd(a *app) *cobra.Command {
	var address uint8
	cmd := &cobra.Command{
		Use:   "modem",
		Short: "Exchange short messages with other stations over the air",
		Long: `modem drives a mono duplex stream with an acoustic link. Frames are
modulated onto a carrier, acknowledged by the receiving station and
retried with random back-off when the acknowledgement does not arrive.

Stations are numbered 0 to 14; "broadcast" reaches every station.`,
	}
	cmd.PersistentFlags().Uint8Var(&address, "address", 1, "this station's address (0-14)")

	cmd.AddCommand(
		newModemSendCmd(a, &address),
		newModemListenCmd(a, &address),
		newModemPingCmd(a, &address),
	)
	return cmd
}

func newModemSendCmd(a *app, address *uint8) *cobra.Command {
	return &cobra.Command{
		Use:   "send <station|broadcast> <message...>",
		Short: "Send a message, split into frames of at most 53 bytes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseStation(args[0])
			if err != nil {
				return err
			}
			message := []byte(strings.Join(args[1:], " "))

			return a.runLink(cmd, *address, func(ctx context.Context, link *modem.Link) error {
				for chunk := range slices.Chunk(message, modem.MaxPayload) {
					if err := link.Send(ctx, dest, chunk); err != nil {
						return err
					}
				}
				fprintf(cmd.OutOrStdout(), "sent %d bytes to %s\n", len(message), dest)
				return nil
			})
		},
	}
}

func newModemListenCmd(a *app, address *uint8) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print messages addressed to this station or broadcast",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runLink(cmd, *address, func(ctx context.Context, link *modem.Link) error {
				for {
					p, err := link.Recv(ctx)
					if err != nil {
						return nil
					}
					fprintf(cmd.OutOrStdout(), "from %s to %s: %s\n", p.Src, p.Dest, p.Payload)
				}
			})
		},
	}
}

func newModemPingCmd(a *app, address *uint8) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ping <station>",
		Short: "Measure the round trip to another station",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseStation(args[0])
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", count)
			}

			return a.runLink(cmd, *address, func(ctx context.Context, link *modem.Link) error {
				for range count {
					rtt, err := link.Ping(ctx, dest)
					switch {
					case errors.Is(err, modem.ErrNoAck):
						fprintf(cmd.OutOrStdout(), "no reply from %s\n", dest)
					case err != nil:
						if ctx.Err() != nil {
							return nil
						}
						return err
					default:
						fprintf(cmd.OutOrStdout(), "reply from %s: time=%s\n", dest, rtt)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 3, "number of pings")
	return cmd
}

// runLink opens a mono duplex stream driven by a link and runs body on it.
// The stream is destroyed once body returns.
func (a *app) runLink(cmd *cobra.Command, address uint8, body func(ctx context.Context, link *modem.Link) error) error {
	link, err := modem.NewLink(modem.DefaultLinkConfig(modem.Address(address), a.cfg.SampleRate), a.metrics)
	if err != nil {
		return err
	}

	return a.run(cmd.Context(), func(ctx context.Context) error {
		backend := a.newBackend()
		if mock, ok := backend.(*audio.MockBackend); ok && a.mock {
			// The mock's test tone would hold carrier sense forever
			mock.SetInputGenerator(nil)
		}

		h, err := audio.CreateDuplexStream(backend, link.Process, nil, append(a.streamOptions(), audio.WithChannels(1))...)
		if err != nil {
			return a.backendHint(err)
		}
		logger.Info("📻 modem link running", "address", link.Address().String(), "block", h.BlockSize())

		bodyErr := body(ctx, link)
		err = h.Destroy()
		stats := link.Stats()
		logger.Info("📻 modem link closed", "sent", stats.Sent, "received", stats.Received,
			"retried", stats.Retried, "failed", stats.Failed, "corrupt", stats.Corrupt)
		return errors.Join(bodyErr, err)
	})
}

// parseStation accepts a station number or "broadcast"
func parseStation(s string) (modem.Address, error) {
	if strings.EqualFold(s, "broadcast") {
		return modem.Broadcast, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || n >= uint64(modem.Broadcast) {
		return 0, fmt.Errorf("invalid station %q: want 0-14 or broadcast", s)
	}
	return modem.Address(n), nil
}

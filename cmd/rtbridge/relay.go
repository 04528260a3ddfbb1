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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	relay "github.com/loqalabs/loqa-rtbridge/internal/nats"
)

func newRelayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay audio blocks between local streams and NATS",
		Long: `Relay publishes captured blocks to audio.capture.<stream-id>, or plays blocks
received on audio.playback.<stream-id> and audio.broadcast. The stream id
comes from nats.stream_id in the config; a new one is generated when unset.`,
	}
	cmd.AddCommand(newRelayCaptureCmd(a), newRelayPlaybackCmd(a))
	return cmd
}

// relayFrameSamples is the number of samples per published frame
func (a *app) relayFrameSamples() int {
	frames := a.cfg.BlockSize
	if frames == 0 {
		frames = audio.DefaultBlockSize
	}
	return frames * a.cfg.Channels
}

func newRelayCaptureCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Publish the default input device to NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID := a.cfg.StreamUUID()

			pubCfg := relay.DefaultPublisherConfig(a.relayFrameSamples())
			pubCfg.RingSize = pubCfg.BlockSamples * a.cfg.NATS.RingBlocks

			return a.run(cmd.Context(), func(ctx context.Context) error {
				conn, err := a.dial(a.cfg)
				if err != nil {
					return err
				}
				defer conn.Close()

				publisher, err := relay.NewCapturePublisher(conn, streamID, pubCfg, a.metrics)
				if err != nil {
					return err
				}

				h, err := audio.CreateInputStream(a.newBackend(), publisher.OnBlock, nil, a.streamOptions()...)
				if err != nil {
					return a.backendHint(err)
				}
				logger.Info("🎙️ capture relay running", "stream", streamID.String(), "subject", publisher.Subject())
				fprintf(cmd.OutOrStdout(), "stream id: %s\n", streamID)

				// The stream is destroyed before Run's final flush so the
				// end-of-stream frame follows the last captured block.
				runCtx, stopRun := context.WithCancel(context.Background())
				defer stopRun()
				g := new(errgroup.Group)
				g.Go(func() error { return publisher.Run(runCtx) })

				err = hold(ctx, h, nil)
				stopRun()
				return errors.Join(err, g.Wait())
			})
		},
	}
}

func newRelayPlaybackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "playback",
		Short: "Play blocks received from NATS on the default output device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID := a.cfg.StreamUUID()

			return a.run(cmd.Context(), func(ctx context.Context) error {
				conn, err := a.dial(a.cfg)
				if err != nil {
					return err
				}

				subscriber := relay.NewPlaybackSubscriber(conn, streamID, a.relayFrameSamples()*a.cfg.NATS.RingBlocks, a.metrics)
				defer subscriber.Close()
				if err := subscriber.Start(); err != nil {
					return err
				}

				h, err := audio.CreateOutputStream(a.newBackend(), subscriber.FillBlock, nil, a.streamOptions()...)
				if err != nil {
					return a.backendHint(err)
				}
				logger.Info("🔊 playback relay running", "stream", streamID.String(), "subject", relay.PlaybackSubject(streamID))
				fprintf(cmd.OutOrStdout(), "stream id: %s\n", streamID)

				err = hold(ctx, h, nil)
				stats := subscriber.Stats()
				logger.Info("📊 playback relay stats", "frames", stats.Frames, "samples", stats.Samples,
					"dropped", stats.Dropped, "gaps", stats.Gaps, "invalid", stats.Invalid)
				return err
			})
		},
	}
}

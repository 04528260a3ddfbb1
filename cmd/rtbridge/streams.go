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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	"github.com/loqalabs/loqa-rtbridge/internal/media"
)

func newToneCmd(a *app) *cobra.Command {
	var (
		frequency float64
		amplitude int
	)

	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Play a sine tone on the default output device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tone, err := audio.ToneForFrequency(frequency, a.cfg.SampleRate, amplitude, a.cfg.Channels)
			if err != nil {
				return err
			}

			return a.run(cmd.Context(), func(ctx context.Context) error {
				h, err := audio.CreateOutputStream(a.newBackend(), tone.Fill, nil, a.streamOptions()...)
				if err != nil {
					return a.backendHint(err)
				}
				logger.Info("🔊 playing tone", "hz", frequency, "period", tone.Period(), "block", h.BlockSize())
				return hold(ctx, h, nil)
			})
		},
	}

	cmd.Flags().Float64Var(&frequency, "freq", 440, "tone frequency in Hz")
	cmd.Flags().IntVar(&amplitude, "amplitude", 8000, "peak amplitude (0-32767)")
	return cmd
}

func newMonitorCmd(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Report input levels from the default input device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}

			var meter audio.LevelMeter
			return a.run(cmd.Context(), func(ctx context.Context) error {
				h, err := audio.CreateInputStream(a.newBackend(), meter.Observe, nil, a.streamOptions()...)
				if err != nil {
					return a.backendHint(err)
				}
				logger.Info("🎙️ monitoring input", "block", h.BlockSize())

				reportCtx, stopReports := context.WithCancel(ctx)
				reported := make(chan struct{})
				go func() {
					defer close(reported)
					reportLevels(reportCtx, cmd, &meter, interval)
				}()

				err = hold(ctx, h, nil)
				stopReports()
				<-reported
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "how often to report the level")
	return cmd
}

func reportLevels(ctx context.Context, cmd *cobra.Command, meter *audio.LevelMeter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fprintf(cmd.OutOrStdout(), "level=%.4f peak=%.4f blocks=%d\n", meter.Level(), meter.Peak(), meter.Blocks())
		}
	}
}

func newLoopbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "loopback",
		Short: "Copy the default input device to the default output device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), func(ctx context.Context) error {
				h, err := audio.CreateDuplexStream(a.newBackend(), audio.Passthrough, nil, a.streamOptions()...)
				if err != nil {
					return a.backendHint(err)
				}
				logger.Info("🔁 loopback running", "block", h.BlockSize())
				return hold(ctx, h, nil)
			})
		},
	}
}

func newPlayCmd(a *app) *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "play <file.wav>",
		Short: "Play a 16-bit PCM WAV file on the default output device",
		Long: `Play decodes the whole clip into memory before the stream starts. The clip
must already match the configured sample rate and channel count.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clip, err := loadClip(args[0])
			if err != nil {
				return err
			}
			if err := clip.Check(a.cfg.SampleRate, a.cfg.Channels); err != nil {
				return err
			}

			var (
				player *media.Player
				done   <-chan struct{}
			)
			if loop {
				player = clip.LoopPlayer()
			} else {
				player = clip.Player()
				done = player.Done()
			}

			return a.run(cmd.Context(), func(ctx context.Context) error {
				h, err := audio.CreateOutputStream(a.newBackend(), player.Fill, nil, a.streamOptions()...)
				if err != nil {
					return a.backendHint(err)
				}
				logger.Info("▶️ playing clip", "file", args[0], "duration", clip.Duration(), "loop", loop)
				return hold(ctx, h, done)
			})
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "repeat the clip until interrupted")
	return cmd
}

func loadClip(path string) (*media.Clip, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is a command argument
	if err != nil {
		return nil, fmt.Errorf("failed to open clip: %w", err)
	}
	defer func() { _ = f.Close() }() // Read-only file

	clip, err := media.LoadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return clip, nil
}

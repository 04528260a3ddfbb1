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

// Command rtbridge opens real-time audio streams on the host and bridges
// them to tones, WAV clips, level meters and a NATS bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-rtbridge/internal/audio"
	"github.com/loqalabs/loqa-rtbridge/internal/config"
	"github.com/loqalabs/loqa-rtbridge/internal/logger"
	"github.com/loqalabs/loqa-rtbridge/internal/metrics"
	relay "github.com/loqalabs/loqa-rtbridge/internal/nats"
)

const (
	shutdownTimeout = 5 * time.Second
	// Frames per mock callback when the backend picks the block size
	mockChosenFrames = 256
)

// app carries the state shared by every subcommand
type app struct {
	cfgPath  string
	verbose  bool
	mock     bool
	hostAPI  string
	duration time.Duration

	cfg      *config.Config
	metrics  *metrics.StreamMetrics
	exporter *metrics.Exporter

	// Replaced in tests
	newBackend func() audio.Backend
	dial       func(cfg *config.Config) (relay.Connection, error)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error("❌ rtbridge failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *app {
	a := &app{}
	a.newBackend = a.defaultBackend
	a.dial = func(cfg *config.Config) (relay.Connection, error) {
		return relay.Dial(cfg.NATS.URL, cfg.NATS.ConnectAttempts, cfg.NATS.RetryDelay)
	}
	return a
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(newApp())
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rtbridge",
		Short: "Real-time audio stream bridge",
		Long: `rtbridge opens callback-driven audio streams on the host audio API.

Streams run until interrupted (Ctrl+C) or until --duration elapses. Use
--mock to run without audio hardware.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config", "c", "", "path to a YAML config file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&a.mock, "mock", false, "use the hardware-free mock backend")
	flags.StringVar(&a.hostAPI, "host-api", "", "host audio API (overrides config)")
	flags.DurationVarP(&a.duration, "duration", "d", 0, "stop streams after this long (0 runs until interrupted)")

	root.AddCommand(
		newDevicesCmd(a),
		newToneCmd(a),
		newMonitorCmd(a),
		newLoopbackCmd(a),
		newPlayCmd(a),
		newRelayCmd(a),
		newModemCmd(a),
	)
	return root
}

// setup loads configuration and metrics before any subcommand runs
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.verbose {
		logger.SetVerbose(true)
	}

	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.hostAPI != "" {
		cfg.HostAPI = a.hostAPI
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	if cfg.MetricsAddr != "" {
		a.exporter = metrics.NewExporter(cfg.MetricsAddr)
		a.metrics = metrics.NewStreamMetrics(a.exporter.Registry())
	} else {
		a.metrics = metrics.NewStreamMetrics(nil)
	}

	logger.Debug("📋 configuration loaded", "command", cmd.Name(), "host_api", cfg.API().String(),
		"sample_rate", cfg.SampleRate, "channels", cfg.Channels, "block_size", cfg.BlockSize, "mock", a.mock)
	return nil
}

func (a *app) defaultBackend() audio.Backend {
	if !a.mock {
		return audio.DefaultBackend()
	}

	frames := a.cfg.BlockSize
	if frames == 0 {
		frames = mockChosenFrames
	}
	interval := max(time.Duration(frames)*time.Second/time.Duration(a.cfg.SampleRate), time.Millisecond)

	mock := audio.NewMockBackend()
	mock.SetAutoRun(interval)
	if tone, err := audio.ToneForFrequency(220, a.cfg.SampleRate, 4000, 1); err == nil {
		mock.SetInputGenerator(func(in []int16) { tone.Fill(nil, in, len(in)) })
	}
	return mock
}

// streamOptions returns the audio options for every stream this run opens
func (a *app) streamOptions() []audio.Option {
	return append(a.cfg.StreamOptions(),
		audio.WithMetrics(a.metrics),
		audio.WithLogger(logger.Component("stream")),
	)
}

// backendHint explains a backend failure when PortAudio was not compiled in
func (a *app) backendHint(err error) error {
	if errors.Is(err, audio.ErrBackendUnavailable) && !a.mock && !audio.PortAudioEnabled {
		return fmt.Errorf("%w (this build has no PortAudio support: rebuild with -tags portaudio or pass --mock)", err)
	}
	return err
}

// run executes body until it returns, the process is interrupted, or
// --duration elapses. The metrics exporter, when configured, runs alongside.
func (a *app) run(parent context.Context, body func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, a.duration)
		defer cancelTimeout()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if a.exporter != nil {
		g.Go(a.exporter.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return a.exporter.Shutdown(shutdownCtx)
		})
		logger.Info("📊 metrics exporter started", "addr", a.cfg.MetricsAddr)
	}

	g.Go(func() error {
		defer cancel()
		return body(gctx)
	})

	return g.Wait()
}

// hold keeps a started stream running until ctx is done, then destroys it
func hold(ctx context.Context, h *audio.StreamHandle, done <-chan struct{}) error {
	select {
	case <-ctx.Done():
	case <-done:
	}

	err := h.Destroy()
	warnings := h.Warnings()
	logger.Info("🛑 stream stopped", "state", h.State().String(),
		"overflows", warnings.InputOverflow, "underflows", warnings.OutputUnderflow)
	return err
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...) // Terminal output, nothing to recover
}

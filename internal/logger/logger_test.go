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

package logger

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestSetVerbose(t *testing.T) {
	defer SetLevel(slog.LevelInfo)

	SetVerbose(true)
	assert.Equal(t, slog.LevelDebug, Level())

	SetVerbose(false)
	assert.Equal(t, slog.LevelInfo, Level())
}

func TestComponentSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, false)
	defer SetOutput(os.Stderr, false)
	defer SetLevel(slog.LevelInfo)

	log := Component("stream")

	SetLevel(slog.LevelWarn)
	log.Info("hidden")
	assert.Empty(t, buf.String(), "info should be filtered at warn level")

	SetLevel(slog.LevelDebug)
	log.Debug("shown", "frames", 16)
	assert.Contains(t, buf.String(), "component=stream")
	assert.Contains(t, buf.String(), "frames=16")
}

func TestSetOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, true)
	defer SetOutput(os.Stderr, false)

	Warn("block size adjusted", "requested", 128, "actual", 100)
	assert.Contains(t, buf.String(), `"requested":128`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

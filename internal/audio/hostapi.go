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

package audio

import (
	"fmt"
	"runtime"
	"strings"
)

// HostAPI identifies a host audio API
type HostAPI int

const (
	HostAPIUnspecified HostAPI = iota
	HostAPICoreAudio
	HostAPIALSA
	HostAPIPulseAudio
	HostAPIJACK
	HostAPIOSS
	HostAPIWASAPI
	HostAPIDirectSound
	HostAPIASIO
	HostAPIDummy
)

var hostAPINames = map[HostAPI]string{
	HostAPIUnspecified: "unspecified",
	HostAPICoreAudio:   "coreaudio",
	HostAPIALSA:        "alsa",
	HostAPIPulseAudio:  "pulseaudio",
	HostAPIJACK:        "jack",
	HostAPIOSS:         "oss",
	HostAPIWASAPI:      "wasapi",
	HostAPIDirectSound: "directsound",
	HostAPIASIO:        "asio",
	HostAPIDummy:       "dummy",
}

func (a HostAPI) String() string {
	if name, ok := hostAPINames[a]; ok {
		return name
	}
	return fmt.Sprintf("hostapi(%d)", int(a))
}

// ParseHostAPI converts a host API name (case-insensitive) to a HostAPI.
// An empty string selects HostAPIUnspecified.
func ParseHostAPI(name string) (HostAPI, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return HostAPIUnspecified, nil
	}
	for api, n := range hostAPINames {
		if n == name {
			return api, nil
		}
	}
	return HostAPIUnspecified, fmt.Errorf("%w: unknown host API %q", ErrInvalidParameter, name)
}

// PlatformHostAPI returns the host API compiled in as the default for goos.
// The choice is made once at startup; nothing falls back at runtime.
func PlatformHostAPI(goos string) HostAPI {
	switch goos {
	case "darwin":
		return HostAPICoreAudio
	case "linux":
		return HostAPIJACK
	case "windows":
		return HostAPIWASAPI
	default:
		return HostAPIUnspecified
	}
}

// DefaultHostAPI is PlatformHostAPI for the running platform
func DefaultHostAPI() HostAPI {
	return PlatformHostAPI(runtime.GOOS)
}

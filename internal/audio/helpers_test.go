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
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// isCIEnvironment detects if we're running in a CI environment
func isCIEnvironment() bool {
	ciEnvVars := []string{
		"CI", // Generic CI indicator
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS",   // GitHub Actions
		"GITLAB_CI",        // GitLab CI
		"JENKINS_URL",      // Jenkins
		"TRAVIS",           // Travis CI
		"CIRCLECI",         // CircleCI
		"BUILDKITE",        // Buildkite
		"TEAMCITY_VERSION", // TeamCity
	}

	for _, envVar := range ciEnvVars {
		if os.Getenv(envVar) != "" {
			return true
		}
	}

	return false
}

func abs64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// warningLog collects warnings delivered to a WarningHandler
type warningLog struct {
	mu       sync.Mutex
	warnings []Warning
}

func (l *warningLog) handle(w Warning) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, w)
}

func (l *warningLog) all() []Warning {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]Warning, len(l.warnings))
	copy(result, l.warnings)
	return result
}

func (l *warningLog) count(kind WarningKind) int {
	n := 0
	for _, w := range l.all() {
		if w.Kind == kind {
			n++
		}
	}
	return n
}

// openSession creates a session on a fresh mock backend
func openSession(t *testing.T) (*MockBackend, *HostSession) {
	t.Helper()
	backend := NewMockBackend()
	session, err := NewHostSession(backend, HostAPIDummy)
	require.NoError(t, err, "should open host session")
	return backend, session
}

// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package polling

import (
	"time"

	"github.com/ZaparooProject/go-port110/felica"
)

// SleepRecoveryConfig configures automatic recovery after host sleep/wake
type SleepRecoveryConfig struct {
	// Enabled enables sleep detection and recovery attempts
	Enabled bool

	// TimeDiscontinuityThreshold is the minimum elapsed time beyond the expected
	// poll interval that indicates a sleep occurred. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration

	// MaxRecoveryAttempts is the number of recovery attempts before
	// treating as a fatal error. Default: 3
	MaxRecoveryAttempts int

	// RecoveryBackoff is the delay between recovery attempts
	RecoveryBackoff time.Duration
}

// DefaultSleepRecoveryConfig returns sensible defaults for sleep recovery
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
		MaxRecoveryAttempts:        3,
		RecoveryBackoff:            500 * time.Millisecond,
	}
}

// DetectSleep reports whether the gap since the last poll is longer than
// pollInterval + TimeDiscontinuityThreshold.
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, pollInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	return elapsed > pollInterval+cfg.TimeDiscontinuityThreshold
}

// Config holds polling configuration options
type Config struct {
	PollInterval time.Duration
	// CardRemovalTimeout is how long a card may go unseen before it is
	// reported as removed.
	CardRemovalTimeout time.Duration
	// PollTimeout bounds one Polling exchange.
	PollTimeout time.Duration
	// SystemCode selects the cards that answer. 0xFFFF matches any.
	SystemCode uint16
	// RequestCode asks cards for extra polling data, see felica.Request*.
	RequestCode byte
	// MaxCards above 1 enables multi-card polling on readers that support it.
	MaxCards int
	// SleepRecovery configures automatic recovery after host sleep/wake cycles
	SleepRecovery SleepRecoveryConfig
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:       250 * time.Millisecond,
		CardRemovalTimeout: 600 * time.Millisecond,
		PollTimeout:        time.Second,
		SystemCode:         felica.SystemCodeWildcard,
		RequestCode:        felica.RequestNone,
		MaxCards:           1,
		SleepRecovery:      DefaultSleepRecoveryConfig(),
	}
}

// pollingParam builds the Polling parameter. Multi-card polling uses four
// time slots so that colliding cards can answer separately.
func (c *Config) pollingParam() felica.PollingParam {
	var slots byte
	if c.maxCards() > 1 {
		slots = 3
	}
	return felica.NewPollingParam(c.SystemCode, c.RequestCode, slots)
}

func (c *Config) maxCards() int {
	if c.MaxCards < 1 {
		return 1
	}
	return c.MaxCards
}

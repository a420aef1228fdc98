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
	"context"
	"time"

	"github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/felica"
	"github.com/ZaparooProject/go-port110/internal/syncutil"
)

const reinitTimeout = 5 * time.Second

// DeviceRecoverer handles device recovery after sleep/wake or errors
type DeviceRecoverer interface {
	// AttemptRecovery tries to bring the reader back.
	// Returns nil if recovery was successful, error otherwise.
	AttemptRecovery(ctx context.Context) error

	// Poller returns the poller to use from now on (may change after reconnection)
	Poller() CardPoller
}

// ReopenFunc is a function that attempts to reopen/reconnect the device
type ReopenFunc func(ctx context.Context) (*port110.Device, error)

// DefaultRecoverer implements a tiered recovery strategy:
// 1. Re-initialise the open handle (cancel, command type, RF reset)
// 2. Full reconnection via user-provided reopen function
type DefaultRecoverer struct {
	device      *port110.Device
	poller      CardPoller
	reopenFunc  ReopenFunc
	backoff     time.Duration
	maxAttempts int
	mu          syncutil.Mutex
}

// NewDefaultRecoverer creates a recoverer with tiered recovery strategy.
// If reopenFunc is nil, only re-initialisation will be attempted.
func NewDefaultRecoverer(
	device *port110.Device,
	reopenFunc ReopenFunc,
	backoff time.Duration,
	maxAttempts int,
) *DefaultRecoverer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &DefaultRecoverer{
		device:      device,
		poller:      newDevicePoller(device),
		reopenFunc:  reopenFunc,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

func newDevicePoller(device *port110.Device) CardPoller {
	return felica.NewClient(felica.NewPort110Device(device))
}

// AttemptRecovery implements tiered recovery:
// 1. Try InitializeDevice - works if the link is still valid
// 2. If that fails and reopenFunc is provided, try full reconnection
func (r *DefaultRecoverer) AttemptRecovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error

	for attempt := range r.maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
		}

		err := r.device.InitializeDevice(ctx, reinitTimeout)
		if err == nil {
			port110.Debugf("polling: device re-initialised on attempt %d", attempt+1)
			return nil
		}
		lastErr = err

		if r.reopenFunc != nil {
			_ = r.device.Close()
			newDevice, reopenErr := r.reopenFunc(ctx)
			if reopenErr == nil {
				r.device = newDevice
				r.poller = newDevicePoller(newDevice)
				port110.Debugf("polling: device reopened on attempt %d", attempt+1)
				return nil
			}
			lastErr = reopenErr
		}
	}

	return lastErr
}

// Poller returns the FeliCa client for the current device.
// This may change after a successful reconnection.
func (r *DefaultRecoverer) Poller() CardPoller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poller
}

// Device returns the current device handle.
func (r *DefaultRecoverer) Device() *port110.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}

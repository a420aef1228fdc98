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
	"errors"
	"testing"
	"time"

	"github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/felica"
	virt "github.com/ZaparooProject/go-port110/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simTransport struct{ *virt.FakeTransport }

func (simTransport) Type() port110.TransportType { return port110.TransportMock }

// newSimDevice opens a device on a simulated Port-110 with one card.
func newSimDevice(t *testing.T) (*port110.Device, *virt.VirtualPort110, *virt.VirtualCard) {
	t.Helper()
	sim := virt.NewVirtualPort110()
	card := virt.NewVirtualCard(virt.TestIDm, felica.SystemCodeCommon)
	sim.AddCard(card)
	device, err := port110.Open(simTransport{virt.NewFakeTransport(sim, nil)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = device.Close() })
	return device, sim, card
}

func closedSimDevice(t *testing.T) *port110.Device {
	t.Helper()
	device, _, _ := newSimDevice(t)
	require.NoError(t, device.Close())
	return device
}

func TestNewDefaultRecoverer(t *testing.T) {
	t.Parallel()

	device, _, _ := newSimDevice(t)

	r := NewDefaultRecoverer(device, nil, 0, 0)
	assert.Equal(t, 3, r.maxAttempts)
	assert.Equal(t, 500*time.Millisecond, r.backoff)
	assert.NotNil(t, r.Poller())

	r = NewDefaultRecoverer(device, nil, 100*time.Millisecond, 5)
	assert.Equal(t, 5, r.maxAttempts)
	assert.Equal(t, 100*time.Millisecond, r.backoff)
}

func TestDefaultRecoverer_ReinitSuccess(t *testing.T) {
	t.Parallel()

	device, sim, _ := newSimDevice(t)
	r := NewDefaultRecoverer(device, nil, 10*time.Millisecond, 3)

	require.NoError(t, r.AttemptRecovery(context.Background()))
	assert.Same(t, device, r.Device())
	assert.Equal(t, byte(3), sim.GetState().CommandType)
}

func TestDefaultRecoverer_ReinitFailsNoReopen(t *testing.T) {
	t.Parallel()

	r := NewDefaultRecoverer(closedSimDevice(t), nil, 10*time.Millisecond, 2)
	require.ErrorIs(t, r.AttemptRecovery(context.Background()), port110.ErrClosed)
}

func TestDefaultRecoverer_FullReconnect(t *testing.T) {
	t.Parallel()

	old := closedSimDevice(t)
	fresh, _, _ := newSimDevice(t)

	reopenCalled := false
	r := NewDefaultRecoverer(old, func(context.Context) (*port110.Device, error) {
		reopenCalled = true
		return fresh, nil
	}, 10*time.Millisecond, 3)
	oldPoller := r.Poller()

	require.NoError(t, r.AttemptRecovery(context.Background()))
	assert.True(t, reopenCalled)
	assert.Same(t, fresh, r.Device())
	assert.NotSame(t, oldPoller, r.Poller())

	cards, err := r.Poller().PollingMultiple(context.Background(),
		felica.NewPollingParam(felica.SystemCodeWildcard, felica.RequestNone, 0), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, virt.TestIDm, cards[0].IDm)
}

func TestDefaultRecoverer_AllAttemptsFail(t *testing.T) {
	t.Parallel()

	calls := 0
	r := NewDefaultRecoverer(closedSimDevice(t), func(context.Context) (*port110.Device, error) {
		calls++
		return nil, errors.New("reopen failed")
	}, 10*time.Millisecond, 2)

	err := r.AttemptRecovery(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reopen failed")
	assert.Equal(t, 2, calls)
}

func TestDefaultRecoverer_ContextCancellation(t *testing.T) {
	t.Parallel()

	r := NewDefaultRecoverer(closedSimDevice(t), nil, 100*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.AttemptRecovery(ctx)
	assert.Equal(t, context.Canceled, err)
}

func TestDeviceSession_SimulatedCard(t *testing.T) {
	t.Parallel()

	device, _, card := newSimDevice(t)
	clock := virt.NewFakeClock()
	s := NewDeviceSession(device, nil)
	s.now = clock.Now
	ev := &events{}
	ev.attach(s)
	ctx := context.Background()

	require.NoError(t, s.cycle(ctx))
	require.Len(t, ev.detected, 1)
	assert.Equal(t, virt.TestIDm, ev.detected[0].IDm)
	assert.Equal(t, virt.TestPMm, ev.detected[0].PMm)

	card.Remove()
	clock.Advance(250 * time.Millisecond)
	require.NoError(t, s.cycle(ctx))
	assert.Empty(t, ev.removed)

	clock.Advance(time.Second)
	require.NoError(t, s.cycle(ctx))
	require.Len(t, ev.removed, 1)
	assert.Empty(t, ev.errs)

	var got felica.Card
	card.Insert()
	err := s.WithNextCard(ctx, time.Second, func(_ context.Context, c felica.Card) error {
		got = c
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, virt.TestIDm, got.IDm)
}

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

package usb

import (
	"context"
	"sync"
	"testing"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/internal/frame"
	virt "github.com/ZaparooProject/go-port110/internal/testing"
	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simEndpoints serves bulk transfers from a simulated device. Reads block
// until data is pending or the transfer context ends, like libusb does.
type simEndpoints struct {
	sim      *virt.VirtualPort110
	extra    []byte
	readErr  error
	writeErr error
	mu       sync.Mutex
}

func (e *simEndpoints) WriteContext(_ context.Context, buf []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr != nil {
		return 0, e.writeErr
	}
	return e.sim.Write(buf)
}

func (e *simEndpoints) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		e.mu.Lock()
		if e.readErr != nil {
			err := e.readErr
			e.mu.Unlock()
			return 0, err
		}
		n, _ := e.sim.Read(buf)
		n += copy(buf[n:], e.extra)
		e.extra = nil
		e.mu.Unlock()
		if n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, gousb.TransferCancelled
		case <-time.After(time.Millisecond):
		}
	}
}

func newTestTransport() (*Transport, *simEndpoints) {
	ep := &simEndpoints{sim: virt.NewVirtualPort110()}
	return newWithEndpoints(ep, ep, "usb:1:4", "RC-S380/P"), ep
}

func TestUSB_FirmwareVersion(t *testing.T) {
	t.Parallel()

	transport, _ := newTestTransport()
	device, err := port110.Open(transport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = device.Close() })

	ctx := context.Background()
	require.NoError(t, device.InitializeDevice(ctx, time.Second))
	version, err := device.FirmwareVersion(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0110), version)
}

func TestUSB_ReadKeepsLeftovers(t *testing.T) {
	t.Parallel()

	transport, ep := newTestTransport()
	ep.extra = append(append([]byte(nil), frame.AckFrame...), 0x00, 0x00, 0xFF, 0xFF)
	deadline := time.Now().Add(time.Second)

	ack := make([]byte, frame.AckLen)
	n, err := transport.Read(ack, frame.AckLen, deadline)
	require.NoError(t, err)
	assert.Equal(t, frame.AckLen, n)
	assert.Equal(t, frame.AckFrame, ack)

	rest := make([]byte, 8)
	n, err = transport.Read(rest, 2, deadline)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0xFF}, rest[:n])

	ep.extra = []byte{0x01, 0x02}
	_, err = transport.Read(make([]byte, 1), 1, deadline)
	require.NoError(t, err)
	require.NoError(t, transport.ClearReceiveQueue())
	n, err = transport.Read(make([]byte, 1), 1, time.Now().Add(20*time.Millisecond))
	require.ErrorIs(t, err, port110.ErrTimeout)
	assert.Zero(t, n)
}

func TestUSB_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want error
	}{
		{gousb.ErrorTimeout, port110.ErrTimeout},
		{gousb.TransferTimedOut, port110.ErrTimeout},
		{gousb.ErrorNoDevice, port110.ErrIO},
		{gousb.TransferStall, port110.ErrIO},
	}
	for _, tt := range tests {
		transport, ep := newTestTransport()
		ep.readErr = tt.err
		_, err := transport.Read(make([]byte, 6), 6, time.Now().Add(time.Second))
		require.ErrorIs(t, err, tt.want, "%v", tt.err)

		ep.writeErr = tt.err
		require.ErrorIs(t, transport.Write(frame.AckFrame, time.Now().Add(time.Second)), tt.want, "%v", tt.err)
	}
}

func TestUSB_ZeroMinLen(t *testing.T) {
	t.Parallel()

	transport, _ := newTestTransport()
	n, err := transport.Read(make([]byte, 4), 0, time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = transport.Read(make([]byte, 4), 5, time.Now().Add(time.Second))
	require.ErrorIs(t, err, port110.ErrInvalidParameter)
}

func TestUSB_CloseAndAttribute(t *testing.T) {
	t.Parallel()

	transport, _ := newTestTransport()
	attr, err := transport.Attribute()
	require.NoError(t, err)
	assert.Equal(t, port110.Attribute{ID: "usb:1:4", Name: "RC-S380/P"}, attr)
	assert.Equal(t, port110.TransportUSB, transport.Type())
	require.NoError(t, transport.DrainTransmitQueue())

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	require.ErrorIs(t, transport.Write([]byte{0}, time.Now().Add(time.Second)), port110.ErrClosed)
	_, err = transport.Read(make([]byte, 1), 1, time.Now().Add(time.Second))
	require.ErrorIs(t, err, port110.ErrClosed)
	require.ErrorIs(t, transport.ClearReceiveQueue(), port110.ErrClosed)
}

func TestConfigFromPath(t *testing.T) {
	t.Parallel()

	cfg, err := ConfigFromPath(Path(3, 17))
	require.NoError(t, err)
	assert.Equal(t, Config{VendorID: SonyVendorID, Bus: 3, Address: 17}, cfg)

	for _, bad := range []string{"", "usb:1", "serial:1:2", "usb:x:2", "usb:1:y"} {
		_, err := ConfigFromPath(bad)
		require.ErrorIs(t, err, port110.ErrInvalidParameter, bad)
	}
}

func TestConfig_Matches(t *testing.T) {
	t.Parallel()

	reader := &gousb.DeviceDesc{Bus: 1, Address: 4, Vendor: SonyVendorID, Product: 0x06C3}
	tests := []struct {
		name string
		cfg  Config
		desc *gousb.DeviceDesc
		want bool
	}{
		{"default", DefaultConfig(), reader, true},
		{"zero vendor means sony", Config{}, reader, true},
		{"unsupported product", DefaultConfig(), &gousb.DeviceDesc{Vendor: SonyVendorID, Product: 0x02E1}, false},
		{"unknown product", DefaultConfig(), &gousb.DeviceDesc{Vendor: SonyVendorID, Product: 0x0B01}, false},
		{"other model", DefaultConfig(), &gousb.DeviceDesc{Vendor: SonyVendorID, Product: 0x06C1}, true},
		{"explicit product", Config{ProductID: 0x02E1}, &gousb.DeviceDesc{Vendor: SonyVendorID, Product: 0x02E1}, true},
		{"other vendor", DefaultConfig(), &gousb.DeviceDesc{Vendor: 0x072F, Product: 0x06C3}, false},
		{"bus pinned", Config{Bus: 2}, reader, false},
		{"address pinned", Config{Bus: 1, Address: 4}, reader, true},
		{"wrong address", Config{Address: 5}, reader, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cfg.Matches(tt.desc))
		})
	}
}

// go-pn532
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pn532.
//
// go-pn532 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pn532 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pn532; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

//go:build !prod

package port110

import (
	"context"
	"io"
	"testing"
	"time"

	testutil "github.com/ZaparooProject/go-port110/internal/testing"
	"github.com/stretchr/testify/require"
)

const testTimeout = time.Second

// wireTransport gives the byte-level fake the Type method the device needs.
type wireTransport struct{ *testutil.FakeTransport }

func (wireTransport) Type() TransportType { return TransportMock }

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// newMockDevice creates a device over a command-level mock transport.
func newMockDevice(t *testing.T, opts ...Option) (*Device, *MockTransport) {
	t.Helper()
	mock := NewMockTransport()
	device, err := New(mock, opts...)
	require.NoError(t, err)
	return device, mock
}

// newWireDevice creates a device over a byte-level fake reading from
// backend. A nil clock means the wall clock.
func newWireDevice(t *testing.T, backend io.ReadWriter, clock *testutil.FakeClock) (*Device, *testutil.FakeTransport) {
	t.Helper()
	var opts []Option
	var tc testutil.Clock
	if clock != nil {
		opts = append(opts, WithClock(clock))
		tc = clock
	}
	ft := testutil.NewFakeTransport(backend, tc)
	device, err := New(wireTransport{ft}, opts...)
	require.NoError(t, err)
	return device, ft
}

// newSimulatedDevice creates a device wired to a simulated Port-110.
func newSimulatedDevice(t *testing.T) (*Device, *testutil.VirtualPort110) {
	t.Helper()
	sim := testutil.NewVirtualPort110()
	device, _ := newWireDevice(t, sim, nil)
	return device, sim
}

// respond builds a response payload for cmd.
func respond(cmd byte, body ...byte) []byte {
	return append([]byte{resPrefix, cmd + 1}, body...)
}

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

package testing

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeTransport_ReadUsesFakeClock(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	tr := NewFakeTransport(nil, clock)
	start := clock.Now()

	buf := make([]byte, 8)
	_, err := tr.Read(buf, 1, start.Add(50*time.Millisecond))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, 50*time.Millisecond, clock.Now().Sub(start))
}

func TestFakeTransport_MinLen(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	tr := NewFakeTransport(NewTrickleConnection(clock, 10*time.Millisecond, []byte{1, 2, 3, 4}), clock)

	buf := make([]byte, 8)
	n, err := tr.Read(buf, 3, clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])
	assert.Zero(t, tr.Pending())
}

func TestFakeTransport_OnWriteAndFeed(t *testing.T) {
	t.Parallel()

	tr := NewFakeTransport(nil, NewFakeClock())
	tr.OnWrite = func(data []byte) []byte { return append([]byte{0xEE}, data...) }

	require.NoError(t, tr.Write([]byte{0x01, 0x02}, time.Time{}))
	tr.Feed(0x03)
	assert.Equal(t, [][]byte{{0x01, 0x02}}, tr.Writes())

	buf := make([]byte, 8)
	n, err := tr.Read(buf, 1, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEE, 0x01, 0x02, 0x03}, buf[:n])
}

func TestFakeTransport_Faults(t *testing.T) {
	t.Parallel()

	tr := NewFakeTransport(nil, NewFakeClock())
	boom := errors.New("boom")

	tr.Feed(0x01)
	tr.FailNextRead(boom)
	_, err := tr.Read(make([]byte, 4), 1, time.Time{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, tr.Pending())

	tr.SetWriteError(boom)
	require.ErrorIs(t, tr.Write([]byte{0x00}, time.Time{}), boom)
	tr.SetWriteError(nil)

	require.NoError(t, tr.ClearReceiveQueue())
	require.NoError(t, tr.DrainTransmitQueue())
	assert.Zero(t, tr.Pending())
	assert.Equal(t, 1, tr.Clears())
	assert.Equal(t, 1, tr.Drains())
	assert.Equal(t, 1, tr.ReadCalls())

	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Close(), ErrTransportClosed)
	require.ErrorIs(t, tr.Write([]byte{0x00}, time.Time{}), ErrTransportClosed)
}

func TestFakeTransport_WithSimulator(t *testing.T) {
	t.Parallel()

	sim := NewVirtualPort110()
	tr := NewFakeTransport(NewJitteryConnection(sim, JitterConfig{FragmentReads: true, Seed: 9}), nil)

	require.NoError(t, tr.Write(command(t, CmdGetFirmwareVersion), time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	total := 0
	for total < 20 {
		n, err := tr.Read(buf[total:], 1, time.Now().Add(time.Second))
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, BuildFrame([]byte{resPrefix, CmdGetFirmwareVersion + 1, 0x10, 0x01}, false), buf[:total])
}

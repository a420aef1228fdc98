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

package port110

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceBuffer_Ring(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "/dev/ttyACM0", 3)
	for i := range 5 {
		tb.RecordTX([]byte{byte(i)}, "")
	}
	entries := tb.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []byte{2}, entries[0].Data)
	assert.Equal(t, []byte{4}, entries[2].Data)

	tb.Clear()
	assert.Empty(t, tb.Entries())
	assert.Equal(t, 16, NewTraceBuffer("", "", 0).maxSize)
}

func TestTraceBuffer_CopiesData(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("usb", "", 4)
	data := []byte{0xD6, 0x20}
	tb.RecordTX(data, "command")
	data[0] = 0x00
	assert.Equal(t, byte(0xD6), tb.Entries()[0].Data[0])
}

func TestTraceableError(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("uart", "/dev/ttyACM0", 8)
	tb.RecordTX([]byte{0x00, 0x00, 0xFF}, "command")
	tb.RecordRX([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}, "")
	tb.RecordTimeout("waiting for 6 bytes")

	require.NoError(t, tb.WrapError(nil))
	err := tb.WrapError(ErrTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "timeout", err.Error())
	assert.True(t, HasTrace(err))
	assert.False(t, HasTrace(ErrTimeout))
	assert.Nil(t, GetTrace(errors.New("plain")))

	out := GetTrace(err).FormatTrace()
	assert.True(t, strings.HasPrefix(out, "[uart:/dev/ttyACM0] Wire trace (3 entries):"))
	assert.Contains(t, out, "  > 00 00 FF (command)")
	assert.Contains(t, out, "  < 00 00 FF 00 FF 00")
	assert.Contains(t, out, "  < (empty) (TIMEOUT: waiting for 6 bytes)")

	empty := &TraceableError{Err: ErrIO, Transport: "ble", Port: "x"}
	assert.Equal(t, "[ble:x] (no trace data)", empty.FormatTrace())
}

func TestFormatHexBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(empty)", formatHexBytes(nil))
	assert.Equal(t, "D6 20", formatHexBytes([]byte{0xD6, 0x20}))
	long := formatHexBytes(make([]byte, 40))
	assert.True(t, strings.HasSuffix(long, " ... (40 bytes total)"))

	entry := TraceEntry{Direction: TraceTX, Data: []byte{0x01}, Note: "ack"}
	assert.Contains(t, entry.String(), "TX: 01 (ack)")
}

func TestDevice_TraceDisabled(t *testing.T) {
	t.Parallel()

	device, _ := newMockDevice(t, WithTraceSize(0))
	_, err := device.FirmwareVersion(testContext(t), testTimeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, HasTrace(err))
}

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
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rfResponse builds an InCommRF response payload.
func rfResponse(status uint32, data ...byte) []byte {
	body := binary.LittleEndian.AppendUint32(nil, status)
	if len(data) > 0 {
		body = append(body, 0x08)
		body = append(body, data...)
	}
	return respond(cmdInCommRF, body...)
}

var testIDm = []byte{0x01, 0x2E, 0x4C, 0xE6, 0x93, 0x1A, 0x05, 0x21}

func TestFeliCaCommand_RoundTrip(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)
	cardResp := append(append([]byte{0x05}, testIDm...), 0x00)
	mock.SetResponse(cmdInCommRF, rfResponse(0, append([]byte{byte(len(cardResp) + 1)}, cardResp...)...))

	cmd := append([]byte{0x04}, testIDm...)
	resp, err := device.FeliCaCommand(testContext(t), cmd, MaxFeliCaResponseLen, 10*time.Millisecond, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, cardResp, resp)

	want := append([]byte{cmdPrefix, cmdInCommRF, 0x64, 0x00, 0x0A}, cmd...)
	assert.Equal(t, want, mock.LastCommand())
}

func TestRFCommand_Responses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response []byte
		req      RFRequest
		wantErr  error
		want     RFResponse
	}{
		{
			name:     "length byte mismatch",
			response: rfResponse(0, 0x05, 0x01, 0x02),
			req:      RFRequest{NeedLen: true},
			wantErr:  ErrInvalidResponse,
		},
		{
			name:     "truncated to max length",
			response: rfResponse(0, 0x06, 0x01, 0x02, 0x03, 0x04, 0x05),
			req:      RFRequest{NeedLen: true, MaxResponseLen: 3},
			wantErr:  ErrBufferOverflow,
			want:     RFResponse{Data: []byte{0x01, 0x02, 0x03}, ValidBits: 8},
		},
		{
			name:     "raw data",
			response: rfResponse(0, 0xAA, 0xBB),
			req:      RFRequest{},
			want:     RFResponse{Data: []byte{0xAA, 0xBB}, ValidBits: 8},
		},
		{
			name:     "card timeout",
			response: rfResponse(RFStatusRxTimeout),
			wantErr:  ErrTimeout,
			want:     RFResponse{Status: RFStatusRxTimeout},
		},
		{
			name:     "CRC error with data",
			response: rfResponse(RFStatusCRC, 0x03, 0x01, 0x02),
			req:      RFRequest{NeedLen: true},
			wantErr:  ErrFrameCRC,
			want:     RFResponse{Data: []byte{0x01, 0x02}, Status: RFStatusCRC, ValidBits: 8},
		},
		{
			name:     "short response",
			response: respond(cmdInCommRF, 0x00, 0x00),
			wantErr:  ErrInvalidResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			device, mock := newMockDevice(t)
			mock.SetResponse(cmdInCommRF, tt.response)
			mock.SetResponse(cmdGetCommandType, respond(cmdGetCommandType, 0, 0, 0, 0, 0, 0, 0, 0x0F))

			req := tt.req
			req.Command = []byte{0x00, 0xFF, 0xFF, 0x00, 0x00}
			req.CommandTimeout = 5 * time.Millisecond
			req.Timeout = testTimeout
			resp, err := device.RFCommand(testContext(t), req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.want.Data != nil || tt.want.Status != 0 {
				assert.Equal(t, tt.want, resp)
			}
		})
	}
}

func TestRFCommand_PartialBits(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)
	mock.SetResponse(cmdInCommRF, respond(cmdInCommRF, 0, 0, 0, 0, 0x04, 0x0F))

	req := RFRequest{Command: []byte{0x26}, CommandTimeout: time.Millisecond, Timeout: testTimeout}
	_, err := device.RFCommand(testContext(t), req)
	require.ErrorIs(t, err, ErrInvalidResponse)

	req.AcceptPartialBits = true
	resp, err := device.RFCommand(testContext(t), req)
	require.NoError(t, err)
	assert.Equal(t, byte(4), resp.ValidBits)
	assert.Equal(t, []byte{0x0F}, resp.Data)
}

func TestRFCommand_NoResponse(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)
	mock.SetResponse(cmdInCommRF, rfResponse(0))

	_, err := device.RFCommand(testContext(t), RFRequest{
		Command:        []byte{0x01, 0x02},
		CommandTimeout: time.Second,
		Timeout:        testTimeout,
		NoResponse:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{cmdPrefix, cmdInCommRF, 0x00, 0x00, 0x01, 0x02}, mock.LastCommand())
}

func TestRFCommand_DeviceTimeoutCancels(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)
	mock.SetResponse(cmdGetCommandType, respond(cmdGetCommandType, 0, 0, 0, 0, 0, 0, 0, 0x0F))

	_, err := device.RFCommand(testContext(t), RFRequest{
		Command:        []byte{0x00},
		CommandTimeout: time.Millisecond,
		Timeout:        testTimeout,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, mock.GetCallCount(cmdGetCommandType), "probe after timeout")
	assert.Len(t, mock.Writes(), 2, "no sweep when the probe answers")
}

func TestRFCommand_Preconditions(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	_, err := device.RFCommand(testContext(t), RFRequest{Command: []byte{0x00}, Timeout: testTimeout})
	require.ErrorIs(t, err, ErrTimeout, "zero card budget")

	_, err = device.RFCommand(testContext(t), RFRequest{
		Command:        make([]byte, MaxRFCommandLen),
		CommandTimeout: time.Millisecond,
		NeedLen:        true,
	})
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = device.FeliCaCommand(testContext(t), make([]byte, MaxFeliCaCommandLen+1), 0, time.Millisecond, testTimeout)
	require.ErrorIs(t, err, ErrInvalidParameter)

	assert.Empty(t, mock.Writes())
}

func TestRFStatusError_Priority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status uint32
		want   error
	}{
		{RFStatusRxTimeout, ErrTimeout},
		{RFStatusTxTimeout, ErrTimeout},
		{RFStatusRFCA, ErrTimeout},
		{RFStatusRxTimeout | RFStatusRFOff | RFStatusCRC, ErrTimeout},
		{RFStatusRFOff | RFStatusCRC, ErrRFOff},
		{RFStatusParity, ErrFrameCRC},
		{RFStatusCRC | RFStatusIntTempRFOff, ErrFrameCRC},
		{RFStatusIntTempRFOff, ErrInternalTempRFOff},
		{RFStatusProtocol, ErrDevice},
		{RFStatusCollision | RFStatusReceiveLen, ErrDevice},
	}
	for _, tt := range tests {
		err := rfStatusError(tt.status)
		require.ErrorIs(t, err, tt.want, "status 0x%08X", tt.status)

		var rfErr *RFStatusError
		require.ErrorAs(t, err, &rfErr)
		assert.Equal(t, tt.status, rfErr.Status)
	}
	require.NoError(t, rfStatusError(0))
	assert.False(t, errors.Is(rfStatusError(RFStatusRFOff), ErrTimeout))
}

func TestRFTimeoutUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		timeout time.Duration
		want    uint16
	}{
		{100 * time.Microsecond, 1},
		{150 * time.Microsecond, 2},
		{time.Millisecond, 10},
		{6552 * time.Millisecond, 65520},
		{6553 * time.Millisecond, 0xFFFF},
		{time.Hour, 0xFFFF},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rfTimeoutUnits(tt.timeout), "%v", tt.timeout)
	}
}

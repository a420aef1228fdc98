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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RFRequest describes one InCommRF exchange.
type RFRequest struct {
	// Command is the card-facing command, without the FeliCa length byte.
	Command []byte
	// MaxResponseLen bounds the returned card response; 0 means no bound
	// beyond the device maximum.
	MaxResponseLen int
	// CommandTimeout is the card-side budget. Zero fails with ErrTimeout
	// without touching the transport.
	CommandTimeout time.Duration
	// Timeout bounds the whole exchange with the device.
	Timeout time.Duration
	// NeedLen prefixes the command with its FeliCa length byte and checks
	// the length byte of the response.
	NeedLen bool
	// NoResponse tells the device not to wait for a card response.
	NoResponse bool
	// AcceptPartialBits allows responses whose final byte is incomplete.
	AcceptPartialBits bool
}

// RFResponse is the outcome of an InCommRF exchange.
type RFResponse struct {
	// Data is the card response, without the length byte when NeedLen.
	Data []byte
	// Status is the RF status bitmap.
	Status uint32
	// ValidBits is the number of valid bits in the last byte of Data.
	ValidBits byte
}

// RFCommand relays a command to the card in the field. Timeouts and
// malformed responses trigger Cancel before the error is returned; a failure
// of that recovery is logged and dropped. A response longer than
// MaxResponseLen is returned truncated with ErrBufferOverflow.
func (d *Device) RFCommand(ctx context.Context, req RFRequest) (RFResponse, error) {
	if err := ctx.Err(); err != nil {
		return RFResponse{}, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err := d.lock(); err != nil {
		return RFResponse{}, err
	}
	defer d.mu.Unlock()

	resp, err := d.rfCommand(ctx, req)
	return resp, d.wrapTrace(err)
}

// FeliCaCommand relays a FeliCa command, adding and checking the leading
// length byte.
func (d *Device) FeliCaCommand(
	ctx context.Context, cmd []byte, maxResponseLen int, commandTimeout, timeout time.Duration,
) ([]byte, error) {
	if len(cmd) > MaxFeliCaCommandLen {
		return nil, fmt.Errorf("%w: FeliCa command length %d", ErrInvalidParameter, len(cmd))
	}
	resp, err := d.RFCommand(ctx, RFRequest{
		Command:        cmd,
		MaxResponseLen: maxResponseLen,
		CommandTimeout: commandTimeout,
		Timeout:        timeout,
		NeedLen:        true,
	})
	return resp.Data, err
}

func (d *Device) rfCommand(ctx context.Context, req RFRequest) (RFResponse, error) {
	nfield := 0
	if req.NeedLen {
		nfield = 1
	}
	if len(req.Command)+nfield > MaxRFCommandLen {
		return RFResponse{}, fmt.Errorf("%w: RF command length %d", ErrInvalidParameter, len(req.Command))
	}
	if req.CommandTimeout <= 0 {
		return RFResponse{}, fmt.Errorf("rf command: %w: no card time budget", ErrTimeout)
	}

	cmd := make([]byte, 0, 4+nfield+len(req.Command))
	cmd = append(cmd, cmdPrefix, cmdInCommRF)
	if req.NoResponse {
		cmd = append(cmd, 0, 0)
	} else {
		cmd = binary.LittleEndian.AppendUint16(cmd, rfTimeoutUnits(req.CommandTimeout))
	}
	if len(req.Command) > 0 {
		if req.NeedLen {
			cmd = append(cmd, byte(len(req.Command)+1))
		}
		cmd = append(cmd, req.Command...)
	}

	resp, err := d.execute(cmd, d.deadline(ctx, req.Timeout))
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrInvalidResponse) {
			d.cancelBestEffort()
		}
		return RFResponse{}, err
	}

	p := resp.payload
	if !resp.extended || len(p) < 6 || p[0] != resPrefix || p[1] != cmdInCommRF+1 {
		d.cancelBestEffort()
		return RFResponse{}, fmt.Errorf("InCommRF: %w: % X", ErrInvalidResponse, p)
	}

	out := RFResponse{Status: binary.LittleEndian.Uint32(p[2:6])}
	if len(p) > 7 && !req.NoResponse {
		out.ValidBits = p[6]
		if out.ValidBits != 8 && !req.AcceptPartialBits {
			return RFResponse{}, fmt.Errorf("InCommRF: %w: %d valid bits", ErrInvalidResponse, out.ValidBits)
		}
		if req.NeedLen && int(p[7]) != len(p)-7 {
			return RFResponse{}, fmt.Errorf("InCommRF: %w: length byte %d for %d bytes",
				ErrInvalidResponse, p[7], len(p)-7)
		}
		data := p[7+nfield:]
		if req.MaxResponseLen > 0 && len(data) > req.MaxResponseLen {
			out.Data = append([]byte(nil), data[:req.MaxResponseLen]...)
			return out, ErrBufferOverflow
		}
		out.Data = append([]byte(nil), data...)
	}

	if err := rfStatusError(out.Status); err != nil {
		return out, err
	}
	return out, nil
}

// rfTimeoutUnits encodes a card budget in 0.1 ms units, saturating at
// 0xFFFF from 6553 ms up.
func rfTimeoutUnits(timeout time.Duration) uint16 {
	if timeout >= 6553*time.Millisecond {
		return maxRFTimeoutTenthMillis
	}
	units := (timeout + 100*time.Microsecond - 1) / (100 * time.Microsecond)
	return uint16(units)
}

// cancelBestEffort resynchronises after a failed exchange. Its own failure
// must not mask the error being returned.
func (d *Device) cancelBestEffort() {
	if err := d.cancel(); err != nil {
		debugf("cancel after failed RF command: %v", err)
	}
}

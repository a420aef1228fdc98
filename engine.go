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
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-port110/internal/frame"
)

// response is a validated response payload and the form it arrived in.
type response struct {
	payload  []byte
	extended bool
}

// Execute sends a raw command payload (starting with 0xD6) and returns the
// response payload. Responses longer than maxLen are truncated and returned
// together with ErrBufferOverflow.
func (d *Device) Execute(ctx context.Context, cmd []byte, maxLen int, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err := d.lock(); err != nil {
		return nil, err
	}
	defer d.mu.Unlock()

	resp, err := d.execute(cmd, d.deadline(ctx, timeout))
	if err != nil {
		return nil, d.wrapTrace(err)
	}
	return truncate(resp.payload, maxLen)
}

// truncate copies at most maxLen bytes of payload.
func truncate(payload []byte, maxLen int) ([]byte, error) {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(payload) > maxLen {
		return append([]byte(nil), payload[:maxLen]...), ErrBufferOverflow
	}
	return append([]byte(nil), payload...), nil
}

// exchange runs a fixed-shape command: the response must be exactly
// respLen bytes and start with D7 and cmd+1.
func (d *Device) exchange(name string, cmd []byte, respLen int, deadline time.Time) ([]byte, error) {
	resp, err := d.execute(cmd, deadline)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	p := resp.payload
	if len(p) != respLen || p[0] != resPrefix || p[1] != cmd[1]+1 {
		return nil, fmt.Errorf("%s: %w: % X", name, ErrInvalidResponse, p)
	}
	return append([]byte(nil), p...), nil
}

// execute performs one command/response exchange. The deadline is fixed by
// the caller; every read gets only the time remaining until it.
func (d *Device) execute(cmd []byte, deadline time.Time) (response, error) {
	if len(cmd) < 2 || len(cmd) > MaxCommandLen {
		return response{}, fmt.Errorf("%w: command length %d", ErrInvalidParameter, len(cmd))
	}

	if err := d.transport.ClearReceiveQueue(); err != nil {
		return response{}, normalizeTransportError("clear receive queue", err)
	}

	encoded, err := frame.Encode(cmd)
	if err != nil {
		return response{}, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	d.recordTX(encoded, "command")
	if err := d.transport.Write(encoded, deadline); err != nil {
		return response{}, normalizeTransportError("write", err)
	}

	buf := frame.GetBuffer(commandBufLen)
	defer frame.PutBuffer(buf)

	n, err := d.readAtLeast(buf, frame.AckLen, deadline)
	if err != nil {
		return response{}, err
	}

	ackSeen := false
	if frame.IsAck(buf[:n]) {
		ackSeen = true
		d.ackTime = d.now()
		n = copy(buf, buf[frame.AckLen:n])
		if n < frame.AckLen {
			m, err := d.readAtLeast(buf[n:frame.AckLen], frame.AckLen-n, deadline)
			if err != nil {
				return response{}, err
			}
			n += m
		}
	}

	h, err := frame.ParseHeader(buf[:n])
	var inc *frame.IncompleteError
	if errors.As(err, &inc) {
		m, rerr := d.readAtLeast(buf[n:inc.Need], inc.Need-n, deadline)
		if rerr != nil {
			return response{}, rerr
		}
		n += m
		h, err = frame.ParseHeader(buf[:n])
	}
	if err != nil {
		return response{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if h.Length > MaxResponseLen {
		return response{}, fmt.Errorf("%w: response length %d", ErrInvalidResponse, h.Length)
	}

	if need := h.FrameLen(); n < need {
		m, err := d.readAtLeast(buf[n:need], need-n, deadline)
		if err != nil {
			return response{}, err
		}
		n += m
	}
	payload, err := frame.DecodeBody(buf[:n], h)
	if err != nil {
		return response{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if len(payload) < 2 {
		return response{}, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	if !ackSeen {
		d.ackTime = d.now()
	}
	return response{payload: append([]byte(nil), payload...), extended: h.Extended}, nil
}

// readAtLeast reads between minLen and len(buf) bytes before the deadline.
func (d *Device) readAtLeast(buf []byte, minLen int, deadline time.Time) (int, error) {
	n, err := d.transport.Read(buf, minLen, deadline)
	if err != nil {
		if isTimeout(err) && d.trace != nil {
			d.trace.RecordTimeout(fmt.Sprintf("waiting for %d bytes", minLen))
		}
		return 0, normalizeTransportError("read", err)
	}
	if n < minLen {
		return 0, NewIOError("read", "", fmt.Errorf("short read: %d of %d bytes", n, minLen))
	}
	d.recordRX(buf[:n])
	return n, nil
}

// write sends raw bytes outside of a command exchange.
func (d *Device) write(data []byte, timeout time.Duration, note string) error {
	d.recordTX(data, note)
	return normalizeTransportError("write", d.transport.Write(data, d.now().Add(timeout)))
}

func (d *Device) recordTX(data []byte, note string) {
	if d.trace != nil {
		d.trace.RecordTX(data, note)
	}
	debugf("TX %s", formatHexBytes(data))
}

func (d *Device) recordRX(data []byte) {
	if d.trace != nil {
		d.trace.RecordRX(data, "")
	}
	debugf("RX %s", formatHexBytes(data))
}

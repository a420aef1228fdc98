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

// Cancel aborts whatever the device is doing and resynchronises the link.
// The device is probed with GetCommandType; if it does not answer, the link
// is swept. The receive queue is cleared in either case.
func (d *Device) Cancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.wrapTrace(d.cancel())
}

// SendAck writes the ACK pattern, which makes the device drop the command
// it is processing.
func (d *Device) SendAck(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.sendAck(timeout)
}

func (d *Device) sendAck(timeout time.Duration) error {
	return d.write(frame.AckFrame, timeout, "ack")
}

func (d *Device) cancel() error {
	if err := d.transport.DrainTransmitQueue(); err != nil {
		return normalizeTransportError("drain", err)
	}
	d.sleep(cancelSettleDelay)

	if _, err := d.getCommandType(d.now().Add(getCommandTypeTimeout)); err != nil {
		debugf("cancel: probe failed, sweeping: %v", err)
		if err := d.sweep(); err != nil {
			return err
		}
	}

	return normalizeTransportError("clear receive queue", d.transport.ClearReceiveQueue())
}

// sweep flushes both directions: enough zero bytes to push out any partial
// command even at the lowest line speed, then an ACK, then every pending
// input byte until a read times out.
func (d *Device) sweep() error {
	zeros := make([]byte, commandBufLen)
	if err := d.write(zeros, sweepTimeout, "sweep"); err != nil {
		return err
	}
	if err := d.sendAck(ackTimeout); err != nil {
		return err
	}
	if err := d.transport.DrainTransmitQueue(); err != nil {
		return normalizeTransportError("drain", err)
	}
	d.sleep(cancelSettleDelay)

	buf := frame.GetBuffer(purgeChunkSize)
	defer frame.PutBuffer(buf)
	for {
		n, err := d.transport.Read(buf, 1, d.now().Add(purgeTimeout))
		switch {
		case err == nil:
			d.recordRX(buf[:n])
		case isTimeout(err):
			return nil
		case errors.Is(err, ErrBufferOverflow):
			return NewIOError("purge", "", fmt.Errorf("read overflow: %v", err)) //nolint:errorlint // overflow must not leak out of a purge
		default:
			return normalizeTransportError("purge", err)
		}
	}
}

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

package uart

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"go.bug.st/serial"
)

// DefaultBaudRate is the line speed used when the port is opened. Open
// switches to port110.DefaultSpeed right after.
const DefaultBaudRate = 115200

// Transport implements port110.Transport over a USB CDC serial port.
type Transport struct {
	port     serial.Port
	portName string
	mode     serial.Mode
	mu       sync.Mutex
	closed   bool
}

// readPollInterval bounds a single blocking read so that deadlines are
// honoured; Windows drivers need a longer slice.
func readPollInterval() time.Duration {
	if runtime.GOOS == "windows" {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// New opens a serial port.
func New(portName string) (*Transport, error) {
	mode := serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, &mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}
	return newWithPort(port, portName, mode), nil
}

func newWithPort(port serial.Port, portName string, mode serial.Mode) *Transport {
	return &Transport{
		port:     port,
		portName: portName,
		mode:     mode,
	}
}

// Write sends all of data. The serial driver has no write timeout, so the
// deadline is only checked between partial writes.
func (t *Transport) Write(data []byte, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}

	for written := 0; written < len(data); {
		if !time.Now().Before(deadline) {
			return port110.NewTimeoutError("write", t.portName)
		}
		n, err := t.port.Write(data[written:])
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return port110.NewIOError("write", t.portName, err)
		}
		written += n
	}
	return nil
}

// Read blocks until at least minLen bytes arrived or the deadline passed.
func (t *Transport) Read(buf []byte, minLen int, deadline time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, port110.ErrClosed
	}
	if minLen > len(buf) {
		return 0, fmt.Errorf("%w: minLen %d exceeds buffer of %d", port110.ErrInvalidParameter, minLen, len(buf))
	}

	total := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if total >= minLen {
				return total, nil
			}
			return total, port110.NewTimeoutError("read", t.portName)
		}
		if err := t.port.SetReadTimeout(min(remaining, readPollInterval())); err != nil {
			return total, port110.NewIOError("set read timeout", t.portName, err)
		}

		n, err := t.port.Read(buf[total:])
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return total, port110.NewIOError("read", t.portName, err)
		}
		total += n
		if total >= minLen {
			return total, nil
		}
	}
}

// ClearReceiveQueue discards unread input held by the driver.
func (t *Transport) ClearReceiveQueue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return port110.NewIOError("clear receive queue", t.portName, err)
	}
	return nil
}

// DrainTransmitQueue waits until the driver has sent all queued output.
func (t *Transport) DrainTransmitQueue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}
	return t.drainWithRetry("transmit queue")
}

// SetSpeed changes the line speed.
func (t *Transport) SetSpeed(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("%w: baud rate %d", port110.ErrInvalidParameter, baud)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}
	mode := t.mode
	mode.BaudRate = baud
	if err := t.port.SetMode(&mode); err != nil {
		return port110.NewIOError("set speed", t.portName, err)
	}
	t.mode = mode
	return nil
}

// Attribute identifies the peer by its port name.
func (t *Transport) Attribute() (port110.Attribute, error) {
	return port110.Attribute{ID: t.portName, Name: "Port-110 (serial)"}, nil
}

// Close closes the port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() port110.TransportType {
	return port110.TransportUART
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := range maxRetries {
		err := t.port.Drain()
		if err == nil {
			return nil
		}
		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt))
			continue
		}
		return port110.NewIOError("drain "+operation, t.portName, err)
	}
	return port110.NewIOError("drain "+operation, t.portName, errors.New("interrupted"))
}

// isInterruptedSystemCall checks if an error is caused by an interrupted
// system call. The serial package does not always wrap the errno, so the
// message is checked as well.
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	if isEINTR(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

var (
	_ port110.Transport       = (*Transport)(nil)
	_ port110.SpeedSetter     = (*Transport)(nil)
	_ port110.AttributeGetter = (*Transport)(nil)
)

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

package port110

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ZaparooProject/go-port110/internal/frame"
)

// Transport is the byte-level link to a Port-110 device. Implementations
// exist for serial (USB CDC), raw USB bulk and BLE GATT.
//
// A Read or Write that cannot complete before the deadline must fail with an
// error matching ErrTimeout or os.ErrDeadlineExceeded. Any other failure is
// treated as an I/O error.
type Transport interface {
	// Write sends all of data.
	Write(data []byte, deadline time.Time) error

	// Read fills buf with at least minLen and at most len(buf) bytes and
	// returns the number of bytes read.
	Read(buf []byte, minLen int, deadline time.Time) (int, error)

	// ClearReceiveQueue discards any buffered inbound bytes.
	ClearReceiveQueue() error

	// DrainTransmitQueue blocks until queued outbound bytes are sent.
	DrainTransmitQueue() error

	// Close closes the transport connection
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents a serial (USB CDC) link.
	TransportUART TransportType = "uart"
	// TransportUSB represents a raw USB bulk link.
	TransportUSB TransportType = "usb"
	// TransportBLE represents a Bluetooth LE GATT link.
	TransportBLE TransportType = "ble"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// SpeedSetter is implemented by transports with a configurable line speed.
// BLE links have none.
type SpeedSetter interface {
	SetSpeed(baud int) error
}

// Attribute describes the peer a transport is connected to.
type Attribute struct {
	// ID is the peripheral identifier: BLE address/UUID, USB bus path or
	// serial port name.
	ID string
	// Name is a human readable name, if known.
	Name string
}

// AttributeGetter is implemented by transports that can describe their peer.
type AttributeGetter interface {
	Attribute() (Attribute, error)
}

// Notification is an unsolicited event delivered by the transport.
type Notification struct {
	Err      error
	Data     []byte
	Category byte
}

// NotifyRegistrar is implemented by transports that push notifications.
// The callback runs on a transport goroutine and must not block.
type NotifyRegistrar interface {
	RegisterNotifyCallback(cb func(Notification)) error
}

// MockTransport emulates a Port-110 at the command level: every command
// frame written to it is answered with an ACK and the response registered
// for that command code. It is safe for concurrent use.
type MockTransport struct {
	responses map[byte][]byte
	errors    map[byte]error
	callCount map[byte]int
	noAck     map[byte]bool
	writes    [][]byte
	rx        []byte
	speed     int
	mu        sync.RWMutex
	closed    bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[byte][]byte),
		errors:    make(map[byte]error),
		callCount: make(map[byte]int),
		noAck:     make(map[byte]bool),
	}
}

// Write decodes a command frame and queues its canned response.
func (m *MockTransport) Write(data []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.writes = append(m.writes, append([]byte(nil), data...))

	if frame.IsAck(data) {
		return nil
	}
	payload, err := frame.Decode(data)
	if err != nil || len(payload) < 2 || payload[0] != cmdPrefix {
		return nil
	}

	cmd := payload[1]
	m.callCount[cmd]++
	if err := m.errors[cmd]; err != nil {
		return err
	}
	resp, ok := m.responses[cmd]
	if !ok {
		return nil
	}
	if !m.noAck[cmd] {
		m.rx = append(m.rx, frame.AckFrame...)
	}
	encoded, err := frame.Encode(resp)
	if err != nil {
		return fmt.Errorf("mock: %w", err)
	}
	m.rx = append(m.rx, encoded...)
	return nil
}

// Read returns queued response bytes, or a deadline error when fewer than
// minLen are queued.
func (m *MockTransport) Read(buf []byte, minLen int, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if len(m.rx) < minLen {
		return 0, fmt.Errorf("mock read: %w", os.ErrDeadlineExceeded)
	}
	n := copy(buf, m.rx)
	m.rx = m.rx[n:]
	return n, nil
}

// ClearReceiveQueue drops queued response bytes.
func (m *MockTransport) ClearReceiveQueue() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = nil
	return nil
}

// DrainTransmitQueue is a no-op.
func (*MockTransport) DrainTransmitQueue() error {
	return nil
}

// SetSpeed records the requested speed.
func (m *MockTransport) SetSpeed(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speed = baud
	return nil
}

// Speed returns the last speed passed to SetSpeed.
func (m *MockTransport) Speed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.speed
}

// Close marks the mock as closed
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock transport already closed")
	}
	m.closed = true
	return nil
}

// Type returns the transport type
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// SetResponse sets the response payload (starting with 0xD7) for a command code.
func (m *MockTransport) SetResponse(cmd byte, response []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmd] = append([]byte(nil), response...)
}

// SetError makes writes of the given command fail with err.
func (m *MockTransport) SetError(cmd byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[cmd] = err
}

// SetNoAck makes the response to cmd arrive without a preceding ACK.
func (m *MockTransport) SetNoAck(cmd byte, noAck bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noAck[cmd] = noAck
}

// GetCallCount returns how many command frames with the code were written.
func (m *MockTransport) GetCallCount(cmd byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount[cmd]
}

// Writes returns copies of every buffer written so far.
func (m *MockTransport) Writes() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// LastCommand returns the payload of the most recent command frame.
func (m *MockTransport) LastCommand() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.writes) - 1; i >= 0; i-- {
		if payload, err := frame.Decode(m.writes[i]); err == nil && len(payload) > 0 {
			return append([]byte(nil), payload...)
		}
	}
	return nil
}

// Reset clears all responses, errors and recorded traffic.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = make(map[byte][]byte)
	m.errors = make(map[byte]error)
	m.callCount = make(map[byte]int)
	m.noAck = make(map[byte]bool)
	m.writes = nil
	m.rx = nil
}

var (
	_ Transport   = (*MockTransport)(nil)
	_ SpeedSetter = (*MockTransport)(nil)
)

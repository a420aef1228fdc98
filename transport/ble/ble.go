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

// Package ble talks to a Port-110 over Bluetooth LE GATT. Commands are
// written to a write characteristic in small chunks and responses arrive
// as notifications that are queued until Read consumes them.
package ble

import (
	"errors"
	"fmt"
	"sync"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"tinygo.org/x/bluetooth"
)

// Defaults for Config.
const (
	DefaultChunkSize      = 27
	DefaultConnectTimeout = 10 * time.Second
)

var errDisconnected = errors.New("BLE peripheral disconnected")

// Config describes the peripheral and its GATT layout. The UUIDs are
// firmware specific and must be supplied by the caller.
type Config struct {
	// Adapter defaults to bluetooth.DefaultAdapter.
	Adapter *bluetooth.Adapter
	// OnConnectionChange is called when the link goes up or down.
	OnConnectionChange func(connected bool)
	// Address selects a peripheral; empty accepts the first one
	// advertising ServiceUUID.
	Address     string
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
	// EventUUID optionally names a characteristic carrying unsolicited
	// device events, delivered through RegisterNotifyCallback.
	EventUUID      string
	ConnectTimeout time.Duration
	ChunkSize      int
	// MinRSSI ignores advertisements weaker than this, 0 disables.
	MinRSSI int16
}

// DefaultConfig returns a config with the timing defaults filled in.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		ChunkSize:      DefaultChunkSize,
	}
}

type gattUUIDs struct {
	service, write, notify bluetooth.UUID
	event                  *bluetooth.UUID
}

func (c Config) parseUUIDs() (gattUUIDs, error) {
	var u gattUUIDs
	var err error
	parse := func(name, s string) bluetooth.UUID {
		if err != nil {
			return bluetooth.UUID{}
		}
		var id bluetooth.UUID
		id, err = bluetooth.ParseUUID(s)
		if err != nil {
			err = fmt.Errorf("%w: %s UUID %q: %w", port110.ErrInvalidParameter, name, s, err)
		}
		return id
	}
	u.service = parse("service", c.ServiceUUID)
	u.write = parse("write", c.WriteUUID)
	u.notify = parse("notify", c.NotifyUUID)
	if c.EventUUID != "" {
		event := parse("event", c.EventUUID)
		u.event = &event
	}
	return u, err
}

// link is the GATT connection as seen by the transport.
type link interface {
	write(p []byte) error
	disconnect() error
}

// Transport implements port110.Transport over BLE GATT.
type Transport struct {
	link         link
	notifyCB     func(port110.Notification)
	stateCB      func(bool)
	arrived      chan struct{}
	attr         port110.Attribute
	rx           []byte
	chunkSize    int
	writeMu      sync.Mutex
	mu           sync.Mutex
	closed       bool
	disconnected bool
}

func newWithLink(l link, attr port110.Attribute, cfg Config) *Transport {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Transport{
		link:      l,
		attr:      attr,
		chunkSize: chunk,
		stateCB:   cfg.OnConnectionChange,
		arrived:   make(chan struct{}, 1),
	}
}

// onData queues a response notification.
func (t *Transport) onData(p []byte) {
	t.mu.Lock()
	t.rx = append(t.rx, p...)
	t.mu.Unlock()
	t.signal()
}

// onEvent forwards an unsolicited event. The first byte is the category.
func (t *Transport) onEvent(p []byte) {
	t.mu.Lock()
	cb := t.notifyCB
	t.mu.Unlock()
	if cb == nil || len(p) == 0 {
		return
	}
	cb(port110.Notification{Category: p[0], Data: append([]byte(nil), p[1:]...)})
}

func (t *Transport) onConnectionChange(connected bool) {
	t.mu.Lock()
	if !connected {
		t.disconnected = true
	}
	stateCB, notifyCB := t.stateCB, t.notifyCB
	t.mu.Unlock()
	t.signal()

	if stateCB != nil {
		stateCB(connected)
	}
	if !connected && notifyCB != nil {
		notifyCB(port110.Notification{Err: port110.NewIOError("notify", t.attr.ID, errDisconnected)})
	}
}

func (t *Transport) signal() {
	select {
	case t.arrived <- struct{}{}:
	default:
	}
}

// Write sends data in ChunkSize pieces without waiting for GATT responses.
func (t *Transport) Write(data []byte, deadline time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for len(data) > 0 {
		if err := t.usable(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return port110.NewTimeoutError("write", t.attr.ID)
		}
		n := min(t.chunkSize, len(data))
		if err := t.link.write(data[:n]); err != nil {
			return port110.NewIOError("write", t.attr.ID, err)
		}
		data = data[n:]
	}
	return nil
}

// Read waits for notifications until minLen bytes are queued.
func (t *Transport) Read(buf []byte, minLen int, deadline time.Time) (int, error) {
	if minLen > len(buf) {
		return 0, fmt.Errorf("%w: minLen %d exceeds buffer of %d", port110.ErrInvalidParameter, minLen, len(buf))
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		if err := t.usable(); err != nil {
			return 0, err
		}
		t.mu.Lock()
		if len(t.rx) > 0 && len(t.rx) >= minLen {
			n := copy(buf, t.rx)
			t.rx = t.rx[n:]
			t.mu.Unlock()
			return n, nil
		}
		t.mu.Unlock()

		select {
		case <-t.arrived:
		case <-timer.C:
			if minLen == 0 {
				return 0, nil
			}
			return 0, port110.NewTimeoutError("read", t.attr.ID)
		}
	}
}

func (t *Transport) usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return port110.ErrClosed
	case t.disconnected:
		return port110.NewIOError("link", t.attr.ID, errDisconnected)
	default:
		return nil
	}
}

// ClearReceiveQueue drops queued notification data.
func (t *Transport) ClearReceiveQueue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}
	t.rx = nil
	return nil
}

// DrainTransmitQueue is a no-op: writes are handed to the stack directly.
func (*Transport) DrainTransmitQueue() error {
	return nil
}

// RegisterNotifyCallback sets the callback for device events and link loss.
// A nil callback unregisters.
func (t *Transport) RegisterNotifyCallback(cb func(port110.Notification)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}
	t.notifyCB = cb
	return nil
}

// Attribute returns the peripheral address and advertised name.
func (t *Transport) Attribute() (port110.Attribute, error) {
	return t.attr, nil
}

// Close disconnects from the peripheral.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.signal()

	if err := t.link.disconnect(); err != nil {
		return fmt.Errorf("BLE disconnect failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() port110.TransportType {
	return port110.TransportBLE
}

var (
	_ port110.Transport       = (*Transport)(nil)
	_ port110.AttributeGetter = (*Transport)(nil)
	_ port110.NotifyRegistrar = (*Transport)(nil)
)

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

// Package usb talks to a Port-110 through its raw USB bulk endpoints.
package usb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/detection"
	"github.com/google/gousb"
)

// SonyVendorID is the USB vendor ID of Sony FeliCa readers.
const SonyVendorID = gousb.ID(detection.SonyVendorID)

// supportedProduct returns the model name when the product speaks the
// D6/D7 frame protocol.
func supportedProduct(vendor, product gousb.ID) (string, bool) {
	p, ok := detection.LookupProduct(detection.VIDPID{Vendor: uint16(vendor), Product: uint16(product)})
	return p.Model, ok && p.Supported
}

// readChunk is a multiple of every bulk packet size the readers use.
const readChunk = 1024

// Config selects the device to open.
type Config struct {
	// VendorID defaults to SonyVendorID.
	VendorID gousb.ID
	// ProductID restricts the match; zero accepts any supported Sony reader.
	ProductID gousb.ID
	// Bus and Address pin a specific device; zero matches any.
	Bus     int
	Address int
}

// DefaultConfig matches the first known Sony reader.
func DefaultConfig() Config {
	return Config{VendorID: SonyVendorID}
}

// ConfigFromPath parses a "usb:BUS:ADDRESS" path as produced by detection.
func ConfigFromPath(path string) (Config, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 || parts[0] != "usb" {
		return Config{}, fmt.Errorf("%w: USB path %q, want usb:BUS:ADDRESS", port110.ErrInvalidParameter, path)
	}
	bus, err := strconv.Atoi(parts[1])
	if err != nil {
		return Config{}, fmt.Errorf("%w: USB bus %q", port110.ErrInvalidParameter, parts[1])
	}
	addr, err := strconv.Atoi(parts[2])
	if err != nil {
		return Config{}, fmt.Errorf("%w: USB address %q", port110.ErrInvalidParameter, parts[2])
	}
	cfg := DefaultConfig()
	cfg.Bus, cfg.Address = bus, addr
	return cfg, nil
}

// Path formats a bus/address pair the way ConfigFromPath expects.
func Path(bus, address int) string {
	return fmt.Sprintf("usb:%d:%d", bus, address)
}

// Matches reports whether a device descriptor is selected by the config.
func (c Config) Matches(desc *gousb.DeviceDesc) bool {
	vid := c.VendorID
	if vid == 0 {
		vid = SonyVendorID
	}
	if desc.Vendor != vid {
		return false
	}
	if c.ProductID != 0 {
		if desc.Product != c.ProductID {
			return false
		}
	} else if _, ok := supportedProduct(desc.Vendor, desc.Product); !ok {
		return false
	}
	if c.Bus != 0 && desc.Bus != c.Bus {
		return false
	}
	return c.Address == 0 || desc.Address == c.Address
}

type bulkIn interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type bulkOut interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// Transport implements port110.Transport over USB bulk endpoints.
type Transport struct {
	in     bulkIn
	out    bulkOut
	closer func() error
	path   string
	name   string
	rx     []byte
	chunk  []byte
	mu     sync.Mutex
	closed bool
}

// New opens the first device matching cfg and claims its default interface.
func New(cfg Config) (*Transport, error) {
	usbCtx := gousb.NewContext()
	devices, err := usbCtx.OpenDevices(cfg.Matches)
	if len(devices) == 0 {
		_ = usbCtx.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to open USB device: %w", err)
		}
		return nil, fmt.Errorf("no USB device matches %04x:%04x", cfg.VendorID, cfg.ProductID)
	}
	dev := devices[0]
	for _, extra := range devices[1:] {
		_ = extra.Close()
	}

	t, err := claim(dev)
	if err != nil {
		_ = dev.Close()
		_ = usbCtx.Close()
		return nil, err
	}
	closeInterface := t.closer
	t.closer = func() error {
		_ = closeInterface()
		err := dev.Close()
		_ = usbCtx.Close()
		return err
	}
	return t, nil
}

func claim(dev *gousb.Device) (*Transport, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		port110.Debugf("usb: auto detach: %v", err)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		return nil, fmt.Errorf("failed to claim USB interface: %w", err)
	}

	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && in == nil:
			in, err = intf.InEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionOut && out == nil:
			out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			done()
			return nil, fmt.Errorf("failed to open USB endpoint %d: %w", ep.Number, err)
		}
	}
	if in == nil || out == nil {
		done()
		return nil, errors.New("USB interface has no bulk endpoint pair")
	}

	name, _ := supportedProduct(dev.Desc.Vendor, dev.Desc.Product)
	if product, err := dev.Product(); err == nil && product != "" {
		name = product
	}
	t := newWithEndpoints(in, out, Path(dev.Desc.Bus, dev.Desc.Address), name)
	t.closer = func() error {
		done()
		return nil
	}
	return t, nil
}

func newWithEndpoints(in bulkIn, out bulkOut, path, name string) *Transport {
	return &Transport{
		in:     in,
		out:    out,
		path:   path,
		name:   name,
		chunk:  make([]byte, readChunk),
		closer: func() error { return nil },
	}
}

// Write sends data in a single bulk transfer.
func (t *Transport) Write(data []byte, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for written := 0; written < len(data); {
		n, err := t.out.WriteContext(ctx, data[written:])
		written += n
		if err != nil {
			return t.transferError(ctx, "write", err)
		}
	}
	return nil
}

// Read returns buffered bytes first and issues bulk reads until minLen
// bytes are available. Bytes beyond len(buf) are kept for the next call.
func (t *Transport) Read(buf []byte, minLen int, deadline time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, port110.ErrClosed
	}
	if minLen > len(buf) {
		return 0, fmt.Errorf("%w: minLen %d exceeds buffer of %d", port110.ErrInvalidParameter, minLen, len(buf))
	}

	total := copy(buf, t.rx)
	t.rx = t.rx[total:]
	if total > 0 && total >= minLen {
		return total, nil
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for {
		n, err := t.in.ReadContext(ctx, t.chunk)
		if n > 0 {
			c := copy(buf[total:], t.chunk[:n])
			total += c
			t.rx = append(t.rx, t.chunk[c:n]...)
		}
		if total > 0 && total >= minLen {
			return total, nil
		}
		if err != nil {
			err = t.transferError(ctx, "read", err)
			if minLen == 0 && errors.Is(err, port110.ErrTimeout) {
				return total, nil
			}
			return total, err
		}
	}
}

func (t *Transport) transferError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, gousb.TransferTimedOut) {
		return port110.NewTimeoutError(op, t.path)
	}
	return port110.NewIOError(op, t.path, err)
}

// ClearReceiveQueue drops bytes left over from earlier transfers.
func (t *Transport) ClearReceiveQueue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return port110.ErrClosed
	}
	t.rx = t.rx[:0]
	return nil
}

// DrainTransmitQueue is a no-op: bulk writes complete synchronously.
func (*Transport) DrainTransmitQueue() error {
	return nil
}

// Attribute identifies the device by bus path and product name.
func (t *Transport) Attribute() (port110.Attribute, error) {
	return port110.Attribute{ID: t.path, Name: t.name}, nil
}

// Close releases the interface and the device.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.closer(); err != nil {
		return fmt.Errorf("USB close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() port110.TransportType {
	return port110.TransportUSB
}

var (
	_ port110.Transport       = (*Transport)(nil)
	_ port110.AttributeGetter = (*Transport)(nil)
)

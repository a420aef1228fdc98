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
	"context"
	"fmt"
	"strings"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/detection"
	"github.com/ZaparooProject/go-port110/transport/uart"
)

// probeTimeout bounds a single probe exchange.
const probeTimeout = 2 * time.Second

// probeDeviceFn is replaced in tests.
var probeDeviceFn = probeDevice

// detector implements the Detector interface for serial (USB CDC) readers.
type detector struct{}

// New creates a new UART detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return string(port110.TransportUART)
}

// Detect searches for Port-110 readers on serial ports
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := getSerialPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, detection.ErrNoDevicesFound
	}

	filtered := d.filterPorts(ports, opts)
	var devices []detection.DeviceInfo
	for i := range filtered {
		if ctx.Err() != nil {
			break
		}
		if device, ok := d.processPort(ctx, &filtered[i], opts); ok {
			devices = append(devices, device)
		}
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// filterPorts drops ports detection must not touch.
func (*detector) filterPorts(ports []serialPort, opts *detection.Options) []serialPort {
	var kept []serialPort
	for _, port := range ports {
		if !detection.Excluded(port.Path, port.ID, opts) {
			kept = append(kept, port)
		}
	}
	return kept
}

// processPort handles a single port's detection logic
func (*detector) processPort(ctx context.Context, port *serialPort,
	opts *detection.Options,
) (detection.DeviceInfo, bool) {
	likely := isLikelyPort110(port)

	var confidence detection.Confidence
	shouldProbe := false
	switch opts.Mode {
	case detection.Passive:
		if !likely {
			return detection.DeviceInfo{}, false
		}
		confidence = detection.Medium
	case detection.Safe:
		// unknown adapters are not poked in safe mode
		if !likely {
			return detection.DeviceInfo{}, false
		}
		confidence, shouldProbe = detection.Medium, true
	default:
		confidence, shouldProbe = detection.Low, true
	}

	device := createDeviceInfo(port, confidence)
	if !shouldProbe {
		return device, true
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if !probeDeviceFn(probeCtx, port.Path, opts.Mode) {
		return detection.DeviceInfo{}, false
	}
	device.Confidence = detection.High
	return device, true
}

// createDeviceInfo builds a DeviceInfo struct from port data
func createDeviceInfo(port *serialPort, confidence detection.Confidence) detection.DeviceInfo {
	device := detection.DeviceInfo{
		Transport:  string(port110.TransportUART),
		Path:       port.Path,
		Name:       port.Name,
		ID:         port.ID,
		Confidence: confidence,
		Metadata:   make(map[string]string),
	}
	if product, ok := detection.LookupProduct(port.ID); ok {
		device.Metadata["model"] = product.Model
	}
	if port.Manufacturer != "" {
		device.Metadata["manufacturer"] = port.Manufacturer
	}
	if port.Product != "" {
		device.Metadata["product"] = port.Product
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}
	return device
}

// serialPort represents a serial port with metadata
type serialPort struct {
	ID           detection.VIDPID
	Path         string
	Name         string
	Manufacturer string
	Product      string
	SerialNumber string
}

// isLikelyPort110 reports whether the USB descriptors point at a Sony reader.
func isLikelyPort110(port *serialPort) bool {
	if port.ID.Vendor == detection.SonyVendorID {
		return true
	}

	lowerProduct := strings.ToLower(port.Product)
	lowerManuf := strings.ToLower(port.Manufacturer)
	for _, keyword := range []string{"port-110", "pasori", "felica"} {
		if strings.Contains(lowerProduct, keyword) {
			return true
		}
	}
	return strings.Contains(lowerManuf, "sony")
}

// probeDevice opens the port once and checks that a Port-110 answers.
// Detection never retries: a port that is not a reader should not be
// hammered with frames it does not understand.
func probeDevice(ctx context.Context, path string, mode detection.Mode) bool {
	transport, err := uart.New(path)
	if err != nil {
		return false
	}
	device, err := port110.Open(transport)
	if err != nil {
		return false
	}
	defer func() { _ = device.Close() }()

	switch mode {
	case detection.Passive:
		return false
	case detection.Safe:
		return device.Ping(ctx, probeTimeout) == nil
	default:
		return device.InitializeDevice(ctx, probeTimeout) == nil
	}
}

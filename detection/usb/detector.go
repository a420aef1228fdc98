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

// Package usb finds Port-110 readers attached through raw USB.
package usb

import (
	"context"
	"fmt"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/detection"
	"github.com/ZaparooProject/go-port110/transport/usb"
	"github.com/google/gousb"
)

const probeTimeout = 2 * time.Second

// usbDevice is the part of a descriptor detection cares about.
type usbDevice struct {
	Name    string
	Bus     int
	Address int
	Vendor  gousb.ID
	Product gousb.ID
}

func (d usbDevice) id() detection.VIDPID {
	return detection.VIDPID{Vendor: uint16(d.Vendor), Product: uint16(d.Product)}
}

// Replaced in tests.
var (
	listDevicesFn = listDevices
	probeDeviceFn = probeDevice
)

type detector struct{}

// New creates a new USB detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return string(port110.TransportUSB)
}

// Detect lists Sony readers on the USB bus, probing them unless in
// passive mode.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	found, err := listDevicesFn()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, dev := range found {
		if ctx.Err() != nil {
			break
		}
		path := usb.Path(dev.Bus, dev.Address)
		if detection.Excluded(path, dev.id(), opts) {
			continue
		}

		info := detection.DeviceInfo{
			Transport:  string(port110.TransportUSB),
			Path:       path,
			Name:       dev.Name,
			ID:         dev.id(),
			Confidence: detection.Medium,
		}
		if opts.Mode != detection.Passive {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			ok := probeDeviceFn(probeCtx, path, opts.Mode)
			cancel()
			if !ok {
				continue
			}
			info.Confidence = detection.High
		}
		devices = append(devices, info)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// listDevices walks the bus descriptors without opening anything.
func listDevices() ([]usbDevice, error) {
	usbCtx := gousb.NewContext()
	defer func() { _ = usbCtx.Close() }()

	var found []usbDevice
	match := usb.DefaultConfig()
	_, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if match.Matches(desc) {
			product, _ := detection.LookupProduct(detection.VIDPID{
				Vendor:  uint16(desc.Vendor),
				Product: uint16(desc.Product),
			})
			found = append(found, usbDevice{
				Name:    product.Model,
				Bus:     desc.Bus,
				Address: desc.Address,
				Vendor:  desc.Vendor,
				Product: desc.Product,
			})
		}
		return false
	})
	if err != nil && len(found) == 0 {
		return nil, fmt.Errorf("list USB devices: %w", err)
	}
	return found, nil
}

func probeDevice(ctx context.Context, path string, mode detection.Mode) bool {
	cfg, err := usb.ConfigFromPath(path)
	if err != nil {
		return false
	}
	transport, err := usb.New(cfg)
	if err != nil {
		return false
	}
	device, err := port110.Open(transport)
	if err != nil {
		return false
	}
	defer func() { _ = device.Close() }()

	if mode == detection.Full {
		return device.InitializeDevice(ctx, probeTimeout) == nil
	}
	return device.Ping(ctx, probeTimeout) == nil
}

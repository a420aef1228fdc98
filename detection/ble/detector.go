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

// Package ble finds Port-110 readers advertising over Bluetooth LE.
package ble

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/detection"
	"tinygo.org/x/bluetooth"
)

// maxScanWindow caps the scan so that serial and USB detectors running
// alongside are not held up.
const maxScanWindow = 3 * time.Second

// advert is one peripheral seen during a scan.
type advert struct {
	Address string
	Name    string
	RSSI    int16
}

// Replaced in tests.
var scanFn = scan

type detector struct{}

// New creates a new BLE detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return string(port110.TransportBLE)
}

// Detect scans for peripherals advertising opts.BLEServiceUUID, strongest
// signal first. Nothing is connected to, so results stay at Medium
// confidence; a reader is only confirmed when it is opened.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	if opts.BLEServiceUUID == "" {
		return nil, detection.ErrNoDevicesFound
	}
	service, err := bluetooth.ParseUUID(opts.BLEServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: BLE service UUID %q", port110.ErrInvalidParameter, opts.BLEServiceUUID)
	}

	adverts, err := scanFn(ctx, service, scanWindow(opts.Timeout))
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(adverts, func(a, b advert) int { return cmp.Compare(b.RSSI, a.RSSI) })

	var devices []detection.DeviceInfo
	for _, a := range adverts {
		path := detection.BLEPath(a.Address)
		if detection.Excluded(path, detection.VIDPID{}, opts) {
			continue
		}
		devices = append(devices, detection.DeviceInfo{
			Transport:  string(port110.TransportBLE),
			Path:       path,
			Name:       a.Name,
			Confidence: detection.Medium,
			Metadata:   map[string]string{"rssi": strconv.Itoa(int(a.RSSI))},
		})
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// scanWindow leaves half of the detection timeout for the result to be
// collected.
func scanWindow(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return maxScanWindow
	}
	return min(timeout/2, maxScanWindow)
}

// scan collects advertisements carrying service until window elapses or
// ctx ends. Repeated advertisements update the RSSI of the first sighting.
func scan(ctx context.Context, service bluetooth.UUID, window time.Duration) ([]advert, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		_ = adapter.StopScan()
	}()

	seen := make(map[string]int)
	var found []advert
	err := adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(service) {
			return
		}
		addr := result.Address.String()
		if i, ok := seen[addr]; ok {
			found[i].RSSI = result.RSSI
			return
		}
		seen[addr] = len(found)
		found = append(found, advert{Address: addr, Name: result.LocalName(), RSSI: result.RSSI})
	})
	if err != nil {
		return nil, fmt.Errorf("BLE scan: %w", err)
	}
	return found, nil
}

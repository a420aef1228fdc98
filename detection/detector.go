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

// Package detection finds Port-110 readers on serial, USB and BLE links.
// Transport packages register a Detector from init; import them for side
// effects to enable their transport.
package detection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Mode is how far detection may go in talking to a candidate.
type Mode int

const (
	// Passive only reads USB descriptors and advertisements.
	Passive Mode = iota
	// Safe pings Sony devices with GetFirmwareVersion and leaves unknown
	// adapters alone.
	Safe
	// Full runs InitializeDevice on every candidate, unknown adapters included.
	Full
)

func (m Mode) String() string {
	switch m {
	case Passive:
		return "passive"
	case Safe:
		return "safe"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Confidence is how sure detection is that a candidate is a Port-110.
type Confidence int

const (
	// Low: an unknown adapter seen in Full mode before probing.
	Low Confidence = iota
	// Medium: Sony descriptors, or the configured BLE service advertised.
	Medium
	// High: the device answered a probe.
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a detected reader.
type DeviceInfo struct {
	// Metadata holds descriptor strings such as manufacturer, serial and rssi.
	Metadata map[string]string
	// Transport is "uart", "usb" or "ble".
	Transport string
	// Path opens the device: a serial node, "usb:BUS:ADDR" or "ble:ADDR".
	Path string
	Name string
	// ID is zero for BLE peripherals and serial nodes without USB descriptors.
	ID         VIDPID
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	s := fmt.Sprintf("%s device at %s", d.Transport, d.Path)
	if !d.ID.IsZero() {
		s += " [" + d.ID.String() + "]"
	}
	return s + " (confidence: " + d.Confidence.String() + ")"
}

// Options configures detection.
type Options struct {
	// Blocklist holds VID:PID entries in any notation ParseVIDPID accepts.
	Blocklist   []string
	IgnorePaths []string
	// Transports limits the detectors run; empty runs all registered ones.
	Transports []string
	// BLEServiceUUID is the advertised service that marks a Port-110 over
	// BLE. No BLE scan happens while it is empty.
	BLEServiceUUID string
	CacheTTL       time.Duration
	// Timeout bounds the whole DetectAll call; zero leaves it to ctx.
	Timeout     time.Duration
	Mode        Mode
	EnableCache bool
}

// DefaultOptions returns safe-mode detection with a 30 s result cache.
func DefaultOptions() Options {
	return Options{
		Mode:        Safe,
		Timeout:     5 * time.Second,
		Blocklist:   DefaultBlocklist(),
		EnableCache: true,
		CacheTTL:    30 * time.Second,
	}
}

// Detector finds readers on one transport.
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() string
}

var (
	// ErrNoDevicesFound indicates no readers were detected
	ErrNoDevicesFound = errors.New("no Port-110 devices found")
	// ErrDetectionTimeout indicates detection timed out
	ErrDetectionTimeout = errors.New("detection timeout")
)

var registry []Detector

// RegisterDetector adds a detector to the registry
func RegisterDetector(d Detector) {
	registry = append(registry, d)
}

func getDetectors(transports []string) []Detector {
	if len(transports) == 0 {
		return registry
	}
	var filtered []Detector
	for _, d := range registry {
		if slices.Contains(transports, d.Transport()) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

// DetectAll runs the selected detectors in parallel and returns every reader
// found, most confident first. Detector failures are only reported when no
// detector found anything.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	detectors := getDetectors(opts.Transports)
	if len(detectors) == 0 {
		return nil, errors.New("no detectors available for specified transports")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ch := make(chan detectionResult, len(detectors))
	for _, d := range detectors {
		go func(d Detector) {
			ch <- runDetector(ctx, d, opts)
		}(d)
	}

	var devices []DeviceInfo
	var errs []error
	for range detectors {
		select {
		case res := <-ch:
			if res.err != nil {
				errs = append(errs, res.err)
			} else {
				devices = append(devices, res.devices...)
			}
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	switch {
	case len(devices) > 0:
		sortDevices(devices)
		return devices, nil
	case len(errs) > 0:
		return nil, errors.Join(errs...)
	default:
		return nil, ErrNoDevicesFound
	}
}

func runDetector(ctx context.Context, d Detector, opts *Options) detectionResult {
	transport := d.Transport()
	if opts.EnableCache {
		if cached, ok := results.get(transport, opts.CacheTTL); ok {
			// options may differ from the call that filled the cache
			return detectionResult{devices: Filter(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	switch {
	case err == nil, errors.Is(err, ErrNoDevicesFound):
	case ctx.Err() != nil:
		return detectionResult{err: fmt.Errorf("%s detection: %w", transport, ErrDetectionTimeout)}
	default:
		return detectionResult{err: fmt.Errorf("%s detection: %w", transport, err)}
	}
	if opts.EnableCache {
		results.put(transport, devices)
	}
	return detectionResult{devices: devices}
}

// transportRank orders equally confident readers: USB bulk, then the CDC
// serial node of the same hardware, then BLE.
var transportRank = map[string]int{transportUSB: 0, transportUART: 1, transportBLE: 2}

func sortDevices(devices []DeviceInfo) {
	slices.SortStableFunc(devices, func(a, b DeviceInfo) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(rank(a.Transport), rank(b.Transport))
	})
}

func rank(transport string) int {
	if r, ok := transportRank[transport]; ok {
		return r
	}
	return len(transportRank)
}

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

package detection

import (
	"path/filepath"
	"strings"
)

const (
	transportUART = "uart"
	transportUSB  = "usb"
	transportBLE  = "ble"
)

// PathTransport names the transport a device path opens: "usb:" and "ble:"
// prefixes select USB bulk and BLE, anything else is a serial port.
func PathTransport(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasPrefix(lower, "usb:"):
		return transportUSB
	case strings.HasPrefix(lower, "ble:"):
		return transportBLE
	default:
		return transportUART
	}
}

// BLEPath returns the device path of a BLE peripheral address.
func BLEPath(address string) string {
	return "ble:" + address
}

// IsPathIgnored reports whether path is listed in ignorePaths. Serial paths
// are compared cleaned, and all paths case-insensitively.
func IsPathIgnored(path string, ignorePaths []string) bool {
	if path == "" {
		return false
	}
	want := comparablePath(path)
	for _, ignored := range ignorePaths {
		if ignored != "" && comparablePath(ignored) == want {
			return true
		}
	}
	return false
}

func comparablePath(path string) string {
	if PathTransport(path) == transportUART {
		path = filepath.Clean(path)
	}
	return strings.ToLower(path)
}

// Excluded reports whether a candidate must be skipped: its path is ignored,
// its product is blocklisted, or outside Full mode it is a USB device of
// another vendor. A zero id (BLE, or a serial node without USB descriptors)
// only goes through the path check.
func Excluded(path string, id VIDPID, opts *Options) bool {
	if IsPathIgnored(path, opts.IgnorePaths) {
		return true
	}
	if id.IsZero() {
		return false
	}
	if IsBlocked(id, opts.Blocklist) {
		return true
	}
	return opts.Mode != Full && id.Vendor != SonyVendorID
}

// Filter drops the devices Excluded rejects.
func Filter(devices []DeviceInfo, opts *Options) []DeviceInfo {
	var kept []DeviceInfo
	for _, d := range devices {
		if !Excluded(d.Path, d.ID, opts) {
			kept = append(kept, d)
		}
	}
	return kept
}

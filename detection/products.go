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
	"fmt"
	"strconv"
	"strings"
)

// SonyVendorID is the USB vendor ID of Sony FeliCa readers.
const SonyVendorID uint16 = 0x054C

// VIDPID is a USB vendor/product pair.
type VIDPID struct {
	Vendor  uint16
	Product uint16
}

// String formats the pair as "054C:06C3".
func (id VIDPID) String() string {
	return fmt.Sprintf("%04X:%04X", id.Vendor, id.Product)
}

// IsZero reports whether no USB descriptor was available.
func (id VIDPID) IsZero() bool {
	return id == VIDPID{}
}

// ParseVIDPID reads a vendor/product pair from the notations detection meets:
//
//	054C:06C3                  enumerators and blocklists
//	VID:054C PID:06C3          descriptor dumps
//	USB\VID_054C&PID_06C3      Windows hardware IDs
//	PRODUCT=54c/6c3/110        sysfs uevent
//	usb:v054Cp06C3d0110...     sysfs modalias
func ParseVIDPID(s string) (VIDPID, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "PRODUCT="):
		parts := strings.Split(strings.TrimPrefix(s, "PRODUCT="), "/")
		if len(parts) < 2 {
			return VIDPID{}, false
		}
		return makeVIDPID(parts[0], parts[1])
	case strings.HasPrefix(s, "USB:V"):
		rest := strings.TrimPrefix(s, "USB:V")
		if len(rest) < 9 || rest[4] != 'P' {
			return VIDPID{}, false
		}
		return makeVIDPID(rest[:4], rest[5:9])
	}

	if vid, ok := hexField(s, "VID"); ok {
		pid, ok := hexField(s, "PID")
		if !ok {
			return VIDPID{}, false
		}
		return makeVIDPID(vid, pid)
	}
	vid, pid, ok := strings.Cut(s, ":")
	if !ok {
		return VIDPID{}, false
	}
	return makeVIDPID(vid, pid)
}

// hexField returns the hex digits after key and one of ':', '=' or '_'.
func hexField(s, key string) (string, bool) {
	i := strings.Index(s, key)
	if i < 0 || i+len(key) >= len(s) {
		return "", false
	}
	switch s[i+len(key)] {
	case ':', '=', '_':
	default:
		return "", false
	}
	rest := s[i+len(key)+1:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return (r < '0' || r > '9') && (r < 'A' || r > 'F')
	})
	if end < 0 {
		end = len(rest)
	}
	return rest[:end], end > 0
}

func makeVIDPID(vid, pid string) (VIDPID, bool) {
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return VIDPID{}, false
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return VIDPID{}, false
	}
	return VIDPID{Vendor: uint16(v), Product: uint16(p)}, true
}

// Product is a Sony reader model known to detection.
type Product struct {
	Model string
	ID    VIDPID
	// Supported is false for readers that enumerate under the Sony vendor
	// ID but do not speak the D6/D7 frame protocol.
	Supported bool
}

var products = []Product{
	{ID: VIDPID{SonyVendorID, 0x06C1}, Model: "RC-S380/S", Supported: true},
	{ID: VIDPID{SonyVendorID, 0x06C3}, Model: "RC-S380/P", Supported: true},
	{ID: VIDPID{SonyVendorID, 0x02E1}, Model: "RC-S330"},
	{ID: VIDPID{SonyVendorID, 0x01BB}, Model: "RC-S320"},
}

// LookupProduct returns the known model for id.
func LookupProduct(id VIDPID) (Product, bool) {
	for _, p := range products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// DefaultBlocklist lists the known Sony readers that must not be probed.
func DefaultBlocklist() []string {
	var blocked []string
	for _, p := range products {
		if !p.Supported {
			blocked = append(blocked, p.ID.String())
		}
	}
	return blocked
}

// IsBlocked reports whether id matches an entry of blocklist. Entries may
// use any notation ParseVIDPID accepts; unparseable ones are skipped.
func IsBlocked(id VIDPID, blocklist []string) bool {
	for _, entry := range blocklist {
		if blocked, ok := ParseVIDPID(entry); ok && blocked == id {
			return true
		}
	}
	return false
}

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

package port110

import "fmt"

// VersionInfo holds the firmware versions reported by GetFirmwareVersion.
type VersionInfo struct {
	Firmware uint16
	BLE      uint16
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("firmware %s, BLE %s", formatVersion(v.Firmware), formatVersion(v.BLE))
}

// formatVersion renders a BCD major.minor version word.
func formatVersion(v uint16) string {
	return fmt.Sprintf("%x.%02x", v>>8, v&0xFF)
}

// BatteryStatus is the power status reported by the Diagnose command.
type BatteryStatus byte

// Battery states.
const (
	BatteryNormal       BatteryStatus = 0x01
	BatteryLow          BatteryStatus = 0x02
	BatteryVeryLow      BatteryStatus = 0x03
	BatteryNotOnBattery BatteryStatus = 0xFF
)

func (b BatteryStatus) String() string {
	switch b {
	case BatteryNormal:
		return "normal"
	case BatteryLow:
		return "low"
	case BatteryVeryLow:
		return "very low"
	case BatteryNotOnBattery:
		return "external power"
	default:
		return fmt.Sprintf("unknown (0x%02X)", byte(b))
	}
}

// Alarm is the state of the device alarm timer.
type Alarm struct {
	// Rest is the remaining time in device units.
	Rest uint16
	// Count is how many times the alarm fired.
	Count uint16
}

// BLEParameters are the BLE peripheral connection parameters in effect.
type BLEParameters struct {
	ConnectionInterval uint16
	SlaveLatency       uint16
	SupervisionTimeout uint16
}

// BLEParameterRequest asks the device for new connection parameters.
type BLEParameterRequest struct {
	MinInterval       uint16
	MaxInterval       uint16
	SlaveLatency      uint16
	TimeoutMultiplier uint16
}

// CommandType is the raw GetCommandType response body.
type CommandType [8]byte

// Supports reports whether command type n (0-63) is supported. Types are
// a big-endian bit set: type 0 is bit 0 of the last byte.
func (c CommandType) Supports(n int) bool {
	if n < 0 || n >= 64 {
		return false
	}
	return c[7-n/8]&(1<<(n%8)) != 0
}

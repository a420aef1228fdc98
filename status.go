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

// Mode is the RF role and technology last negotiated with the device.
type Mode uint8

// Modes recorded in the status.
const (
	ModeInitiator      Mode = 0x00
	ModeInitiatorTypeF Mode = 0x03
)

// RF technology selectors for InSetRF. RBT chooses modulation and bit rate,
// the speed code the RF speed.
const (
	RBTInitiatorISO18092At212K   byte = 0x01
	SpeedInitiatorISO18092At212K byte = 0x01

	minRBT   = 0x01
	maxRBT   = 0x0F
	minSpeed = 0x01
	maxSpeed = 0x0A
)

// RFState is the per-handle status: host link speed, last negotiated mode
// and the TX/RX RF selectors. Fields hold at most the bit widths of the
// packed form (speed/9600: 8 bits, mode: 4 bits, the rest 5 bits each).
type RFState struct {
	Speed   int
	Mode    Mode
	TxRBT   byte
	TxSpeed byte
	RxRBT   byte
	RxSpeed byte
}

// Pack encodes the state in the 32-bit layout the device firmware tools use.
// Speed is stored in units of 9600 baud and truncated.
func (s RFState) Pack() uint32 {
	return uint32(s.Speed/9600)&0xFF |
		(uint32(s.Mode)&0x0F)<<8 |
		(uint32(s.TxRBT)&0x1F)<<12 |
		(uint32(s.TxSpeed)&0x1F)<<17 |
		(uint32(s.RxRBT)&0x1F)<<22 |
		(uint32(s.RxSpeed)&0x1F)<<27
}

// UnpackRFState decodes a packed status word.
func UnpackRFState(word uint32) RFState {
	return RFState{
		Speed:   int(word&0xFF) * 9600,
		Mode:    Mode((word >> 8) & 0x0F),
		TxRBT:   byte((word >> 12) & 0x1F),
		TxSpeed: byte((word >> 17) & 0x1F),
		RxRBT:   byte((word >> 22) & 0x1F),
		RxSpeed: byte((word >> 27) & 0x1F),
	}
}

// withRF returns a copy with the TX/RX selectors replaced.
func (s RFState) withRF(txRBT, txSpeed, rxRBT, rxSpeed byte) RFState {
	s.TxRBT, s.TxSpeed, s.RxRBT, s.RxSpeed = txRBT, txSpeed, rxRBT, rxSpeed
	return s
}

func (s RFState) String() string {
	return fmt.Sprintf("speed=%d mode=0x%X tx=%d/%d rx=%d/%d",
		s.Speed, s.Mode, s.TxRBT, s.TxSpeed, s.RxRBT, s.RxSpeed)
}

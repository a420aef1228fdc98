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

package felica

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-port110"
)

// Field sizes.
const (
	IDmLen       = 8
	PMmLen       = 8
	BlockSize    = 16
	MaxOptionLen = 2
)

// Card is a FeliCa card found by polling.
type Card struct {
	IDm [IDmLen]byte
	PMm [PMmLen]byte
	// Option holds the request data of the polling response (system code
	// or communication performance), 0 to 2 bytes.
	Option []byte
}

func (c Card) String() string {
	return fmt.Sprintf("IDm=% X PMm=% X", c.IDm[:], c.PMm[:])
}

// Request codes for the Polling command.
const (
	RequestNone                     byte = 0x00
	RequestSystemCode               byte = 0x01
	RequestCommunicationPerformance byte = 0x02
)

// Well-known system codes.
const (
	SystemCodeWildcard uint16 = 0xFFFF
	SystemCodeNDEF     uint16 = 0x12FC
	SystemCodeCommon   uint16 = 0xFE00
)

// PollingParam is the Polling command body: system code (big-endian),
// request code and time slot number.
type PollingParam [4]byte

// NewPollingParam builds a polling parameter. timeSlots is the number of
// slots minus one (0, 1, 3, 7 or 15).
func NewPollingParam(systemCode uint16, requestCode, timeSlots byte) PollingParam {
	var p PollingParam
	binary.BigEndian.PutUint16(p[:2], systemCode)
	p[2] = requestCode
	p[3] = timeSlots
	return p
}

// SystemCode returns the system code the parameter polls for.
func (p PollingParam) SystemCode() uint16 {
	return binary.BigEndian.Uint16(p[:2])
}

// Operation selects the PMm byte that carries the timing of a command.
type Operation int

// PMm byte positions.
const (
	OpRequestService    Operation = 2
	OpRequestResponse   Operation = 3
	OpReadWithoutEnc    Operation = 5
	OpWriteWithoutEnc   Operation = 6
	OpRequestSystemCode Operation = 3
)

// TimeoutFromPMm converts a PMm timing byte into the maximum response time
// for a command touching n blocks (or nodes), rounded up to the millisecond.
//
// The byte packs exponent E (bits 7-6), per-block factor B (bits 5-3) and
// base factor A (bits 2-0); T = 302us * ((B+1)*n + (A+1)) * 4^E.
func TimeoutFromPMm(x byte, n int) time.Duration {
	e := uint((x >> 6) & 0x03)
	b := int((x >> 3) & 0x07)
	a := int(x & 0x07)
	tenthMillis := ((302 * ((b+1)*n + (a + 1))) << (2 * e)) / 100
	return time.Duration((tenthMillis+9)/10) * time.Millisecond
}

// Timeout returns the card's response time for op on n blocks.
func (c Card) Timeout(op Operation, n int) time.Duration {
	return TimeoutFromPMm(c.PMm[op], n)
}

// BlockElement is one entry of a block list: 2 bytes when the top bit of the
// first byte is set, 3 bytes otherwise. It is sent as is.
type BlockElement []byte

// Block builds the shortest block list element addressing block through the
// service at serviceIndex in the service code list.
func Block(serviceIndex byte, block uint16) BlockElement {
	if block <= 0xFF {
		return BlockElement{0x80 | serviceIndex&0x0F, byte(block)}
	}
	return BlockElement{serviceIndex & 0x0F, byte(block), byte(block >> 8)}
}

func (e BlockElement) valid() bool {
	if len(e) == 0 {
		return false
	}
	if e[0]&0x80 != 0 {
		return len(e) == 2
	}
	return len(e) == 3
}

// StatusFlags are the two status bytes of a read or write response.
type StatusFlags struct {
	Flag1 byte
	Flag2 byte
}

// StatusFlagError is returned when the card answered with a non-zero
// status flag 1.
type StatusFlagError struct {
	Command string
	StatusFlags
}

func (e *StatusFlagError) Error() string {
	return fmt.Sprintf("%s: status flag 0x%02X 0x%02X", e.Command, e.Flag1, e.Flag2)
}

func (*StatusFlagError) Unwrap() error {
	return port110.ErrStatusFlag1
}

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

import "time"

// Frame direction bytes. Every command payload starts with cmdPrefix,
// every response payload with resPrefix.
const (
	cmdPrefix = 0xD6
	resPrefix = 0xD7
)

// Port-110 command codes. The response code is always the command code + 1.
// The table is complete; switch-RF-auto, PD data, register and target-mode
// codes have no operation in this package.
const (
	cmdInSetRF            = 0x00
	cmdInSetProtocol      = 0x02
	cmdInCommRF           = 0x04
	cmdSwitchRF           = 0x06
	cmdSwitchRFAuto       = 0x08
	cmdResetDevice        = 0x12
	cmdSetAlarm           = 0x14
	cmdSetBLEParameter    = 0x1C
	cmdGetFirmwareVersion = 0x20
	cmdGetPDDataVersion   = 0x22
	cmdGetProperty        = 0x24
	cmdInGetProtocol      = 0x26
	cmdGetCommandType     = 0x28
	cmdSetCommandType     = 0x2A
	cmdGetPDData          = 0x34
	cmdReadRegister       = 0x36
	cmdGetAlarm           = 0x3A
	cmdTgSetRF            = 0x40
	cmdTgSetProtocol      = 0x42
	cmdTgSetAuto          = 0x44
	cmdTgSetRFOff         = 0x46
	cmdTgCommRF           = 0x48
	cmdTgGetProtocol      = 0x50
	cmdGetBLEParameter    = 0x52
	cmdDiagnose           = 0xF0
)

// Command arguments.
const (
	firmwareOptionBLE   = 0x70
	diagnosePowerStatus = 0x0A
	commandTypeDefault  = 0x03
)

// Device status bytes.
const (
	devStatusSuccess      = 0x00
	devStatusRFCA         = 0x03
	devStatusIntTempRFOff = 0x09
)

// RF status bits reported by InCommRF.
const (
	RFStatusProtocol     uint32 = 0x00000001
	RFStatusParity       uint32 = 0x00000002
	RFStatusCRC          uint32 = 0x00000004
	RFStatusCollision    uint32 = 0x00000008
	RFStatusOverflow     uint32 = 0x00000010
	RFStatusTemperature  uint32 = 0x00000040
	RFStatusRxTimeout    uint32 = 0x00000080
	RFStatusCrypto1      uint32 = 0x00000100
	RFStatusRFCA         uint32 = 0x00000200
	RFStatusRFOff        uint32 = 0x00000400
	RFStatusTxTimeout    uint32 = 0x00000800
	RFStatusIntTempRFOff uint32 = 0x00001000
	RFStatusReceiveLen   uint32 = 0x80000000
)

// Size limits of the device protocol.
const (
	// MaxCommandLen is the largest command payload, prefix and code included.
	MaxCommandLen = 1003
	// MaxResponseLen is the largest response payload.
	MaxResponseLen = 1003
	// MaxRFCommandLen bounds an InCommRF card command including the length prefix.
	MaxRFCommandLen = 290
	// MaxFeliCaCommandLen bounds a FeliCa command relayed through InCommRF.
	MaxFeliCaCommandLen = 254
	// MaxFeliCaResponseLen bounds a FeliCa response relayed through InCommRF.
	MaxFeliCaResponseLen = 254
	// MaxProtocolSettings is the number of InSetProtocol/InGetProtocol items.
	MaxProtocolSettings = 19

	commandBufLen  = MaxCommandLen + 10
	purgeChunkSize = 64
)

// Timing constants.
const (
	DefaultSpeed = 400

	ackTimeout              = 500 * time.Millisecond
	purgeTimeout            = 2000 * time.Millisecond
	getCommandTypeTimeout   = 1500 * time.Millisecond
	sweepTimeout            = 26000 * time.Millisecond
	cancelSettleDelay       = time.Millisecond
	maxRFTimeoutTenthMillis = 0xFFFF
)

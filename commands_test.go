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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandCodes(t *testing.T) {
	t.Parallel()

	codes := []byte{
		cmdInSetRF, cmdInSetProtocol, cmdInCommRF, cmdSwitchRF, cmdSwitchRFAuto,
		cmdResetDevice, cmdSetAlarm, cmdSetBLEParameter, cmdGetFirmwareVersion,
		cmdGetPDDataVersion, cmdGetProperty, cmdInGetProtocol, cmdGetCommandType,
		cmdSetCommandType, cmdGetPDData, cmdReadRegister, cmdGetAlarm,
		cmdTgSetRF, cmdTgSetProtocol, cmdTgSetAuto, cmdTgSetRFOff, cmdTgCommRF,
		cmdTgGetProtocol, cmdGetBLEParameter, cmdDiagnose,
	}
	seen := make(map[byte]bool, len(codes))
	for _, code := range codes {
		assert.Zero(t, code%2, "command 0x%02X must be even, its response is code+1", code)
		assert.False(t, seen[code], "command 0x%02X listed twice", code)
		seen[code] = true
	}
	assert.Len(t, seen, 25)
}

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

package frame

// Frame markers and control bytes
const (
	Preamble       = 0x00 // Frame preamble byte
	StartCode1     = 0x00 // Start code byte 1
	StartCode2     = 0xFF // Start code byte 2
	ExtendedMarker = 0xFF // Both bytes after the start code in an extended frame
	Postamble      = 0x00 // Frame postamble byte
)

// Frame geometry
const (
	SyncLen           = 3 // preamble + start code
	NormalHeaderLen   = 5 // sync + LEN + LCS
	ExtendedHeaderLen = 8 // sync + FF FF + LENL LENH + LCS
	TrailerLen        = 2 // DCS + postamble
	AckLen            = 6

	// MaxPayloadLen is the largest payload an extended frame can describe.
	MaxPayloadLen = 0xFFFF
)

// AckFrame is sent by the device after it accepted a command frame, and by
// the host to abort a pending command.
var AckFrame = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}

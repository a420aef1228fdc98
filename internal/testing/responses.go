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

package testing

import (
	"encoding/binary"

	"github.com/ZaparooProject/go-port110/internal/frame"
)

// BuildFrame returns the wire form of a response payload, preceded by an
// ACK unless noAck.
func BuildFrame(payload []byte, noAck bool) []byte {
	var out []byte
	if !noAck {
		out = append(out, frame.AckFrame...)
	}
	out, _ = frame.AppendEncode(out, payload)
	return out
}

// BuildStatusResponse creates a 3-byte response carrying a status byte.
func BuildStatusResponse(cmd, status byte) []byte {
	return []byte{resPrefix, cmd + 1, status}
}

// BuildCommandTypeResponse creates a GetCommandType response.
func BuildCommandTypeResponse(types [8]byte) []byte {
	return append([]byte{resPrefix, CmdGetCommandType + 1}, types[:]...)
}

// BuildInCommRFResponse creates an InCommRF response. data, when given, is
// preceded by a full-byte valid bit count.
func BuildInCommRFResponse(status uint32, data ...byte) []byte {
	return append([]byte{resPrefix, CmdInCommRF + 1}, rfResult(status, data)...)
}

// BuildFeliCaFrame prefixes a FeliCa response with its length byte.
func BuildFeliCaFrame(resp ...byte) []byte {
	return append([]byte{byte(len(resp) + 1)}, resp...)
}

// BuildPollingResponse creates a FeliCa Polling response (without length
// byte) with optional request data.
func BuildPollingResponse(idm, pmm [8]byte, option ...byte) []byte {
	out := make([]byte, 0, 17+len(option))
	out = append(out, felicaPolling+1)
	out = append(out, idm[:]...)
	out = append(out, pmm[:]...)
	return append(out, option...)
}

// BuildReadResponse creates a Read Without Encryption response with the
// given block count byte and data.
func BuildReadResponse(idm [8]byte, count byte, data []byte) []byte {
	out := append([]byte{felicaReadWithoutEnc + 1}, idm[:]...)
	out = append(out, 0x00, 0x00, count)
	return append(out, data...)
}

// BuildStatusFlagResponse creates a read or write response with non-zero
// status flags.
func BuildStatusFlagResponse(code byte, idm [8]byte, flag1, flag2 byte) []byte {
	out := append([]byte{code}, idm[:]...)
	return append(out, flag1, flag2)
}

// BuildSystemCodeResponse creates a Request System Code response.
func BuildSystemCodeResponse(idm [8]byte, codes ...uint16) []byte {
	out := append([]byte{felicaRequestSystemCode + 1}, idm[:]...)
	out = append(out, byte(len(codes)))
	for _, c := range codes {
		out = binary.BigEndian.AppendUint16(out, c)
	}
	return out
}

// TestBlock returns a recognisable 16-byte block.
func TestBlock(seed byte) []byte {
	b := make([]byte, felicaBlockSize)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

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

// CalculateChecksum computes the checksum for a data buffer
// This is a simple sum of all bytes in the provided data
func CalculateChecksum(data []byte) byte {
	chk := byte(0)
	for _, b := range data {
		chk += b
	}
	return chk
}

// DataChecksum returns the DCS byte for a payload: the two's complement of
// the byte sum, so that sum(payload) + DCS == 0 mod 256.
func DataChecksum(payload []byte) byte {
	return -CalculateChecksum(payload)
}

// LengthChecksum returns the LCS byte for the given length bytes.
func LengthChecksum(lengthBytes ...byte) byte {
	return -CalculateChecksum(lengthBytes)
}

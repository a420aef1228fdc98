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

import (
	"bytes"
	"errors"
	"fmt"
)

// Codec errors. The device layer reports all of them as invalid responses.
var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrBadSync         = errors.New("frame: bad start code")
	ErrLengthChecksum  = errors.New("frame: length checksum mismatch")
	ErrDataChecksum    = errors.New("frame: data checksum mismatch")
	ErrBadPostamble    = errors.New("frame: bad postamble")
)

// IncompleteError reports that more bytes are needed before a decision can
// be made. Need is the total number of bytes required.
type IncompleteError struct {
	Need int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("frame: incomplete, need %d bytes", e.Need)
}

// Header describes a parsed frame header.
type Header struct {
	// Offset is the index of the first payload byte.
	Offset int
	// Length is the payload length.
	Length int
	// Extended is set for the FF FF marked form.
	Extended bool
}

// FrameLen is the number of bytes from the preamble to the postamble.
func (h Header) FrameLen() int {
	return h.Offset + h.Length + TrailerLen
}

// EncodedLen returns the size of the extended frame for a payload length.
func EncodedLen(payloadLen int) int {
	return ExtendedHeaderLen + payloadLen + TrailerLen
}

// Encode builds an extended command frame around payload.
func Encode(payload []byte) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedLen(len(payload))), payload)
}

// AppendEncode appends the extended frame for payload to dst.
func AppendEncode(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	lo := byte(len(payload))
	hi := byte(len(payload) >> 8)
	dst = append(dst,
		Preamble, StartCode1, StartCode2,
		ExtendedMarker, ExtendedMarker,
		lo, hi, LengthChecksum(lo, hi))
	dst = append(dst, payload...)
	return append(dst, DataChecksum(payload), Postamble), nil
}

// IsAck reports whether buf starts with the ACK pattern.
func IsAck(buf []byte) bool {
	return len(buf) >= AckLen && bytes.Equal(buf[:AckLen], AckFrame)
}

// ParseHeader validates the start code and length field at the start of buf.
// A normal frame needs NormalHeaderLen bytes, an extended one
// ExtendedHeaderLen; with fewer an *IncompleteError is returned.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < NormalHeaderLen {
		return Header{}, &IncompleteError{Need: NormalHeaderLen}
	}
	if buf[0] != Preamble || buf[1] != StartCode1 || buf[2] != StartCode2 {
		return Header{}, fmt.Errorf("%w: % X", ErrBadSync, buf[:SyncLen])
	}

	if buf[3] == ExtendedMarker && buf[4] == ExtendedMarker {
		if len(buf) < ExtendedHeaderLen {
			return Header{}, &IncompleteError{Need: ExtendedHeaderLen}
		}
		if CalculateChecksum(buf[5:8]) != 0 {
			return Header{}, ErrLengthChecksum
		}
		return Header{
			Offset:   ExtendedHeaderLen,
			Length:   int(buf[5]) | int(buf[6])<<8,
			Extended: true,
		}, nil
	}

	if CalculateChecksum(buf[3:5]) != 0 {
		return Header{}, ErrLengthChecksum
	}
	return Header{Offset: NormalHeaderLen, Length: int(buf[3])}, nil
}

// DecodeBody validates the trailer of a frame whose header was parsed into h
// and returns the payload, aliasing buf.
func DecodeBody(buf []byte, h Header) ([]byte, error) {
	if len(buf) < h.FrameLen() {
		return nil, &IncompleteError{Need: h.FrameLen()}
	}
	payload := buf[h.Offset : h.Offset+h.Length]
	dcs := buf[h.Offset+h.Length]
	if CalculateChecksum(payload)+dcs != 0 {
		return nil, ErrDataChecksum
	}
	if buf[h.Offset+h.Length+1] != Postamble {
		return nil, ErrBadPostamble
	}
	return payload, nil
}

// Decode parses a complete frame and returns its payload, aliasing frame.
func Decode(frame []byte) ([]byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	return DecodeBody(frame, h)
}

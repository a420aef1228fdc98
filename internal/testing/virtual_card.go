// go-pn532
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pn532.
//
// go-pn532 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pn532 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pn532; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package testing

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-port110/internal/syncutil"
)

// FeliCa command codes understood by VirtualCard.
const (
	felicaPolling            = 0x00
	felicaRequestService     = 0x02
	felicaRequestResponse    = 0x04
	felicaReadWithoutEnc     = 0x06
	felicaWriteWithoutEnc    = 0x08
	felicaRequestSystemCode  = 0x0C
	felicaBlockSize          = 16
	felicaIDmLen             = 8
	felicaHeaderLen          = 1 + felicaIDmLen
	serviceAttrRandomRW      = 0x09
	serviceAttrRandomRO      = 0x0B
	serviceAttrMask          = 0x3F
	statusIllegalServiceList = 0xA1
	statusIllegalBlockNumber = 0xA8
	statusIllegalService     = 0xA6
	statusFlagError          = 0xFF
)

// Test identities.
var (
	TestIDm  = [8]byte{0x01, 0x2E, 0x4C, 0xE6, 0x93, 0x1A, 0x05, 0x21}
	TestIDm2 = [8]byte{0x01, 0x01, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC}
	TestPMm  = [8]byte{0x03, 0x01, 0x4B, 0x02, 0x4F, 0x49, 0x93, 0xFF}
)

// VirtualCard simulates a FeliCa card. Block areas are keyed by service
// number (service code >> 6); the low six bits of a service code select the
// access mode, of which random read/write (0x09) and random read-only (0x0B)
// are supported.
type VirtualCard struct {
	areas       map[uint16][][]byte
	SystemCodes []uint16
	// ExtraReadBlocks makes Read Without Encryption answer with this many
	// blocks beyond those requested.
	ExtraReadBlocks int
	mu              syncutil.Mutex
	IDm             [8]byte
	PMm             [8]byte
	Mode            byte
	Present         bool
}

// NewVirtualCard creates a present card with one system code and no
// services.
func NewVirtualCard(idm [8]byte, systemCode uint16) *VirtualCard {
	return &VirtualCard{
		IDm:         idm,
		PMm:         TestPMm,
		SystemCodes: []uint16{systemCode},
		areas:       make(map[uint16][][]byte),
		Present:     true,
	}
}

// NewVirtualFeliCaLite creates a FeliCa Lite-S like card: system 88B4 with
// a 14-block user area readable through 0x000B and writable through 0x0009.
func NewVirtualFeliCaLite(idm [8]byte) *VirtualCard {
	card := NewVirtualCard(idm, 0x88B4)
	card.AddService(0x0009, 14)
	return card
}

// IDmString returns the IDm in hex.
func (c *VirtualCard) IDmString() string {
	return hex.EncodeToString(c.IDm[:])
}

// AddService creates a zeroed area of n blocks reachable by code and by the
// other supported access modes of the same service number.
func (c *VirtualCard) AddService(code uint16, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blocks := make([][]byte, n)
	for i := range blocks {
		blocks[i] = make([]byte, felicaBlockSize)
	}
	c.areas[code>>6] = blocks
}

// SetBlock overwrites a block.
func (c *VirtualCard) SetBlock(code uint16, block int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	area, ok := c.areas[code>>6]
	if !ok || block < 0 || block >= len(area) {
		return fmt.Errorf("no block %d in service %04X", block, code)
	}
	if len(data) != felicaBlockSize {
		return errors.New("block data must be 16 bytes")
	}
	copy(area[block], data)
	return nil
}

// Block returns a copy of a block, or nil.
func (c *VirtualCard) Block(code uint16, block int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	area, ok := c.areas[code>>6]
	if !ok || block < 0 || block >= len(area) {
		return nil
	}
	return append([]byte(nil), area[block]...)
}

// Remove takes the card out of the field.
func (c *VirtualCard) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Present = false
}

// Insert puts the card back in the field.
func (c *VirtualCard) Insert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Present = true
}

func (c *VirtualCard) present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Present
}

// PollingResponse answers a Polling command body (system code, request
// code, time slots), or returns nil when the card does not match.
func (c *VirtualCard) PollingResponse(param []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Present || len(param) < 4 {
		return nil
	}
	for _, sc := range c.SystemCodes {
		hi, lo := byte(sc>>8), byte(sc)
		if (param[0] != 0xFF && param[0] != hi) || (param[1] != 0xFF && param[1] != lo) {
			continue
		}
		resp := make([]byte, 0, 19)
		resp = append(resp, felicaPolling+1)
		resp = append(resp, c.IDm[:]...)
		resp = append(resp, c.PMm[:]...)
		switch param[2] {
		case 0x01:
			resp = append(resp, hi, lo)
		case 0x02:
			resp = append(resp, 0x00, 0x83)
		}
		return resp
	}
	return nil
}

// Handle processes an addressed FeliCa command (code, IDm, body) and
// returns the response, or nil when the card stays silent.
func (c *VirtualCard) Handle(cmd []byte) []byte {
	if len(cmd) < felicaHeaderLen {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Present || [8]byte(cmd[1:felicaHeaderLen]) != c.IDm {
		return nil
	}

	body := cmd[felicaHeaderLen:]
	switch cmd[0] {
	case felicaRequestService:
		return c.requestService(body)
	case felicaRequestResponse:
		return append(c.header(felicaRequestResponse+1), c.Mode)
	case felicaReadWithoutEnc:
		return c.read(body)
	case felicaWriteWithoutEnc:
		return c.write(body)
	case felicaRequestSystemCode:
		resp := append(c.header(felicaRequestSystemCode+1), byte(len(c.SystemCodes)))
		for _, sc := range c.SystemCodes {
			resp = binary.BigEndian.AppendUint16(resp, sc)
		}
		return resp
	default:
		return nil
	}
}

func (c *VirtualCard) header(code byte) []byte {
	return append([]byte{code}, c.IDm[:]...)
}

func (c *VirtualCard) requestService(body []byte) []byte {
	if len(body) < 1 || len(body) < 1+2*int(body[0]) {
		return nil
	}
	n := int(body[0])
	resp := append(c.header(felicaRequestService+1), byte(n))
	for i := range n {
		code := binary.LittleEndian.Uint16(body[1+2*i:])
		version := uint16(0xFFFF)
		if _, ok := c.areas[code>>6]; ok {
			version = 0x0000
		}
		resp = binary.LittleEndian.AppendUint16(resp, version)
	}
	return resp
}

type blockRef struct {
	area  [][]byte
	block int
	attr  uint16
}

// parseBlocks decodes the service and block lists. On failure it returns
// the status flag 2 to report.
func (c *VirtualCard) parseBlocks(body []byte) (refs []blockRef, rest []byte, status byte) {
	if len(body) < 1 {
		return nil, nil, statusIllegalServiceList
	}
	ns := int(body[0])
	if ns < 1 || ns > 16 || len(body) < 2+2*ns {
		return nil, nil, statusIllegalServiceList
	}
	services := make([]uint16, ns)
	for i := range services {
		services[i] = binary.LittleEndian.Uint16(body[1+2*i:])
	}
	p := body[1+2*ns:]
	nb := int(p[0])
	p = p[1:]
	for range nb {
		if len(p) < 2 {
			return nil, nil, statusIllegalBlockNumber
		}
		idx := int(p[0] & 0x0F)
		var block int
		if p[0]&0x80 != 0 {
			block = int(p[1])
			p = p[2:]
		} else {
			if len(p) < 3 {
				return nil, nil, statusIllegalBlockNumber
			}
			block = int(binary.LittleEndian.Uint16(p[1:]))
			p = p[3:]
		}
		if idx >= ns {
			return nil, nil, statusIllegalServiceList
		}
		code := services[idx]
		area, ok := c.areas[code>>6]
		if !ok {
			return nil, nil, statusIllegalService
		}
		if block >= len(area) {
			return nil, nil, statusIllegalBlockNumber
		}
		refs = append(refs, blockRef{area: area, block: block, attr: code & serviceAttrMask})
	}
	return refs, p, 0
}

func (c *VirtualCard) read(body []byte) []byte {
	refs, _, status := c.parseBlocks(body)
	if status != 0 {
		return append(c.header(felicaReadWithoutEnc+1), statusFlagError, status)
	}
	for _, r := range refs {
		if r.attr != serviceAttrRandomRW && r.attr != serviceAttrRandomRO {
			return append(c.header(felicaReadWithoutEnc+1), statusFlagError, statusIllegalService)
		}
	}
	count := len(refs) + c.ExtraReadBlocks
	resp := append(c.header(felicaReadWithoutEnc+1), 0x00, 0x00, byte(count))
	for _, r := range refs {
		resp = append(resp, r.area[r.block]...)
	}
	for i := range c.ExtraReadBlocks {
		extra := make([]byte, felicaBlockSize)
		extra[0] = byte(0xE0 + i)
		resp = append(resp, extra...)
	}
	return resp
}

func (c *VirtualCard) write(body []byte) []byte {
	refs, data, status := c.parseBlocks(body)
	if status == 0 && len(data) != felicaBlockSize*len(refs) {
		status = statusIllegalBlockNumber
	}
	if status != 0 {
		return append(c.header(felicaWriteWithoutEnc+1), statusFlagError, status)
	}
	for _, r := range refs {
		if r.attr != serviceAttrRandomRW {
			return append(c.header(felicaWriteWithoutEnc+1), statusFlagError, statusIllegalService)
		}
	}
	for i, r := range refs {
		copy(r.area[r.block], data[i*felicaBlockSize:])
	}
	return append(c.header(felicaWriteWithoutEnc+1), 0x00, 0x00)
}

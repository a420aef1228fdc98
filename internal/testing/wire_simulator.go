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

// Package testing provides test doubles for the Port-110 driver: a
// deterministic byte-level transport, a manual clock, a wire-level Port-110
// simulator with virtual FeliCa cards, and a jitter wrapper that fragments
// reads like a USB-serial bridge does.
//
// VirtualPort110 implements io.ReadWriter. Bytes written to it are parsed as
// extended command frames; each accepted command queues an ACK followed by
// the response frame for Read.
package testing

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/ZaparooProject/go-port110/internal/frame"
	"github.com/ZaparooProject/go-port110/internal/syncutil"
)

// Port-110 command codes.
const (
	CmdInSetRF            = 0x00
	CmdInSetProtocol      = 0x02
	CmdInCommRF           = 0x04
	CmdSwitchRF           = 0x06
	CmdResetDevice        = 0x12
	CmdSetAlarm           = 0x14
	CmdSetBLEParameter    = 0x1C
	CmdGetFirmwareVersion = 0x20
	CmdInGetProtocol      = 0x26
	CmdGetCommandType     = 0x28
	CmdSetCommandType     = 0x2A
	CmdGetAlarm           = 0x3A
	CmdGetBLEParameter    = 0x52
	CmdDiagnose           = 0xF0

	cmdPrefix = 0xD6
	resPrefix = 0xD7

	rfStatusRxTimeout = 0x00000080
	rfStatusRFOff     = 0x00000400
	rfStatusProtocol  = 0x00000001

	protocolMultiCard = 0x03
)

// SimulatorState is the observable state of a VirtualPort110.
type SimulatorState struct {
	Protocol    map[byte]byte
	RF          [4]byte
	CommandType byte
	RFOn        bool
	Resets      int
}

// VirtualPort110 simulates a Port-110 at the frame level.
type VirtualPort110 struct {
	rxBuffer            bytes.Buffer
	txBuffer            bytes.Buffer
	cards               []*VirtualCard
	commands            []byte
	state               SimulatorState
	mu                  syncutil.Mutex
	commandTypes        [8]byte
	ignore              int
	firmware            uint16
	bleFirmware         uint16
	alarmRest           uint16
	alarmCount          uint16
	ble                 [3]uint16
	battery             byte
	forcedRFStatus      uint32
	injectChecksumError bool
	dropNextACK         bool
}

// NewVirtualPort110 creates a simulator with RF on, no cards, firmware
// 1.10 and command type 3 supported.
func NewVirtualPort110() *VirtualPort110 {
	v := &VirtualPort110{
		firmware:    0x0110,
		bleFirmware: 0x0102,
		battery:     0x01,
		ble:         [3]uint16{0x0018, 0x0000, 0x01F4},
	}
	v.commandTypes[7] = 0x0F
	v.resetState()
	return v
}

func (v *VirtualPort110) resetState() {
	v.state = SimulatorState{
		Protocol: make(map[byte]byte),
		RFOn:     true,
	}
}

// Write receives bytes from the host.
func (v *VirtualPort110) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rxBuffer.Write(data)
	v.processReceivedData()
	return len(data), nil
}

// Read returns pending response bytes; 0 when there are none.
func (v *VirtualPort110) Read(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.txBuffer.Len() == 0 {
		return 0, nil
	}
	n, _ := v.txBuffer.Read(buf)
	return n, nil
}

// AddCard puts a card in the field.
func (v *VirtualPort110) AddCard(card *VirtualCard) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cards = append(v.cards, card)
}

// RemoveAllCards empties the field.
func (v *VirtualPort110) RemoveAllCards() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cards = nil
}

// SetCommandTypes replaces the GetCommandType bit set.
func (v *VirtualPort110) SetCommandTypes(types [8]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.commandTypes = types
}

// SetFirmwareVersion sets the main and BLE firmware versions.
func (v *VirtualPort110) SetFirmwareVersion(main, ble uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.firmware, v.bleFirmware = main, ble
}

// SetBattery sets the Diagnose power status byte.
func (v *VirtualPort110) SetBattery(status byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.battery = status
}

// ForceRFStatus makes every InCommRF answer with status and no data; zero
// restores normal operation.
func (v *VirtualPort110) ForceRFStatus(status uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forcedRFStatus = status
}

// IgnoreCommands makes the simulator swallow the next n commands without
// an ACK or response, like a device that lost sync.
func (v *VirtualPort110) IgnoreCommands(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ignore = n
}

// InjectChecksumError corrupts the data checksum of the next response.
func (v *VirtualPort110) InjectChecksumError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectChecksumError = true
}

// DropNextACK sends the next response without a preceding ACK.
func (v *VirtualPort110) DropNextACK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNextACK = true
}

// GetState returns a copy of the simulator state.
func (v *VirtualPort110) GetState() SimulatorState {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.state
	s.Protocol = make(map[byte]byte, len(v.state.Protocol))
	for k, val := range v.state.Protocol {
		s.Protocol[k] = val
	}
	return s
}

// Commands returns the command codes received, in order.
func (v *VirtualPort110) Commands() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.commands...)
}

// HasPendingResponse reports whether bytes are waiting to be read.
func (v *VirtualPort110) HasPendingResponse() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.txBuffer.Len() > 0
}

var startCode = []byte{frame.Preamble, frame.StartCode1, frame.StartCode2}

// processReceivedData consumes complete frames from the receive buffer.
func (v *VirtualPort110) processReceivedData() {
	for {
		data := v.rxBuffer.Bytes()
		idx := bytes.Index(data, startCode)
		if idx < 0 {
			// keep a possible partial start code
			if keep := min(len(data), len(startCode)-1); len(data) > keep {
				v.rxBuffer.Next(len(data) - keep)
			}
			return
		}
		if idx > 0 {
			v.rxBuffer.Next(idx)
			data = v.rxBuffer.Bytes()
		}

		if len(data) < frame.AckLen {
			return
		}
		if frame.IsAck(data) {
			v.rxBuffer.Next(frame.AckLen)
			v.txBuffer.Reset()
			continue
		}

		h, err := frame.ParseHeader(data)
		var inc *frame.IncompleteError
		if errors.As(err, &inc) {
			return
		}
		if err != nil {
			v.rxBuffer.Next(1)
			continue
		}
		if len(data) < h.FrameLen() {
			return
		}
		payload, err := frame.DecodeBody(data, h)
		if err != nil {
			v.rxBuffer.Next(1)
			continue
		}
		payload = append([]byte(nil), payload...)
		v.rxBuffer.Next(h.FrameLen())
		v.processCommand(payload)
	}
}

func (v *VirtualPort110) processCommand(payload []byte) {
	if len(payload) < 2 || payload[0] != cmdPrefix {
		return
	}
	if v.ignore > 0 {
		v.ignore--
		return
	}
	cmd := payload[1]
	v.commands = append(v.commands, cmd)

	resp := v.respond(cmd, payload[2:])
	if resp == nil {
		return
	}
	if v.dropNextACK {
		v.dropNextACK = false
	} else {
		v.txBuffer.Write(frame.AckFrame)
	}
	encoded, _ := frame.Encode(append([]byte{resPrefix, cmd + 1}, resp...))
	if v.injectChecksumError {
		v.injectChecksumError = false
		encoded[len(encoded)-2] ^= 0xFF
	}
	v.txBuffer.Write(encoded)
}

// respond returns the response body after the response code, nil for none.
//
//nolint:gocyclo,cyclop // one case per command
func (v *VirtualPort110) respond(cmd byte, args []byte) []byte {
	switch cmd {
	case CmdGetCommandType:
		return append([]byte(nil), v.commandTypes[:]...)
	case CmdSetCommandType:
		if len(args) != 1 || args[0] >= 64 || v.commandTypes[7-args[0]/8]&(1<<(args[0]%8)) == 0 {
			return []byte{0x01}
		}
		v.state.CommandType = args[0]
		return []byte{0x00}
	case CmdInSetRF:
		if len(args) != 4 {
			return []byte{0x01}
		}
		copy(v.state.RF[:], args)
		return []byte{0x00}
	case CmdInSetProtocol:
		if len(args) == 0 || len(args)%2 != 0 {
			return []byte{0x01}
		}
		for i := 0; i < len(args); i += 2 {
			v.state.Protocol[args[i]] = args[i+1]
		}
		return []byte{0x00}
	case CmdInGetProtocol:
		out := make([]byte, 0, 2*len(args))
		for _, n := range args {
			out = append(out, n, v.state.Protocol[n])
		}
		return out
	case CmdSwitchRF:
		if len(args) != 1 {
			return []byte{0x01}
		}
		v.state.RFOn = args[0] != 0
		return []byte{0x00}
	case CmdGetFirmwareVersion:
		if len(args) == 1 && args[0] == 0x70 {
			return binary.LittleEndian.AppendUint16(nil, v.bleFirmware)
		}
		return binary.LittleEndian.AppendUint16(nil, v.firmware)
	case CmdDiagnose:
		if len(args) != 1 || args[0] != 0x0A {
			return nil
		}
		return []byte{0x0A, v.battery}
	case CmdSetAlarm:
		if len(args) != 2 {
			return []byte{0x01}
		}
		v.alarmRest = binary.LittleEndian.Uint16(args)
		return []byte{0x00}
	case CmdGetAlarm:
		out := binary.LittleEndian.AppendUint16(nil, v.alarmRest)
		return binary.LittleEndian.AppendUint16(out, v.alarmCount)
	case CmdGetBLEParameter:
		out := []byte{0x00}
		for _, p := range v.ble {
			out = binary.LittleEndian.AppendUint16(out, p)
		}
		return out
	case CmdSetBLEParameter:
		if len(args) != 8 {
			return []byte{0x01}
		}
		v.ble[0] = binary.LittleEndian.Uint16(args[2:])
		v.ble[1] = binary.LittleEndian.Uint16(args[4:])
		return []byte{0x00}
	case CmdResetDevice:
		v.resetState()
		v.state.Resets++
		return []byte{}
	case CmdInCommRF:
		return v.inCommRF(args)
	default:
		return nil
	}
}

// inCommRF relays a FeliCa frame (length byte first) to the cards.
func (v *VirtualPort110) inCommRF(args []byte) []byte {
	if len(args) < 2 {
		return rfResult(rfStatusProtocol, nil)
	}
	if v.forcedRFStatus != 0 {
		return rfResult(v.forcedRFStatus, nil)
	}
	if !v.state.RFOn {
		return rfResult(rfStatusRFOff, nil)
	}
	data := args[2:]
	if len(data) == 0 {
		return rfResult(0, nil)
	}
	if int(data[0]) != len(data) {
		return rfResult(rfStatusProtocol, nil)
	}
	cmd := data[1:]

	var out []byte
	if cmd[0] == felicaPolling {
		slots := 1
		if len(cmd) >= 5 {
			slots = int(cmd[4]) + 1
		}
		if v.state.Protocol[protocolMultiCard] == 0 {
			slots = 1
		}
		for _, card := range v.cards {
			if slots == 0 {
				break
			}
			if resp := card.PollingResponse(cmd[1:]); resp != nil {
				out = append(out, byte(len(resp)+1))
				out = append(out, resp...)
				slots--
			}
		}
	} else {
		for _, card := range v.cards {
			if resp := card.Handle(cmd); resp != nil {
				out = append(out, byte(len(resp)+1))
				out = append(out, resp...)
				break
			}
		}
	}
	if out == nil {
		return rfResult(rfStatusRxTimeout, nil)
	}
	return rfResult(0, out)
}

func rfResult(status uint32, data []byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, status)
	if len(data) > 0 {
		out = append(out, 0x08)
		out = append(out, data...)
	}
	return out
}

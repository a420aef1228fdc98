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
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ZaparooProject/go-port110"
)

// Port110 is the part of *port110.Device the FeliCa binding needs.
type Port110 interface {
	State() port110.RFState
	SetLastMode(mode port110.Mode)
	SetRFSpeed(ctx context.Context, txRBT, txSpeed, rxRBT, rxSpeed byte, timeout time.Duration) error
	SetProtocol(ctx context.Context, settings []byte, timeout time.Duration) error
	RFCommand(ctx context.Context, req port110.RFRequest) (port110.RFResponse, error)
	FeliCaCommand(ctx context.Context, cmd []byte, maxResponseLen int, commandTimeout, timeout time.Duration) ([]byte, error)
}

const (
	setRFTimeout       = 1500 * time.Millisecond
	setProtocolTimeout = 2500 * time.Millisecond
	processingMargin   = 300 * time.Millisecond

	// DefaultRFSpeed is the RF bit rate assumed when sizing the Thru
	// driver timeout.
	DefaultRFSpeed = 211875

	// polling response time: T_delay + (slots)*T_timeslot, both rounded up
	// to the millisecond at fc = 13.56 MHz.
	pollingDelay    = 3 * time.Millisecond
	pollingTimeslot = 2 * time.Millisecond

	multiCardSetting   = 7
	pollingEntryLen    = 18
	pollingEntryOptLen = 20
	pollingMaxResponse = 7 + port110.MaxRFCommandLen
)

// defaultProtocol is the InSetProtocol table for a Type F initiator, as
// (number, value) pairs.
var defaultProtocol = []byte{
	0x00, 0x15, 0x01, 0x01, 0x02, 0x01, 0x03, 0x00,
	0x04, 0x00, 0x05, 0x00, 0x06, 0x00, 0x07, 0x08,
	0x08, 0x00, 0x09, 0x00, 0x0A, 0x00, 0x0B, 0x00,
	0x0C, 0x00, 0x0E, 0x04, 0x0F, 0x00, 0x10, 0x00,
	0x11, 0x00, 0x12, 0x00, 0x13, 0x06,
}

// Port110Device binds the FeliCa commands to a Port-110. It implements
// Device and Poller.
type Port110Device struct {
	dev Port110
	// RFSpeedBitsPerSecond is the RF bit rate used to bound the worst case
	// card exchange when computing the Thru driver timeout.
	RFSpeedBitsPerSecond int
}

// NewPort110Device returns the FeliCa binding for dev.
func NewPort110Device(dev Port110) *Port110Device {
	return &Port110Device{dev: dev, RFSpeedBitsPerSecond: DefaultRFSpeed}
}

// setupInitiator switches the reader to Type F initiator unless it already is.
func (p *Port110Device) setupInitiator(ctx context.Context, maxCards int) error {
	if p.dev.State().Mode == port110.ModeInitiatorTypeF {
		return nil
	}
	port110.Debugf("felica: setting up Type F initiator (max cards %d)", maxCards)

	if err := p.dev.SetRFSpeed(ctx,
		port110.RBTInitiatorISO18092At212K, port110.SpeedInitiatorISO18092At212K,
		port110.RBTInitiatorISO18092At212K, port110.SpeedInitiatorISO18092At212K,
		setRFTimeout,
	); err != nil {
		return err
	}

	settings := append([]byte(nil), defaultProtocol...)
	settings[multiCardSetting] = 0x00
	if maxCards > 1 {
		settings[multiCardSetting] = 0x01
	}
	if err := p.dev.SetProtocol(ctx, settings, setProtocolTimeout); err != nil {
		return err
	}
	p.dev.SetLastMode(port110.ModeInitiatorTypeF)
	return nil
}

// Poll runs the reader's native Polling, which reports every card that
// answers in one of the time slots.
func (p *Port110Device) Poll(
	ctx context.Context, param PollingParam, maxCards int, timeout time.Duration,
) ([]Card, error) {
	if maxCards < 1 {
		return nil, fmt.Errorf("%w: max cards %d", port110.ErrInvalidParameter, maxCards)
	}
	if err := p.setupInitiator(ctx, maxCards); err != nil {
		return nil, err
	}

	cmd := append([]byte{byte(1 + 1 + len(param)), cmdPolling}, param[:]...)
	resp, err := p.dev.RFCommand(ctx, port110.RFRequest{
		Command:        cmd,
		MaxResponseLen: pollingMaxResponse,
		CommandTimeout: pollingDelay + time.Duration(int(param[3])+1)*pollingTimeslot,
		Timeout:        timeout,
	})
	if errors.Is(err, port110.ErrBufferOverflow) {
		return nil, fmt.Errorf("Polling: %w: response too long", port110.ErrInvalidResponse)
	}
	if err != nil {
		return nil, fmt.Errorf("Polling: %w", err)
	}
	data := resp.Data
	if len(data) < pollingEntryLen {
		return nil, fmt.Errorf("Polling: %w: % X", port110.ErrInvalidResponse, data)
	}

	var cards []Card
	for pos := 0; pos < len(data); {
		l := int(data[pos])
		if (l != pollingEntryLen && l != pollingEntryOptLen) || pos+l > len(data) || data[pos+1] != cmdPolling+1 {
			break
		}
		if len(cards) >= maxCards {
			return cards, fmt.Errorf("Polling: more than %d cards: %w", maxCards, port110.ErrBufferOverflow)
		}
		cards = append(cards, parseCard(data[pos+2:pos+l]))
		pos += l
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("Polling: %w: % X", port110.ErrInvalidResponse, data)
	}
	return cards, nil
}

// Thru relays cmd with timeout as the card budget; the exchange with the
// reader gets DriverTimeout on top.
func (p *Port110Device) Thru(
	ctx context.Context, cmd []byte, maxResponseLen int, timeout time.Duration,
) ([]byte, error) {
	if len(cmd) > MaxCommandLen {
		return nil, fmt.Errorf("%w: command length %d", port110.ErrInvalidParameter, len(cmd))
	}
	return p.dev.FeliCaCommand(ctx, cmd, maxResponseLen, timeout, p.DriverTimeout(len(cmd), timeout))
}

// DriverTimeout is the budget for the reader exchange carrying a FeliCa
// command of cmdLen bytes with the given card timeout: the host link time
// for the command, ACK and largest response at the current line speed, the
// worst case RF exchange and a fixed processing margin.
func (p *Port110Device) DriverTimeout(cmdLen int, timeout time.Duration) time.Duration {
	speed := max(p.dev.State().Speed, port110.DefaultSpeed)

	nbits := ((15 + cmdLen) + 6 + (14 + MaxResponseLen)) * 10
	add := time.Duration((nbits*1000+speed-1)/speed) * time.Millisecond

	rf := p.RFSpeedBitsPerSecond
	if rf <= 0 {
		rf = DefaultRFSpeed
	}
	add += time.Duration((MaxCommandLen+11+MaxResponseLen+3)*8*1000/rf) * time.Millisecond
	add += processingMargin

	if timeout > math.MaxInt64-add {
		return math.MaxInt64
	}
	return timeout + add
}

var (
	_ Device  = (*Port110Device)(nil)
	_ Poller  = (*Port110Device)(nil)
	_ Port110 = (*port110.Device)(nil)
)

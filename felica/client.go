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

// Package felica implements the FeliCa card commands on top of a reader
// that can relay raw FeliCa frames.
package felica

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-port110"
)

// FeliCa command codes. Response codes are command + 1.
const (
	cmdPolling                = 0x00
	cmdRequestService         = 0x02
	cmdRequestResponse        = 0x04
	cmdReadWithoutEncryption  = 0x06
	cmdWriteWithoutEncryption = 0x08
	cmdRequestSystemCode      = 0x0C
)

// Limits.
const (
	MaxCommandLen  = 254
	MaxResponseLen = 254

	MaxRequestServiceNodes = 32
	MaxServices            = 16
	MaxReadBlocks          = 15
	MaxWriteBlocks         = 13
	MaxSystemCodes         = 32

	thruPollingResponseLen = 19
	pollingResponseMinLen  = 1 + IDmLen + PMmLen
)

// Device relays a FeliCa command (without its length byte) to the card and
// returns the card response (without its length byte). A response longer
// than maxResponseLen comes back truncated together with
// port110.ErrBufferOverflow.
type Device interface {
	Thru(ctx context.Context, cmd []byte, maxResponseLen int, timeout time.Duration) ([]byte, error)
}

// Poller is implemented by devices with a native polling path that can
// report more than one card. When more than maxCards cards answer, the
// first maxCards are returned with port110.ErrBufferOverflow.
type Poller interface {
	Poll(ctx context.Context, param PollingParam, maxCards int, timeout time.Duration) ([]Card, error)
}

// Client issues FeliCa commands through a Device. If the device also
// implements Poller, polling goes through it; otherwise a single Polling
// command is relayed and at most one card is found.
type Client struct {
	dev    Device
	poller Poller
}

// NewClient returns a client for dev.
func NewClient(dev Device) *Client {
	c := &Client{dev: dev}
	if p, ok := dev.(Poller); ok {
		c.poller = p
	}
	return c
}

// Polling detects one card.
func (c *Client) Polling(ctx context.Context, param PollingParam, timeout time.Duration) (Card, error) {
	cards, err := c.PollingMultiple(ctx, param, 1, timeout)
	if err != nil {
		return Card{}, err
	}
	return cards[0], nil
}

// PollingMultiple detects up to maxCards cards.
func (c *Client) PollingMultiple(
	ctx context.Context, param PollingParam, maxCards int, timeout time.Duration,
) ([]Card, error) {
	if maxCards < 1 {
		return nil, fmt.Errorf("%w: max cards %d", port110.ErrInvalidParameter, maxCards)
	}
	if c.poller != nil {
		return c.poller.Poll(ctx, param, maxCards, timeout)
	}
	card, err := c.thruPolling(ctx, param, timeout)
	if err != nil {
		return nil, err
	}
	return []Card{card}, nil
}

func (c *Client) thruPolling(ctx context.Context, param PollingParam, timeout time.Duration) (Card, error) {
	cmd := append([]byte{cmdPolling}, param[:]...)
	resp, err := c.dev.Thru(ctx, cmd, thruPollingResponseLen, timeout)
	if errors.Is(err, port110.ErrBufferOverflow) {
		return Card{}, fmt.Errorf("Polling: %w: response longer than %d bytes",
			port110.ErrInvalidResponse, thruPollingResponseLen)
	}
	if err != nil {
		return Card{}, fmt.Errorf("Polling: %w", err)
	}
	if len(resp) < pollingResponseMinLen || len(resp) > thruPollingResponseLen || resp[0] != cmdPolling+1 {
		return Card{}, fmt.Errorf("Polling: %w: % X", port110.ErrInvalidResponse, resp)
	}
	return parseCard(resp[1:]), nil
}

// parseCard reads IDm, PMm and up to MaxOptionLen option bytes.
func parseCard(b []byte) Card {
	var card Card
	copy(card.IDm[:], b[:IDmLen])
	copy(card.PMm[:], b[IDmLen:IDmLen+PMmLen])
	opt := b[IDmLen+PMmLen:]
	if len(opt) > MaxOptionLen {
		opt = opt[:MaxOptionLen]
	}
	card.Option = append([]byte(nil), opt...)
	return card
}

// RequestService returns the key version of each node (area or service).
func (c *Client) RequestService(
	ctx context.Context, card Card, nodeCodes []uint16, timeout time.Duration,
) ([]uint16, error) {
	n := len(nodeCodes)
	if n < 1 || n > MaxRequestServiceNodes {
		return nil, fmt.Errorf("%w: %d node codes", port110.ErrInvalidParameter, n)
	}

	cmd := c.header(cmdRequestService, card, 1+2*n)
	cmd = append(cmd, byte(n))
	for _, code := range nodeCodes {
		cmd = binary.LittleEndian.AppendUint16(cmd, code)
	}

	resp, err := c.thru(ctx, "RequestService", cmd, timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 10+2*n || !echoes(resp, cmdRequestService+1, card) || resp[9] != byte(n) {
		return nil, invalid("RequestService", resp)
	}

	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.LittleEndian.Uint16(resp[10+2*i:])
	}
	return versions, nil
}

// RequestResponse returns the card's current mode.
func (c *Client) RequestResponse(ctx context.Context, card Card, timeout time.Duration) (byte, error) {
	resp, err := c.thru(ctx, "RequestResponse", c.header(cmdRequestResponse, card, 0), timeout)
	if err != nil {
		return 0, err
	}
	if len(resp) < 10 || !echoes(resp, cmdRequestResponse+1, card) {
		return 0, invalid("RequestResponse", resp)
	}
	return resp[9], nil
}

// ReadWithoutEncryption reads len(blocks) blocks from the listed services.
// A non-zero status flag 1 yields a *StatusFlagError. If the card returns
// more blocks than requested, the requested blocks are returned together
// with port110.ErrBufferOverflow.
func (c *Client) ReadWithoutEncryption(
	ctx context.Context, card Card, services []uint16, blocks []BlockElement, timeout time.Duration,
) ([]byte, StatusFlags, error) {
	const name = "ReadWithoutEncryption"
	nb := len(blocks)
	if nb < 1 || nb > MaxReadBlocks {
		return nil, StatusFlags{}, fmt.Errorf("%w: %d blocks", port110.ErrInvalidParameter, nb)
	}
	cmd, err := c.blockCommand(cmdReadWithoutEncryption, card, services, blocks)
	if err != nil {
		return nil, StatusFlags{}, err
	}

	resp, err := c.dev.Thru(ctx, cmd, MaxResponseLen, timeout)
	overflow := errors.Is(err, port110.ErrBufferOverflow)
	if err != nil && !overflow {
		return nil, StatusFlags{}, fmt.Errorf("%s: %w", name, err)
	}
	if len(resp) < 11 || !echoes(resp, cmdReadWithoutEncryption+1, card) {
		return nil, StatusFlags{}, invalid(name, resp)
	}
	flags := StatusFlags{Flag1: resp[9], Flag2: resp[10]}

	if overflow {
		// The reader cut the response; keep every whole block that made it.
		var data []byte
		if len(resp) > 12 {
			avail := min((len(resp)-12)/BlockSize, nb)
			data = append(data, resp[12:12+avail*BlockSize]...)
		}
		return data, flags, fmt.Errorf("%s: %w", name, port110.ErrBufferOverflow)
	}

	if flags.Flag1 != 0 {
		return nil, flags, &StatusFlagError{Command: name, StatusFlags: flags}
	}
	if len(resp) < 12 || int(resp[11]) < nb || len(resp) < 12+BlockSize*nb {
		return nil, flags, invalid(name, resp)
	}

	data := append([]byte(nil), resp[12:12+BlockSize*nb]...)
	if int(resp[11]) > nb {
		return data, flags, fmt.Errorf("%s: card returned %d blocks for %d: %w",
			name, resp[11], nb, port110.ErrBufferOverflow)
	}
	return data, flags, nil
}

// WriteWithoutEncryption writes len(blocks) blocks of data. data must hold
// exactly BlockSize bytes per block.
func (c *Client) WriteWithoutEncryption(
	ctx context.Context, card Card, services []uint16, blocks []BlockElement, data []byte, timeout time.Duration,
) (StatusFlags, error) {
	const name = "WriteWithoutEncryption"
	nb := len(blocks)
	if nb < 1 || nb > MaxWriteBlocks {
		return StatusFlags{}, fmt.Errorf("%w: %d blocks", port110.ErrInvalidParameter, nb)
	}
	if len(data) != BlockSize*nb {
		return StatusFlags{}, fmt.Errorf("%w: %d data bytes for %d blocks", port110.ErrInvalidParameter, len(data), nb)
	}
	cmd, err := c.blockCommand(cmdWriteWithoutEncryption, card, services, blocks)
	if err != nil {
		return StatusFlags{}, err
	}
	if len(cmd)+len(data) > MaxCommandLen {
		return StatusFlags{}, fmt.Errorf("%w: command length %d", port110.ErrInvalidParameter, len(cmd)+len(data))
	}
	cmd = append(cmd, data...)

	resp, err := c.thru(ctx, name, cmd, timeout)
	if err != nil {
		return StatusFlags{}, err
	}
	if len(resp) < 11 || !echoes(resp, cmdWriteWithoutEncryption+1, card) {
		return StatusFlags{}, invalid(name, resp)
	}
	flags := StatusFlags{Flag1: resp[9], Flag2: resp[10]}
	if flags.Flag1 != 0 {
		return flags, &StatusFlagError{Command: name, StatusFlags: flags}
	}
	return flags, nil
}

// RequestSystemCode lists the card's system codes. If the card has more
// than maxCodes, the first maxCodes are returned with
// port110.ErrBufferOverflow.
func (c *Client) RequestSystemCode(
	ctx context.Context, card Card, maxCodes int, timeout time.Duration,
) ([]uint16, error) {
	const name = "RequestSystemCode"
	if maxCodes < 0 || maxCodes > MaxSystemCodes {
		return nil, fmt.Errorf("%w: max system codes %d", port110.ErrInvalidParameter, maxCodes)
	}

	resp, err := c.thru(ctx, name, c.header(cmdRequestSystemCode, card, 0), timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 10 || !echoes(resp, cmdRequestSystemCode+1, card) {
		return nil, invalid(name, resp)
	}
	n := int(resp[9])
	if len(resp) < 10+2*n {
		return nil, invalid(name, resp)
	}

	count := min(n, maxCodes)
	codes := make([]uint16, count)
	for i := range codes {
		codes[i] = binary.BigEndian.Uint16(resp[10+2*i:])
	}
	if n > maxCodes {
		return codes, fmt.Errorf("%s: card has %d system codes: %w", name, n, port110.ErrBufferOverflow)
	}
	return codes, nil
}

// header starts a command addressed to card, reserving room for extra bytes.
func (*Client) header(code byte, card Card, extra int) []byte {
	cmd := make([]byte, 0, 1+IDmLen+extra)
	cmd = append(cmd, code)
	return append(cmd, card.IDm[:]...)
}

// blockCommand assembles code, IDm, the service code list and the block list.
func (c *Client) blockCommand(code byte, card Card, services []uint16, blocks []BlockElement) ([]byte, error) {
	ns := len(services)
	if ns < 1 || ns > MaxServices {
		return nil, fmt.Errorf("%w: %d services", port110.ErrInvalidParameter, ns)
	}
	cmd := c.header(code, card, 2+2*ns+3*len(blocks))
	cmd = append(cmd, byte(ns))
	for _, svc := range services {
		cmd = binary.LittleEndian.AppendUint16(cmd, svc)
	}
	cmd = append(cmd, byte(len(blocks)))
	for i, b := range blocks {
		if !b.valid() {
			return nil, fmt.Errorf("%w: block list element %d (% X)", port110.ErrInvalidParameter, i, []byte(b))
		}
		cmd = append(cmd, b...)
	}
	return cmd, nil
}

func (c *Client) thru(ctx context.Context, name string, cmd []byte, timeout time.Duration) ([]byte, error) {
	resp, err := c.dev.Thru(ctx, cmd, MaxResponseLen, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return resp, nil
}

// echoes checks the response code and the IDm echo.
func echoes(resp []byte, code byte, card Card) bool {
	return resp[0] == code && bytes.Equal(resp[1:1+IDmLen], card.IDm[:])
}

func invalid(name string, resp []byte) error {
	return fmt.Errorf("%s: %w: % X", name, port110.ErrInvalidResponse, resp)
}

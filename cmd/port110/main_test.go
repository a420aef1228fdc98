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

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/detection"
	"github.com/ZaparooProject/go-port110/felica"
	virt "github.com/ZaparooProject/go-port110/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simTransport struct{ *virt.FakeTransport }

func (simTransport) Type() port110.TransportType { return port110.TransportMock }

func newSimDevice(t *testing.T) (*port110.Device, *virt.VirtualCard) {
	t.Helper()
	sim := virt.NewVirtualPort110()
	card := virt.NewVirtualCard(virt.TestIDm, felica.SystemCodeCommon)
	card.AddService(0x000B, 2)
	require.NoError(t, card.SetBlock(0x000B, 1, virt.TestBlock(0x10)))
	sim.AddCard(card)

	device, err := port110.Open(simTransport{virt.NewFakeTransport(sim, nil)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = device.Close() })
	require.NoError(t, device.InitializeDevice(context.Background(), infoTimeout))
	return device, card
}

func TestParseReadSpecs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []blockRef
		wantErr bool
	}{
		{name: "Empty", input: ""},
		{name: "Single", input: "090F:1", want: []blockRef{{service: 0x090F, block: 1}}},
		{name: "List", input: "0x000b:0, 090f:12", want: []blockRef{{0x000B, 0}, {0x090F, 12}}},
		{name: "MissingBlock", input: "090F", wantErr: true},
		{name: "BadService", input: "zz:1", wantErr: true},
		{name: "BadBlock", input: "090F:x", wantErr: true},
		{name: "ServiceTooLarge", input: "10000:0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseReadSpecs(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSystemCode(t *testing.T) {
	t.Parallel()

	code, err := parseSystemCode("FFFF")
	require.NoError(t, err)
	assert.Equal(t, felica.SystemCodeWildcard, code)

	code, err = parseSystemCode("0x12fc")
	require.NoError(t, err)
	assert.Equal(t, felica.SystemCodeNDEF, code)

	_, err = parseSystemCode("wildcard")
	require.Error(t, err)
}

func TestConfig_Path(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg  config
		want string
	}{
		{config{}, ""},
		{config{devicePath: "/dev/ttyACM0"}, "/dev/ttyACM0"},
		{config{transport: "uart", devicePath: "COM3"}, "COM3"},
		{config{transport: "usb"}, "usb:"},
		{config{transport: "usb", devicePath: "usb:1:4"}, "usb:1:4"},
		{config{transport: "ble"}, "ble:"},
		{config{transport: "ble", devicePath: "C4:7C:8D:6A:12:01"}, "ble:C4:7C:8D:6A:12:01"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.path(), "%+v", tt.cfg)
	}
}

func TestTransportFactory_Errors(t *testing.T) {
	t.Parallel()

	cfg := &config{}
	_, err := cfg.transportFactory("")
	require.Error(t, err)

	_, err = cfg.transportFactory("usb:one:4")
	require.ErrorIs(t, err, port110.ErrInvalidParameter)

	// UUIDs are validated before the adapter is touched.
	_, err = cfg.transportFactory("ble:")
	require.ErrorIs(t, err, port110.ErrInvalidParameter)

	_, err = cfg.transportFromDevice(detection.DeviceInfo{Transport: "ble", Path: "ble:C4:7C:8D:6A:12:01"})
	require.ErrorIs(t, err, port110.ErrInvalidParameter)

	_, err = cfg.transportFromDevice(detection.DeviceInfo{Transport: "spi", Path: "/dev/spidev0.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport type: spi")
}

func TestDetectDevices_PassesBLEService(t *testing.T) {
	t.Parallel()

	const service = "233e8100-3a1b-1c59-9bee-180373dd03a1"
	cfg := &config{bleService: service}
	opts := detection.Options{Transports: []string{"spi"}}
	_, err := cfg.detectDevices(context.Background())(&opts)
	require.ErrorContains(t, err, "no detectors available")
	assert.Equal(t, service, opts.BLEServiceUUID)
}

func TestPrintDeviceInfo(t *testing.T) {
	t.Parallel()

	device, _ := newSimDevice(t)
	var out bytes.Buffer
	require.NoError(t, printDeviceInfo(context.Background(), &out, device))
	assert.Contains(t, out.String(), "Firmware: ")
	assert.Contains(t, out.String(), "Battery: ")
}

func TestRunOnceMode(t *testing.T) {
	t.Parallel()

	device, _ := newSimDevice(t)
	cfg := &config{
		systemCode:  felica.SystemCodeWildcard,
		maxCards:    1,
		reads:       []blockRef{{service: 0x000B, block: 1}},
		systemCodes: true,
	}

	var out bytes.Buffer
	require.NoError(t, runOnceMode(context.Background(), &out, device, cfg))
	assert.Contains(t, out.String(), "Card detected: IDm=01 2E 4C E6 93 1A 05 21")
	assert.Contains(t, out.String(), "system code FE00")
	assert.Contains(t, out.String(), "000B:1: 10 11 12")
}

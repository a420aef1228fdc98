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

package ble

import (
	"errors"
	"fmt"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"tinygo.org/x/bluetooth"
)

// gattLink is the link over a connected tinygo bluetooth device.
type gattLink struct {
	device bluetooth.Device
	char   bluetooth.DeviceCharacteristic
}

func (g *gattLink) write(p []byte) error {
	if _, err := g.char.WriteWithoutResponse(p); err != nil {
		return fmt.Errorf("write characteristic: %w", err)
	}
	return nil
}

func (g *gattLink) disconnect() error {
	if err := g.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// New scans for the configured peripheral, connects and subscribes to its
// notifications. The whole sequence must finish within ConnectTimeout.
func New(cfg Config) (*Transport, error) {
	uuids, err := cfg.parseUUIDs()
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	found, err := scan(adapter, cfg, uuids.service)
	if err != nil {
		return nil, err
	}
	port110.Debugf("ble: connecting to %s (%s, RSSI %d)", found.Address.String(), found.LocalName(), found.RSSI)

	device, err := adapter.Connect(found.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, port110.NewIOError("connect", found.Address.String(), err)
	}

	t, err := subscribe(device, uuids, cfg, port110.Attribute{ID: found.Address.String(), Name: found.LocalName()})
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if d.Address.String() == t.attr.ID {
			t.onConnectionChange(connected)
		}
	})
	if cfg.OnConnectionChange != nil {
		cfg.OnConnectionChange(true)
	}
	return t, nil
}

// scan returns the first advertisement matching the config.
func scan(adapter *bluetooth.Adapter, cfg Config, service bluetooth.UUID) (bluetooth.ScanResult, error) {
	var found bluetooth.ScanResult
	ok := false
	timer := time.AfterFunc(cfg.ConnectTimeout, func() { _ = adapter.StopScan() })
	defer timer.Stop()

	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if cfg.MinRSSI != 0 && result.RSSI < cfg.MinRSSI {
			return
		}
		if cfg.Address != "" {
			if result.Address.String() != cfg.Address {
				return
			}
		} else if !result.HasServiceUUID(service) {
			return
		}
		found, ok = result, true
		_ = a.StopScan()
	})
	if err != nil {
		return found, port110.NewIOError("scan", cfg.Address, err)
	}
	if !ok {
		return found, port110.NewTimeoutError("scan", cfg.Address)
	}
	return found, nil
}

func subscribe(device bluetooth.Device, uuids gattUUIDs, cfg Config, attr port110.Attribute) (*Transport, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{uuids.service})
	if err != nil {
		return nil, port110.NewIOError("discover services", attr.ID, err)
	}
	if len(services) != 1 {
		return nil, port110.NewIOError("discover services", attr.ID, errors.New("service not found"))
	}

	wanted := []bluetooth.UUID{uuids.write, uuids.notify}
	if uuids.event != nil {
		wanted = append(wanted, *uuids.event)
	}
	chars, err := services[0].DiscoverCharacteristics(wanted)
	if err != nil {
		return nil, port110.NewIOError("discover characteristics", attr.ID, err)
	}

	var writeChar, notifyChar, eventChar *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch id := chars[i].UUID(); {
		case id == uuids.write:
			writeChar = &chars[i]
		case id == uuids.notify:
			notifyChar = &chars[i]
		case uuids.event != nil && id == *uuids.event:
			eventChar = &chars[i]
		}
	}
	if writeChar == nil || notifyChar == nil || (uuids.event != nil && eventChar == nil) {
		return nil, port110.NewIOError("discover characteristics", attr.ID, errors.New("characteristic not found"))
	}

	t := newWithLink(&gattLink{device: device, char: *writeChar}, attr, cfg)
	if err := notifyChar.EnableNotifications(t.onData); err != nil {
		return nil, port110.NewIOError("enable notifications", attr.ID, err)
	}
	if eventChar != nil {
		if err := eventChar.EnableNotifications(t.onEvent); err != nil {
			return nil, port110.NewIOError("enable notifications", attr.ID, err)
		}
	}
	return t, nil
}

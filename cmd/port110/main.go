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

// Command port110 connects to a Port-110 reader, prints its versions and
// battery state, and reports FeliCa cards as they come and go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/detection"
	_ "github.com/ZaparooProject/go-port110/detection/ble"
	_ "github.com/ZaparooProject/go-port110/detection/uart"
	_ "github.com/ZaparooProject/go-port110/detection/usb"
	"github.com/ZaparooProject/go-port110/felica"
	"github.com/ZaparooProject/go-port110/internal/syncutil"
	"github.com/ZaparooProject/go-port110/polling"
	"github.com/ZaparooProject/go-port110/transport/ble"
	"github.com/ZaparooProject/go-port110/transport/uart"
	"github.com/ZaparooProject/go-port110/transport/usb"
)

const (
	infoTimeout     = 2 * time.Second
	nextCardTimeout = 30 * time.Second
	lockTimeout     = 45 * time.Second
)

// blockRef is one -read entry.
type blockRef struct {
	service uint16
	block   uint16
}

type config struct {
	devicePath  string
	transport   string
	logDir      string
	bleService  string
	bleWrite    string
	bleNotify   string
	reads       []blockRef
	systemCode  uint16
	maxCards    int
	debug       bool
	poll        bool
	systemCodes bool
}

// Package-level flag variables
var (
	flagDevicePath  string
	flagTransport   string
	flagRead        string
	flagSystemCode  string
	flagLogDir      string
	flagBLEService  string
	flagBLEWrite    string
	flagBLENotify   string
	flagMaxCards    int
	flagDebug       bool
	flagPoll        bool
	flagSystemCodes bool
)

func init() {
	flag.StringVar(&flagDevicePath, "device", "", "Device path, usb:BUS:ADDR or BLE address (auto-detect if empty)")
	flag.StringVar(&flagTransport, "transport", "", "Transport: uart, usb or ble (guessed from -device if empty)")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.StringVar(&flagLogDir, "log-dir", "", "Write a debug session log to this directory")
	flag.BoolVar(&flagPoll, "poll", true, "Keep polling; when false, handle one card and exit")
	flag.StringVar(&flagRead, "read", "", "Blocks to read from each card, as SERVICE:BLOCK[,SERVICE:BLOCK...] (hex service code)")
	flag.StringVar(&flagSystemCode, "system-code", "FFFF", "System code to poll for (hex)")
	flag.IntVar(&flagMaxCards, "max-cards", 1, "Cards to report per polling cycle")
	flag.BoolVar(&flagSystemCodes, "list-system-codes", false, "List each card's system codes")
	flag.StringVar(&flagBLEService, "ble-service", "", "BLE service UUID")
	flag.StringVar(&flagBLEWrite, "ble-write", "", "BLE write characteristic UUID")
	flag.StringVar(&flagBLENotify, "ble-notify", "", "BLE notify characteristic UUID")
}

func parseConfig() (*config, error) {
	cfg := &config{
		devicePath:  flagDevicePath,
		transport:   strings.ToLower(flagTransport),
		logDir:      flagLogDir,
		bleService:  flagBLEService,
		bleWrite:    flagBLEWrite,
		bleNotify:   flagBLENotify,
		maxCards:    flagMaxCards,
		debug:       flagDebug,
		poll:        flagPoll,
		systemCodes: flagSystemCodes,
	}

	code, err := parseSystemCode(flagSystemCode)
	if err != nil {
		return nil, err
	}
	cfg.systemCode = code

	if cfg.reads, err = parseReadSpecs(flagRead); err != nil {
		return nil, err
	}

	switch cfg.transport {
	case "", string(port110.TransportUART), string(port110.TransportUSB), string(port110.TransportBLE):
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.transport)
	}

	if cfg.debug {
		port110.SetDebugEnabled(true)
	}
	return cfg, nil
}

func parseSystemCode(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid system code %q: %w", s, err)
	}
	return uint16(v), nil
}

// parseReadSpecs parses "090F:0,090F:1".
func parseReadSpecs(s string) ([]blockRef, error) {
	if s == "" {
		return nil, nil
	}
	var refs []blockRef
	for _, part := range strings.Split(s, ",") {
		svc, blk, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid read spec %q, want SERVICE:BLOCK", part)
		}
		service, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(svc), "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid service code %q: %w", svc, err)
		}
		block, err := strconv.ParseUint(blk, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid block number %q: %w", blk, err)
		}
		refs = append(refs, blockRef{service: uint16(service), block: uint16(block)})
	}
	return refs, nil
}

// path folds -transport into the path understood by newTransport.
func (c *config) path() string {
	switch c.transport {
	case string(port110.TransportUSB):
		if !strings.HasPrefix(c.devicePath, "usb:") {
			return "usb:"
		}
	case string(port110.TransportBLE):
		if !strings.HasPrefix(c.devicePath, "ble:") {
			return "ble:" + c.devicePath
		}
	}
	return c.devicePath
}

func (c *config) bleConfig(address string) ble.Config {
	bc := ble.DefaultConfig()
	bc.Address = address
	bc.ServiceUUID = c.bleService
	bc.WriteUUID = c.bleWrite
	bc.NotifyUUID = c.bleNotify
	bc.OnConnectionChange = func(connected bool) {
		port110.Debugf("BLE connected: %v", connected)
	}
	return bc
}

// transportFactory opens the transport named by a path: "usb:..." for USB
// bulk, "ble:..." for BLE, anything else is a serial port.
func (c *config) transportFactory(path string) (port110.Transport, error) {
	switch {
	case path == "usb:":
		transport, err := usb.New(usb.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create USB transport: %w", err)
		}
		return transport, nil
	case strings.HasPrefix(path, "usb:"):
		uc, err := usb.ConfigFromPath(path)
		if err != nil {
			return nil, err
		}
		transport, err := usb.New(uc)
		if err != nil {
			return nil, fmt.Errorf("failed to create USB transport for %s: %w", path, err)
		}
		return transport, nil
	case strings.HasPrefix(path, "ble:"):
		transport, err := ble.New(c.bleConfig(strings.TrimPrefix(path, "ble:")))
		if err != nil {
			return nil, fmt.Errorf("failed to create BLE transport: %w", err)
		}
		return transport, nil
	case path == "":
		return nil, errors.New("empty device path")
	default:
		transport, err := uart.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport for %s: %w", path, err)
		}
		return transport, nil
	}
}

// transportFromDevice creates a transport for a detected reader. Detected
// paths use the same usb:/ble: scheme as the -device flag.
func (c *config) transportFromDevice(device detection.DeviceInfo) (port110.Transport, error) {
	switch device.Transport {
	case string(port110.TransportUART), string(port110.TransportUSB), string(port110.TransportBLE):
		return c.transportFactory(device.Path)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", device.Transport)
	}
}

// detectDevices runs every registered detector, scanning BLE only when a
// service UUID was given.
func (c *config) detectDevices(ctx context.Context) func(*detection.Options) ([]detection.DeviceInfo, error) {
	return func(opts *detection.Options) ([]detection.DeviceInfo, error) {
		opts.BLEServiceUUID = c.bleService
		devices, err := detection.DetectAll(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("detect readers: %w", err)
		}
		return devices, nil
	}
}

func connectToDevice(ctx context.Context, cfg *config) (*port110.Device, error) {
	path := cfg.path()
	var connectOpts []port110.ConnectOption
	if path == "" {
		connectOpts = append(connectOpts,
			port110.WithAutoDetection(),
			port110.WithDeviceDetector(cfg.detectDevices(ctx)),
			port110.WithTransportFromDeviceFactory(cfg.transportFromDevice))
		port110.Debugln("Auto-detecting Port-110 devices...")
	} else {
		connectOpts = append(connectOpts, port110.WithTransportFactory(cfg.transportFactory))
		port110.Debugf("Opening device: %s", path)
	}
	connectOpts = append(connectOpts, port110.WithConnectTimeout(5*time.Second))

	device, err := port110.ConnectDevice(ctx, path, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Port-110: %w", err)
	}
	return device, nil
}

// printDeviceInfo prints versions, battery and the link attribute. Only the
// firmware version is required; the rest is best effort.
func printDeviceInfo(ctx context.Context, w io.Writer, device *port110.Device) error {
	info, err := device.VersionInformation(ctx, infoTimeout)
	if err != nil {
		return fmt.Errorf("failed to read firmware version: %w", err)
	}
	_, _ = fmt.Fprintf(w, "Firmware: %s\n", info)

	if battery, err := device.BatteryStatus(ctx, infoTimeout); err == nil {
		_, _ = fmt.Fprintf(w, "Battery: %s\n", battery)
	} else {
		port110.Debugf("battery status: %v", err)
	}
	if attr, err := device.Attribute(); err == nil {
		_, _ = fmt.Fprintf(w, "Link: %s (%s)\n", attr.ID, attr.Name)
	}
	return nil
}

// dumpCard prints a card and the configured blocks. Card errors are printed
// and do not stop the session.
func dumpCard(ctx context.Context, w io.Writer, client *felica.Client, card felica.Card, cfg *config) {
	_, _ = fmt.Fprintf(w, "Card detected: %s\n", card)

	if cfg.systemCodes {
		codes, err := client.RequestSystemCode(ctx, card, felica.MaxSystemCodes, card.Timeout(felica.OpRequestSystemCode, 0))
		if err != nil {
			_, _ = fmt.Fprintf(w, "  system codes: %v\n", err)
		}
		for _, code := range codes {
			_, _ = fmt.Fprintf(w, "  system code %04X\n", code)
		}
	}

	for _, ref := range cfg.reads {
		data, _, err := client.ReadWithoutEncryption(ctx, card,
			[]uint16{ref.service}, []felica.BlockElement{felica.Block(0, ref.block)},
			card.Timeout(felica.OpReadWithoutEnc, 1))
		if err != nil {
			_, _ = fmt.Fprintf(w, "  %04X:%d: %v\n", ref.service, ref.block, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "  %04X:%d: % X\n", ref.service, ref.block, data)
	}
}

func sessionConfig(cfg *config) *polling.Config {
	sc := polling.DefaultConfig()
	sc.SystemCode = cfg.systemCode
	sc.MaxCards = cfg.maxCards
	return sc
}

func runPollMode(ctx context.Context, w io.Writer, device *port110.Device, cfg *config) error {
	session := polling.NewDeviceSession(device, sessionConfig(cfg))
	recoverer := polling.NewDefaultRecoverer(device, nil, 0, 0)
	session.SetRecoverer(recoverer)
	defer func() { _ = session.Close() }()

	_, _ = fmt.Fprintln(w, "Polling for FeliCa cards. Press Ctrl+C to stop...")

	session.SetOnCardDetected(func(card felica.Card) error {
		client := felica.NewClient(felica.NewPort110Device(recoverer.Device()))
		dumpCard(ctx, w, client, card, cfg)
		return nil
	})
	session.SetOnCardRemoved(func(card felica.Card) {
		_, _ = fmt.Fprintf(w, "Card removed: IDm=% X\n", card.IDm[:])
	})
	session.SetOnError(func(err error) {
		_, _ = fmt.Fprintf(w, "Reader error: %v\n", err)
	})

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("polling stopped: %w", err)
	}
	return nil
}

func runOnceMode(ctx context.Context, w io.Writer, device *port110.Device, cfg *config) error {
	session := polling.NewDeviceSession(device, sessionConfig(cfg))
	defer func() { _ = session.Close() }()

	_, _ = fmt.Fprintln(w, "Place a card on the reader...")
	client := felica.NewClient(felica.NewPort110Device(device))
	return session.WithNextCard(ctx, nextCardTimeout, func(ctx context.Context, card felica.Card) error {
		dumpCard(ctx, w, client, card, cfg)
		return nil
	})
}

func run(ctx context.Context, w io.Writer, cfg *config) error {
	if cfg.logDir != "" {
		path, err := port110.InitSessionLog(cfg.logDir)
		if err != nil {
			return err
		}
		defer func() { _ = port110.CloseSessionLog() }()
		_, _ = fmt.Fprintf(w, "Session log: %s\n", path)
	}

	device, err := connectToDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := device.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close device: %v\n", err)
		}
	}()

	if err := printDeviceInfo(ctx, w, device); err != nil {
		return err
	}
	if cfg.poll {
		return runPollMode(ctx, w, device, cfg)
	}
	return runOnceMode(ctx, w, device, cfg)
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	syncutil.SetLockTimeout(lockTimeout)

	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Print("\nShutting down gracefully...\n")
		cancel()
	}()

	if err := run(ctx, os.Stdout, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var te *port110.TraceableError
		if cfg.debug && errors.As(err, &te) {
			_, _ = fmt.Fprint(os.Stderr, te.FormatTrace())
		}
		return 1
	}
	return 0
}

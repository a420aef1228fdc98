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

package port110

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-port110/detection"
	"github.com/ZaparooProject/go-port110/internal/syncutil"
)

// Clock is the time source and sleep primitive used by a Device.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// DeviceConfig contains configuration options for the Device
type DeviceConfig struct {
	// Clock supplies time and sleeps; the system clock by default.
	Clock Clock
	// Timeout is the default timeout used by helpers that take none.
	Timeout time.Duration
	// TraceSize is the number of frames kept for error traces, 0 disables.
	TraceSize int
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		Clock:     systemClock{},
		Timeout:   time.Second,
		TraceSize: 16,
	}
}

// Option configures a Device.
type Option func(*Device) error

// WithTimeout sets the default operation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidParameter)
		}
		d.config.Timeout = timeout
		return nil
	}
}

// WithClock replaces the time source.
func WithClock(clock Clock) Option {
	return func(d *Device) error {
		if clock == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidParameter)
		}
		d.config.Clock = clock
		return nil
	}
}

// WithTraceSize sets how many frames are attached to returned errors.
func WithTraceSize(n int) Option {
	return func(d *Device) error {
		d.config.TraceSize = n
		return nil
	}
}

// Device is an open connection to a Port-110.
//
// Thread Safety: every exported method holds the handle lock for the whole
// exchange, so a Device may be shared between goroutines; requests are
// serialised because the protocol has no pipelining. Distinct Devices are
// independent.
type Device struct {
	transport Transport
	config    *DeviceConfig
	trace     *TraceBuffer
	ackTime   time.Time
	state     RFState
	mu        syncutil.Mutex
	closed    bool
}

// New wraps transport without talking to the device. Most callers want Open.
func New(transport Transport, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}
	device := &Device{
		transport: transport,
		config:    DefaultDeviceConfig(),
	}
	for _, opt := range opts {
		if err := opt(device); err != nil {
			return nil, err
		}
	}
	if device.config.TraceSize > 0 {
		device.trace = NewTraceBuffer(string(transport.Type()), "", device.config.TraceSize)
	}
	return device, nil
}

// Open creates a Device and prepares the link: the line speed is set to the
// BLE-compatible default (the transport is closed if that fails), stale
// input is discarded and the ACK time is reset.
func Open(transport Transport, opts ...Option) (*Device, error) {
	device, err := New(transport, opts...)
	if err != nil {
		return nil, err
	}

	if ss, ok := transport.(SpeedSetter); ok {
		if err := ss.SetSpeed(DefaultSpeed); err != nil {
			_ = transport.Close()
			return nil, normalizeTransportError("set speed", err)
		}
	}
	device.state.Speed = DefaultSpeed

	if err := transport.ClearReceiveQueue(); err != nil {
		debugf("open: clear receive queue: %v", err)
	}
	device.ackTime = time.Time{}
	return device, nil
}

// Close closes the transport and invalidates the handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.closed = true
	if err := d.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Transport returns the underlying transport
func (d *Device) Transport() Transport {
	return d.transport
}

// Timeout returns the configured default timeout.
func (d *Device) Timeout() time.Duration {
	return d.config.Timeout
}

// State returns a snapshot of the RF status.
func (d *Device) State() RFState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AckTime returns when the device last acknowledged a command. When the
// ACK was coalesced with the response this is the response time.
func (d *Device) AckTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ackTime
}

// SetLastMode records the RF mode after a caller-driven protocol change.
func (d *Device) SetLastMode(mode Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Mode = mode
}

// ClearReceiveQueue discards buffered input.
func (d *Device) ClearReceiveQueue() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return normalizeTransportError("clear receive queue", d.transport.ClearReceiveQueue())
}

// lock acquires the handle and fails if it was closed.
func (d *Device) lock() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (d *Device) now() time.Time {
	return d.config.Clock.Now()
}

func (d *Device) sleep(dur time.Duration) {
	d.config.Clock.Sleep(dur)
}

// deadline is the earlier of now+timeout and the context deadline.
func (d *Device) deadline(ctx context.Context, timeout time.Duration) time.Time {
	dl := d.now().Add(timeout)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}

func (d *Device) wrapTrace(err error) error {
	if err == nil || d.trace == nil || HasTrace(err) {
		return err
	}
	return d.trace.WrapError(err)
}

// TransportFactory is a function type for creating transports
type TransportFactory func(path string) (Transport, error)

// TransportFromDeviceFactory is a function type for creating transports from detected devices
type TransportFromDeviceFactory func(device detection.DeviceInfo) (Transport, error)

// ConnectOption represents a functional option for ConnectDevice
type ConnectOption func(*connectConfig) error

type connectConfig struct {
	transportFactory       TransportFactory
	transportDeviceFactory TransportFromDeviceFactory
	deviceDetector         func(*detection.Options) ([]detection.DeviceInfo, error)
	deviceOptions          []Option
	timeout                time.Duration
	connectionRetries      int
	autoDetect             bool
	skipInitialize         bool
}

// WithAutoDetection enables automatic device detection instead of using a specific path
func WithAutoDetection() ConnectOption {
	return func(c *connectConfig) error {
		c.autoDetect = true
		return nil
	}
}

// WithDeviceOptions adds device-level options
func WithDeviceOptions(opts ...Option) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceOptions = append(c.deviceOptions, opts...)
		return nil
	}
}

// WithConnectTimeout sets the timeout used by InitializeDevice during connect.
func WithConnectTimeout(timeout time.Duration) ConnectOption {
	return func(c *connectConfig) error {
		c.timeout = timeout
		return nil
	}
}

// WithTransportFactory sets the transport factory function
func WithTransportFactory(factory TransportFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportFactory = factory
		return nil
	}
}

// WithTransportFromDeviceFactory sets the transport from device factory function
func WithTransportFromDeviceFactory(factory TransportFromDeviceFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportDeviceFactory = factory
		return nil
	}
}

// WithConnectionRetries sets the number of connection retry attempts
func WithConnectionRetries(maxAttempts int) ConnectOption {
	return func(c *connectConfig) error {
		if maxAttempts < 1 {
			return fmt.Errorf("connection retries must be at least 1, got %d", maxAttempts)
		}
		c.connectionRetries = maxAttempts
		return nil
	}
}

// WithDeviceDetector sets a custom device detector function for auto-detection
func WithDeviceDetector(detector func(*detection.Options) ([]detection.DeviceInfo, error)) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceDetector = detector
		return nil
	}
}

// WithoutInitialize skips InitializeDevice; the caller drives setup.
func WithoutInitialize() ConnectOption {
	return func(c *connectConfig) error {
		c.skipInitialize = true
		return nil
	}
}

// ConnectDevice opens a transport for path (or the first detected reader
// when path is empty or auto-detection is on), opens a Device on it and
// runs InitializeDevice, retrying the initialization on transient errors.
//
//	device, err := port110.ConnectDevice(ctx, "/dev/ttyACM0",
//	    port110.WithTransportFactory(func(p string) (port110.Transport, error) {
//	        return uart.New(p)
//	    }))
func ConnectDevice(ctx context.Context, path string, opts ...ConnectOption) (*Device, error) {
	config := &connectConfig{
		timeout:           5 * time.Second,
		connectionRetries: DefaultConnectionRetries,
	}
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply connect option: %w", err)
		}
	}

	transport, err := createTransport(ctx, path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	device, err := Open(transport, config.deviceOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	if config.skipInitialize {
		return device, nil
	}

	retryConfig := DefaultRetryConfig()
	retryConfig.MaxAttempts = config.connectionRetries
	if config.autoDetect {
		retryConfig.MaxAttempts = 1
	}
	err = RetryWithConfig(ctx, retryConfig, func() error {
		return device.InitializeDevice(ctx, config.timeout)
	})
	if err != nil {
		_ = device.Close()
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}
	return device, nil
}

func createTransport(ctx context.Context, path string, config *connectConfig) (Transport, error) {
	if config.autoDetect || path == "" {
		return createAutoDetectedTransport(ctx, config.transportDeviceFactory, config.deviceDetector)
	}
	if config.transportFactory == nil {
		return nil, errors.New("transport factory not provided")
	}
	transport, err := config.transportFactory(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for path %s: %w", path, err)
	}
	return transport, nil
}

func createAutoDetectedTransport(
	ctx context.Context,
	factory TransportFromDeviceFactory,
	detector func(*detection.Options) ([]detection.DeviceInfo, error),
) (Transport, error) {
	if factory == nil {
		return nil, errors.New("transport device factory not provided")
	}

	opts := detection.DefaultOptions()
	opts.Mode = detection.Safe

	var devices []detection.DeviceInfo
	var err error
	if detector != nil {
		devices, err = detector(&opts)
	} else {
		devices, err = detection.DetectAll(ctx, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to detect devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}

	var errs []error
	for _, info := range devices {
		transport, err := factory(info)
		if err == nil {
			return transport, nil
		}
		Debugf("Detected %s could not be opened: %v", info, err)
		detection.ForgetDevice(info.Path)
		errs = append(errs, fmt.Errorf("%s: %w", info.Path, err))
	}
	return nil, errors.Join(errs...)
}

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

package port110

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
)

// Unified error kinds. Every public operation returns an error for which
// errors.Is matches exactly one of these.
var (
	// ErrInvalidParameter reports a precondition violation. Never retried.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrTimeout reports that the card or the device did not answer in budget.
	ErrTimeout = errors.New("timeout")
	// ErrIO reports a transport failure.
	ErrIO = errors.New("I/O error")
	// ErrInvalidResponse reports a frame or content that failed validation.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrBufferOverflow reports a response longer than the caller accepts.
	// The truncated prefix is still delivered alongside this error.
	ErrBufferOverflow = errors.New("buffer overflow")
	// ErrDevice reports an internal fault signalled by the device.
	ErrDevice = errors.New("device error")
	// ErrRFOff reports that the RF field was off.
	ErrRFOff = errors.New("RF off")
	// ErrFrameCRC reports a parity or CRC error on the RF side.
	ErrFrameCRC = errors.New("frame CRC error")
	// ErrInternalTempRFOff reports that the device switched RF off due to temperature.
	ErrInternalTempRFOff = errors.New("RF off by internal temperature")
	// ErrStatusFlag1 reports a card-level NACK in an otherwise valid response.
	ErrStatusFlag1 = errors.New("card status flag error")
	// ErrNotSupported reports a capability the device or transport lacks.
	ErrNotSupported = errors.New("not supported")
	// ErrClosed reports use of a closed device handle.
	ErrClosed = errors.New("device is closed")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// NewTimeoutError creates a timeout transport error
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTimeout, ErrorTypeTimeout)
}

// NewIOError wraps a driver failure as an I/O transport error.
func NewIOError(op, port string, err error) *TransportError {
	errType := ErrorTypeTransient
	if isDeviceGoneError(err) {
		errType = ErrorTypePermanent
	}
	return NewTransportError(op, port, fmt.Errorf("%w: %w", ErrIO, err), errType)
}

// DeviceStatusError carries the status byte the device returned for a command.
type DeviceStatusError struct {
	Command string
	Status  byte
}

func (e *DeviceStatusError) Error() string {
	return fmt.Sprintf("%s: device status 0x%02X (%s)", e.Command, e.Status, e.kind())
}

func (e *DeviceStatusError) Unwrap() error {
	return e.kind()
}

func (e *DeviceStatusError) kind() error {
	switch e.Status {
	case devStatusRFCA:
		return ErrTimeout
	case devStatusIntTempRFOff:
		return ErrInternalTempRFOff
	default:
		return ErrDevice
	}
}

// RFStatusError carries the 32-bit RF status bitmap of an InCommRF response.
type RFStatusError struct {
	Status uint32
}

func (e *RFStatusError) Error() string {
	return fmt.Sprintf("RF status 0x%08X (%s)", e.Status, e.kind())
}

func (e *RFStatusError) Unwrap() error {
	return e.kind()
}

// kind applies the documented priority, first match wins.
func (e *RFStatusError) kind() error {
	switch {
	case e.Status&(RFStatusRxTimeout|RFStatusTxTimeout|RFStatusRFCA) != 0:
		return ErrTimeout
	case e.Status&RFStatusRFOff != 0:
		return ErrRFOff
	case e.Status&(RFStatusParity|RFStatusCRC) != 0:
		return ErrFrameCRC
	case e.Status&RFStatusIntTempRFOff != 0:
		return ErrInternalTempRFOff
	default:
		return ErrDevice
	}
}

// deviceStatusError maps a device status byte, nil on success.
func deviceStatusError(command string, status byte) error {
	if status == devStatusSuccess {
		return nil
	}
	return &DeviceStatusError{Command: command, Status: status}
}

// rfStatusError maps an RF status bitmap, nil on success.
func rfStatusError(status uint32) error {
	if status == 0 {
		return nil
	}
	return &RFStatusError{Status: status}
}

// isTimeout reports whether a transport error means the deadline elapsed.
func isTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// normalizeTransportError folds whatever a transport returned into the
// unified kinds: deadline expiry becomes ErrTimeout, anything else ErrIO.
func normalizeTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isTimeout(err):
		if errors.Is(err, ErrTimeout) {
			return err
		}
		return NewTransportError(op, "", fmt.Errorf("%w: %w", ErrTimeout, err), ErrorTypeTimeout)
	case errors.Is(err, ErrIO), errors.Is(err, ErrBufferOverflow), errors.Is(err, ErrClosed):
		return err
	default:
		return NewIOError(op, "", err)
	}
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrFrameCRC):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the device/connection is gone
// and polling should stop entirely. This is distinct from IsRetryable which
// indicates whether a single operation can be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) && te.Type == ErrorTypePermanent {
		return true
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrClosed),
		errors.Is(err, ErrNotSupported),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// Windows error codes for device disconnection detection.
// These are defined here because they're not available on non-Windows platforms.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors indicating device disconnection.
func isDeviceGoneError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
			return true
		}

		if runtime.GOOS == "windows" {
			//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
			switch errno {
			case errAccessDenied, errGenFailure, errNoSuchDevice:
				return true
			}
		}
	}

	return false
}

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
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// op locks the handle for one maintenance operation and converts the
// timeout into a deadline.
func (d *Device) op(ctx context.Context, timeout time.Duration, fn func(deadline time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.wrapTrace(fn(d.deadline(ctx, timeout)))
}

// InitializeDevice brings a freshly opened device into a known state:
// pending commands are cancelled, command type 3 is selected and the RF
// settings are reset. ErrNotSupported means the firmware lacks type 3.
func (d *Device) InitializeDevice(ctx context.Context, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		if err := d.cancel(); err != nil {
			return err
		}
		ct, err := d.getCommandType(deadline)
		if err != nil {
			return err
		}
		if !ct.Supports(commandTypeDefault) {
			return fmt.Errorf("%w: command type %d (device reports % X)", ErrNotSupported, commandTypeDefault, ct[:])
		}
		if err := d.setCommandType(commandTypeDefault, deadline); err != nil {
			return err
		}
		return d.reset(deadline)
	})
}

// Reset restores the default RF selectors and forgets the last mode.
func (d *Device) Reset(ctx context.Context, timeout time.Duration) error {
	return d.op(ctx, timeout, d.reset)
}

func (d *Device) reset(deadline time.Time) error {
	if err := d.setRFSpeed(
		RBTInitiatorISO18092At212K, SpeedInitiatorISO18092At212K,
		RBTInitiatorISO18092At212K, SpeedInitiatorISO18092At212K,
		deadline,
	); err != nil {
		return err
	}
	d.state.Mode = ModeInitiator
	return nil
}

// GetCommandType returns the set of command types the firmware supports.
func (d *Device) GetCommandType(ctx context.Context, timeout time.Duration) (CommandType, error) {
	var ct CommandType
	err := d.op(ctx, timeout, func(deadline time.Time) error {
		var err error
		ct, err = d.getCommandType(deadline)
		return err
	})
	return ct, err
}

func (d *Device) getCommandType(deadline time.Time) (CommandType, error) {
	var ct CommandType
	resp, err := d.exchange("GetCommandType", []byte{cmdPrefix, cmdGetCommandType}, 2+len(ct), deadline)
	if err != nil {
		return ct, err
	}
	copy(ct[:], resp[2:])
	return ct, nil
}

// SetCommandType selects the command set the device speaks.
func (d *Device) SetCommandType(ctx context.Context, commandType byte, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		return d.setCommandType(commandType, deadline)
	})
}

func (d *Device) setCommandType(commandType byte, deadline time.Time) error {
	resp, err := d.exchange("SetCommandType", []byte{cmdPrefix, cmdSetCommandType, commandType}, 3, deadline)
	if err != nil {
		return err
	}
	return deviceStatusError("SetCommandType", resp[2])
}

// Ping checks that the device answers.
func (d *Device) Ping(ctx context.Context, timeout time.Duration) error {
	_, err := d.FirmwareVersion(ctx, timeout)
	return err
}

// FirmwareVersion returns the main firmware version.
func (d *Device) FirmwareVersion(ctx context.Context, timeout time.Duration) (uint16, error) {
	var v uint16
	err := d.op(ctx, timeout, func(deadline time.Time) error {
		var err error
		v, err = d.firmwareVersion(nil, deadline)
		return err
	})
	return v, err
}

// VersionInformation returns the main and BLE firmware versions.
func (d *Device) VersionInformation(ctx context.Context, timeout time.Duration) (VersionInfo, error) {
	var info VersionInfo
	err := d.op(ctx, timeout, func(deadline time.Time) error {
		var err error
		if info.Firmware, err = d.firmwareVersion(nil, deadline); err != nil {
			return err
		}
		info.BLE, err = d.firmwareVersion([]byte{firmwareOptionBLE}, deadline)
		return err
	})
	return info, err
}

func (d *Device) firmwareVersion(option []byte, deadline time.Time) (uint16, error) {
	cmd := append([]byte{cmdPrefix, cmdGetFirmwareVersion}, option...)
	resp, err := d.exchange("GetFirmwareVersion", cmd, 4, deadline)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(resp[2:]), nil
}

// BatteryStatus runs the power-status diagnose test.
func (d *Device) BatteryStatus(ctx context.Context, timeout time.Duration) (BatteryStatus, error) {
	var status BatteryStatus
	err := d.op(ctx, timeout, func(deadline time.Time) error {
		resp, err := d.exchange("Diagnose", []byte{cmdPrefix, cmdDiagnose, diagnosePowerStatus}, 4, deadline)
		if err != nil {
			return err
		}
		if resp[2] != diagnosePowerStatus {
			return fmt.Errorf("Diagnose: %w: test number 0x%02X", ErrInvalidResponse, resp[2])
		}
		switch s := BatteryStatus(resp[3]); s {
		case BatteryNormal, BatteryLow, BatteryVeryLow, BatteryNotOnBattery:
			status = s
			return nil
		default:
			return fmt.Errorf("Diagnose: %w: power status 0x%02X", ErrInvalidResponse, resp[3])
		}
	})
	return status, err
}

// SetAlarm arms the alarm timer.
func (d *Device) SetAlarm(ctx context.Context, count uint16, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		cmd := binary.LittleEndian.AppendUint16([]byte{cmdPrefix, cmdSetAlarm}, count)
		resp, err := d.exchange("SetAlarm", cmd, 3, deadline)
		if err != nil {
			return err
		}
		if resp[2] != devStatusSuccess {
			return fmt.Errorf("SetAlarm: %w: status 0x%02X", ErrInvalidResponse, resp[2])
		}
		return nil
	})
}

// Alarm reads the alarm timer.
func (d *Device) Alarm(ctx context.Context, timeout time.Duration) (Alarm, error) {
	var alarm Alarm
	err := d.op(ctx, timeout, func(deadline time.Time) error {
		resp, err := d.exchange("GetAlarm", []byte{cmdPrefix, cmdGetAlarm}, 6, deadline)
		if err != nil {
			return err
		}
		alarm.Rest = binary.LittleEndian.Uint16(resp[2:])
		alarm.Count = binary.LittleEndian.Uint16(resp[4:])
		return nil
	})
	return alarm, err
}

// BLEParameters reads the BLE connection parameters in effect.
func (d *Device) BLEParameters(ctx context.Context, timeout time.Duration) (BLEParameters, error) {
	var p BLEParameters
	err := d.op(ctx, timeout, func(deadline time.Time) error {
		resp, err := d.exchange("GetBLEParameter", []byte{cmdPrefix, cmdGetBLEParameter}, 9, deadline)
		if err != nil {
			return err
		}
		if err := deviceStatusError("GetBLEParameter", resp[2]); err != nil {
			return err
		}
		p.ConnectionInterval = binary.LittleEndian.Uint16(resp[3:])
		p.SlaveLatency = binary.LittleEndian.Uint16(resp[5:])
		p.SupervisionTimeout = binary.LittleEndian.Uint16(resp[7:])
		return nil
	})
	return p, err
}

// SetBLEParameters requests new BLE connection parameters.
func (d *Device) SetBLEParameters(ctx context.Context, req BLEParameterRequest, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		cmd := []byte{cmdPrefix, cmdSetBLEParameter}
		cmd = binary.LittleEndian.AppendUint16(cmd, req.MinInterval)
		cmd = binary.LittleEndian.AppendUint16(cmd, req.MaxInterval)
		cmd = binary.LittleEndian.AppendUint16(cmd, req.SlaveLatency)
		cmd = binary.LittleEndian.AppendUint16(cmd, req.TimeoutMultiplier)
		resp, err := d.exchange("SetBLEParameter", cmd, 3, deadline)
		if err != nil {
			return err
		}
		return deviceStatusError("SetBLEParameter", resp[2])
	})
}

// ResetDevice restarts the device after delay (device units). The reply is
// acknowledged so the device does not repeat it.
func (d *Device) ResetDevice(ctx context.Context, delay uint16, option byte, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		cmd := binary.LittleEndian.AppendUint16([]byte{cmdPrefix, cmdResetDevice}, delay)
		cmd = append(cmd, option)
		if _, err := d.exchange("ResetDevice", cmd, 2, deadline); err != nil {
			return err
		}
		return d.sendAck(ackTimeout)
	})
}

// RFOff switches the RF field off.
func (d *Device) RFOff(ctx context.Context, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		return d.switchRF(false, deadline)
	})
}

// RFOn switches the RF field on.
func (d *Device) RFOn(ctx context.Context, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		return d.switchRF(true, deadline)
	})
}

func (d *Device) switchRF(on bool, deadline time.Time) error {
	arg := byte(0x00)
	if on {
		arg = 0x01
	}
	resp, err := d.exchange("SwitchRF", []byte{cmdPrefix, cmdSwitchRF, arg}, 3, deadline)
	if err != nil {
		return err
	}
	return deviceStatusError("SwitchRF", resp[2])
}

// SetRFSpeed selects the TX and RX modulation (RBT, 1-15) and speed (1-10).
// The recorded state changes only when the device accepts all four.
func (d *Device) SetRFSpeed(ctx context.Context, txRBT, txSpeed, rxRBT, rxSpeed byte, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		return d.setRFSpeed(txRBT, txSpeed, rxRBT, rxSpeed, deadline)
	})
}

func (d *Device) setRFSpeed(txRBT, txSpeed, rxRBT, rxSpeed byte, deadline time.Time) error {
	for _, rbt := range []byte{txRBT, rxRBT} {
		if rbt < minRBT || rbt > maxRBT {
			return fmt.Errorf("%w: RBT 0x%02X", ErrInvalidParameter, rbt)
		}
	}
	for _, speed := range []byte{txSpeed, rxSpeed} {
		if speed < minSpeed || speed > maxSpeed {
			return fmt.Errorf("%w: RF speed 0x%02X", ErrInvalidParameter, speed)
		}
	}

	cmd := []byte{cmdPrefix, cmdInSetRF, txRBT, txSpeed, rxRBT, rxSpeed}
	resp, err := d.exchange("InSetRF", cmd, 3, deadline)
	if err != nil {
		return err
	}
	if err := deviceStatusError("InSetRF", resp[2]); err != nil {
		return err
	}
	d.state = d.state.withRF(txRBT, txSpeed, rxRBT, rxSpeed)
	return nil
}

// SetProtocol writes InSetProtocol settings given as (number, value) pairs.
func (d *Device) SetProtocol(ctx context.Context, settings []byte, timeout time.Duration) error {
	return d.op(ctx, timeout, func(deadline time.Time) error {
		return d.setProtocol(settings, deadline)
	})
}

func (d *Device) setProtocol(settings []byte, deadline time.Time) error {
	if len(settings)%2 != 0 || len(settings) < 2 || len(settings) > 2*MaxProtocolSettings {
		return fmt.Errorf("%w: %d protocol setting bytes", ErrInvalidParameter, len(settings))
	}
	cmd := append([]byte{cmdPrefix, cmdInSetProtocol}, settings...)
	resp, err := d.exchange("InSetProtocol", cmd, 3, deadline)
	if err != nil {
		return err
	}
	return deviceStatusError("InSetProtocol", resp[2])
}

// GetProtocol reads the InGetProtocol settings for the given numbers and
// returns them as (number, value) pairs. If the device returns more pairs
// than asked for, the requested number of pairs is returned together with
// ErrBufferOverflow.
func (d *Device) GetProtocol(ctx context.Context, numbers []byte, timeout time.Duration) ([]byte, error) {
	var settings []byte
	err := d.op(ctx, timeout, func(deadline time.Time) error {
		var err error
		settings, err = d.getProtocol(numbers, deadline)
		return err
	})
	return settings, err
}

const getProtocolMaxResponse = 2 + 2*(MaxProtocolSettings+1)

func (d *Device) getProtocol(numbers []byte, deadline time.Time) ([]byte, error) {
	if len(numbers) < 1 || len(numbers) > MaxProtocolSettings {
		return nil, fmt.Errorf("%w: %d protocol numbers", ErrInvalidParameter, len(numbers))
	}
	cmd := append([]byte{cmdPrefix, cmdInGetProtocol}, numbers...)
	resp, err := d.execute(cmd, deadline)
	if err != nil {
		return nil, fmt.Errorf("InGetProtocol: %w", err)
	}

	p := resp.payload
	want := 2 + 2*len(numbers)
	if len(p) > getProtocolMaxResponse || len(p) < 3 || p[0] != resPrefix ||
		p[1] != cmdInGetProtocol+1 || len(p) < want || len(p)%2 != 0 {
		return nil, fmt.Errorf("InGetProtocol: %w: % X", ErrInvalidResponse, p)
	}
	settings := append([]byte(nil), p[2:want]...)
	if len(p) > want {
		return settings, fmt.Errorf("InGetProtocol: device returned %d setting bytes: %w", len(p)-2, ErrBufferOverflow)
	}
	return settings, nil
}

// Attribute describes the transport peer. ErrNotSupported if the transport
// cannot.
func (d *Device) Attribute() (Attribute, error) {
	if err := d.lock(); err != nil {
		return Attribute{}, err
	}
	defer d.mu.Unlock()

	ag, ok := d.transport.(AttributeGetter)
	if !ok {
		return Attribute{}, fmt.Errorf("get attribute: %w", ErrNotSupported)
	}
	attr, err := ag.Attribute()
	if err != nil {
		return Attribute{}, normalizeTransportError("get attribute", err)
	}
	return attr, nil
}

// RegisterNotifyCallback subscribes cb to transport notifications.
// ErrNotSupported if the transport has none.
func (d *Device) RegisterNotifyCallback(cb func(Notification)) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidParameter)
	}
	if err := d.lock(); err != nil {
		return err
	}
	defer d.mu.Unlock()

	nr, ok := d.transport.(NotifyRegistrar)
	if !ok {
		return fmt.Errorf("register notify callback: %w", ErrNotSupported)
	}
	return normalizeTransportError("register notify callback", nr.RegisterNotifyCallback(cb))
}

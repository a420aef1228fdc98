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

//nolint:paralleltest // Tests replace package-level hooks
package usb

import (
	"context"
	"errors"
	"testing"

	"github.com/ZaparooProject/go-port110/detection"
	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubHooks(t *testing.T, devices []usbDevice, listErr error, probeOK bool) *[]string {
	t.Helper()
	origList, origProbe := listDevicesFn, probeDeviceFn
	t.Cleanup(func() { listDevicesFn, probeDeviceFn = origList, origProbe })

	var probed []string
	listDevicesFn = func() ([]usbDevice, error) { return devices, listErr }
	probeDeviceFn = func(_ context.Context, path string, _ detection.Mode) bool {
		probed = append(probed, path)
		return probeOK
	}
	return &probed
}

var readers = []usbDevice{
	{Name: "RC-S380/P", Bus: 1, Address: 4, Vendor: 0x054C, Product: 0x06C3},
	{Name: "RC-S380/S", Bus: 2, Address: 9, Vendor: 0x054C, Product: 0x06C1},
}

func TestDetect_Safe(t *testing.T) {
	probed := stubHooks(t, readers, nil, true)

	opts := &detection.Options{Mode: detection.Safe, IgnorePaths: []string{"usb:2:9"}}
	devices, err := New().Detect(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, []string{"usb:1:4"}, *probed)
	assert.Equal(t, detection.DeviceInfo{
		Transport:  "usb",
		Path:       "usb:1:4",
		Name:       "RC-S380/P",
		ID:         detection.VIDPID{Vendor: 0x054C, Product: 0x06C3},
		Confidence: detection.High,
	}, devices[0])
}

func TestDetect_PassiveDoesNotProbe(t *testing.T) {
	probed := stubHooks(t, readers, nil, false)

	devices, err := New().Detect(context.Background(), &detection.Options{Mode: detection.Passive})
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Empty(t, *probed)
	assert.Equal(t, detection.Medium, devices[1].Confidence)
}

func TestDetect_Failures(t *testing.T) {
	stubHooks(t, readers, nil, false)
	_, err := New().Detect(context.Background(), &detection.Options{Mode: detection.Safe})
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)

	blocked := []usbDevice{{Bus: 1, Address: 2, Vendor: 0x054C, Product: 0x02E1}}
	stubHooks(t, blocked, nil, true)
	_, err = New().Detect(context.Background(), &detection.Options{Blocklist: detection.DefaultBlocklist()})
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)

	errNoLibusb := errors.New("libusb: not found")
	stubHooks(t, nil, errNoLibusb, true)
	_, err = New().Detect(context.Background(), &detection.Options{})
	require.ErrorIs(t, err, errNoLibusb)
}

func TestUSBDevice_ID(t *testing.T) {
	assert.Equal(t, detection.VIDPID{Vendor: 0x054C, Product: 0x06C3}, usbDevice{Vendor: 0x054C, Product: gousb.ID(0x06C3)}.id())
	assert.Equal(t, "usb", New().Transport())
}

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

//nolint:paralleltest // Tests replace the package-level scan hook
package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	port110 "github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

const serviceUUID = "233e8100-3a1b-1c59-9bee-180373dd03a1"

type scanCall struct {
	service bluetooth.UUID
	window  time.Duration
}

func stubScan(t *testing.T, adverts []advert, err error) *[]scanCall {
	t.Helper()
	orig := scanFn
	t.Cleanup(func() { scanFn = orig })

	var calls []scanCall
	scanFn = func(_ context.Context, service bluetooth.UUID, window time.Duration) ([]advert, error) {
		calls = append(calls, scanCall{service: service, window: window})
		return append([]advert(nil), adverts...), err
	}
	return &calls
}

func TestDetect_StrongestFirst(t *testing.T) {
	calls := stubScan(t, []advert{
		{Address: "C4:7C:8D:6A:12:01", Name: "RC-S390", RSSI: -80},
		{Address: "C4:7C:8D:6A:12:02", Name: "RC-S390", RSSI: -45},
		{Address: "C4:7C:8D:6A:12:03", RSSI: -60},
	}, nil)

	opts := &detection.Options{
		BLEServiceUUID: serviceUUID,
		Timeout:        4 * time.Second,
		IgnorePaths:    []string{"ble:c4:7c:8d:6a:12:03"},
	}
	devices, err := New().Detect(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, detection.DeviceInfo{
		Transport:  "ble",
		Path:       "ble:C4:7C:8D:6A:12:02",
		Name:       "RC-S390",
		Confidence: detection.Medium,
		Metadata:   map[string]string{"rssi": "-45"},
	}, devices[0])
	assert.Equal(t, "ble:C4:7C:8D:6A:12:01", devices[1].Path)

	require.Len(t, *calls, 1)
	want, err := bluetooth.ParseUUID(serviceUUID)
	require.NoError(t, err)
	assert.Equal(t, want, (*calls)[0].service)
	assert.Equal(t, 2*time.Second, (*calls)[0].window)
}

func TestDetect_NoServiceConfigured(t *testing.T) {
	calls := stubScan(t, []advert{{Address: "C4:7C:8D:6A:12:01"}}, nil)

	_, err := New().Detect(context.Background(), &detection.Options{})
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
	assert.Empty(t, *calls, "no scan without a service UUID")
}

func TestDetect_Failures(t *testing.T) {
	stubScan(t, nil, nil)
	_, err := New().Detect(context.Background(), &detection.Options{BLEServiceUUID: "not-a-uuid"})
	require.ErrorIs(t, err, port110.ErrInvalidParameter)

	_, err = New().Detect(context.Background(), &detection.Options{BLEServiceUUID: serviceUUID})
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)

	errNoAdapter := errors.New("adapter unavailable")
	stubScan(t, nil, errNoAdapter)
	_, err = New().Detect(context.Background(), &detection.Options{BLEServiceUUID: serviceUUID})
	require.ErrorIs(t, err, errNoAdapter)
}

func TestScanWindow(t *testing.T) {
	assert.Equal(t, maxScanWindow, scanWindow(0))
	assert.Equal(t, time.Second, scanWindow(2*time.Second))
	assert.Equal(t, maxScanWindow, scanWindow(time.Minute))
	assert.Equal(t, "ble", New().Transport())
}

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

package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func TestResultCache_TTL(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newResultCache(clock.Now)
	c.put("usb", []DeviceInfo{{Transport: "usb", Path: "usb:1:4"}})

	clock.now = clock.now.Add(30 * time.Second)
	_, ok := c.get("usb", 30*time.Second)
	assert.True(t, ok, "entry at exactly the TTL is still fresh")

	clock.now = clock.now.Add(time.Millisecond)
	_, ok = c.get("usb", 30*time.Second)
	assert.False(t, ok)
}

func TestResultCache_CopiesAndIsolation(t *testing.T) {
	t.Parallel()

	c := newResultCache(time.Now)
	devices := []DeviceInfo{{Transport: "uart", Path: "/dev/ttyACM0"}}
	c.put("uart", devices)
	devices[0].Path = "/dev/changed"

	got, ok := c.get("uart", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyACM0", got[0].Path)
	got[0].Path = "/dev/changed"

	again, _ := c.get("uart", time.Minute)
	assert.Equal(t, "/dev/ttyACM0", again[0].Path)

	_, ok = c.get("usb", time.Minute)
	assert.False(t, ok)
}

func TestResultCache_Forget(t *testing.T) {
	t.Parallel()

	c := newResultCache(time.Now)
	c.put("uart", []DeviceInfo{{Path: "/dev/ttyACM0"}, {Path: "/dev/ttyACM1"}})
	c.put("ble", []DeviceInfo{{Path: "ble:C4:7C:8D:6A:12:01"}})

	c.forget("/dev/./ttyACM1")
	got, ok := c.get("uart", time.Minute)
	require.True(t, ok)
	assert.Equal(t, []DeviceInfo{{Path: "/dev/ttyACM0"}}, got)

	c.forget("ble:c4:7c:8d:6a:12:01")
	_, ok = c.get("ble", time.Minute)
	assert.False(t, ok, "entry dropped once its last device is forgotten")

	c.forget("usb:9:9")
	c.clear()
	_, ok = c.get("uart", time.Minute)
	assert.False(t, ok)
}

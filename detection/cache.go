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
	"slices"
	"time"

	"github.com/ZaparooProject/go-port110/internal/syncutil"
)

// resultCache remembers each transport's last detection result.
type resultCache struct {
	now     func() time.Time
	entries map[string]cacheEntry
	mu      syncutil.RWMutex
}

type cacheEntry struct {
	stored  time.Time
	devices []DeviceInfo
}

var results = newResultCache(time.Now)

func newResultCache(now func() time.Time) *resultCache {
	return &resultCache{now: now, entries: make(map[string]cacheEntry)}
}

// get returns a copy of the transport's devices while younger than ttl.
func (c *resultCache) get(transport string, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[transport]
	if !ok || c.now().Sub(entry.stored) > ttl {
		return nil, false
	}
	return slices.Clone(entry.devices), true
}

// put replaces the transport's entry. An empty result drops it, so an
// unplugged reader is not served from the cache until the TTL runs out.
func (c *resultCache) put(transport string, devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(devices) == 0 {
		delete(c.entries, transport)
		return
	}
	c.entries[transport] = cacheEntry{stored: c.now(), devices: slices.Clone(devices)}
}

// forget removes one device from the entry of the transport its path names.
func (c *resultCache) forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	transport := PathTransport(path)
	entry, ok := c.entries[transport]
	if !ok {
		return
	}
	want := comparablePath(path)
	entry.devices = slices.DeleteFunc(slices.Clone(entry.devices), func(d DeviceInfo) bool {
		return comparablePath(d.Path) == want
	})
	if len(entry.devices) == 0 {
		delete(c.entries, transport)
		return
	}
	c.entries[transport] = entry
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

// ClearDetectionCache drops every cached detection result.
func ClearDetectionCache() {
	results.clear()
}

// ForgetDevice drops a cached device that could not be opened, so the next
// detection looks for it again.
func ForgetDevice(path string) {
	results.forget(path)
}

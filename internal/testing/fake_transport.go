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

package testing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ZaparooProject/go-port110/internal/syncutil"
)

const pollInterval = time.Millisecond

// ErrTransportClosed is returned after Close.
var ErrTransportClosed = errors.New("fake transport closed")

// FakeTransport is a deterministic byte-level link. Written bytes go to an
// optional backend (usually a VirtualPort110, possibly behind a jitter
// wrapper) and to the OnWrite hook; bytes to read come from the backend and
// from Feed. Reads that cannot collect minLen bytes poll until the deadline
// on the configured clock and then fail with os.ErrDeadlineExceeded.
//
// It provides every method of the device transport contract except Type,
// which the importing package adds so this package stays free of import
// cycles.
type FakeTransport struct {
	backend io.ReadWriter
	clock   Clock
	// OnWrite, when set, sees every write and returns bytes to queue for
	// reading.
	OnWrite func(data []byte) []byte

	rx        []byte
	writes    [][]byte
	readErrs  []error
	writeErr  error
	readCalls int
	clears    int
	drains    int
	mu        syncutil.Mutex
	closed    bool
}

// NewFakeTransport returns a transport over backend (may be nil) using
// clock (the wall clock if nil).
func NewFakeTransport(backend io.ReadWriter, clock Clock) *FakeTransport {
	if clock == nil {
		clock = RealClock{}
	}
	return &FakeTransport{backend: backend, clock: clock}
}

// Write records data and forwards it.
func (t *FakeTransport) Write(data []byte, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, append([]byte(nil), data...))
	if t.OnWrite != nil {
		t.rx = append(t.rx, t.OnWrite(data)...)
	}
	if t.backend != nil {
		if _, err := t.backend.Write(data); err != nil {
			return fmt.Errorf("backend write: %w", err)
		}
	}
	return nil
}

// Read collects between minLen and len(buf) bytes before deadline. The
// lock is released while waiting so Feed can be called concurrently.
func (t *FakeTransport) Read(buf []byte, minLen int, deadline time.Time) (int, error) {
	t.mu.Lock()
	t.readCalls++
	if len(t.readErrs) > 0 {
		err := t.readErrs[0]
		t.readErrs = t.readErrs[1:]
		t.mu.Unlock()
		return 0, err
	}
	t.mu.Unlock()

	for {
		n, err := t.tryRead(buf, minLen)
		if err != nil || n > 0 {
			return n, err
		}
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			return 0, fmt.Errorf("fake read (%d of %d bytes): %w", t.Pending(), minLen, os.ErrDeadlineExceeded)
		}
		t.clock.Sleep(min(pollInterval, remaining))
	}
}

func (t *FakeTransport) tryRead(buf []byte, minLen int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrTransportClosed
	}
	if err := t.pull(); err != nil {
		return 0, err
	}
	if len(t.rx) == 0 || len(t.rx) < minLen {
		return 0, nil
	}
	n := copy(buf, t.rx)
	t.rx = t.rx[n:]
	return n, nil
}

// pull moves whatever the backend has ready into rx.
func (t *FakeTransport) pull() error {
	if t.backend == nil {
		return nil
	}
	chunk := make([]byte, 256)
	for {
		n, err := t.backend.Read(chunk)
		t.rx = append(t.rx, chunk[:n]...)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("backend read: %w", err)
		}
		if n == 0 || err != nil {
			return nil
		}
	}
}

// ClearReceiveQueue drops every byte ready to be read.
func (t *FakeTransport) ClearReceiveQueue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clears++
	if err := t.pull(); err != nil {
		return err
	}
	t.rx = nil
	return nil
}

// DrainTransmitQueue only counts calls; writes complete synchronously.
func (t *FakeTransport) DrainTransmitQueue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drains++
	return nil
}

// Close marks the transport closed.
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.closed = true
	return nil
}

// Feed queues bytes to be read.
func (t *FakeTransport) Feed(data ...byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = append(t.rx, data...)
}

// FailNextRead makes the next Read return err without consuming data.
func (t *FakeTransport) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErrs = append(t.readErrs, err)
}

// SetWriteError makes every Write fail with err; nil restores writes.
func (t *FakeTransport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Writes returns copies of the written buffers in order.
func (t *FakeTransport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	for i, w := range t.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// ReadCalls returns the number of Read calls.
func (t *FakeTransport) ReadCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCalls
}

// Clears returns the number of ClearReceiveQueue calls.
func (t *FakeTransport) Clears() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clears
}

// Drains returns the number of DrainTransmitQueue calls.
func (t *FakeTransport) Drains() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drains
}

// Pending returns the number of bytes waiting to be read.
func (t *FakeTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rx)
}

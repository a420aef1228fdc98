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

package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/felica"
	virt "github.com/ZaparooProject/go-port110/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollResult struct {
	err   error
	cards []felica.Card
}

// scriptedPoller replays poll results, then reports an empty field.
type scriptedPoller struct {
	params  []felica.PollingParam
	results []pollResult
	mu      sync.Mutex
	calls   int
}

func (p *scriptedPoller) PollingMultiple(
	ctx context.Context, param felica.PollingParam, maxCards int, _ time.Duration,
) ([]felica.Card, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.params = append(p.params, param)
	if err := ctx.Err(); err != nil {
		return nil, port110.NewTransportError("poll", "", err, port110.ErrorTypeTimeout)
	}
	if len(p.results) == 0 {
		return nil, port110.ErrTimeout
	}
	r := p.results[0]
	p.results = p.results[1:]
	if len(r.cards) > maxCards {
		return r.cards[:maxCards], port110.ErrBufferOverflow
	}
	return r.cards, r.err
}

func (p *scriptedPoller) push(r ...pollResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r...)
}

func (p *scriptedPoller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testCard(last byte) felica.Card {
	return felica.Card{IDm: [8]byte{0x01, 0x2E, 0, 0, 0, 0, 0, last}, PMm: virt.TestPMm}
}

func found(cards ...felica.Card) pollResult {
	return pollResult{cards: cards}
}

// events collects callback invocations.
type events struct {
	detected []felica.Card
	removed  []felica.Card
	errs     []error
	mu       sync.Mutex
}

func (e *events) attach(s *Session) {
	s.SetOnCardDetected(func(c felica.Card) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.detected = append(e.detected, c)
		return nil
	})
	s.SetOnCardRemoved(func(c felica.Card) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.removed = append(e.removed, c)
	})
	s.SetOnError(func(err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.errs = append(e.errs, err)
	})
}

func newTestSession(t *testing.T, cfg *Config) (*Session, *scriptedPoller, *virt.FakeClock, *events) {
	t.Helper()
	poller := &scriptedPoller{}
	clock := virt.NewFakeClock()
	s := NewSession(poller, cfg)
	s.now = clock.Now
	ev := &events{}
	ev.attach(s)
	return s, poller, clock, ev
}

func TestNewSession(t *testing.T) {
	t.Parallel()

	s := NewSession(&scriptedPoller{}, nil)
	require.NotNil(t, s.config)
	assert.Equal(t, 250*time.Millisecond, s.config.PollInterval)
	assert.Equal(t, felica.SystemCodeWildcard, s.config.SystemCode)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Cards())
	assert.False(t, s.isPaused.Load())
}

func TestSession_ArrivalAndRemoval(t *testing.T) {
	t.Parallel()

	s, poller, clock, ev := newTestSession(t, nil)
	ctx := context.Background()
	card := testCard(0x01)

	poller.push(found(card), found(card))
	require.NoError(t, s.cycle(ctx))
	clock.Advance(250 * time.Millisecond)
	require.NoError(t, s.cycle(ctx))

	assert.Equal(t, []felica.Card{card}, ev.detected)
	assert.Empty(t, ev.removed)
	assert.Equal(t, StateCardPresent, s.State())

	cs, ok := s.CardState(card.IDm)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), cs.LastSeen)
	assert.Equal(t, 250*time.Millisecond, cs.LastSeen.Sub(cs.FirstSeen))

	// Not yet past the removal timeout.
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, s.cycle(ctx))
	assert.Empty(t, ev.removed)

	clock.Advance(200 * time.Millisecond)
	require.NoError(t, s.cycle(ctx))
	assert.Equal(t, []felica.Card{card}, ev.removed)
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, ev.errs)

	m := s.Metrics()
	assert.Equal(t, int64(4), m.PollCycles)
	assert.Equal(t, int64(1), m.CardsDetected)
	assert.Zero(t, m.PollErrors)
}

func TestSession_MultipleCards(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxCards = 2
	cfg.SystemCode = felica.SystemCodeCommon
	s, poller, clock, ev := newTestSession(t, cfg)
	ctx := context.Background()
	a, b, c := testCard(0x0A), testCard(0x0B), testCard(0x0C)

	poller.push(found(a, b))
	require.NoError(t, s.cycle(ctx))
	assert.Equal(t, []felica.Card{a, b}, s.Cards())

	for range 4 {
		clock.Advance(200 * time.Millisecond)
		poller.push(found(b))
		require.NoError(t, s.cycle(ctx))
	}
	assert.Equal(t, []felica.Card{a}, ev.removed)
	assert.Equal(t, []felica.Card{b}, s.Cards())

	// A third card beyond MaxCards is dropped by the reader.
	poller.push(found(b, c, a))
	require.NoError(t, s.cycle(ctx))
	assert.Equal(t, []felica.Card{a, b, c}, ev.detected)

	param := poller.params[0]
	assert.Equal(t, felica.SystemCodeCommon, param.SystemCode())
	assert.Equal(t, byte(3), param[3])
}

func TestSession_ErrorHandling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err        error
		name       string
		wantErrors int
	}{
		{name: "Timeout", err: port110.ErrTimeout},
		{name: "InvalidResponse", err: port110.ErrInvalidResponse},
		{name: "FrameCRC", err: &port110.RFStatusError{Status: port110.RFStatusCRC}, wantErrors: 1},
		{name: "Device", err: &port110.DeviceStatusError{Command: "InCommRF", Status: 0x01}, wantErrors: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, poller, _, ev := newTestSession(t, nil)
			poller.push(pollResult{err: tt.err})

			require.NoError(t, s.cycle(context.Background()))
			assert.Len(t, ev.errs, tt.wantErrors)
			assert.Equal(t, int64(tt.wantErrors), s.Metrics().PollErrors)
			for _, err := range ev.errs {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestSession_FatalErrorWithoutRecoverer(t *testing.T) {
	t.Parallel()

	s, poller, _, ev := newTestSession(t, nil)
	card := testCard(0x01)
	poller.push(found(card), pollResult{err: port110.ErrClosed})

	require.NoError(t, s.cycle(context.Background()))
	err := s.cycle(context.Background())
	require.ErrorIs(t, err, port110.ErrClosed)
	assert.Equal(t, []felica.Card{card}, ev.removed)
	require.Len(t, ev.errs, 1)
}

type fakeRecoverer struct {
	err    error
	poller CardPoller
	calls  int
}

func (r *fakeRecoverer) AttemptRecovery(context.Context) error {
	r.calls++
	return r.err
}

func (r *fakeRecoverer) Poller() CardPoller { return r.poller }

func TestSession_Recovery(t *testing.T) {
	t.Parallel()

	t.Run("FatalError", func(t *testing.T) {
		t.Parallel()
		s, poller, _, ev := newTestSession(t, nil)
		replacement := &scriptedPoller{}
		card := testCard(0x02)
		replacement.push(found(card))
		r := &fakeRecoverer{poller: replacement}
		s.SetRecoverer(r)

		poller.push(pollResult{err: port110.NewIOError("read", "", errors.New("gone"))})
		poller.push(pollResult{err: port110.ErrClosed})
		require.NoError(t, s.cycle(context.Background()))
		require.NoError(t, s.cycle(context.Background()))
		assert.Equal(t, 1, r.calls)
		assert.Equal(t, int64(1), s.Metrics().Recoveries)

		require.NoError(t, s.cycle(context.Background()))
		assert.Equal(t, []felica.Card{card}, ev.detected)
		assert.Equal(t, 1, replacement.callCount())
	})

	t.Run("Failed", func(t *testing.T) {
		t.Parallel()
		s, poller, _, _ := newTestSession(t, nil)
		s.SetRecoverer(&fakeRecoverer{err: errors.New("still gone")})
		poller.push(pollResult{err: port110.ErrClosed})

		err := s.cycle(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device recovery failed: still gone")
	})

	t.Run("HostSleep", func(t *testing.T) {
		t.Parallel()
		s, poller, clock, ev := newTestSession(t, nil)
		r := &fakeRecoverer{poller: poller}
		s.SetRecoverer(r)
		card := testCard(0x03)
		poller.push(found(card), found(card))

		require.NoError(t, s.cycle(context.Background()))
		clock.Advance(10 * time.Second)
		require.NoError(t, s.cycle(context.Background()))

		assert.Equal(t, 1, r.calls)
		assert.Equal(t, []felica.Card{card}, ev.removed)
		assert.Equal(t, []felica.Card{card, card}, ev.detected)
	})
}

func TestSleepRecoveryConfig_DetectSleep(t *testing.T) {
	t.Parallel()

	cfg := DefaultSleepRecoveryConfig()
	assert.False(t, cfg.DetectSleep(time.Second, 250*time.Millisecond))
	assert.True(t, cfg.DetectSleep(3*time.Second, 250*time.Millisecond))
	cfg.Enabled = false
	assert.False(t, cfg.DetectSleep(time.Hour, 250*time.Millisecond))
}

func TestSession_CallbackPanic(t *testing.T) {
	t.Parallel()

	s, poller, _, ev := newTestSession(t, nil)
	s.SetOnCardDetected(func(felica.Card) error { panic("boom") })
	poller.push(found(testCard(0x01)))

	require.NoError(t, s.cycle(context.Background()))
	require.Len(t, ev.errs, 1)
	assert.Contains(t, ev.errs[0].Error(), "OnCardDetected callback panicked: boom")
	assert.Equal(t, int64(1), s.Metrics().CallbackErrors)
}

func TestSession_IdleInterval(t *testing.T) {
	t.Parallel()

	s, poller, clock, _ := newTestSession(t, nil)
	s.lastDetection.Store(clock.Now().UnixNano())
	assert.Equal(t, 250*time.Millisecond, s.currentInterval())

	clock.Advance(6 * time.Second)
	assert.Equal(t, 500*time.Millisecond, s.currentInterval())

	poller.push(found(testCard(0x01)))
	require.NoError(t, s.cycle(context.Background()))
	assert.Equal(t, 250*time.Millisecond, s.currentInterval())
}

func TestSession_Start(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	poller := &scriptedPoller{}
	poller.push(found(testCard(0x01)))
	s := NewSession(poller, cfg)

	detected := make(chan felica.Card, 1)
	s.SetOnCardDetected(func(c felica.Card) error {
		detected <- c
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case c := <-detected:
		assert.Equal(t, testCard(0x01), c)
	case <-time.After(time.Second):
		t.Fatal("card not detected")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}

func TestSession_PauseResume(t *testing.T) {
	t.Parallel()

	s := NewSession(&scriptedPoller{}, nil)
	s.Pause()
	s.Pause()
	assert.True(t, s.isPaused.Load())
	s.Resume()
	s.Resume()
	assert.False(t, s.isPaused.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.pauseWithAck(ctx), context.Canceled)
	assert.False(t, s.isPaused.Load())
}

func TestSession_PausedLoopDoesNotPoll(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	poller := &scriptedPoller{}
	s := NewSession(poller, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()

	require.Eventually(t, func() bool { return poller.callCount() > 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.pauseWithAck(ctx))
	calls := poller.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, poller.callCount())

	s.Resume()
	require.Eventually(t, func() bool { return poller.callCount() > calls }, time.Second, time.Millisecond)
}

func TestSession_WithNextCard(t *testing.T) {
	t.Parallel()

	t.Run("WaitsForCard", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.PollInterval = time.Millisecond
		s, poller, _, ev := newTestSession(t, cfg)
		card := testCard(0x07)
		poller.push(pollResult{err: port110.ErrTimeout}, pollResult{err: port110.ErrTimeout}, found(card))

		var state CardDetectionState
		err := s.WithNextCard(context.Background(), time.Second, func(_ context.Context, c felica.Card) error {
			state = s.State()
			assert.Equal(t, card, c)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StateHandling, state)
		assert.Equal(t, 3, poller.callCount())
		assert.Equal(t, []felica.Card{card}, ev.detected)
		assert.False(t, s.isPaused.Load())
	})

	t.Run("Timeout", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.PollInterval = time.Millisecond
		s, _, _, _ := newTestSession(t, cfg)

		err := s.WithNextCard(context.Background(), 20*time.Millisecond, func(context.Context, felica.Card) error {
			t.Fatal("no card expected")
			return nil
		})
		require.ErrorIs(t, err, port110.ErrTimeout)
	})

	t.Run("ReaderError", func(t *testing.T) {
		t.Parallel()
		s, poller, _, _ := newTestSession(t, nil)
		poller.push(pollResult{err: port110.ErrRFOff})

		err := s.WithNextCard(context.Background(), time.Second, func(context.Context, felica.Card) error {
			return nil
		})
		require.ErrorIs(t, err, port110.ErrRFOff)
	})

	t.Run("FnError", func(t *testing.T) {
		t.Parallel()
		s, _, _, _ := newTestSession(t, nil)
		want := errors.New("write failed")

		err := s.WithCard(context.Background(), testCard(0x01), func(context.Context, felica.Card) error {
			return want
		})
		require.ErrorIs(t, err, want)
		assert.Equal(t, StateIdle, s.State())
	})
}

func TestCardDetectionState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "present", StateCardPresent.String())
	assert.Equal(t, "handling", StateHandling.String())
	assert.Equal(t, "unknown", CardDetectionState(9).String())
}

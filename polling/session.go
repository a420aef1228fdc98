// Copyright 2025 The Zaparoo Project Contributors.
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

// Package polling watches a reader for FeliCa cards entering and leaving
// the field.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-port110"
	"github.com/ZaparooProject/go-port110/felica"
	"github.com/ZaparooProject/go-port110/internal/syncutil"
)

const (
	idleAfter       = 5 * time.Second
	maxIdleInterval = 500 * time.Millisecond
	pauseAckTimeout = 100 * time.Millisecond
)

// ErrSessionClosed is returned when starting a closed session.
var ErrSessionClosed = errors.New("polling session closed")

// CardPoller finds FeliCa cards in the field. *felica.Client implements it.
type CardPoller interface {
	PollingMultiple(ctx context.Context, param felica.PollingParam, maxCards int, timeout time.Duration) ([]felica.Card, error)
}

// Metrics tracks operational counters of a session.
type Metrics struct {
	PollCycles      int64         // Total number of polling cycles
	PollErrors      int64         // Polls that failed with a reader error
	CardsDetected   int64         // Card arrivals
	CallbackErrors  int64         // Callbacks that failed or panicked
	Recoveries      int64         // Successful device recoveries
	LastPollLatency time.Duration // Duration of last polling operation
}

// Session handles continuous card monitoring.
type Session struct {
	// OnCardDetected is called once per card arrival.
	OnCardDetected func(card felica.Card) error
	// OnCardRemoved is called when a card has not answered for
	// CardRemovalTimeout, or when the reader failed.
	OnCardRemoved func(card felica.Card)
	// OnError receives reader errors other than "no card".
	OnError func(err error)

	config     *Config
	poller     CardPoller
	recoverer  DeviceRecoverer
	now        func() time.Time
	pauseChan  chan struct{}
	resumeChan chan struct{}
	ackChan    chan struct{}
	lastPoll   time.Time
	cards      presence
	stateMutex syncutil.RWMutex
	handleMu   syncutil.Mutex
	handling   bool
	closed     atomic.Bool
	isPaused   atomic.Bool

	pollCycles      atomic.Int64
	pollErrors      atomic.Int64
	cardsDetected   atomic.Int64
	callbackErrors  atomic.Int64
	recoveries      atomic.Int64
	lastPollLatency atomic.Int64
	lastDetection   atomic.Int64
}

// NewSession creates a session polling through poller.
func NewSession(poller CardPoller, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	return &Session{
		config:     config,
		poller:     poller,
		now:        time.Now,
		cards:      newPresence(),
		pauseChan:  make(chan struct{}, 1),
		resumeChan: make(chan struct{}, 1),
		ackChan:    make(chan struct{}, 1),
	}
}

// NewDeviceSession creates a session on a Port-110, using its native
// multi-card polling.
func NewDeviceSession(device *port110.Device, config *Config) *Session {
	return NewSession(newDevicePoller(device), config)
}

// SetRecoverer enables recovery after fatal reader errors and host sleep.
func (s *Session) SetRecoverer(r DeviceRecoverer) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.recoverer = r
}

// SetOnCardDetected sets the callback for when a card is detected.
func (s *Session) SetOnCardDetected(callback func(felica.Card) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardDetected = callback
}

// SetOnCardRemoved sets the callback for when a card is removed.
func (s *Session) SetOnCardRemoved(callback func(felica.Card)) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardRemoved = callback
}

// SetOnError sets the callback for reader errors.
func (s *Session) SetOnError(callback func(error)) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnError = callback
}

// State returns the current detection state.
func (s *Session) State() CardDetectionState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	switch {
	case s.handling:
		return StateHandling
	case len(s.cards.order) > 0:
		return StateCardPresent
	default:
		return StateIdle
	}
}

// Cards returns the cards in the field, in arrival order.
func (s *Session) Cards() []felica.Card {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.cards.list()
}

// CardState returns the tracking state of the card with the given IDm.
func (s *Session) CardState(idm [felica.IDmLen]byte) (CardState, bool) {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.cards.state(cardKey(felica.Card{IDm: idm}))
}

// Metrics returns current operational metrics
func (s *Session) Metrics() Metrics {
	return Metrics{
		PollCycles:      s.pollCycles.Load(),
		PollErrors:      s.pollErrors.Load(),
		CardsDetected:   s.cardsDetected.Load(),
		CallbackErrors:  s.callbackErrors.Load(),
		Recoveries:      s.recoveries.Load(),
		LastPollLatency: time.Duration(s.lastPollLatency.Load()),
	}
}

// Start polls until ctx ends or the reader fails beyond recovery.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.lastDetection.Store(s.now().UnixNano())

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.handleContextAndPause(ctx); err != nil {
			return err
		}

		if err := s.cycle(ctx); err != nil {
			return err
		}

		ticker.Reset(s.currentInterval())
		if err := s.waitForNextPollOrPause(ctx, ticker); err != nil {
			return err
		}
	}
}

// currentInterval slows polling down while the field stays empty.
func (s *Session) currentInterval() time.Duration {
	s.stateMutex.RLock()
	present := len(s.cards.order) > 0
	s.stateMutex.RUnlock()

	idle := s.now().Sub(time.Unix(0, s.lastDetection.Load()))
	if present || idle <= idleAfter {
		return s.config.PollInterval
	}
	return max(min(s.config.PollInterval*5, maxIdleInterval), s.config.PollInterval)
}

// cycle performs one polling cycle. It returns an error only when polling
// cannot go on.
func (s *Session) cycle(ctx context.Context) error {
	now := s.now()
	if !s.lastPoll.IsZero() && s.config.SleepRecovery.DetectSleep(now.Sub(s.lastPoll), s.config.PollInterval) {
		port110.Debugf("polling: %v since last poll, assuming host sleep", now.Sub(s.lastPoll))
		s.removeAll()
		if err := s.recover(ctx, nil); err != nil {
			return err
		}
	}
	s.lastPoll = now

	cards, err := s.poll(ctx)
	switch {
	case err == nil:
		s.arrive(cards)
	case errors.Is(err, ErrNoCardInPoll):
	case ctx.Err() != nil:
		return ctx.Err()
	case port110.IsFatal(err):
		s.pollErrors.Add(1)
		s.reportError(err)
		s.removeAll()
		if err := s.recover(ctx, err); err != nil {
			return err
		}
	default:
		s.pollErrors.Add(1)
		s.reportError(err)
	}

	s.expire()
	return nil
}

// poll runs one Polling command. A timeout or an empty answer means no
// card; more cards than MaxCards still yields the ones that fit.
func (s *Session) poll(ctx context.Context) ([]felica.Card, error) {
	s.stateMutex.RLock()
	poller := s.poller
	s.stateMutex.RUnlock()

	start := time.Now()
	cards, err := poller.PollingMultiple(ctx, s.config.pollingParam(), s.config.maxCards(), s.config.PollTimeout)
	s.pollCycles.Add(1)
	s.lastPollLatency.Store(time.Since(start).Nanoseconds())

	switch {
	case errors.Is(err, port110.ErrBufferOverflow) && len(cards) > 0:
		return cards, nil
	case errors.Is(err, port110.ErrTimeout) && ctx.Err() == nil,
		errors.Is(err, port110.ErrInvalidResponse):
		return nil, ErrNoCardInPoll
	case err != nil:
		return nil, fmt.Errorf("card detection failed: %w", err)
	case len(cards) == 0:
		return nil, ErrNoCardInPoll
	default:
		return cards, nil
	}
}

// recover runs the recoverer. cause is returned when there is none.
func (s *Session) recover(ctx context.Context, cause error) error {
	s.stateMutex.RLock()
	r := s.recoverer
	s.stateMutex.RUnlock()
	if r == nil {
		return cause
	}

	if err := r.AttemptRecovery(ctx); err != nil {
		return fmt.Errorf("device recovery failed: %w", err)
	}
	s.recoveries.Add(1)
	s.stateMutex.Lock()
	s.poller = r.Poller()
	s.stateMutex.Unlock()
	return nil
}

func (s *Session) arrive(cards []felica.Card) {
	s.stateMutex.Lock()
	arrived := s.cards.seen(cards, s.now())
	onDetected := s.OnCardDetected
	s.stateMutex.Unlock()

	s.lastDetection.Store(s.now().UnixNano())
	for _, card := range arrived {
		s.cardsDetected.Add(1)
		port110.Debugf("polling: card arrived %s", card)
		if onDetected == nil {
			continue
		}
		if err := s.safeCallCallback(onDetected, card, "OnCardDetected"); err != nil {
			s.callbackErrors.Add(1)
			s.reportError(err)
		}
	}
}

// expire reports cards that have not answered for CardRemovalTimeout.
func (s *Session) expire() {
	s.stateMutex.Lock()
	if s.handling {
		s.stateMutex.Unlock()
		return
	}
	removed := s.cards.expire(s.now(), s.config.CardRemovalTimeout)
	s.stateMutex.Unlock()
	s.notifyRemoved(removed)
}

func (s *Session) removeAll() {
	s.stateMutex.Lock()
	removed := s.cards.clear()
	s.stateMutex.Unlock()
	s.notifyRemoved(removed)
}

func (s *Session) notifyRemoved(cards []felica.Card) {
	if len(cards) == 0 || s.closed.Load() {
		return
	}
	s.stateMutex.RLock()
	onRemoved := s.OnCardRemoved
	s.stateMutex.RUnlock()

	for _, card := range cards {
		port110.Debugf("polling: card removed %s", card)
		if onRemoved != nil {
			onRemoved(card)
		}
	}
}

func (s *Session) reportError(err error) {
	s.stateMutex.RLock()
	onError := s.OnError
	s.stateMutex.RUnlock()
	if onError != nil {
		onError(err)
	}
}

// safeCallCallback executes a callback with panic recovery
func (*Session) safeCallCallback(callback func(felica.Card) error, card felica.Card, callbackName string) error {
	var callbackErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callbackErr = fmt.Errorf("%s callback panicked: %v", callbackName, r)
			}
		}()
		callbackErr = callback(card)
	}()
	if callbackErr != nil {
		return fmt.Errorf("%s callback failed: %w", callbackName, callbackErr)
	}
	return nil
}

// Close stops callbacks and resets the pause state. A running Start
// returns when its context ends.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.isPaused.Store(false)

	select {
	case <-s.pauseChan:
	default:
	}
	select {
	case <-s.resumeChan:
	default:
	}
	return nil
}

// Pause temporarily stops the polling loop
func (s *Session) Pause() {
	if s.isPaused.CompareAndSwap(false, true) {
		select {
		case s.pauseChan <- struct{}{}:
		default:
			// no loop running, the flag is enough
		}
	}
}

// Resume restarts the polling loop after a pause
func (s *Session) Resume() {
	if s.isPaused.CompareAndSwap(true, false) {
		select {
		case s.resumeChan <- struct{}{}:
		default:
		}
	}
}

// pauseWithAck pauses polling and waits for the loop to acknowledge.
func (s *Session) pauseWithAck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.isPaused.CompareAndSwap(false, true) {
		return nil
	}

	select {
	case s.pauseChan <- struct{}{}:
		ackTimeout := time.NewTimer(pauseAckTimeout)
		defer ackTimeout.Stop()

		select {
		case <-s.ackChan:
			return nil
		case <-ackTimeout.C:
			// no polling loop running
			return nil
		case <-ctx.Done():
			s.isPaused.Store(false)
			return ctx.Err()
		}
	case <-ctx.Done():
		s.isPaused.Store(false)
		return ctx.Err()
	default:
		return nil
	}
}

// WithNextCard pauses background polling, waits up to timeout for a card
// and runs fn with it. Card removal is not reported while fn runs.
func (s *Session) WithNextCard(
	ctx context.Context,
	timeout time.Duration,
	fn func(context.Context, felica.Card) error,
) error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	if err := s.pauseWithAck(ctx); err != nil {
		return fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		cards, err := s.poll(timeoutCtx)
		if err == nil {
			s.arrive(cards)
			return s.handle(ctx, cards[0], fn)
		}
		if !errors.Is(err, ErrNoCardInPoll) && timeoutCtx.Err() == nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-timeoutCtx.Done():
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: no card within %v", port110.ErrTimeout, timeout)
			}
			return timeoutCtx.Err()
		}
	}
}

// WithCard pauses background polling and runs fn with an already
// detected card.
func (s *Session) WithCard(ctx context.Context, card felica.Card, fn func(context.Context, felica.Card) error) error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	if err := s.pauseWithAck(ctx); err != nil {
		return fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	return s.handle(ctx, card, fn)
}

func (s *Session) handle(ctx context.Context, card felica.Card, fn func(context.Context, felica.Card) error) error {
	s.stateMutex.Lock()
	s.handling = true
	s.stateMutex.Unlock()

	err := fn(ctx, card)

	s.stateMutex.Lock()
	s.handling = false
	if cs, ok := s.cards.cards[cardKey(card)]; ok {
		cs.LastSeen = s.now()
	}
	s.stateMutex.Unlock()
	return err
}

func (s *Session) handleContextAndPause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.pauseChan:
		return s.handlePauseSignal(ctx)
	default:
		return nil
	}
}

// waitForNextPollOrPause waits for the next poll interval or handles pause signals
func (s *Session) waitForNextPollOrPause(ctx context.Context, ticker *time.Ticker) error {
	select {
	case <-ticker.C:
		return nil
	case <-s.pauseChan:
		return s.handlePauseSignal(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handlePauseSignal sends acknowledgment and waits for resume
func (s *Session) handlePauseSignal(ctx context.Context) error {
	select {
	case s.ackChan <- struct{}{}:
	default:
	}
	// the last poll time is stale after a pause
	defer func() { s.lastPoll = time.Time{} }()
	select {
	case <-s.resumeChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

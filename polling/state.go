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
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/ZaparooProject/go-port110/felica"
)

// CardDetectionState is the state of the session's card tracking.
type CardDetectionState int

const (
	// StateIdle means no card is in the field.
	StateIdle CardDetectionState = iota
	// StateCardPresent means at least one card is being tracked.
	StateCardPresent
	// StateHandling means a caller holds the session through WithNextCard.
	StateHandling
)

func (s CardDetectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCardPresent:
		return "present"
	case StateHandling:
		return "handling"
	default:
		return "unknown"
	}
}

// ErrNoCardInPoll indicates no card answered during a polling cycle (not an error condition)
var ErrNoCardInPoll = errors.New("no card detected in polling cycle")

// CardState tracks one card in the field.
type CardState struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Card      felica.Card
}

// cardKey identifies a card by its IDm.
func cardKey(card felica.Card) string {
	return hex.EncodeToString(card.IDm[:])
}

// presence is the set of cards currently in the field, in arrival order.
type presence struct {
	cards map[string]*CardState
	order []string
}

func newPresence() presence {
	return presence{cards: make(map[string]*CardState)}
}

// seen records cards from one poll and returns the ones that just arrived.
func (p *presence) seen(cards []felica.Card, now time.Time) []felica.Card {
	var arrived []felica.Card
	for _, card := range cards {
		key := cardKey(card)
		if cs, ok := p.cards[key]; ok {
			cs.LastSeen = now
			cs.Card = card
			continue
		}
		p.cards[key] = &CardState{Card: card, FirstSeen: now, LastSeen: now}
		p.order = append(p.order, key)
		arrived = append(arrived, card)
	}
	return arrived
}

// expire drops cards unseen for longer than timeout and returns them.
func (p *presence) expire(now time.Time, timeout time.Duration) []felica.Card {
	var removed []felica.Card
	p.order = slices.DeleteFunc(p.order, func(key string) bool {
		cs := p.cards[key]
		if now.Sub(cs.LastSeen) <= timeout {
			return false
		}
		removed = append(removed, cs.Card)
		delete(p.cards, key)
		return true
	})
	return removed
}

// clear drops every card and returns them.
func (p *presence) clear() []felica.Card {
	removed := p.list()
	p.cards = make(map[string]*CardState)
	p.order = nil
	return removed
}

func (p *presence) list() []felica.Card {
	cards := make([]felica.Card, 0, len(p.order))
	for _, key := range p.order {
		cards = append(cards, p.cards[key].Card)
	}
	return cards
}

func (p *presence) state(key string) (CardState, bool) {
	cs, ok := p.cards[key]
	if !ok {
		return CardState{}, false
	}
	return *cs, true
}

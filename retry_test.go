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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
		RetryTimeout:      time.Second,
	}
}

func TestRetryWithConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errs      []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{name: "first try", errs: []error{nil}, attempts: 3, wantCalls: 1},
		{name: "transient then success", errs: []error{ErrTimeout, ErrFrameCRC, nil}, attempts: 3, wantCalls: 3},
		{name: "exhausted", errs: []error{ErrTimeout, ErrTimeout, ErrTimeout}, attempts: 3, wantCalls: 3, wantErr: ErrTimeout},
		{name: "permanent stops", errs: []error{ErrNotSupported, nil}, attempts: 3, wantCalls: 1, wantErr: ErrNotSupported},
		{name: "no retry", errs: []error{ErrTimeout, nil}, attempts: 0, wantCalls: 1, wantErr: ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := RetryWithConfig(context.Background(), fastRetry(tt.attempts), func() error {
				err := tt.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetryWithConfig_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := RetryWithConfig(ctx, fastRetry(3), func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRetryWithConfig_StopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	config := fastRetry(5)
	config.InitialBackoff = time.Hour
	config.MaxBackoff = time.Hour
	config.RetryTimeout = 20 * time.Millisecond

	calls := 0
	start := time.Now()
	err := RetryWithConfig(context.Background(), config, func() error {
		calls++
		return ErrTimeout
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	config := DefaultRetryConfig()
	assert.Equal(t, 200*time.Millisecond, calculateNextBackoff(100*time.Millisecond, config))
	assert.Equal(t, ConnectionMaxBackoff, calculateNextBackoff(400*time.Millisecond, config))

	assert.Equal(t, time.Second, calculateJitteredSleep(time.Second, 0))
	for range 20 {
		got := calculateJitteredSleep(time.Second, 0.1)
		assert.GreaterOrEqual(t, got, time.Second)
		assert.LessOrEqual(t, got, 1100*time.Millisecond)
	}
}

func TestRetryWithConfig_NilConfig(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	err := RetryWithConfig(context.Background(), nil, func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)
}

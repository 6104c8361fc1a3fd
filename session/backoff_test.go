/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffFixed(t *testing.T) {
	cfg := BackoffConfig{Mode: backoffFixed, Step: 100 * time.Millisecond, MaxValue: 10 * time.Second}
	b := newBackoff(cfg, 10*time.Second)
	require.Equal(t, 100*time.Millisecond, b.next())
	require.Equal(t, 100*time.Millisecond, b.next())
	b.reset()
	require.Equal(t, 100*time.Millisecond, b.next())
}

func TestBackoffLinear(t *testing.T) {
	cfg := BackoffConfig{Mode: backoffLinear, Step: 100 * time.Millisecond, MaxValue: 10 * time.Second}
	b := newBackoff(cfg, 10*time.Second)
	require.Equal(t, 100*time.Millisecond, b.next())
	require.Equal(t, 200*time.Millisecond, b.next())
	require.Equal(t, 300*time.Millisecond, b.next())
}

func TestBackoffExponential(t *testing.T) {
	cfg := BackoffConfig{Mode: backoffExponential, Step: 100 * time.Millisecond, MaxValue: 10 * time.Second}
	b := newBackoff(cfg, 10*time.Second)
	require.Equal(t, 100*time.Millisecond, b.next())
	require.Equal(t, 200*time.Millisecond, b.next())
	require.Equal(t, 400*time.Millisecond, b.next())
	require.Equal(t, 800*time.Millisecond, b.next())
}

func TestBackoffBoundedByMaxValue(t *testing.T) {
	cfg := BackoffConfig{Mode: backoffExponential, Step: 1 * time.Second, MaxValue: 2 * time.Second}
	b := newBackoff(cfg, 100*time.Second)
	require.Equal(t, 1*time.Second, b.next())
	require.Equal(t, 2*time.Second, b.next())
	require.Equal(t, 2*time.Second, b.next(), "capped at MaxValue even as the exponent keeps growing")
}

func TestBackoffBoundedByHalfReplyTimeout(t *testing.T) {
	cfg := BackoffConfig{Mode: backoffFixed, Step: 1 * time.Second, MaxValue: 10 * time.Second}
	b := newBackoff(cfg, 1*time.Second) // bound = replyTimeout/2 = 500ms
	require.Equal(t, 500*time.Millisecond, b.next(), "fixed step 1s is clamped to reply_timeout/2")
}

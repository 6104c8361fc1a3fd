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

	"github.com/stretchr/testify/require"
)

func TestStatsCountersAccumulate(t *testing.T) {
	s := NewStats()
	s.IncFramesSent(true)
	s.IncFramesSent(true)
	s.IncFramesSent(false)
	s.IncFramesReceived(true)
	s.IncDroppedDuplicate()
	s.IncDroppedStale()
	s.IncTimeoutFired()
	s.IncMDCompleted()
	s.IncMDFailed()
	s.IncStatus(Timeout)
	s.IncStatus(Timeout)
	s.ObserveMDLatency(0.002)
	s.ObserveMDLatency(0.004)

	snap := s.Snapshot()
	require.Equal(t, int64(2), snap["frames_sent.pd"])
	require.Equal(t, int64(1), snap["frames_sent.md"])
	require.Equal(t, int64(1), snap["frames_received.pd"])
	require.Equal(t, int64(1), snap["dropped.duplicate"])
	require.Equal(t, int64(1), snap["dropped.stale"])
	require.Equal(t, int64(1), snap["timeouts.fired"])
	require.Equal(t, int64(1), snap["md.completed"])
	require.Equal(t, int64(1), snap["md.failed"])
	require.Equal(t, int64(2), snap["status.Timeout"])
	require.Equal(t, int64(2), snap["md.latency.count"])
	require.Equal(t, int64(3000), snap["md.latency.mean"]) // mean(0.002,0.004)=0.003s -> 3000us
}

func TestStatsReset(t *testing.T) {
	s := NewStats()
	s.IncFramesSent(true)
	s.IncStatus(Timeout)
	s.ObserveMDLatency(0.1)

	s.Reset()

	snap := s.Snapshot()
	require.Equal(t, int64(0), snap["frames_sent.pd"])
	require.Equal(t, int64(0), snap["md.latency.count"])
	require.Equal(t, int64(0), snap["status.Timeout"], "reset zeroes counters in place rather than deleting keys")
}

func TestFlattenKeyReplacesNonAlphanumeric(t *testing.T) {
	require.Equal(t, "frames_sent_pd", flattenKey("frames_sent.pd"))
	require.Equal(t, "status_Timeout", flattenKey("status.Timeout"))
}

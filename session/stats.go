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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats is the metric collection interface a Session reports through.
// Increments happen under the session lock, except that the argument checks
// at the top of Publish, Subscribe and Request count their errors before
// taking it; the default implementation guards its counters with its own
// mutexes.
type Stats interface {
	// Start begins serving /metrics on the given port.
	Start(monitoringPort int)

	IncFramesSent(pd bool)
	IncFramesReceived(pd bool)
	IncStatus(s Status)
	IncDroppedDuplicate()
	IncDroppedStale()
	IncTimeoutFired()
	IncMDCompleted()
	IncMDFailed()
	ObserveMDLatency(seconds float64)

	Snapshot() map[string]int64
	Reset()
}

// syncMapInt64 mirrors ptp/ptp4u/stats' counter map: a mutex-guarded map of
// independently keyed counters, used here for per-Status counts.
type syncMapInt64 struct {
	sync.Mutex
	m map[string]int64
}

func (s *syncMapInt64) init() { s.m = make(map[string]int64) }

func (s *syncMapInt64) inc(key string) {
	s.Lock()
	if s.m == nil {
		s.m = make(map[string]int64)
	}
	s.m[key]++
	s.Unlock()
}

func (s *syncMapInt64) snapshot() map[string]int64 {
	s.Lock()
	defer s.Unlock()
	out := make(map[string]int64, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

func (s *syncMapInt64) reset() {
	s.Lock()
	for k := range s.m {
		s.m[k] = 0
	}
	s.Unlock()
}

// stats is the default Stats implementation: in-memory counters exported
// both as a plain snapshot and, once Start is called, as Prometheus gauges -
// grounded on ptp/ptp4u/stats/stats.go's counter shape and sptp/stats's
// PrometheusExporter.
type stats struct {
	framesSentPD     int64
	framesSentMD     int64
	framesRecvPD     int64
	framesRecvMD     int64
	droppedDuplicate int64
	droppedStale     int64
	timeoutsFired    int64
	mdCompleted      int64
	mdFailed         int64

	byStatus syncMapInt64

	mu          sync.Mutex
	latency     *welford.Stats
	latencyObs  int64

	registry *prometheus.Registry
}

// NewStats returns the default Stats implementation.
func NewStats() Stats {
	s := &stats{latency: welford.New(), registry: prometheus.NewRegistry()}
	s.byStatus.init()
	return s
}

// Start begins serving /metrics, scraping Snapshot into Prometheus gauges
// every second - grounded on sptp/stats's PrometheusExporter.scrapeMetrics,
// simplified since the source of truth is in-process rather than fetched
// over HTTP.
func (s *stats) Start(monitoringPort int) {
	go func() {
		for {
			s.scrape()
			time.Sleep(time.Second)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", monitoringPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("session: stats listener on %s stopped: %v", addr, err)
		}
	}()
}

func (s *stats) scrape() {
	for key, val := range s.Snapshot() {
		name := flattenKey(key)
		g, err := s.gaugeFor(name)
		if err != nil {
			log.Errorf("session: registering metric %s: %v", name, err)
			continue
		}
		g.Set(float64(val))
	}
}

func (s *stats) gaugeFor(name string) (prometheus.Gauge, error) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: name})
	if err := s.registry.Register(g); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			return are.ExistingCollector.(prometheus.Gauge), nil
		}
		return nil, err
	}
	return g, nil
}

func flattenKey(key string) string {
	out := make([]byte, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (s *stats) IncFramesSent(pd bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pd {
		s.framesSentPD++
	} else {
		s.framesSentMD++
	}
}

func (s *stats) IncFramesReceived(pd bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pd {
		s.framesRecvPD++
	} else {
		s.framesRecvMD++
	}
}

func (s *stats) IncStatus(st Status) {
	s.byStatus.inc(st.String())
}

func (s *stats) IncDroppedDuplicate() {
	s.mu.Lock()
	s.droppedDuplicate++
	s.mu.Unlock()
}

func (s *stats) IncDroppedStale() {
	s.mu.Lock()
	s.droppedStale++
	s.mu.Unlock()
}

func (s *stats) IncTimeoutFired() {
	s.mu.Lock()
	s.timeoutsFired++
	s.mu.Unlock()
}

func (s *stats) IncMDCompleted() {
	s.mu.Lock()
	s.mdCompleted++
	s.mu.Unlock()
}

func (s *stats) IncMDFailed() {
	s.mu.Lock()
	s.mdFailed++
	s.mu.Unlock()
}

func (s *stats) ObserveMDLatency(seconds float64) {
	s.mu.Lock()
	s.latency.Add(seconds)
	s.latencyObs++
	s.mu.Unlock()
}

func (s *stats) Snapshot() map[string]int64 {
	s.mu.Lock()
	out := map[string]int64{
		"frames_sent.pd":     s.framesSentPD,
		"frames_sent.md":     s.framesSentMD,
		"frames_received.pd": s.framesRecvPD,
		"frames_received.md": s.framesRecvMD,
		"dropped.duplicate":  s.droppedDuplicate,
		"dropped.stale":      s.droppedStale,
		"timeouts.fired":     s.timeoutsFired,
		"md.completed":       s.mdCompleted,
		"md.failed":          s.mdFailed,
		"md.latency.count":   s.latencyObs,
		"md.latency.mean":    int64(s.latency.Mean() * 1e6), // microseconds
	}
	s.mu.Unlock()
	for k, v := range s.byStatus.snapshot() {
		out["status."+k] = v
	}
	return out
}

func (s *stats) Reset() {
	s.mu.Lock()
	s.framesSentPD, s.framesSentMD = 0, 0
	s.framesRecvPD, s.framesRecvMD = 0, 0
	s.droppedDuplicate, s.droppedStale = 0, 0
	s.timeoutsFired = 0
	s.mdCompleted, s.mdFailed = 0, 0
	s.latency = welford.New()
	s.latencyObs = 0
	s.mu.Unlock()
	s.byStatus.reset()
}

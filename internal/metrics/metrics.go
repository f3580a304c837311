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

// Package metrics registers the daemon's Prometheus counters and gauges and
// serves them over the base-station-facing /metrics endpoint. It implements
// the narrow Stats interfaces declared by bus, clock, logger, and egress, so
// a single Registry can be wired into every component without any of them
// importing prometheus directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetry"

// Registry owns every metric the daemon exports and the registry they live
// in. Nothing outside this package touches prometheus types directly.
type Registry struct {
	reg *prometheus.Registry

	samplesPushed      prometheus.Counter
	samplesDropped     *prometheus.CounterVec
	busLockTimeouts    prometheus.Counter
	clockOffsetUs      prometheus.Gauge
	clockOffsetJitter  prometheus.Gauge
	clockSyncResponses *prometheus.CounterVec
	logBytesWritten    prometheus.Counter
	logRotations       prometheus.Counter
	radioFramesSent    prometheus.Counter
	radioTxRetries     prometheus.Counter
}

// New constructs and registers every metric against a fresh registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.samplesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_pushed_total",
		Help:      "Samples successfully appended to the shared bus.",
	})
	r.samplesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_dropped_total",
		Help:      "Samples dropped before reaching the bus, by reason.",
	}, []string{"reason"})
	r.busLockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_lock_timeouts_total",
		Help:      "Bus operations that gave up waiting for the ring mutex.",
	})
	r.clockOffsetUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clock_offset_microseconds",
		Help:      "Most recent disciplined clock offset from the base station, in microseconds.",
	})
	r.clockOffsetJitter = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clock_offset_jitter_microseconds",
		Help:      "Standard deviation of accepted sync round-trip delays, in microseconds.",
	})
	r.clockSyncResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clock_sync_responses_total",
		Help:      "Sync exchange responses, by result.",
	}, []string{"result"})
	r.logBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_bytes_written_total",
		Help:      "Bytes flushed to the on-vehicle storage log.",
	})
	r.logRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_rotations_total",
		Help:      "Log files opened across all logging sessions.",
	})
	r.radioFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radio_frames_sent_total",
		Help:      "Frames handed to the radio gateway for transmission.",
	})
	r.radioTxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "radio_tx_retries_total",
		Help:      "Radio sends that failed; the failed frame is dropped from the queue.",
	})

	for _, c := range []prometheus.Collector{
		r.samplesPushed, r.samplesDropped, r.busLockTimeouts,
		r.clockOffsetUs, r.clockOffsetJitter, r.clockSyncResponses,
		r.logBytesWritten, r.logRotations, r.radioFramesSent, r.radioTxRetries,
	} {
		r.reg.MustRegister(c)
	}
	return r
}

// Handler serves the registered metrics in OpenMetrics-compatible exposition
// format, for mounting on the daemon's /metrics route.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// IncSamplesPushed implements bus.Stats.
func (r *Registry) IncSamplesPushed() { r.samplesPushed.Inc() }

// IncSamplesDropped implements bus.Stats.
func (r *Registry) IncSamplesDropped(reason string) { r.samplesDropped.WithLabelValues(reason).Inc() }

// IncLockTimeouts implements bus.Stats.
func (r *Registry) IncLockTimeouts() { r.busLockTimeouts.Inc() }

// IncSyncAccepted implements clock.Stats.
func (r *Registry) IncSyncAccepted() { r.clockSyncResponses.WithLabelValues("accepted").Inc() }

// IncSyncDiscarded implements clock.Stats.
func (r *Registry) IncSyncDiscarded(reason string) {
	r.clockSyncResponses.WithLabelValues(reason).Inc()
}

// SetOffsetMicroseconds implements clock.Stats.
func (r *Registry) SetOffsetMicroseconds(v float64) { r.clockOffsetUs.Set(v) }

// SetOffsetJitterMicroseconds implements clock.Stats.
func (r *Registry) SetOffsetJitterMicroseconds(v float64) { r.clockOffsetJitter.Set(v) }

// AddBytesWritten implements logger.Stats.
func (r *Registry) AddBytesWritten(n int) { r.logBytesWritten.Add(float64(n)) }

// IncRotations implements logger.Stats.
func (r *Registry) IncRotations() { r.logRotations.Inc() }

// IncFramesSent implements egress.Stats.
func (r *Registry) IncFramesSent() { r.radioFramesSent.Inc() }

// IncTxRetries implements egress.Stats.
func (r *Registry) IncTxRetries() { r.radioTxRetries.Inc() }

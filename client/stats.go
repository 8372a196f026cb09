// Copyright (c) 2022 The rcproxy Authors
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

package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// clientStats mirrors the shape of the teacher's core/stats.go ProxyStats,
// narrowed to what this core's components emit. Unlike the teacher's single
// package-level GlobalStats registered against the default registry, each
// Client owns a private prometheus.Registry: the teacher only ever ran one
// proxy per process, but nothing here stops an application from
// constructing several Clients, and prometheus.MustRegister panics on a
// second registration of the same metric name against the default registry.
type clientStats struct {
	registry *prometheus.Registry

	dialAttempts *prometheus.CounterVec
	dialFailures *prometheus.CounterVec

	poolSize      *prometheus.GaugeVec
	pendingDepth  prometheus.Gauge
	registryDepth prometheus.Gauge

	sendSuccess *prometheus.CounterVec
	sendFailure *prometheus.CounterVec
	sendRetries *prometheus.CounterVec

	pendingTimeouts prometheus.Counter
	receiveTimeouts *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

func newClientStats(namespace string) *clientStats {
	reg := prometheus.NewRegistry()
	s := &clientStats{
		registry: reg,
		dialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dial_attempts_total", Help: "connect attempts per endpoint",
		}, []string{"endpoint"}),
		dialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dial_failures_total", Help: "failed connect attempts per endpoint",
		}, []string{"endpoint"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_connections", Help: "connections currently registered in the pool",
		}, []string{"endpoint"}),
		pendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_queue_depth", Help: "requests waiting for a connection",
		}),
		registryDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "receiving_registry_depth", Help: "requests awaiting a response",
		}),
		sendSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_success_total", Help: "successful sends per endpoint",
		}, []string{"endpoint"}),
		sendFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_failure_total", Help: "failed sends per endpoint",
		}, []string{"endpoint"}),
		sendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_retries_total", Help: "requests re-dispatched after a send failure",
		}, []string{"endpoint"}),
		pendingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pending_send_timeouts_total", Help: "requests that aged out of the pending-send queue",
		}),
		receiveTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "receive_timeouts_total", Help: "requests that aged out waiting for a response",
		}, []string{"name"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_latency_ms", Help: "time from send to response",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"name"}),
	}
	reg.MustRegister(
		s.dialAttempts, s.dialFailures, s.poolSize, s.pendingDepth, s.registryDepth,
		s.sendSuccess, s.sendFailure, s.sendRetries, s.pendingTimeouts, s.receiveTimeouts,
		s.requestLatency,
	)
	return s
}

func (s *clientStats) observeLatency(name string, d time.Duration) {
	s.requestLatency.WithLabelValues(name).Observe(float64(d.Milliseconds()))
}

// Registry exposes the private prometheus.Registry backing this Client's
// metrics, so an application's admin HTTP server can wire it into its own
// /metrics handler (see web.Init).
func (c *Client) Registry() *prometheus.Registry {
	return c.stats.registry
}

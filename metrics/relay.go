// Copyright 2022 The zonerelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the Prometheus instrumentation of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "zonerelay"

	// DeliverySuccess delivery status label for a payload handed to a subscriber
	DeliverySuccess = "success"
	// DeliveryFailure delivery status label for a payload a subscriber could not take
	DeliveryFailure = "failure"
)

// RelayMetrics holds metrics related to upstream activity and subscriber delivery.
//
// All record methods are safe to call on a nil *RelayMetrics.
type RelayMetrics struct {
	// UpstreamEventsTotal tracks events received from each zone's upstream.
	// Labels: zone
	UpstreamEventsTotal *prometheus.CounterVec

	// UpstreamConnected is 1 while the zone's upstream is connected, 0 otherwise.
	// Labels: zone
	UpstreamConnected *prometheus.GaugeVec

	// UpstreamErrorsTotal tracks transport errors reported by each zone's upstream.
	// Labels: zone
	UpstreamErrorsTotal *prometheus.CounterVec

	// DeliveriesTotal tracks per subscriber deliveries.
	// Labels: zone, status (success, failure)
	DeliveriesTotal *prometheus.CounterVec

	// ActiveSubscribers tracks the currently registered subscribers.
	// Labels: zone
	ActiveSubscribers *prometheus.GaugeVec

	// RejectedConnectionsTotal tracks subscriber connections rejected for an unknown or
	// missing zone.
	RejectedConnectionsTotal prometheus.Counter
}

// NewRelayMetrics creates relay metrics registered with the default registry.
func NewRelayMetrics() *RelayMetrics {
	return NewRelayMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRelayMetricsWithRegistry creates relay metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewRelayMetricsWithRegistry(reg prometheus.Registerer) *RelayMetrics {
	upstreamEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "events_total",
			Help:      "Total number of events received from a zone's upstream.",
		},
		[]string{"zone"},
	)

	upstreamConnected := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "connected",
			Help:      "Whether a zone's upstream is currently connected.",
		},
		[]string{"zone"},
	)

	upstreamErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Total number of transport errors reported by a zone's upstream.",
		},
		[]string{"zone"},
	)

	deliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "deliveries_total",
			Help:      "Total number of per subscriber deliveries, broken down by status.",
		},
		[]string{"zone", "status"},
	)

	activeSubscribers := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "active",
			Help:      "Current number of registered subscribers.",
		},
		[]string{"zone"},
	)

	rejected := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "rejected_total",
			Help:      "Total number of subscriber connections rejected for an unknown zone.",
		},
	)

	reg.MustRegister(upstreamEvents)
	reg.MustRegister(upstreamConnected)
	reg.MustRegister(upstreamErrors)
	reg.MustRegister(deliveries)
	reg.MustRegister(activeSubscribers)
	reg.MustRegister(rejected)

	return &RelayMetrics{
		UpstreamEventsTotal:      upstreamEvents,
		UpstreamConnected:        upstreamConnected,
		UpstreamErrorsTotal:      upstreamErrors,
		DeliveriesTotal:          deliveries,
		ActiveSubscribers:        activeSubscribers,
		RejectedConnectionsTotal: rejected,
	}
}

// RecordUpstreamEvent counts one event received from a zone's upstream.
func (m *RelayMetrics) RecordUpstreamEvent(zone string) {
	if m == nil {
		return
	}
	m.UpstreamEventsTotal.WithLabelValues(zone).Inc()
}

// RecordUpstreamConnected updates the zone's upstream connection gauge.
func (m *RelayMetrics) RecordUpstreamConnected(zone string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.UpstreamConnected.WithLabelValues(zone).Set(value)
}

// RecordUpstreamError counts one transport error on a zone's upstream.
func (m *RelayMetrics) RecordUpstreamError(zone string) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(zone).Inc()
}

// RecordDelivery counts one delivery attempt to a subscriber.
func (m *RelayMetrics) RecordDelivery(zone string, success bool) {
	if m == nil {
		return
	}
	status := DeliverySuccess
	if !success {
		status = DeliveryFailure
	}
	m.DeliveriesTotal.WithLabelValues(zone, status).Inc()
}

// RecordActiveSubscribers sets the number of registered subscribers of a zone.
func (m *RelayMetrics) RecordActiveSubscribers(zone string, count int) {
	if m == nil {
		return
	}
	m.ActiveSubscribers.WithLabelValues(zone).Set(float64(count))
}

// RecordRejectedConnection counts one rejected subscriber connection.
func (m *RelayMetrics) RecordRejectedConnection() {
	if m == nil {
		return
	}
	m.RejectedConnectionsTotal.Inc()
}

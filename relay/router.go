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

package relay

import (
	"github.com/alwitt/goutils"
	"github.com/alwitt/zonerelay/metrics"
	"github.com/apex/log"
)

// Router fans an upstream event out to the subscribers of its zone
type Router struct {
	goutils.Component
	registry *Registry
	metrics  *metrics.RelayMetrics
}

// NewRouter define a new event router reading from the registry
func NewRouter(registry *Registry, relayMetrics *metrics.RelayMetrics) *Router {
	logTags := log.Fields{"module": "relay", "component": "router"}
	return &Router{
		Component: goutils.Component{LogTags: logTags},
		registry:  registry,
		metrics:   relayMetrics,
	}
}

// Forward hand the payload, unmodified, to every subscriber of the zone.
//
// Delivery is best effort. A subscriber which can not take the payload is skipped without
// affecting the others. Returns the number of subscribers which took it. An event for a
// zone without subscribers is dropped.
func (r *Router) Forward(zone string, payload []byte) int {
	members := r.registry.FindByZone(zone)
	if len(members) == 0 {
		return 0
	}
	delivered := 0
	for _, sub := range members {
		if err := sub.Transport.Deliver(payload); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf("Delivery to %s failed", sub)
			r.metrics.RecordDelivery(zone, false)
			continue
		}
		r.metrics.RecordDelivery(zone, true)
		delivered++
	}
	return delivered
}

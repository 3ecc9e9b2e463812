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

package upstream

import (
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/zonerelay/metrics"
	"github.com/alwitt/zonerelay/zones"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// Forwarder hands an upstream event to the subscribers of its zone
type Forwarder interface {
	// Forward deliver the payload to the zone's subscribers. Returns the number of
	// subscribers which accepted it.
	Forward(zone string, payload []byte) int
}

// Status reported view of one upstream connection
type Status struct {
	// Zone is the zone ID
	Zone string `json:"zone"`
	// Name is the zone name
	Name string `json:"name"`
	// State is the connection state
	State string `json:"state"`
	// EventCount is the number of events received since startup
	EventCount uint64 `json:"event_count"`
	// LastEventAt is when the last event was received
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

// upstreamConnection one zone's upstream entry. Persists across reconnects.
type upstreamConnection struct {
	zone        zones.ZoneDescriptor
	state       ConnectionState
	eventCount  uint64
	lastEventAt *time.Time
	source      EventSource
}

func (c *upstreamConnection) status() Status {
	result := Status{
		Zone: c.zone.ID, Name: c.zone.Name, State: c.state.String(), EventCount: c.eventCount,
	}
	if c.lastEventAt != nil {
		t := *c.lastEventAt
		result.LastEventAt = &t
	}
	return result
}

// Pool owns one upstream connection per zone, and the per zone activity counters.
//
// The pool is not thread safe. Open must complete before the first HandleEvent, and every
// HandleEvent, Snapshot and ActiveZones call must come from the same event loop.
type Pool struct {
	goutils.Component
	factory     SourceFactory
	forwarder   Forwarder
	clock       clock.Clock
	metrics     *metrics.RelayMetrics
	connections map[string]*upstreamConnection
	zoneOrder   []string
}

// NewPool define a new upstream connection pool
func NewPool(
	factory SourceFactory,
	forwarder Forwarder,
	clk clock.Clock,
	relayMetrics *metrics.RelayMetrics,
) (*Pool, error) {
	if factory == nil || forwarder == nil {
		return nil, fmt.Errorf("upstream pool needs a source factory and a forwarder")
	}
	if clk == nil {
		clk = clock.New()
	}
	logTags := log.Fields{"module": "upstream", "component": "pool"}
	return &Pool{
		Component:   goutils.Component{LogTags: logTags},
		factory:     factory,
		forwarder:   forwarder,
		clock:       clk,
		metrics:     relayMetrics,
		connections: make(map[string]*upstreamConnection),
	}, nil
}

// Open define the upstream connection of a zone. Its initial state is StateConnecting.
//
// The transport is not started until Connect is called.
func (p *Pool) Open(zone zones.ZoneDescriptor) error {
	if _, ok := p.connections[zone.ID]; ok {
		return fmt.Errorf("upstream for zone %s already opened", zone.ID)
	}
	source, err := p.factory(zone)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to define source for %s", zone)
		return err
	}
	p.connections[zone.ID] = &upstreamConnection{
		zone: zone, state: StateConnecting, source: source,
	}
	p.zoneOrder = append(p.zoneOrder, zone.ID)
	sort.Strings(p.zoneOrder)
	p.metrics.RecordUpstreamConnected(zone.ID, false)
	log.WithFields(p.LogTags).Debugf("Opened upstream for %s", zone)
	return nil
}

// Connect start the transport of every opened upstream. Notifications are passed to emit,
// which should hand them to the event loop calling HandleEvent.
//
// A transport which fails to start is reported through emit as an error followed by a
// disconnect, and the remaining transports are still started.
func (p *Pool) Connect(emit EmitFunc) error {
	var result error
	for _, zoneID := range p.zoneOrder {
		entry := p.connections[zoneID]
		if err := entry.source.Start(emit); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Unable to start upstream for %s", zoneID)
			emit(SourceEvent{Zone: zoneID, Kind: SourceError, Err: err})
			emit(SourceEvent{Zone: zoneID, Kind: SourceDisconnected, Err: err})
			result = multierr.Append(result, err)
		}
	}
	return result
}

// HandleEvent apply one notification from an upstream transport
func (p *Pool) HandleEvent(evt SourceEvent) {
	entry, ok := p.connections[evt.Zone]
	if !ok {
		log.WithFields(p.LogTags).Errorf("Dropping %s notification for unknown zone %s", evt.Kind, evt.Zone)
		return
	}
	switch evt.Kind {
	case SourceConnected:
		if entry.state != StateConnected {
			log.WithFields(p.LogTags).Infof("Upstream %s connected", evt.Zone)
		}
		entry.state = StateConnected
		p.metrics.RecordUpstreamConnected(evt.Zone, true)

	case SourceDisconnected:
		if entry.state != StateDisconnected {
			log.WithError(evt.Err).WithFields(p.LogTags).Warnf("Upstream %s disconnected", evt.Zone)
		}
		entry.state = StateDisconnected
		p.metrics.RecordUpstreamConnected(evt.Zone, false)

	case SourceError:
		log.WithError(evt.Err).WithFields(p.LogTags).Errorf("Upstream %s transport error", evt.Zone)
		p.metrics.RecordUpstreamError(evt.Zone)

	case SourceMessage:
		delivered := p.forwarder.Forward(evt.Zone, evt.Payload)
		// Counted whether or not anyone received it
		now := p.clock.Now()
		entry.eventCount++
		entry.lastEventAt = &now
		p.metrics.RecordUpstreamEvent(evt.Zone)
		log.WithFields(p.LogTags).Debugf(
			"Upstream %s event %d forwarded to %d subscribers", evt.Zone, entry.eventCount, delivered,
		)

	default:
		log.WithFields(p.LogTags).Errorf("Unknown notification %s from %s", evt.Kind, evt.Zone)
	}
}

// Get the status of one zone's upstream
func (p *Pool) Get(zone string) (Status, bool) {
	entry, ok := p.connections[zone]
	if !ok {
		return Status{}, false
	}
	return entry.status(), true
}

// Snapshot the status of every upstream, sorted by zone
func (p *Pool) Snapshot() []Status {
	result := make([]Status, 0, len(p.zoneOrder))
	for _, zoneID := range p.zoneOrder {
		result = append(result, p.connections[zoneID].status())
	}
	return result
}

// ActiveZones the sorted IDs of the zones whose upstream is currently connected
func (p *Pool) ActiveZones() []string {
	result := []string{}
	for _, zoneID := range p.zoneOrder {
		if p.connections[zoneID].state == StateConnected {
			result = append(result, zoneID)
		}
	}
	return result
}

// Close terminate every upstream transport
func (p *Pool) Close() error {
	var result error
	for _, zoneID := range p.zoneOrder {
		if err := p.connections[zoneID].source.Close(); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Failed to close upstream %s", zoneID)
			result = multierr.Append(result, err)
		}
	}
	return result
}

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
	"testing"
	"time"

	"github.com/alwitt/zonerelay/metrics"
	"github.com/alwitt/zonerelay/zones"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// mockSource EventSource which records its lifecycle calls
type mockSource struct {
	zone     string
	startErr error
	started  int
	closed   int
}

func (s *mockSource) Start(emit EmitFunc) error {
	s.started++
	return s.startErr
}

func (s *mockSource) Close() error {
	s.closed++
	return nil
}

// mockForwarder Forwarder which records every forwarded payload
type mockForwarder struct {
	subscribers map[string]int
	forwarded   map[string][][]byte
}

func (f *mockForwarder) Forward(zone string, payload []byte) int {
	f.forwarded[zone] = append(f.forwarded[zone], payload)
	return f.subscribers[zone]
}

func TestPoolLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sources := map[string]*mockSource{}
	factory := func(zone zones.ZoneDescriptor) (EventSource, error) {
		if zone.ID == "BROKEN" {
			return nil, fmt.Errorf("dummy error")
		}
		source := &mockSource{zone: zone.ID}
		if zone.ID == "FAULTY" {
			source.startErr = fmt.Errorf("dummy start error")
		}
		sources[zone.ID] = source
		return source, nil
	}
	forwarder := &mockForwarder{subscribers: map[string]int{}, forwarded: map[string][][]byte{}}
	testClock := clock.NewMock()
	reg := prometheus.NewRegistry()
	relayMetrics := metrics.NewRelayMetricsWithRegistry(reg)

	// Case 0: missing collaborators
	{
		_, err := NewPool(nil, forwarder, testClock, nil)
		assert.NotNil(err)
	}

	uut, err := NewPool(factory, forwarder, testClock, relayMetrics)
	assert.Nil(err)

	// Case 1: open zones
	assert.Nil(uut.Open(zones.ZoneDescriptor{ID: "LONDON", Name: "London"}))
	assert.Nil(uut.Open(zones.ZoneDescriptor{ID: "BARCELONA", Name: "Barcelona"}))
	assert.Nil(uut.Open(zones.ZoneDescriptor{ID: "FAULTY", Name: "Faulty"}))
	assert.NotNil(uut.Open(zones.ZoneDescriptor{ID: "LONDON", Name: "London"}))
	assert.NotNil(uut.Open(zones.ZoneDescriptor{ID: "BROKEN", Name: "Broken"}))
	{
		snapshot := uut.Snapshot()
		assert.Len(snapshot, 3)
		assert.Equal("BARCELONA", snapshot[0].Zone)
		assert.Equal("FAULTY", snapshot[1].Zone)
		assert.Equal("LONDON", snapshot[2].Zone)
		for _, entry := range snapshot {
			assert.Equal(StateConnecting.String(), entry.State)
			assert.Equal(uint64(0), entry.EventCount)
			assert.Nil(entry.LastEventAt)
		}
		assert.Empty(uut.ActiveZones())
	}

	// Case 2: start the transports. The faulty one is reported through emit.
	emitted := []SourceEvent{}
	{
		err := uut.Connect(func(evt SourceEvent) { emitted = append(emitted, evt) })
		assert.NotNil(err)
		for _, source := range sources {
			assert.Equal(1, source.started)
		}
		assert.Len(emitted, 2)
		assert.Equal(SourceEvent{Zone: "FAULTY", Kind: SourceError, Err: emitted[0].Err}, emitted[0])
		assert.Equal(SourceDisconnected, emitted[1].Kind)
		for _, evt := range emitted {
			uut.HandleEvent(evt)
		}
		status, ok := uut.Get("FAULTY")
		assert.True(ok)
		assert.Equal(StateDisconnected.String(), status.State)
		assert.Equal(
			1.0, testutil.ToFloat64(relayMetrics.UpstreamErrorsTotal.WithLabelValues("FAULTY")),
		)
	}

	// Case 3: transports connect
	{
		uut.HandleEvent(SourceEvent{Zone: "LONDON", Kind: SourceConnected})
		uut.HandleEvent(SourceEvent{Zone: "BARCELONA", Kind: SourceConnected})
		assert.Equal([]string{"BARCELONA", "LONDON"}, uut.ActiveZones())
		assert.Equal(
			1.0, testutil.ToFloat64(relayMetrics.UpstreamConnected.WithLabelValues("LONDON")),
		)
	}

	// Case 4: event with no subscribers is still counted
	{
		testClock.Add(time.Minute)
		uut.HandleEvent(SourceEvent{Zone: "LONDON", Kind: SourceMessage, Payload: []byte("1")})
		status, ok := uut.Get("LONDON")
		assert.True(ok)
		assert.Equal(uint64(1), status.EventCount)
		assert.NotNil(status.LastEventAt)
		assert.Equal(testClock.Now(), *status.LastEventAt)
		assert.Equal([][]byte{[]byte("1")}, forwarder.forwarded["LONDON"])
	}

	// Case 5: event with subscribers
	{
		forwarder.subscribers["LONDON"] = 2
		testClock.Add(time.Minute)
		uut.HandleEvent(SourceEvent{Zone: "LONDON", Kind: SourceMessage, Payload: []byte("2")})
		status, _ := uut.Get("LONDON")
		assert.Equal(uint64(2), status.EventCount)
		assert.Equal(testClock.Now(), *status.LastEventAt)
		assert.Equal(
			2.0, testutil.ToFloat64(relayMetrics.UpstreamEventsTotal.WithLabelValues("LONDON")),
		)
	}

	// Case 6: disconnect keeps the entry and its counters
	{
		uut.HandleEvent(SourceEvent{
			Zone: "LONDON", Kind: SourceDisconnected, Err: fmt.Errorf("dummy error"),
		})
		status, ok := uut.Get("LONDON")
		assert.True(ok)
		assert.Equal(StateDisconnected.String(), status.State)
		assert.Equal(uint64(2), status.EventCount)
		assert.Equal([]string{"BARCELONA"}, uut.ActiveZones())
		assert.Len(uut.Snapshot(), 3)
	}

	// Case 7: reconnect
	{
		uut.HandleEvent(SourceEvent{Zone: "LONDON", Kind: SourceConnected})
		assert.Equal([]string{"BARCELONA", "LONDON"}, uut.ActiveZones())
	}

	// Case 8: transport error does not change state
	{
		uut.HandleEvent(SourceEvent{Zone: "LONDON", Kind: SourceError, Err: fmt.Errorf("dummy")})
		status, _ := uut.Get("LONDON")
		assert.Equal(StateConnected.String(), status.State)
	}

	// Case 9: event for unknown zone is dropped
	{
		uut.HandleEvent(SourceEvent{Zone: "TOKYO", Kind: SourceMessage, Payload: []byte("3")})
		_, ok := uut.Get("TOKYO")
		assert.False(ok)
		assert.Empty(forwarder.forwarded["TOKYO"])
	}

	// Case 10: snapshots are copies
	{
		status, _ := uut.Get("LONDON")
		*status.LastEventAt = time.Time{}
		fresh, _ := uut.Get("LONDON")
		assert.Equal(testClock.Now(), *fresh.LastEventAt)
	}

	// Case 11: close every source
	assert.Nil(uut.Close())
	for _, source := range sources {
		assert.Equal(1, source.closed)
	}
}

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

// Package relay forwards zone scoped upstream events to the subscribers of each zone.
//
// Every state transition (subscriber admission and removal, upstream notifications, event
// fan-out) runs as a task on a single event loop, so the registry and the upstream pool are
// never touched concurrently.
package relay

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/alwitt/goutils"
	"github.com/alwitt/zonerelay/common"
	"github.com/alwitt/zonerelay/metrics"
	"github.com/alwitt/zonerelay/upstream"
	"github.com/alwitt/zonerelay/zones"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// Params parameters for defining a Relay
type Params struct {
	// Catalog is the set of known zones
	Catalog *zones.Catalog
	// SourceFactory defines each zone's upstream transport
	SourceFactory upstream.SourceFactory
	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
	// Metrics is the relay instrumentation. Optional.
	Metrics *metrics.RelayMetrics
	// EventLoopBuffer is the number of tasks the event loop queues
	EventLoopBuffer int
}

// Relay one relay instance: the zone catalog, the upstream pool, the subscriber registry,
// and the event loop serializing all of them.
type Relay struct {
	goutils.Component
	catalog     *zones.Catalog
	registry    *Registry
	router      *Router
	lifecycle   *LifecycleManager
	pool        *upstream.Pool
	loop        common.TaskProcessor
	runtimeCtxt context.Context
	// stopping is set to 1 once Stop begins
	stopping int32
}

// ==============================================================================
// Event loop tasks

type connectResult struct {
	sub *Subscriber
	err error
}

type connectRequest struct {
	rawZone   string
	transport SubscriberTransport
	result    chan connectResult
}

type terminateRequest struct {
	id  uint64
	err error
}

type upstreamStatusRequest struct {
	result chan []upstream.Status
}

type activeZonesRequest struct {
	result chan []string
}

type subscriberCountRequest struct {
	result chan map[string]int
}

type closeSubscribersRequest struct {
	done chan bool
}

// ==============================================================================

// NewRelay define a new relay instance. The event loop lives until ctxt is cancelled or
// Stop is called.
func NewRelay(ctxt context.Context, params Params) (*Relay, error) {
	if params.Catalog == nil {
		return nil, fmt.Errorf("relay needs a zone catalog")
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	logTags := log.Fields{"module": "relay", "component": "relay"}

	loop, err := common.GetNewTaskProcessorInstance("relay", params.EventLoopBuffer, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return nil, err
	}

	registry := NewRegistry()
	router := NewRouter(registry, params.Metrics)
	pool, err := upstream.NewPool(params.SourceFactory, router, params.Clock, params.Metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define upstream pool")
		return nil, err
	}

	instance := &Relay{
		Component:   goutils.Component{LogTags: logTags},
		catalog:     params.Catalog,
		registry:    registry,
		router:      router,
		pool:        pool,
		loop:        loop,
		runtimeCtxt: ctxt,
	}

	lifecycle, err := NewLifecycleManager(
		params.Catalog, registry, params.Clock, params.Metrics, instance.notifyTerminate,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle manager")
		return nil, err
	}
	instance.lifecycle = lifecycle

	if err := loop.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(upstream.SourceEvent{}):    instance.processSourceEvent,
		reflect.TypeOf(connectRequest{}):          instance.processConnect,
		reflect.TypeOf(terminateRequest{}):        instance.processTerminate,
		reflect.TypeOf(upstreamStatusRequest{}):   instance.processUpstreamStatus,
		reflect.TypeOf(activeZonesRequest{}):      instance.processActiveZones,
		reflect.TypeOf(subscriberCountRequest{}):  instance.processSubscriberCount,
		reflect.TypeOf(closeSubscribersRequest{}): instance.processCloseSubscribers,
	}); err != nil {
		return nil, err
	}

	// One upstream per zone, defined before the loop can see any notification
	for _, zone := range params.Catalog.Zones() {
		if err := pool.Open(zone); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to open upstream for %s", zone)
			return nil, err
		}
	}

	return instance, nil
}

// Start start the event loop and connect every upstream.
//
// An upstream which fails to connect stays in the pool as disconnected, and does not fail
// Start.
func (r *Relay) Start(wg *sync.WaitGroup) error {
	if err := r.loop.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start event loop")
		return err
	}
	if err := r.pool.Connect(r.SubmitSourceEvent); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warn("Not every upstream could be started")
	}
	log.WithFields(r.LogTags).Infof("Relay started with %d zones", r.catalog.Len())
	return nil
}

// Stop disconnect the upstreams, close every subscriber, and stop the event loop
func (r *Relay) Stop(ctxt context.Context) error {
	atomic.StoreInt32(&r.stopping, 1)
	var result error
	if err := r.pool.Close(); err != nil {
		result = multierr.Append(result, err)
	}
	done := make(chan bool, 1)
	if err := r.loop.Submit(ctxt, closeSubscribersRequest{done: done}); err != nil {
		result = multierr.Append(result, err)
	} else {
		select {
		case <-done:
		case <-ctxt.Done():
			result = multierr.Append(result, ctxt.Err())
		}
	}
	if err := r.loop.StopEventLoop(); err != nil {
		result = multierr.Append(result, err)
	}
	log.WithFields(r.LogTags).Info("Relay stopped")
	return result
}

// SubmitSourceEvent hand an upstream notification to the event loop
func (r *Relay) SubmitSourceEvent(evt upstream.SourceEvent) {
	if err := r.loop.Submit(r.runtimeCtxt, evt); err != nil {
		r.logSubmitFailure(err, "Unable to submit %s notification from %s", evt.Kind, evt.Zone)
	}
}

// notifyTerminate schedule the removal of a subscriber whose transport terminated
func (r *Relay) notifyTerminate(id uint64, err error) {
	if submitErr := r.loop.Submit(r.runtimeCtxt, terminateRequest{id: id, err: err}); submitErr != nil {
		r.logSubmitFailure(submitErr, "Unable to submit removal of subscriber %d", id)
	}
}

// logSubmitFailure report a task the event loop did not accept. Once Stop has begun the
// loop is expected to refuse work, and Stop has already closed every subscriber.
func (r *Relay) logSubmitFailure(err error, format string, args ...interface{}) {
	entry := log.WithError(err).WithFields(r.LogTags)
	if atomic.LoadInt32(&r.stopping) == 1 {
		entry.Debugf(format, args...)
	} else {
		entry.Errorf(format, args...)
	}
}

// Connect admit a new subscriber for the zone named by rawZone.
//
// An unknown or missing zone closes the transport and returns ErrZoneRejected.
func (r *Relay) Connect(
	ctxt context.Context, rawZone string, transport SubscriberTransport,
) (*Subscriber, error) {
	result := make(chan connectResult, 1)
	if err := r.loop.Submit(
		ctxt, connectRequest{rawZone: rawZone, transport: transport, result: result},
	); err != nil {
		_ = transport.Close()
		return nil, err
	}
	select {
	case resp := <-result:
		return resp.sub, resp.err
	case <-ctxt.Done():
		// The loop still owns the request. Closing the transport guarantees cleanup.
		_ = transport.Close()
		return nil, ctxt.Err()
	}
}

// UpstreamStatus the status of every upstream connection, sorted by zone
func (r *Relay) UpstreamStatus(ctxt context.Context) ([]upstream.Status, error) {
	result := make(chan []upstream.Status, 1)
	if err := r.loop.Submit(ctxt, upstreamStatusRequest{result: result}); err != nil {
		return nil, err
	}
	select {
	case resp := <-result:
		return resp, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// ActiveZones the sorted IDs of the zones whose upstream is connected
func (r *Relay) ActiveZones(ctxt context.Context) ([]string, error) {
	result := make(chan []string, 1)
	if err := r.loop.Submit(ctxt, activeZonesRequest{result: result}); err != nil {
		return nil, err
	}
	select {
	case resp := <-result:
		return resp, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// SubscriberCounts the number of subscribers per zone
func (r *Relay) SubscriberCounts(ctxt context.Context) (map[string]int, error) {
	result := make(chan map[string]int, 1)
	if err := r.loop.Submit(ctxt, subscriberCountRequest{result: result}); err != nil {
		return nil, err
	}
	select {
	case resp := <-result:
		return resp, nil
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// Ready whether at least one upstream is connected
func (r *Relay) Ready(ctxt context.Context) (bool, error) {
	active, err := r.ActiveZones(ctxt)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// ==============================================================================
// Event loop handlers

func (r *Relay) processSourceEvent(param interface{}) error {
	evt, ok := param.(upstream.SourceEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	r.pool.HandleEvent(evt)
	return nil
}

func (r *Relay) processConnect(param interface{}) error {
	req, ok := param.(connectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	sub, err := r.lifecycle.OnConnect(req.rawZone, req.transport)
	req.result <- connectResult{sub: sub, err: err}
	return nil
}

func (r *Relay) processTerminate(param interface{}) error {
	req, ok := param.(terminateRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	r.lifecycle.OnTerminate(req.id, req.err)
	return nil
}

func (r *Relay) processUpstreamStatus(param interface{}) error {
	req, ok := param.(upstreamStatusRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	req.result <- r.pool.Snapshot()
	return nil
}

func (r *Relay) processActiveZones(param interface{}) error {
	req, ok := param.(activeZonesRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	req.result <- r.pool.ActiveZones()
	return nil
}

func (r *Relay) processSubscriberCount(param interface{}) error {
	req, ok := param.(subscriberCountRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	req.result <- r.registry.CountByZone()
	return nil
}

func (r *Relay) processCloseSubscribers(param interface{}) error {
	req, ok := param.(closeSubscribersRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	r.lifecycle.CloseAll()
	req.done <- true
	return nil
}

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
	"errors"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/zonerelay/metrics"
	"github.com/alwitt/zonerelay/zones"
	"github.com/apex/log"
	"github.com/benbjohnson/clock"
)

// ErrZoneRejected the requested zone is missing or not in the catalog
var ErrZoneRejected = errors.New("zone rejected")

// TerminateNotifier is told when the transport of a registered subscriber terminates. It
// must arrange for LifecycleManager.OnTerminate to run on the event loop.
type TerminateNotifier func(id uint64, err error)

// LifecycleManager admits, registers and removes subscribers. Not thread safe.
type LifecycleManager struct {
	goutils.Component
	catalog  *zones.Catalog
	registry *Registry
	clock    clock.Clock
	metrics  *metrics.RelayMetrics
	notifier TerminateNotifier
	lastID   uint64
}

// NewLifecycleManager define a new subscriber lifecycle manager
func NewLifecycleManager(
	catalog *zones.Catalog,
	registry *Registry,
	clk clock.Clock,
	relayMetrics *metrics.RelayMetrics,
	notifier TerminateNotifier,
) (*LifecycleManager, error) {
	if catalog == nil || registry == nil || notifier == nil {
		return nil, fmt.Errorf("lifecycle manager needs a catalog, a registry and a notifier")
	}
	if clk == nil {
		clk = clock.New()
	}
	logTags := log.Fields{"module": "relay", "component": "lifecycle-manager"}
	return &LifecycleManager{
		Component: goutils.Component{LogTags: logTags},
		catalog:   catalog,
		registry:  registry,
		clock:     clk,
		metrics:   relayMetrics,
		notifier:  notifier,
	}, nil
}

// OnConnect process a new subscriber connection attempt.
//
// A missing or unknown zone closes the transport and returns ErrZoneRejected. Otherwise the
// subscriber is registered under the normalized zone ID and removed again once its
// transport terminates.
func (m *LifecycleManager) OnConnect(
	rawZone string, transport SubscriberTransport,
) (*Subscriber, error) {
	if !m.catalog.IsKnown(rawZone) {
		log.WithFields(m.LogTags).Warnf("Rejecting %s: unknown zone '%s'", transport, rawZone)
		var err error
		if rejectable, ok := transport.(RejectableTransport); ok {
			err = rejectable.Reject()
		} else {
			err = transport.Close()
		}
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Failed to close %s", transport)
		}
		m.metrics.RecordRejectedConnection()
		return nil, fmt.Errorf("%w: '%s'", ErrZoneRejected, rawZone)
	}

	m.lastID++
	sub := &Subscriber{
		ID:          m.lastID,
		ZoneID:      m.catalog.Normalize(rawZone),
		ConnectedAt: m.clock.Now(),
		Transport:   transport,
	}
	if err := m.registry.Add(sub); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to register %s", sub)
		_ = transport.Close()
		return nil, err
	}
	m.metrics.RecordActiveSubscribers(sub.ZoneID, m.registry.ZoneLen(sub.ZoneID))
	log.WithFields(m.LogTags).Infof("Registered %s", sub)

	id := sub.ID
	transport.NotifyOnTerminate(func(err error) {
		m.notifier(id, err)
	})
	return sub, nil
}

// OnTerminate remove a subscriber whose transport terminated. Returns false if it was
// already removed.
func (m *LifecycleManager) OnTerminate(id uint64, err error) bool {
	if _, ok := m.registry.Get(id); !ok {
		log.WithFields(m.LogTags).Debugf("Subscriber %d already removed", id)
		return false
	}
	sub, _ := m.registry.Remove(id)
	if closeErr := sub.Transport.Close(); closeErr != nil {
		log.WithError(closeErr).WithFields(m.LogTags).Errorf("Failed to close %s", sub)
	}
	m.metrics.RecordActiveSubscribers(sub.ZoneID, m.registry.ZoneLen(sub.ZoneID))
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Warnf("Removed %s on transport error", sub)
	} else {
		log.WithFields(m.LogTags).Infof("Removed %s", sub)
	}
	return true
}

// CloseAll close and remove every registered subscriber
func (m *LifecycleManager) CloseAll() {
	for _, sub := range m.registry.All() {
		m.OnTerminate(sub.ID, nil)
	}
}

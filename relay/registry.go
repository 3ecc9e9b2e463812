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
	"time"
)

// ErrTransportClosed the subscriber transport is closed
var ErrTransportClosed = errors.New("subscriber transport closed")

// ErrSendQueueFull the subscriber transport can not accept more payloads right now
var ErrSendQueueFull = errors.New("subscriber send queue full")

// TerminateHandler is called once when a subscriber transport terminates, either because
// the remote peer closed it, a transport error occurred, or Close was called. err is nil
// on a clean close.
type TerminateHandler func(err error)

// SubscriberTransport the downstream connection of one subscriber
type SubscriberTransport interface {
	// Deliver hand a payload to the transport for delivery. Must not block.
	Deliver(payload []byte) error
	// Close terminate the transport. Idempotent and must not block.
	Close() error
	// NotifyOnTerminate register the handler to call when the transport terminates. If the
	// transport is already terminated, the handler is still called.
	NotifyOnTerminate(handler TerminateHandler)
	// String describe the transport for logging
	String() string
}

// RejectableTransport is a SubscriberTransport which can tell its peer that the requested
// zone was refused. Rejected transports are otherwise closed as usual.
type RejectableTransport interface {
	SubscriberTransport
	// Reject terminate the transport, signalling a policy violation to the peer
	Reject() error
}

// Subscriber one registered downstream connection
type Subscriber struct {
	// ID is unique within the process, and never reused
	ID uint64
	// ZoneID is the normalized ID of the zone the subscriber receives events for
	ZoneID string
	// ConnectedAt is when the subscriber was registered
	ConnectedAt time.Time
	// Transport is the subscriber's connection. Owned by this entry.
	Transport SubscriberTransport
}

// String toString function
func (s *Subscriber) String() string {
	return fmt.Sprintf("SUB[%d]@%s(%s)", s.ID, s.ZoneID, s.Transport)
}

// Registry the set of active subscribers. Not thread safe.
type Registry struct {
	byID   map[uint64]*Subscriber
	byZone map[string][]*Subscriber
}

// NewRegistry define an empty subscriber registry
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[uint64]*Subscriber), byZone: make(map[string][]*Subscriber),
	}
}

// Add insert a subscriber
func (r *Registry) Add(sub *Subscriber) error {
	if _, ok := r.byID[sub.ID]; ok {
		return fmt.Errorf("subscriber %d already registered", sub.ID)
	}
	r.byID[sub.ID] = sub
	r.byZone[sub.ZoneID] = append(r.byZone[sub.ZoneID], sub)
	return nil
}

// Remove delete a subscriber by ID. Removing an absent ID is a no-op.
func (r *Registry) Remove(id uint64) (*Subscriber, bool) {
	sub, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	members := r.byZone[sub.ZoneID]
	for idx, member := range members {
		if member.ID == id {
			members = append(members[:idx], members[idx+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(r.byZone, sub.ZoneID)
	} else {
		r.byZone[sub.ZoneID] = members
	}
	return sub, true
}

// Get fetch a subscriber by ID
func (r *Registry) Get(id uint64) (*Subscriber, bool) {
	sub, ok := r.byID[id]
	return sub, ok
}

// FindByZone every subscriber of a zone, in registration order
func (r *Registry) FindByZone(zone string) []*Subscriber {
	members := r.byZone[zone]
	result := make([]*Subscriber, len(members))
	copy(result, members)
	return result
}

// ZoneLen number of subscribers of a zone
func (r *Registry) ZoneLen(zone string) int {
	return len(r.byZone[zone])
}

// CountByZone number of subscribers per zone. Zones without subscribers are absent.
func (r *Registry) CountByZone() map[string]int {
	result := make(map[string]int, len(r.byZone))
	for zone, members := range r.byZone {
		result[zone] = len(members)
	}
	return result
}

// All every subscriber, in no particular order
func (r *Registry) All() []*Subscriber {
	result := make([]*Subscriber, 0, len(r.byID))
	for _, sub := range r.byID {
		result = append(result, sub)
	}
	return result
}

// Len number of registered subscribers
func (r *Registry) Len() int {
	return len(r.byID)
}

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

// Package upstream manages the per zone connections to the upstream event sources.
//
// Reconnection is the transport's responsibility. The pool only reacts to the state changes
// an EventSource reports; it never retries or backs off on its own.
package upstream

import (
	"fmt"

	"github.com/alwitt/zonerelay/zones"
)

// ConnectionState state of one upstream connection
type ConnectionState int

const (
	// StateDisconnected the upstream is not reachable
	StateDisconnected ConnectionState = iota
	// StateConnecting the upstream connection is being established
	StateConnecting
	// StateConnected the upstream is connected and may deliver events
	StateConnected
)

// String toString function
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SourceEventKind the kind of notification an EventSource produces
type SourceEventKind int

const (
	// SourceConnected the transport (re)established the connection
	SourceConnected SourceEventKind = iota
	// SourceMessage an event payload arrived on the zone's channel
	SourceMessage
	// SourceDisconnected the transport lost the connection
	SourceDisconnected
	// SourceError the transport reported an error
	SourceError
)

// String toString function
func (k SourceEventKind) String() string {
	switch k {
	case SourceConnected:
		return "connected"
	case SourceMessage:
		return "message"
	case SourceDisconnected:
		return "disconnected"
	case SourceError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SourceEvent one notification from a zone's EventSource
type SourceEvent struct {
	// Zone is the ID of the zone the source serves
	Zone string
	// Kind is the notification kind
	Kind SourceEventKind
	// Payload is the opaque event payload. Only set for SourceMessage.
	Payload []byte
	// Err is the transport error. Only set for SourceError and optionally SourceDisconnected.
	Err error
}

// EmitFunc receives the notifications of an EventSource
type EmitFunc func(evt SourceEvent)

// EventSource one zone's upstream transport
type EventSource interface {
	// Start begin the connection. Notifications are passed to emit.
	Start(emit EmitFunc) error
	// Close terminate the connection
	Close() error
}

// SourceFactory define the EventSource of a zone. It must not perform I/O.
type SourceFactory func(zone zones.ZoneDescriptor) (EventSource, error)

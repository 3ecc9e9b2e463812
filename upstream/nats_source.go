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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/zonerelay/core"
	"github.com/alwitt/zonerelay/zones"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSSourceParams parameters for connecting to the zones' NATS event sources
type NATSSourceParams struct {
	// Host is the host serving the zones' NATS servers
	Host string `validate:"required"`
	// DefaultPort is used for zones without a routing port
	DefaultPort int `validate:"gt=0,lt=65536"`
	// Channel is the event channel name. The subject read is "<zone ID>.<Channel>".
	Channel string `validate:"required"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt max number of reconnect attempts. "-1" means infinite.
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// HeartbeatInterval interval between pings to the server
	HeartbeatInterval time.Duration
	// HeartbeatTimeout silence duration after which the connection is considered stale
	HeartbeatTimeout time.Duration
}

// EventSubject the NATS subject carrying a zone's events
func EventSubject(zone, channel string) string {
	return fmt.Sprintf("%s.%s", zone, channel)
}

// GetNATSSourceFactory define a SourceFactory producing NATS backed event sources
func GetNATSSourceFactory(params NATSSourceParams) (SourceFactory, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	return func(zone zones.ZoneDescriptor) (EventSource, error) {
		port := zone.RoutingPort
		if port == 0 {
			port = params.DefaultPort
		}
		uri := fmt.Sprintf("nats://%s:%d", params.Host, port)
		logTags := log.Fields{
			"module": "upstream", "component": "nats-source", "instance": zone.ID, "server": uri,
		}
		return &natsEventSource{
			Component: goutils.Component{LogTags: logTags},
			zone:      zone,
			uri:       uri,
			subject:   EventSubject(zone.ID, params.Channel),
			params:    params,
		}, nil
	}, nil
}

// natsEventSource reads one zone's events from a NATS subject
type natsEventSource struct {
	goutils.Component
	zone    zones.ZoneDescriptor
	uri     string
	subject string
	params  NATSSourceParams
	lock    sync.Mutex
	client  *core.NatsClient
	sub     *nats.Subscription
}

// Start begin the connection. Notifications are passed to emit.
func (s *natsEventSource) Start(emit EmitFunc) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.client != nil {
		return fmt.Errorf("NATS source for %s already started", s.zone.ID)
	}

	maxPings := 0
	if s.params.HeartbeatInterval > 0 {
		maxPings = int(s.params.HeartbeatTimeout / s.params.HeartbeatInterval)
		if maxPings < 1 {
			maxPings = 1
		}
	}

	zoneID := s.zone.ID
	client, err := core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           s.uri,
		Name:                fmt.Sprintf("zonerelay-%s", zoneID),
		ConnectTimeout:      s.params.ConnectTimeout,
		MaxReconnectAttempt: s.params.MaxReconnectAttempt,
		ReconnectWait:       s.params.ReconnectWait,
		PingInterval:        s.params.HeartbeatInterval,
		MaxPingsOutstanding: maxPings,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			emit(SourceEvent{Zone: zoneID, Kind: SourceDisconnected, Err: e})
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			emit(SourceEvent{Zone: zoneID, Kind: SourceConnected})
		},
		OnCloseCallback: func(_ *nats.Conn) {
			emit(SourceEvent{Zone: zoneID, Kind: SourceDisconnected})
		},
		OnErrorCallback: func(_ *nats.Conn, _ *nats.Subscription, e error) {
			emit(SourceEvent{Zone: zoneID, Kind: SourceError, Err: e})
		},
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define NATS client")
		return err
	}

	sub, err := client.NATs().Subscribe(s.subject, func(msg *nats.Msg) {
		emit(SourceEvent{Zone: zoneID, Kind: SourceMessage, Payload: msg.Data})
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to subscribe to %s", s.subject)
		client.NATs().Close()
		return err
	}

	s.client = client
	s.sub = sub
	log.WithFields(s.LogTags).Infof("Reading events from %s", s.subject)

	// Only a connection made after a retry is reported by the reconnect callback
	if client.NATs().Status() == nats.CONNECTED {
		emit(SourceEvent{Zone: zoneID, Kind: SourceConnected})
	}
	return nil
}

// Close terminate the connection
func (s *natsEventSource) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.client == nil {
		return nil
	}
	var err error
	if s.client.NATs().IsConnected() {
		if err = s.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to unsubscribe from %s", s.subject)
		}
	}
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	s.client.Close(ctxt)
	s.client = nil
	s.sub = nil
	return err
}

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
	"fmt"
	"sync"

	"github.com/alwitt/zonerelay/upstream"
	"github.com/alwitt/zonerelay/zones"
)

// mockTransport SubscriberTransport which records delivered payloads
type mockTransport struct {
	lock       sync.Mutex
	name       string
	delivered  [][]byte
	deliverErr error
	closed     int
	handler    TerminateHandler
}

func newMockTransport(name string) *mockTransport {
	return &mockTransport{name: name, delivered: [][]byte{}}
}

func (t *mockTransport) Deliver(payload []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed > 0 {
		return ErrTransportClosed
	}
	if t.deliverErr != nil {
		return t.deliverErr
	}
	t.delivered = append(t.delivered, payload)
	return nil
}

func (t *mockTransport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed++
	return nil
}

func (t *mockTransport) NotifyOnTerminate(handler TerminateHandler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.handler = handler
}

func (t *mockTransport) String() string {
	return fmt.Sprintf("mock(%s)", t.name)
}

// terminate simulate the remote peer going away
func (t *mockTransport) terminate(err error) {
	t.lock.Lock()
	handler := t.handler
	t.lock.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (t *mockTransport) received() [][]byte {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := make([][]byte, len(t.delivered))
	copy(result, t.delivered)
	return result
}

func (t *mockTransport) closeCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

// mockSource upstream.EventSource whose notifications are driven by the test
type mockSource struct {
	lock   sync.Mutex
	zone   string
	emit   upstream.EmitFunc
	closed bool
}

func (s *mockSource) Start(emit upstream.EmitFunc) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.emit = emit
	return nil
}

func (s *mockSource) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}

func (s *mockSource) send(kind upstream.SourceEventKind, payload []byte) {
	s.lock.Lock()
	emit := s.emit
	s.lock.Unlock()
	emit(upstream.SourceEvent{Zone: s.zone, Kind: kind, Payload: payload})
}

// mockSourceFactory upstream.SourceFactory tracking the sources it defined
type mockSourceFactory struct {
	lock    sync.Mutex
	sources map[string]*mockSource
}

func newMockSourceFactory() *mockSourceFactory {
	return &mockSourceFactory{sources: map[string]*mockSource{}}
}

func (f *mockSourceFactory) define(zone zones.ZoneDescriptor) (upstream.EventSource, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	source := &mockSource{zone: zone.ID}
	f.sources[zone.ID] = source
	return source, nil
}

func (f *mockSourceFactory) get(zone string) *mockSource {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.sources[zone]
}

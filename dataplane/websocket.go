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

// Package dataplane holds the downstream transports which carry relayed events to subscribers.
package dataplane

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alwitt/goutils"
	"github.com/alwitt/zonerelay/common"
	"github.com/alwitt/zonerelay/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// maxInboundMessageSize subscribers only send control frames
const maxInboundMessageSize = 4096

// WebSocketParams parameters for a subscriber websocket transport
type WebSocketParams struct {
	// HeartbeatInterval is the interval between pings sent to the subscriber
	HeartbeatInterval time.Duration `validate:"required"`
	// HeartbeatTimeout is how long the subscriber may stay silent before the transport
	// terminates
	HeartbeatTimeout time.Duration `validate:"required,gtfield=HeartbeatInterval"`
	// SendQueueLength is the number of payloads queued for writing
	SendQueueLength int `validate:"gte=1"`
	// WriteTimeout is the max duration of one frame write
	WriteTimeout time.Duration `validate:"required"`
}

// WebSocketTransport relay.SubscriberTransport over a websocket connection.
//
// Payloads are queued and written by a dedicated goroutine. A second goroutine reads from
// the peer, keeps the heartbeat deadline, and reports termination.
type WebSocketTransport struct {
	goutils.Component
	name      string
	conn      *websocket.Conn
	params    WebSocketParams
	sendQueue chan []byte
	heartbeat common.IntervalTimer

	// done is closed once the transport is asked to close
	done      chan struct{}
	closeOnce sync.Once
	closeCode int

	lock       sync.Mutex
	handler    relay.TerminateHandler
	terminated bool
	cause      error

	runtimeCtxt context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// GetWebSocketTransport define a transport over an upgraded websocket connection, and start
// its read and write loops.
func GetWebSocketTransport(
	parentCtxt context.Context, name string, conn *websocket.Conn, params WebSocketParams,
) (*WebSocketTransport, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "dataplane", "component": "websocket", "instance": name}
	ctxt, cancel := context.WithCancel(parentCtxt)
	instance := &WebSocketTransport{
		Component:   goutils.Component{LogTags: logTags},
		name:        name,
		conn:        conn,
		params:      params,
		sendQueue:   make(chan []byte, params.SendQueueLength),
		done:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
		runtimeCtxt: ctxt,
		cancel:      cancel,
	}
	heartbeat, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-heartbeat", name), ctxt, &instance.wg,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	instance.heartbeat = heartbeat

	conn.SetReadLimit(maxInboundMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(params.HeartbeatTimeout)); err != nil {
		cancel()
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(params.HeartbeatTimeout))
	})
	if err := heartbeat.Start(params.HeartbeatInterval, instance.ping, false); err != nil {
		cancel()
		return nil, err
	}

	instance.wg.Add(2)
	go instance.writeLoop()
	go instance.readLoop()
	return instance, nil
}

// String toString function
func (t *WebSocketTransport) String() string {
	return fmt.Sprintf("websocket(%s)", t.name)
}

// Deliver queue a payload for writing
func (t *WebSocketTransport) Deliver(payload []byte) error {
	select {
	case <-t.done:
		return relay.ErrTransportClosed
	default:
	}
	select {
	case t.sendQueue <- payload:
		return nil
	default:
		return relay.ErrSendQueueFull
	}
}

// Close terminate the connection with a normal closure
func (t *WebSocketTransport) Close() error {
	t.closeWithCode(websocket.CloseNormalClosure)
	return nil
}

// Reject terminate the connection with a policy violation closure
func (t *WebSocketTransport) Reject() error {
	t.closeWithCode(websocket.ClosePolicyViolation)
	return nil
}

func (t *WebSocketTransport) closeWithCode(code int) {
	t.closeOnce.Do(func() {
		t.closeCode = code
		close(t.done)
	})
}

// NotifyOnTerminate register the termination handler
func (t *WebSocketTransport) NotifyOnTerminate(handler relay.TerminateHandler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.terminated {
		go handler(t.cause)
		return
	}
	t.handler = handler
}

// Wait block until the read and write loops have exited
func (t *WebSocketTransport) Wait() {
	t.wg.Wait()
}

// recordCause keep the first transport error
func (t *WebSocketTransport) recordCause(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cause == nil {
		t.cause = err
	}
}

func (t *WebSocketTransport) terminate(err error) {
	t.lock.Lock()
	if t.terminated {
		t.lock.Unlock()
		return
	}
	t.terminated = true
	if t.cause == nil {
		t.cause = err
	}
	cause := t.cause
	handler := t.handler
	t.lock.Unlock()

	log.WithError(cause).WithFields(t.LogTags).Debug("Transport terminated")
	if handler != nil {
		handler(cause)
	}
}

func (t *WebSocketTransport) ping() error {
	deadline := time.Now().Add(t.params.WriteTimeout)
	if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Ping failed")
		return err
	}
	return nil
}

func (t *WebSocketTransport) writeLoop() {
	defer t.wg.Done()
	defer log.WithFields(t.LogTags).Debug("Write loop exiting")
	for {
		select {
		case payload := <-t.sendQueue:
			msgType := websocket.BinaryMessage
			if utf8.Valid(payload) {
				msgType = websocket.TextMessage
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.params.WriteTimeout))
			if err := t.conn.WriteMessage(msgType, payload); err != nil {
				log.WithError(err).WithFields(t.LogTags).Error("Payload write failed")
				t.recordCause(err)
				t.shutdown(false)
				return
			}
		case <-t.done:
			t.shutdown(true)
			return
		case <-t.runtimeCtxt.Done():
			t.closeWithCode(websocket.CloseGoingAway)
			t.shutdown(true)
			return
		}
	}
}

// shutdown stop the heartbeat and close the connection, optionally sending a close frame
func (t *WebSocketTransport) shutdown(sendCloseFrame bool) {
	_ = t.heartbeat.Stop()
	if sendCloseFrame {
		deadline := time.Now().Add(t.params.WriteTimeout)
		frame := websocket.FormatCloseMessage(t.closeCode, "")
		if err := t.conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
			log.WithError(err).WithFields(t.LogTags).Debug("Close frame write failed")
		}
	}
	if err := t.conn.Close(); err != nil {
		log.WithError(err).WithFields(t.LogTags).Debug("Connection close failed")
	}
}

func (t *WebSocketTransport) readLoop() {
	defer t.wg.Done()
	defer log.WithFields(t.LogTags).Debug("Read loop exiting")
	for {
		if _, _, err := t.conn.NextReader(); err != nil {
			var cause error
			select {
			case <-t.done:
				// Closed locally
			default:
				if !websocket.IsCloseError(
					err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
				) {
					cause = err
				}
			}
			// Stops the write loop
			t.closeWithCode(websocket.CloseNormalClosure)
			t.cancel()
			t.terminate(cause)
			return
		}
	}
}

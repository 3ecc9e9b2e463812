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

package dataplane

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/zonerelay/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func startTestWebSocketServer(
	ctxt context.Context, t *testing.T, params WebSocketParams,
) (*httptest.Server, chan *WebSocketTransport) {
	transports := make(chan *WebSocketTransport, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %s", err)
			return
		}
		transport, err := GetWebSocketTransport(ctxt, uuid.New().String(), conn, params)
		if err != nil {
			t.Errorf("transport define failed: %s", err)
			return
		}
		transports <- transport
	}))
	return server, transports
}

func dialTestWebSocketServer(t *testing.T, server *httptest.Server) *websocket.Conn {
	target := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	assert.Nil(t, err)
	return conn
}

func waitForTermination(t *testing.T, results chan error) error {
	select {
	case err := <-results:
		return err
	case <-time.After(5 * time.Second):
		assert.FailNow(t, "transport did not terminate")
	}
	return nil
}

func TestWebSocketTransportParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: timeout not above interval
	{
		_, err := GetWebSocketTransport(context.Background(), "bad", nil, WebSocketParams{
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  time.Second,
			SendQueueLength:   1,
			WriteTimeout:      time.Second,
		})
		assert.NotNil(err)
	}

	// Case 1: no send queue
	{
		_, err := GetWebSocketTransport(context.Background(), "bad", nil, WebSocketParams{
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  time.Second * 2,
			SendQueueLength:   0,
			WriteTimeout:      time.Second,
		})
		assert.NotNil(err)
	}
}

func TestWebSocketTransportDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := WebSocketParams{
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  time.Second * 5,
		SendQueueLength:   8,
		WriteTimeout:      time.Second,
	}
	server, transports := startTestWebSocketServer(ctxt, t, params)
	defer server.Close()

	client := dialTestWebSocketServer(t, server)
	uut := <-transports
	terminated := make(chan error, 1)
	uut.NotifyOnTerminate(func(err error) { terminated <- err })

	// Case 0: JSON payload is sent as text
	{
		payload := []byte(`{"lap":3}`)
		assert.Nil(uut.Deliver(payload))
		msgType, msg, err := client.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.TextMessage, msgType)
		assert.Equal(payload, msg)
	}

	// Case 1: non UTF-8 payload is sent as binary
	{
		payload := []byte{0xff, 0xfe, 0x00, 0x01}
		assert.Nil(uut.Deliver(payload))
		msgType, msg, err := client.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.BinaryMessage, msgType)
		assert.Equal(payload, msg)
	}

	// Case 2: order is kept
	{
		for _, payload := range []string{"a", "b", "c"} {
			assert.Nil(uut.Deliver([]byte(payload)))
		}
		for _, expected := range []string{"a", "b", "c"} {
			_, msg, err := client.ReadMessage()
			assert.Nil(err)
			assert.Equal(expected, string(msg))
		}
	}

	// Case 3: peer closes cleanly
	{
		assert.Nil(client.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		))
		assert.Nil(waitForTermination(t, terminated))
		uut.Wait()
		assert.True(errors.Is(uut.Deliver([]byte("late")), relay.ErrTransportClosed))
		_ = client.Close()
	}

	// Case 4: handler registered after termination still fires
	{
		late := make(chan error, 1)
		uut.NotifyOnTerminate(func(err error) { late <- err })
		assert.Nil(waitForTermination(t, late))
	}
}

func TestWebSocketTransportLocalClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := WebSocketParams{
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  time.Second * 5,
		SendQueueLength:   8,
		WriteTimeout:      time.Second,
	}
	server, transports := startTestWebSocketServer(ctxt, t, params)
	defer server.Close()

	// Case 0: reject sends a policy violation
	{
		client := dialTestWebSocketServer(t, server)
		uut := <-transports
		terminated := make(chan error, 1)
		uut.NotifyOnTerminate(func(err error) { terminated <- err })

		assert.Nil(uut.Reject())
		_, _, err := client.ReadMessage()
		assert.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation))
		assert.Nil(waitForTermination(t, terminated))
		// Idempotent
		assert.Nil(uut.Reject())
		assert.Nil(uut.Close())
		uut.Wait()
		_ = client.Close()
	}

	// Case 1: close sends a normal closure
	{
		client := dialTestWebSocketServer(t, server)
		uut := <-transports
		terminated := make(chan error, 1)
		uut.NotifyOnTerminate(func(err error) { terminated <- err })

		assert.Nil(uut.Close())
		_, _, err := client.ReadMessage()
		assert.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
		assert.Nil(waitForTermination(t, terminated))
		uut.Wait()
		_ = client.Close()
	}

	// Case 2: runtime context cancel
	{
		client := dialTestWebSocketServer(t, server)
		uut := <-transports
		terminated := make(chan error, 1)
		uut.NotifyOnTerminate(func(err error) { terminated <- err })

		cancel()
		_, _, err := client.ReadMessage()
		assert.True(websocket.IsCloseError(err, websocket.CloseGoingAway))
		assert.Nil(waitForTermination(t, terminated))
		uut.Wait()
		_ = client.Close()
	}
}

func TestWebSocketTransportHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := WebSocketParams{
		HeartbeatInterval: time.Millisecond * 50,
		HeartbeatTimeout:  time.Millisecond * 200,
		SendQueueLength:   8,
		WriteTimeout:      time.Second,
	}
	server, transports := startTestWebSocketServer(ctxt, t, params)
	defer server.Close()

	// Case 0: a reading peer answers pings and stays connected
	{
		client := dialTestWebSocketServer(t, server)
		uut := <-transports
		terminated := make(chan error, 1)
		uut.NotifyOnTerminate(func(err error) { terminated <- err })

		readerDone := make(chan bool)
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					return
				}
			}
		}()

		select {
		case err := <-terminated:
			assert.FailNowf("unexpected termination", "%v", err)
		case <-time.After(time.Millisecond * 600):
		}
		assert.Nil(uut.Close())
		assert.Nil(waitForTermination(t, terminated))
		<-readerDone
		_ = client.Close()
	}

	// Case 1: a silent peer times out
	{
		client := dialTestWebSocketServer(t, server)
		uut := <-transports
		terminated := make(chan error, 1)
		uut.NotifyOnTerminate(func(err error) { terminated <- err })

		assert.NotNil(waitForTermination(t, terminated))
		uut.Wait()
		_ = client.Close()
	}
}

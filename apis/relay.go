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

package apis

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/zonerelay/common"
	"github.com/alwitt/zonerelay/dataplane"
	"github.com/alwitt/zonerelay/relay"
	"github.com/alwitt/zonerelay/upstream"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RelayCore the relay operations exposed over HTTP
type RelayCore interface {
	// Connect admit a subscriber for a zone
	Connect(
		ctxt context.Context, rawZone string, transport relay.SubscriberTransport,
	) (*relay.Subscriber, error)
	// UpstreamStatus status of every upstream connection
	UpstreamStatus(ctxt context.Context) ([]upstream.Status, error)
	// ActiveZones zones whose upstream is connected
	ActiveZones(ctxt context.Context) ([]string, error)
	// SubscriberCounts subscribers per zone
	SubscriberCounts(ctxt context.Context) (map[string]int, error)
	// Ready whether the relay has at least one connected upstream
	Ready(ctxt context.Context) (bool, error)
}

// APIRestRelayHandler REST handler for the relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	core            RelayCore
	channel         string
	upgrader        websocket.Upgrader
	transportParams dataplane.WebSocketParams
	baseContext     context.Context
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	core RelayCore,
	channel string,
	transportParams dataplane.WebSocketParams,
	httpConfig *common.HTTPConfig,
) (APIRestRelayHandler, error) {
	if core == nil {
		return APIRestRelayHandler{}, fmt.Errorf("relay handler needs a relay core")
	}
	logTags := log.Fields{
		"module":    "rest",
		"component": "relay",
	}
	return APIRestRelayHandler{
		RestAPIHandler:  defineRestAPIHandler(logTags, httpConfig),
		core:            core,
		channel:         channel,
		transportParams: transportParams,
		baseContext:     baseContext,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Subscribers are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// =======================================================================
// Event subscription

// -----------------------------------------------------------------------

// Subscribe godoc
// @Summary Subscribe to a zone's events
// @Description Upgrade to a WebSocket receiving every event of one zone. A missing or unknown
// zone closes the WebSocket with a policy violation.
// @tags Relay
// @Param channel path string true "Event channel"
// @Param zone query string true "Zone ID (case insensitive)"
// @Success 101 {string} string "switching protocols"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/events/{channel} [get]
func (h APIRestRelayHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	channel := mux.Vars(r)["channel"]
	if channel != h.channel {
		msg := fmt.Sprintf("Unknown event channel '%s'", channel)
		log.WithFields(localLogTags).Warn(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusNotFound,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	zone := r.URL.Query().Get("zone")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	transport, err := dataplane.GetWebSocketTransport(
		h.baseContext, uuid.NewString(), conn, h.transportParams,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define subscriber transport")
		_ = conn.Close()
		return
	}

	sub, err := h.core.Connect(r.Context(), zone, transport)
	if err != nil {
		if errors.Is(err, relay.ErrZoneRejected) {
			log.WithError(err).WithFields(localLogTags).Warnf(
				"Rejected subscriber from %s", conn.RemoteAddr(),
			)
		} else {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to admit subscriber from %s", conn.RemoteAddr(),
			)
		}
		return
	}
	log.WithFields(localLogTags).Infof("Subscriber %s joined from %s", sub, conn.RemoteAddr())

	// The handler stays with the session until both transport loops exit
	transport.Wait()
	log.WithFields(localLogTags).Infof("Subscriber %s left", sub)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestRelayHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// =======================================================================
// Reporting

// -----------------------------------------------------------------------

// APIRestRespUpstreams response for listing the upstream connections
type APIRestRespUpstreams struct {
	goutils.RestAPIBaseResponse
	// Upstreams status of each upstream connection, sorted by zone
	Upstreams []upstream.Status `json:"upstreams"`
}

// GetUpstreams godoc
// @Summary Query the upstream connections
// @Description List the zone, state and event counters of every upstream connection
// @tags Reporting
// @Produce json
// @Param Zonerelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespUpstreams "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/upstreams [get]
func (h APIRestRelayHandler) GetUpstreams(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	status, err := h.core.UpstreamStatus(r.Context())
	if err != nil {
		msg := "Unable to read upstream status"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespUpstreams{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Upstreams: status,
	}
}

// GetUpstreamsHandler Wrapper around GetUpstreams
func (h APIRestRelayHandler) GetUpstreamsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetUpstreams(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespZones response for listing the active zones
type APIRestRespZones struct {
	goutils.RestAPIBaseResponse
	// Zones sorted IDs of the zones with a connected upstream
	Zones []string `json:"zones"`
}

// GetZones godoc
// @Summary Query the active zones
// @Description List the zones whose upstream connection is up
// @tags Reporting
// @Produce json
// @Param Zonerelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespZones "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/zones [get]
func (h APIRestRelayHandler) GetZones(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	active, err := h.core.ActiveZones(r.Context())
	if err != nil {
		msg := "Unable to read active zones"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespZones{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Zones: active,
	}
}

// GetZonesHandler Wrapper around GetZones
func (h APIRestRelayHandler) GetZonesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetZones(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespSubscribers response for counting the subscribers
type APIRestRespSubscribers struct {
	goutils.RestAPIBaseResponse
	// Subscribers number of subscribers per zone
	Subscribers map[string]int `json:"subscribers"`
}

// GetSubscribers godoc
// @Summary Count the subscribers
// @Description Number of connected subscribers per zone
// @tags Reporting
// @Produce json
// @Param Zonerelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscribers "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscribers [get]
func (h APIRestRelayHandler) GetSubscribers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	counts, err := h.core.SubscriberCounts(r.Context())
	if err != nil {
		msg := "Unable to count subscribers"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespSubscribers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Subscribers: counts,
	}
}

// GetSubscribersHandler Wrapper around GetSubscribers
func (h APIRestRelayHandler) GetSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscribers(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay liveness check
// @Description Will return success to indicate the relay is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay readiness check
// @Description Will return success once at least one upstream is connected
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ready, err := h.core.Ready(r.Context())
	switch {
	case err != nil:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
	case !ready:
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, "no upstream connected")
	default:
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

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
	"net/http"

	"github.com/gorilla/mux"
)

// DefineRelayRouter define the relay server routes.
//
// The subscribe end-point is kept out of the request logging middleware, as the WebSocket
// upgrade needs the unwrapped response writer.
func DefineRelayRouter(
	handler APIRestRelayHandler, pathPrefix string, metricsPath string, metrics http.Handler,
) *mux.Router {
	router := mux.NewRouter()

	// Event subscription
	subscribeRouter := RegisterPathPrefix(router, pathPrefix, nil)
	_ = RegisterPathPrefix(subscribeRouter, "/v1/events/{channel}", map[string]http.HandlerFunc{
		"get": handler.SubscribeHandler(),
	})

	if metrics != nil {
		router.Handle(metricsPath, metrics).Methods("get")
	}

	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Reporting
	_ = RegisterPathPrefix(mainRouter, "/v1/upstreams", map[string]http.HandlerFunc{
		"get": handler.GetUpstreamsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/zones", map[string]http.HandlerFunc{
		"get": handler.GetZonesHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/subscribers", map[string]http.HandlerFunc{
		"get": handler.GetSubscribersHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": handler.ReadyHandler(),
	})

	// Add logging
	mainRouter.Use(func(next http.Handler) http.Handler {
		return handler.LoggingMiddleware(next.ServeHTTP)
	})

	return router
}

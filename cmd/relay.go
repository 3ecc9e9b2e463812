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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/zonerelay/apis"
	"github.com/alwitt/zonerelay/common"
	"github.com/alwitt/zonerelay/dataplane"
	"github.com/alwitt/zonerelay/metrics"
	"github.com/alwitt/zonerelay/relay"
	"github.com/alwitt/zonerelay/upstream"
	"github.com/alwitt/zonerelay/zones"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineCatalogSource select the zone catalog source from the config. The directory
// service takes precedence over the catalog file.
func DefineCatalogSource(config common.ZoneCatalogConfig) (zones.CatalogSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.DirectoryURL != "" {
		return zones.GetDirectorySource(
			config.DirectoryURL,
			&http.Client{Timeout: time.Second * time.Duration(config.FetchTimeout)},
		)
	}
	return zones.GetFileSource(config.CatalogFile)
}

// DefineNATSSourceFactory define the upstream transport of each zone from the config
func DefineNATSSourceFactory(
	upstreamCfg common.UpstreamConfig, transportCfg common.TransportConfig,
) (upstream.SourceFactory, error) {
	return upstream.GetNATSSourceFactory(upstream.NATSSourceParams{
		Host:                upstreamCfg.Host,
		DefaultPort:         upstreamCfg.DefaultPort,
		Channel:             upstreamCfg.Channel,
		ConnectTimeout:      time.Second * time.Duration(upstreamCfg.ConnectTimeout),
		MaxReconnectAttempt: upstreamCfg.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(upstreamCfg.Reconnect.WaitInterval),
		HeartbeatInterval:   transportCfg.HeartbeatIntervalDuration(),
		HeartbeatTimeout:    transportCfg.HeartbeatTimeoutDuration(),
	})
}

// RunRelayServer run the relay server until the runtime context is cancelled
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Load the zone catalog. The relay can not run without it.

	catalogSource, err := DefineCatalogSource(config.Catalog)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define zone catalog source")
		return err
	}
	var catalog *zones.Catalog
	{
		ctxt, cancel := context.WithTimeout(
			runTimeContext, time.Second*time.Duration(config.Catalog.FetchTimeout),
		)
		catalog, err = zones.LoadFromSource(ctxt, catalogSource)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to load zone catalog")
			return err
		}
	}
	log.WithFields(logTags).Infof("Loaded %d zones", catalog.Len())

	sourceFactory, err := DefineNATSSourceFactory(config.Upstream, config.Transport)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define upstream source factory")
		return err
	}

	// -------------------------------------------------------------------
	// Start the relay

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	// The relay outlives the runtime context so it can close its subscribers on shutdown
	relayCtxt, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()

	core, err := relay.NewRelay(relayCtxt, relay.Params{
		Catalog:         catalog,
		SourceFactory:   sourceFactory,
		Metrics:         metrics.NewRelayMetrics(),
		EventLoopBuffer: config.Relay.EventLoopBuffer,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return err
	}
	if err := core.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start relay")
		return err
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt,
		core,
		config.Upstream.Channel,
		dataplane.WebSocketParams{
			HeartbeatInterval: config.Transport.HeartbeatIntervalDuration(),
			HeartbeatTimeout:  config.Transport.HeartbeatTimeoutDuration(),
			SendQueueLength:   config.Transport.SendQueueLength,
			WriteTimeout:      time.Second * time.Duration(config.Relay.HTTPSetting.Server.WriteTimeout),
		},
		&config.Relay.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineRelayRouter(
		httpHandler,
		config.Relay.Endpoints.PathPrefix,
		config.Relay.Endpoints.MetricsPath,
		promhttp.Handler(),
	)

	serverCfg := config.Relay.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the relay
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := core.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during relay shutdown")
		}
	}

	return nil
}

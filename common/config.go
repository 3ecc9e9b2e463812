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

package common

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Zone Catalog Related Config

// ZoneCatalogConfig defines where the zone catalog is loaded from at startup
type ZoneCatalogConfig struct {
	// DirectoryURL is the URL of the zone directory service returning the zone list as JSON
	DirectoryURL string `mapstructure:"directory_url" json:"directory_url" validate:"omitempty,url"`
	// CatalogFile is a local YAML file listing the zones. Used when DirectoryURL is not set.
	CatalogFile string `mapstructure:"catalog_file" json:"catalog_file" validate:"omitempty,file"`
	// FetchTimeout is the max duration for fetching the zone catalog in seconds
	FetchTimeout int `mapstructure:"fetch_timeout_sec" json:"fetch_timeout_sec" validate:"gte=1"`
}

// Validate checks that at least one catalog source is defined
func (c ZoneCatalogConfig) Validate() error {
	if c.DirectoryURL == "" && c.CatalogFile == "" {
		return fmt.Errorf("zone catalog needs either a directory URL or a catalog file")
	}
	return nil
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// UpstreamConfig defines how the relay connects to each zone's event source
type UpstreamConfig struct {
	// Host is the host serving every zone's NATS event source. The port comes from the
	// zone's routing port.
	Host string `mapstructure:"host" json:"host" validate:"required,hostname|ip"`
	// DefaultPort is used for zones which did not define a routing port
	DefaultPort int `mapstructure:"default_port" json:"default_port" validate:"gt=0,lt=65536"`
	// Channel is the event channel name. Upstream events for zone Z are read from subject
	// "Z.<Channel>", and subscribers receive them on the endpoint named after Channel.
	Channel string `mapstructure:"channel" json:"channel" validate:"required,alphanum"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Transport Related Config

// TransportConfig defines the connection level parameters shared by the upstream and the
// subscriber transports
type TransportConfig struct {
	// HeartbeatInterval is the interval between pings in milliseconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_ms" json:"heartbeat_interval_ms" validate:"gte=100"`
	// HeartbeatTimeout is how long a connection may stay silent before it is considered
	// dead, in milliseconds
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_ms" json:"heartbeat_timeout_ms" validate:"gtfield=HeartbeatInterval"`
	// SendQueueLength is the number of events which can be queued per subscriber before
	// further deliveries to it fail
	SendQueueLength int `mapstructure:"send_queue_length" json:"send_queue_length" validate:"gte=1"`
}

// HeartbeatIntervalDuration returns HeartbeatInterval as a time.Duration
func (c TransportConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Millisecond * time.Duration(c.HeartbeatInterval)
}

// HeartbeatTimeoutDuration returns HeartbeatTimeout as a time.Duration
func (c TransportConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.HeartbeatTimeout)
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetricsPath is where the Prometheus metrics are served
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path" validate:"required"`
}

// RelayServerConfig defines configuration for the relay API server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay API server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// EventLoopBuffer is the number of pending tasks the relay event loop will queue
	EventLoopBuffer int `mapstructure:"event_loop_buffer" json:"event_loop_buffer" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the relay
type SystemConfig struct {
	// Catalog defines where the zone catalog comes from
	Catalog ZoneCatalogConfig `mapstructure:"catalog" json:"catalog" validate:"required,dive"`
	// Upstream are the upstream event source parameters
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream" validate:"required,dive"`
	// Transport are the connection level parameters
	Transport TransportConfig `mapstructure:"transport" json:"transport" validate:"required,dive"`
	// Relay are the relay API server configs
	Relay RelayServerConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default catalog settings
	viper.SetDefault("catalog.fetch_timeout_sec", 30)

	// Default upstream settings
	viper.SetDefault("upstream.host", "127.0.0.1")
	viper.SetDefault("upstream.default_port", 4222)
	viper.SetDefault("upstream.channel", "offtrack")
	viper.SetDefault("upstream.connect_timeout_sec", 30)
	viper.SetDefault("upstream.reconnect.max_attempts", -1)
	viper.SetDefault("upstream.reconnect.wait_interval_sec", 15)

	// Default transport settings
	viper.SetDefault("transport.heartbeat_interval_ms", 30000)
	viper.SetDefault("transport.heartbeat_timeout_ms", 60000)
	viper.SetDefault("transport.send_queue_length", 64)

	// Default relay server settings
	viper.SetDefault("relay.event_loop_buffer", 256)
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.endpoint_config.metrics_path", "/metrics")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Zonerelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

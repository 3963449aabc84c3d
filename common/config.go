// Copyright 2022 The carsensor Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// RequestTimeout is the max duration to wait for the sensor service to answer a call
	// in milliseconds
	RequestTimeout int `mapstructure:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Sensor Service Related Config

// SensorServiceConfig defines how the sensor service is reached over NATS
type SensorServiceConfig struct {
	// SubjectPrefix is the NATS subject prefix of the sensor service calls and events
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// DispatchBuffer is the number of sensor events which can be queued for listener
	// delivery before the remote side is blocked
	DispatchBuffer int `mapstructure:"dispatch_buffer" json:"dispatch_buffer" validate:"gte=1"`
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
// Monitor Related Config

// SubscriptionConfig defines one sensor subscription the monitor will hold
type SubscriptionConfig struct {
	// Sensor is the sensor type name, e.g. "car_speed"
	Sensor string `mapstructure:"sensor" json:"sensor" validate:"required"`
	// Rate is the requested delivery rate
	Rate string `mapstructure:"rate" json:"rate" validate:"required,oneof=fastest normal"`
}

// MQTTForwardConfig defines the MQTT broker sensor events are republished to
type MQTTForwardConfig struct {
	// BrokerURI is the MQTT broker URI, e.g. tcp://127.0.0.1:1883
	BrokerURI string `mapstructure:"broker_uri" json:"broker_uri" validate:"required,uri"`
	// ClientID is the MQTT client ID to use
	ClientID string `mapstructure:"client_id" json:"client_id" validate:"required"`
	// TopicPrefix is the topic prefix the events are published under
	TopicPrefix string `mapstructure:"topic_prefix" json:"topic_prefix" validate:"required"`
	// ConnectTimeout is the max duration to wait for the broker connection in milliseconds
	ConnectTimeout int `mapstructure:"connect_timeout_ms" json:"connect_timeout_ms" validate:"gte=1"`
	// PublishTimeout is the max duration to wait for a publish to complete in milliseconds
	PublishTimeout int `mapstructure:"publish_timeout_ms" json:"publish_timeout_ms" validate:"gte=1"`
}

// MonitorConfig defines configuration for the sensor monitor
type MonitorConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the diagnostics API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the diagnostics APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// Subscriptions is the set of sensor subscriptions to hold
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions" json:"subscriptions" validate:"omitempty,dive"`
	// MQTT if defined, republish the received sensor events to this MQTT broker
	MQTT *MQTTForwardConfig `mapstructure:"mqtt,omitempty" json:"mqtt,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Simulator Related Config

// SimulatorConfig defines configuration for the simulated sensor service
type SimulatorConfig struct {
	// SupportedSensors is the list of sensor type names the simulator offers
	SupportedSensors []string `mapstructure:"supported_sensors" json:"supported_sensors" validate:"required,min=1"`
	// BasePeriod is the period between two simulated events at the fastest rate in
	// milliseconds
	BasePeriod int `mapstructure:"base_period_ms" json:"base_period_ms" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either monitor or simulator
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Sensor are the sensor service related config parameters
	Sensor SensorServiceConfig `mapstructure:"sensor" json:"sensor" validate:"required,dive"`
	// Monitor are the sensor monitor configs
	Monitor *MonitorConfig `mapstructure:"monitor,omitempty" json:"monitor,omitempty" validate:"omitempty,dive"`
	// Simulator are the simulated sensor service configs
	Simulator *SimulatorConfig `mapstructure:"simulator,omitempty" json:"simulator,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.request_timeout_ms", 2000)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default sensor service settings
	viper.SetDefault("sensor.subject_prefix", "carsensor")
	viper.SetDefault("sensor.dispatch_buffer", 64)

	// Default monitor settings
	viper.SetDefault("monitor.path_prefix", "/")
	viper.SetDefault("monitor.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("monitor.api_server.server_config.listen_port", 3000)
	viper.SetDefault("monitor.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("monitor.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("monitor.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"monitor.api_server.logging_config.request_id_header", "Carsensor-Request-ID",
	)
	viper.SetDefault(
		"monitor.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("monitor.subscriptions", []map[string]string{
		{"sensor": "car_speed", "rate": "normal"},
		{"sensor": "gear", "rate": "fastest"},
	})

	// Default simulator settings
	viper.SetDefault("simulator.supported_sensors", []string{
		"car_speed", "rpm", "odometer", "fuel_level", "parking_brake", "gear", "night",
	})
	viper.SetDefault("simulator.base_period_ms", 100)
}

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

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	viper.Reset()
	defer viper.Reset()

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("carsensor", cfg.Sensor.SubjectPrefix)
		assert.NotNil(cfg.Monitor)
		assert.Len(cfg.Monitor.Subscriptions, 2)
		assert.Equal("car_speed", cfg.Monitor.Subscriptions[0].Sensor)
		assert.Equal("fastest", cfg.Monitor.Subscriptions[1].Rate)
		assert.Nil(cfg.Monitor.MQTT)
		assert.NotNil(cfg.Simulator)
		assert.Equal(100, cfg.Simulator.BasePeriod)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
monitor:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid subscription rate
	{
		config := []byte(`---
monitor:
  subscriptions:
    - sensor: rpm
      rate: slowest`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: MQTT forwarding missing its broker
	{
		config := []byte(`---
monitor:
  mqtt:
    client_id: ut-monitor
    topic_prefix: vehicle
    publish_timeout_ms: 100`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(cfg.Monitor.MQTT)
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: valid MQTT forwarding
	{
		config := []byte(`---
monitor:
  mqtt:
    broker_uri: tcp://127.0.0.1:1883
    client_id: ut-monitor
    topic_prefix: vehicle
    connect_timeout_ms: 2000
    publish_timeout_ms: 100`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("vehicle", cfg.Monitor.MQTT.TopicPrefix)
		assert.Equal(2000, cfg.Monitor.MQTT.ConnectTimeout)
		assert.Equal(100, cfg.Monitor.MQTT.PublishTimeout)
	}

	// Case 6: MQTT forwarding missing its connect timeout
	{
		config := []byte(`---
monitor:
  mqtt:
    broker_uri: tcp://127.0.0.1:1883
    client_id: ut-monitor
    topic_prefix: vehicle
    publish_timeout_ms: 100`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}

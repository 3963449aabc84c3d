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

// Package bridge republishes sensor events to other messaging systems
package bridge

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alwitt/carsensor/common"
	"github.com/alwitt/carsensor/sensor"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnectMQTT connect to the MQTT broker events are forwarded to
func ConnectMQTT(config common.MQTTForwardConfig) (mqtt.Client, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "mqtt-client", "instance": config.ClientID,
	}
	timeout := time.Millisecond * time.Duration(config.ConnectTimeout)
	opts := mqtt.NewClientOptions().
		AddBroker(config.BrokerURI).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).WithFields(logTags).Warn("MQTT connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.WithFields(logTags).Info("Connected to MQTT broker")
		})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		err := fmt.Errorf("MQTT connect to %s timed out", config.BrokerURI)
		log.WithError(err).WithFields(logTags).Error("MQTT connect failed")
		return nil, err
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(logTags).Error("MQTT connect failed")
		return nil, err
	}
	return client, nil
}

// forwardedEvent MQTT message body of one sensor event
type forwardedEvent struct {
	Sensor      string    `json:"sensor"`
	SensorType  int32     `json:"sensor_type"`
	TimeStampNs int64     `json:"timestamp_ns"`
	FloatValues []float32 `json:"float_values,omitempty"`
	ByteValues  []byte    `json:"byte_values,omitempty"`
}

// MQTTForwarder sensor.SensorEventListener republishing every event to MQTT under
// "<topic prefix>/<sensor name>"
type MQTTForwarder struct {
	goutils.Component
	client         mqtt.Client
	topicPrefix    string
	publishTimeout time.Duration
	published      atomic.Uint64
	failed         atomic.Uint64
}

// NewMQTTForwarder define a new MQTTForwarder
func NewMQTTForwarder(
	client mqtt.Client, topicPrefix string, publishTimeout time.Duration,
) *MQTTForwarder {
	logTags := log.Fields{
		"module": "bridge", "component": "mqtt-forwarder", "instance": topicPrefix,
	}
	return &MQTTForwarder{
		Component:      goutils.Component{LogTags: logTags},
		client:         client,
		topicPrefix:    topicPrefix,
		publishTimeout: publishTimeout,
	}
}

// TopicFor the MQTT topic events of a sensor type are published to
func (f *MQTTForwarder) TopicFor(sensorType sensor.SensorType) string {
	return fmt.Sprintf("%s/%s", f.topicPrefix, sensorType)
}

// OnSensorChanged sensor.SensorEventListener. Failures are logged and counted only.
func (f *MQTTForwarder) OnSensorChanged(event sensor.SensorEvent) {
	payload, err := json.Marshal(&forwardedEvent{
		Sensor:      event.SensorType.String(),
		SensorType:  int32(event.SensorType),
		TimeStampNs: event.TimeStampNs,
		FloatValues: event.FloatValues,
		ByteValues:  event.ByteValues,
	})
	if err != nil {
		f.failed.Add(1)
		log.WithError(err).WithFields(f.LogTags).Errorf("Failed to encode %s", event)
		return
	}
	topic := f.TopicFor(event.SensorType)
	token := f.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(f.publishTimeout) {
		f.failed.Add(1)
		log.WithFields(f.LogTags).Errorf("Publish of %s to %s timed out", event, topic)
		return
	}
	if err := token.Error(); err != nil {
		f.failed.Add(1)
		log.WithError(err).WithFields(f.LogTags).Errorf("Failed to publish %s to %s", event, topic)
		return
	}
	f.published.Add(1)
}

// Stats number of events published and failed so far
func (f *MQTTForwarder) Stats() (published uint64, failed uint64) {
	return f.published.Load(), f.failed.Load()
}

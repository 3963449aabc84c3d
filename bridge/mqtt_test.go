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

package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/carsensor/sensor"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
)

// fakeToken completed or stuck mqtt.Token
type fakeToken struct {
	mqtt.Token
	completes bool
	err       error
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.completes }

func (t *fakeToken) Error() error { return t.err }

type publishRecord struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient mqtt.Client recording publishes
type fakeClient struct {
	mqtt.Client
	lock      sync.Mutex
	published []publishRecord
	nextToken *fakeToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.published = append(c.published, publishRecord{
		topic: topic, qos: qos, retained: retained, payload: payload.([]byte),
	})
	if c.nextToken != nil {
		token := c.nextToken
		c.nextToken = nil
		return token
	}
	return &fakeToken{completes: true}
}

func TestMQTTForwarder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	client := &fakeClient{}
	uut := NewMQTTForwarder(client, "vehicle/unittest", time.Millisecond*100)

	// Case 0: forward one event
	{
		uut.OnSensorChanged(sensor.SensorEvent{
			SensorType: sensor.SensorTypeCarSpeed, TimeStampNs: 500, FloatValues: []float32{12.25},
		})
		assert.Len(client.published, 1)
		record := client.published[0]
		assert.Equal("vehicle/unittest/car_speed", record.topic)
		assert.Equal(byte(0), record.qos)
		assert.False(record.retained)
		var parsed forwardedEvent
		assert.Nil(json.Unmarshal(record.payload, &parsed))
		assert.Equal("car_speed", parsed.Sensor)
		assert.Equal(int32(sensor.SensorTypeCarSpeed), parsed.SensorType)
		assert.Equal(int64(500), parsed.TimeStampNs)
		assert.Equal([]float32{12.25}, parsed.FloatValues)
		published, failed := uut.Stats()
		assert.Equal(uint64(1), published)
		assert.Equal(uint64(0), failed)
	}

	// Case 1: publish timeout
	{
		client.nextToken = &fakeToken{completes: false}
		uut.OnSensorChanged(sensor.SensorEvent{SensorType: sensor.SensorTypeGear, TimeStampNs: 501})
		published, failed := uut.Stats()
		assert.Equal(uint64(1), published)
		assert.Equal(uint64(1), failed)
	}

	// Case 2: publish error
	{
		client.nextToken = &fakeToken{completes: true, err: fmt.Errorf("dummy error")}
		uut.OnSensorChanged(sensor.SensorEvent{SensorType: sensor.SensorTypeGear, TimeStampNs: 502})
		published, failed := uut.Stats()
		assert.Equal(uint64(1), published)
		assert.Equal(uint64(2), failed)
		assert.Len(client.published, 3)
		assert.Equal("vehicle/unittest/gear", client.published[2].topic)
	}
}

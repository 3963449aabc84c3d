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

package testservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/carsensor/sensor"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	lock   sync.Mutex
	events []sensor.SensorEvent
}

func (s *recordingSink) OnSensorChanged(event sensor.SensorEvent) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) received() []sensor.SensorEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]sensor.SensorEvent, len(s.events))
	copy(result, s.events)
	return result
}

func TestTestSensorServiceScripting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewTestSensorService(2)

	// Case 0: version and supported list
	{
		version, err := uut.GetVersion()
		assert.Nil(err)
		assert.Equal(2, version)
		uut.SetSupportedSensors([]sensor.SensorType{
			sensor.SensorTypeCarSpeed, sensor.SensorTypeOdometer, sensor.SensorTypeGear,
		})
		supported, err := uut.GetSupportedSensors()
		assert.Nil(err)
		assert.Equal(
			[]sensor.SensorType{
				sensor.SensorTypeCarSpeed, sensor.SensorTypeOdometer, sensor.SensorTypeGear,
			},
			supported,
		)
	}

	sink0 := &recordingSink{}
	sink1 := &recordingSink{}

	// Case 1: register sinks
	{
		ok, err := uut.RegisterOrUpdateSensorListener(
			sensor.SensorTypeCarSpeed, sensor.SensorRateNormal, 1, sink0,
		)
		assert.Nil(err)
		assert.True(ok)
		ok, err = uut.RegisterOrUpdateSensorListener(
			sensor.SensorTypeCarSpeed, sensor.SensorRateFastest, 1, sink1,
		)
		assert.Nil(err)
		assert.True(ok)
		// Unsupported type is refused
		ok, err = uut.RegisterOrUpdateSensorListener(
			sensor.SensorTypeRPM, sensor.SensorRateFastest, 1, sink1,
		)
		assert.Nil(err)
		assert.False(ok)
		assert.Equal(
			map[sensor.SensorType]sensor.SensorRate{sensor.SensorTypeCarSpeed: sensor.SensorRateFastest},
			uut.Registrations(),
		)
		assert.Equal(2, uut.SinkCount(sensor.SensorTypeCarSpeed))
		assert.Len(uut.RegisterCalls(), 3)
	}

	// Case 2: inject event
	{
		event := sensor.SensorEvent{
			SensorType: sensor.SensorTypeCarSpeed, TimeStampNs: 10, FloatValues: []float32{3.5},
		}
		assert.Equal(2, uut.InjectEvent(event))
		assert.Equal([]sensor.SensorEvent{event}, sink0.received())
		assert.Equal([]sensor.SensorEvent{event}, sink1.received())
		latest, err := uut.GetLatestSensorEvent(sensor.SensorTypeCarSpeed)
		assert.Nil(err)
		assert.NotNil(latest)
		assert.Equal(event, *latest)
		latest, err = uut.GetLatestSensorEvent(sensor.SensorTypeGear)
		assert.Nil(err)
		assert.Nil(latest)
	}

	// Case 3: scripted failures
	{
		testErr := errors.New("dummy error")
		uut.FailNextCall(testErr)
		_, err := uut.GetSupportedSensors()
		assert.Equal(testErr, err)
		_, err = uut.GetSupportedSensors()
		assert.Nil(err)

		uut.SetRegistrationResult(false)
		ok, err := uut.RegisterOrUpdateSensorListener(
			sensor.SensorTypeGear, sensor.SensorRateFastest, 1, sink0,
		)
		assert.Nil(err)
		assert.False(ok)
		uut.SetRegistrationResult(true)
	}

	// Case 4: unregister
	{
		assert.Nil(uut.UnregisterSensorListener(sensor.SensorTypeCarSpeed, sink1))
		assert.Equal(
			map[sensor.SensorType]sensor.SensorRate{sensor.SensorTypeCarSpeed: sensor.SensorRateNormal},
			uut.Registrations(),
		)
		assert.Len(uut.UnregisterCalls(), 1)
	}

	// Case 5: disconnect
	{
		uut.Disconnect()
		assert.False(uut.IsConnected())
		_, err := uut.GetVersion()
		assert.True(errors.Is(err, sensor.ErrConnectionLost))
		_, err = uut.RegisterOrUpdateSensorListener(
			sensor.SensorTypeCarSpeed, sensor.SensorRateNormal, 1, sink0,
		)
		assert.True(errors.Is(err, sensor.ErrConnectionLost))
		assert.Empty(uut.Registrations())
		uut.Reconnect()
		assert.True(uut.IsConnected())
		_, err = uut.GetVersion()
		assert.Nil(err)
	}
}

func TestTestSensorServiceSimulation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewTestSensorService(1)
	fast := &recordingSink{}
	slow := &recordingSink{}
	ok, err := uut.RegisterOrUpdateSensorListener(
		sensor.SensorTypeCarSpeed, sensor.SensorRateFastest, 1, fast,
	)
	assert.Nil(err)
	assert.True(ok)
	ok, err = uut.RegisterOrUpdateSensorListener(
		sensor.SensorTypeRPM, sensor.SensorRateNormal, 1, slow,
	)
	assert.Nil(err)
	assert.True(ok)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	// Case 0: run simulation
	{
		assert.Nil(uut.StartSimulation(ctxt, &wg, time.Millisecond*5))
		assert.NotNil(uut.StartSimulation(ctxt, &wg, time.Millisecond*5))
		time.Sleep(time.Millisecond * 300)
		assert.Nil(uut.StopSimulation())
		time.Sleep(time.Millisecond * 20)
	}

	fastEvents := fast.received()
	slowEvents := slow.received()

	// Case 1: verify rates
	{
		assert.Greater(len(fastEvents), 10)
		assert.Greater(len(fastEvents), len(slowEvents))
		for idx, event := range fastEvents {
			assert.Equal(sensor.SensorTypeCarSpeed, event.SensorType)
			if idx > 0 {
				assert.Greater(event.TimeStampNs, fastEvents[idx-1].TimeStampNs)
			}
		}
		for _, event := range slowEvents {
			assert.Equal(sensor.SensorTypeRPM, event.SensorType)
		}
	}

	// Case 2: mocking suppresses simulation
	{
		uut.StartMocking()
		assert.True(uut.IsInMocking())
		assert.Nil(uut.StartSimulation(ctxt, &wg, time.Millisecond*5))
		time.Sleep(time.Millisecond * 50)
		assert.Nil(uut.StopSimulation())
		time.Sleep(time.Millisecond * 20)
		assert.Len(fast.received(), len(fastEvents))
		uut.StopMocking()
		assert.False(uut.IsInMocking())
	}
}

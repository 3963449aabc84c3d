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

package sensor

import (
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestListenerSetRateNegotiation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := newListenerSet(SensorTypeCarSpeed, SensorRateNormal)
	l0 := NewListener(func(SensorEvent) {})
	l1 := NewListener(func(SensorEvent) {})
	l2 := NewListener(func(SensorEvent) {})

	// Case 0: first listener at the initial rate
	{
		assert.True(uut.isEmpty())
		assert.False(uut.addAndUpdateRate(l0, SensorRateNormal))
		assert.Equal(SensorRateNormal, uut.updateRate)
		assert.Equal(noUpdateYet, uut.lastUpdateTime)
	}

	// Case 1: faster listener lowers the rate
	{
		assert.True(uut.addAndUpdateRate(l1, SensorRateFastest))
		assert.Equal(SensorRateFastest, uut.updateRate)
	}

	// Case 2: slower listener does not change it
	{
		assert.False(uut.addAndUpdateRate(l2, SensorRateNormal))
		assert.Equal(SensorRateFastest, uut.updateRate)
		assert.Equal([]SensorEventListener{l0, l1, l2}, uut.listeners)
	}

	// Case 3: duplicate registration keeps one entry
	{
		assert.False(uut.addAndUpdateRate(l0, SensorRateNormal))
		assert.Len(uut.listeners, 3)
	}

	// Case 4: removing the fast listener keeps the rate
	{
		assert.True(uut.remove(l1))
		assert.False(uut.remove(l1))
		assert.Equal(SensorRateFastest, uut.updateRate)
		assert.Equal([]SensorEventListener{l0, l2}, uut.listeners)
	}

	// Case 5: empty out
	{
		assert.True(uut.remove(l0))
		assert.True(uut.remove(l2))
		assert.True(uut.isEmpty())
	}
}

func TestListenerSetStaleFilter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := newListenerSet(SensorTypeGear, SensorRateFastest)
	l0 := NewListener(func(SensorEvent) {})
	l1 := NewListener(func(SensorEvent) {})
	uut.addAndUpdateRate(l0, SensorRateFastest)
	uut.addAndUpdateRate(l1, SensorRateFastest)

	// Case 0: first event accepted, even at timestamp 0
	{
		recipients, ok := uut.onEvent(SensorEvent{SensorType: SensorTypeGear, TimeStampNs: 0})
		assert.True(ok)
		assert.Equal([]SensorEventListener{l0, l1}, recipients)
		assert.Equal(int64(0), uut.lastUpdateTime)
	}

	// Case 1: newer event accepted
	{
		_, ok := uut.onEvent(SensorEvent{SensorType: SensorTypeGear, TimeStampNs: 100})
		assert.True(ok)
		assert.Equal(int64(100), uut.lastUpdateTime)
	}

	// Case 2: older event dropped
	{
		recipients, ok := uut.onEvent(SensorEvent{SensorType: SensorTypeGear, TimeStampNs: 99})
		assert.False(ok)
		assert.Nil(recipients)
		assert.Equal(int64(100), uut.lastUpdateTime)
	}

	// Case 3: equal timestamp accepted
	{
		_, ok := uut.onEvent(SensorEvent{SensorType: SensorTypeGear, TimeStampNs: 100})
		assert.True(ok)
		assert.Equal(int64(100), uut.lastUpdateTime)
	}

	// Case 4: snapshot unaffected by later changes
	{
		recipients, ok := uut.onEvent(SensorEvent{SensorType: SensorTypeGear, TimeStampNs: 200})
		assert.True(ok)
		uut.remove(l0)
		l2 := NewListener(func(SensorEvent) {})
		uut.addAndUpdateRate(l2, SensorRateFastest)
		assert.Equal([]SensorEventListener{l0, l1}, recipients)
		assert.Equal([]SensorEventListener{l1, l2}, uut.listeners)
	}
}

func TestDeliverSensorEvent(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	order := []int{}
	listeners := []SensorEventListener{
		NewListener(func(SensorEvent) { order = append(order, 0) }),
		NewListener(func(SensorEvent) { panic("listener failure") }),
		NewListener(func(SensorEvent) { order = append(order, 2) }),
	}

	// Case 0: a panicking listener does not stop the others
	{
		deliverSensorEvent(
			log.Fields{"module": "sensor"}, listeners, SensorEvent{SensorType: SensorTypeRPM},
		)
		assert.Equal([]int{0, 2}, order)
	}
}

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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSensorTypeParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: validity range
	{
		assert.False(SensorType(0).IsValid())
		assert.True(SensorTypeCompass.IsValid())
		assert.True(SensorTypeMax.IsValid())
		assert.False((SensorTypeMax + 1).IsValid())
		assert.False(SensorType(-3).IsValid())
		assert.Len(AllSensorTypes(), int(SensorTypeMax))
		assert.Equal(SensorTypeCompass, AllSensorTypes()[0])
	}

	// Case 1: names
	{
		assert.Equal("car_speed", SensorTypeCarSpeed.String())
		assert.Equal("sensor_type(99)", SensorType(99).String())
		for _, sensorType := range AllSensorTypes() {
			parsed, err := ParseSensorType(sensorType.String())
			assert.Nil(err)
			assert.Equal(sensorType, parsed)
		}
		parsed, err := ParseSensorType(" Gear ")
		assert.Nil(err)
		assert.Equal(SensorTypeGear, parsed)
		_, err = ParseSensorType("warp_drive")
		assert.True(errors.Is(err, ErrInvalidArgument))
	}
}

func TestSensorRateParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: validity
	{
		assert.True(SensorRateFastest.IsValid())
		assert.True(SensorRateNormal.IsValid())
		assert.False(SensorRate(1).IsValid())
		assert.False(SensorRate(-1).IsValid())
	}

	// Case 1: ordering
	{
		assert.True(SensorRateFastest.FasterThan(SensorRateNormal))
		assert.False(SensorRateNormal.FasterThan(SensorRateFastest))
		assert.False(SensorRateNormal.FasterThan(SensorRateNormal))
	}

	// Case 2: names
	{
		rate, err := ParseSensorRate("FASTEST")
		assert.Nil(err)
		assert.Equal(SensorRateFastest, rate)
		rate, err = ParseSensorRate("normal")
		assert.Nil(err)
		assert.Equal(SensorRateNormal, rate)
		_, err = ParseSensorRate("ludicrous")
		assert.True(errors.Is(err, ErrInvalidArgument))
		assert.Equal("sensor_rate(7)", SensorRate(7).String())
	}
}

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
	"fmt"
	"strings"
)

// SensorType identifies a category of vehicle telemetry
type SensorType int32

// Recognized sensor types. The values are shared with the sensor service, so
// they must never be renumbered.
const (
	SensorTypeCompass       SensorType = 1
	SensorTypeCarSpeed      SensorType = 2
	SensorTypeRPM           SensorType = 3
	SensorTypeOdometer      SensorType = 4
	SensorTypeFuelLevel     SensorType = 5
	SensorTypeParkingBrake  SensorType = 6
	SensorTypeGear          SensorType = 7
	SensorTypeDiagnostics   SensorType = 8
	SensorTypeNight         SensorType = 9
	SensorTypeLocation      SensorType = 10
	SensorTypeDrivingStatus SensorType = 11
	SensorTypeEnvironment   SensorType = 12
	SensorTypeHVAC          SensorType = 13
	SensorTypeAccelerometer SensorType = 14
	SensorTypeDeadReckoning SensorType = 15
	SensorTypeDoor          SensorType = 16
	SensorTypeGPSSatellite  SensorType = 17
	SensorTypeGyroscope     SensorType = 18
	SensorTypeLight         SensorType = 19
	SensorTypePassenger     SensorType = 20
	SensorTypeTirePressure  SensorType = 21
	// SensorTypeMax is the largest valid sensor type
	SensorTypeMax = SensorTypeTirePressure
)

var sensorTypeNames = map[SensorType]string{
	SensorTypeCompass:       "compass",
	SensorTypeCarSpeed:      "car_speed",
	SensorTypeRPM:           "rpm",
	SensorTypeOdometer:      "odometer",
	SensorTypeFuelLevel:     "fuel_level",
	SensorTypeParkingBrake:  "parking_brake",
	SensorTypeGear:          "gear",
	SensorTypeDiagnostics:   "diagnostics",
	SensorTypeNight:         "night",
	SensorTypeLocation:      "location",
	SensorTypeDrivingStatus: "driving_status",
	SensorTypeEnvironment:   "environment",
	SensorTypeHVAC:          "hvac",
	SensorTypeAccelerometer: "accelerometer",
	SensorTypeDeadReckoning: "dead_reckoning",
	SensorTypeDoor:          "door",
	SensorTypeGPSSatellite:  "gps_satellite",
	SensorTypeGyroscope:     "gyroscope",
	SensorTypeLight:         "light",
	SensorTypePassenger:     "passenger",
	SensorTypeTirePressure:  "tire_pressure",
}

// IsValid whether the sensor type is within (0, SensorTypeMax]
func (t SensorType) IsValid() bool {
	return t > 0 && t <= SensorTypeMax
}

// String toString function
func (t SensorType) String() string {
	if name, ok := sensorTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("sensor_type(%d)", int32(t))
}

// ParseSensorType convert a sensor type name into a SensorType
func ParseSensorType(name string) (SensorType, error) {
	lowered := strings.ToLower(strings.TrimSpace(name))
	for sensorType, typeName := range sensorTypeNames {
		if typeName == lowered {
			return sensorType, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown sensor type name '%s'", ErrInvalidArgument, name)
}

// AllSensorTypes list every recognized sensor type in ascending order
func AllSensorTypes() []SensorType {
	result := make([]SensorType, 0, int(SensorTypeMax))
	for itr := SensorTypeCompass; itr <= SensorTypeMax; itr++ {
		result = append(result, itr)
	}
	return result
}

// ====================================================================================

// SensorRate requested sensor event delivery frequency class. Lower value is faster.
type SensorRate int32

const (
	// SensorRateFastest deliver events as fast as the sensor produces them
	SensorRateFastest SensorRate = 0
	// SensorRateNormal deliver events at the sensor's normal rate
	SensorRateNormal SensorRate = 3
)

// IsValid whether the rate is one accepted for registration
func (r SensorRate) IsValid() bool {
	return r == SensorRateFastest || r == SensorRateNormal
}

// FasterThan whether this rate delivers more often than the other
func (r SensorRate) FasterThan(other SensorRate) bool {
	return r < other
}

// String toString function
func (r SensorRate) String() string {
	switch r {
	case SensorRateFastest:
		return "fastest"
	case SensorRateNormal:
		return "normal"
	default:
		return fmt.Sprintf("sensor_rate(%d)", int32(r))
	}
}

// ParseSensorRate convert a rate name into a SensorRate
func ParseSensorRate(name string) (SensorRate, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fastest":
		return SensorRateFastest, nil
	case "normal":
		return SensorRateNormal, nil
	default:
		return 0, fmt.Errorf("%w: unknown sensor rate name '%s'", ErrInvalidArgument, name)
	}
}

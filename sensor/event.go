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

	"github.com/google/uuid"
)

// SensorEvent one reading reported by the sensor service
//
// The payload is not interpreted here. Receivers must treat the event as read-only,
// as the same value is handed to every listener of its sensor type.
type SensorEvent struct {
	// SensorType is the sensor which produced the event
	SensorType SensorType `json:"sensor_type"`
	// TimeStampNs is the monotonic event timestamp in nanoseconds
	TimeStampNs int64 `json:"timestamp_ns"`
	// FloatValues is the numeric payload
	FloatValues []float32 `json:"float_values,omitempty"`
	// ByteValues is the byte payload
	ByteValues []byte `json:"byte_values,omitempty"`
}

// String toString function
func (e SensorEvent) String() string {
	return fmt.Sprintf(
		"%s@%d[F:%d B:%d]", e.SensorType, e.TimeStampNs, len(e.FloatValues), len(e.ByteValues),
	)
}

// ====================================================================================

// SensorEventListener application callback receiving the events of the sensor types
// it registered for.
//
// Listeners are identified by interface equality, so implementations must be
// comparable; use pointer receivers.
type SensorEventListener interface {
	// OnSensorChanged called on the dispatch event loop for each accepted event
	OnSensorChanged(event SensorEvent)
}

// CallbackListener SensorEventListener wrapping a function
type CallbackListener struct {
	// ID unique ID of this listener
	ID       string
	callback func(event SensorEvent)
}

// NewListener define a new CallbackListener
func NewListener(callback func(event SensorEvent)) *CallbackListener {
	return &CallbackListener{ID: uuid.NewString(), callback: callback}
}

// OnSensorChanged calls the wrapped function
func (l *CallbackListener) OnSensorChanged(event SensorEvent) {
	l.callback(event)
}

// String toString function
func (l *CallbackListener) String() string {
	return fmt.Sprintf("listener-%s", l.ID)
}

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

// EventSink receives sensor events from the sensor service. The service may call it
// from any goroutine.
type EventSink interface {
	OnSensorChanged(event SensorEvent)
}

// SensorService the remote sensor providing service
//
// Errors wrapping ErrConnectionLost indicate the session is gone. Any other error is
// treated as a transient failure of that one call.
type SensorService interface {
	// GetVersion fetch the service version
	GetVersion() (int, error)
	// GetSupportedSensors list the sensor types the service can provide
	GetSupportedSensors() ([]SensorType, error)
	// RegisterOrUpdateSensorListener start or update event delivery of a sensor type
	// to a sink. Returns false if the service rejected the request.
	RegisterOrUpdateSensorListener(
		sensorType SensorType, rate SensorRate, clientVersion int, sink EventSink,
	) (bool, error)
	// UnregisterSensorListener stop event delivery of a sensor type to a sink
	UnregisterSensorListener(sensorType SensorType, sink EventSink) error
	// GetLatestSensorEvent fetch the most recent event of a sensor type. Returns nil
	// if no event is available yet.
	GetLatestSensorEvent(sensorType SensorType) (*SensorEvent, error)
}

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

// Package transport carries the sensor service calls and events over NATS
package transport

import (
	"fmt"

	"github.com/alwitt/carsensor/sensor"
)

// rpcRequest the request body of every sensor service call
type rpcRequest struct {
	SensorType    sensor.SensorType `json:"sensor_type,omitempty"`
	Rate          sensor.SensorRate `json:"rate"`
	ClientVersion int               `json:"client_version,omitempty"`
	SinkID        string            `json:"sink_id,omitempty"`
}

// rpcReply the reply body of every sensor service call
type rpcReply struct {
	Version  int                 `json:"version,omitempty"`
	Sensors  []sensor.SensorType `json:"sensors,omitempty"`
	Accepted bool                `json:"accepted"`
	Event    *sensor.SensorEvent `json:"event,omitempty"`
	// Error is set when the call failed
	Error string `json:"error,omitempty"`
	// NotConnected is set when the service itself lost its sensor session
	NotConnected bool `json:"not_connected,omitempty"`
}

// serviceSubjects NATS subjects of the sensor service under one prefix
type serviceSubjects struct {
	version    string
	supported  string
	register   string
	unregister string
	latest     string
	eventBase  string
}

func defineServiceSubjects(prefix string) serviceSubjects {
	return serviceSubjects{
		version:    fmt.Sprintf("%s.rpc.version", prefix),
		supported:  fmt.Sprintf("%s.rpc.supported", prefix),
		register:   fmt.Sprintf("%s.rpc.register", prefix),
		unregister: fmt.Sprintf("%s.rpc.unregister", prefix),
		latest:     fmt.Sprintf("%s.rpc.latest", prefix),
		eventBase:  fmt.Sprintf("%s.events", prefix),
	}
}

// eventSubject subject the events destined to a sink are published on
func (s serviceSubjects) eventSubject(sinkID string) string {
	return fmt.Sprintf("%s.%s", s.eventBase, sinkID)
}

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
	"sync/atomic"
	"weak"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// remoteEventRelay the EventSink handed to the sensor service on behalf of a
// SensorManager.
//
// The service may hold on to the relay indefinitely, so it only keeps a weak
// reference to its manager: a relay never keeps a manager alive.
type remoteEventRelay struct {
	goutils.Component
	id       string
	manager  weak.Pointer[SensorManager]
	detached atomic.Bool
}

func newRemoteEventRelay(manager *SensorManager) *remoteEventRelay {
	id := uuid.NewString()
	logTags := log.Fields{
		"module": "sensor", "component": "remote-event-relay", "instance": id,
	}
	return &remoteEventRelay{
		Component: goutils.Component{LogTags: logTags},
		id:        id,
		manager:   weak.Make(manager),
	}
}

// OnSensorChanged hand the event over to the manager's dispatch event loop. Events
// are discarded if the manager is gone or has dropped this relay.
func (r *remoteEventRelay) OnSensorChanged(event SensorEvent) {
	if r.detached.Load() {
		log.WithFields(r.LogTags).Debugf("Relay detached, discarding %s", event)
		return
	}
	manager := r.manager.Value()
	if manager == nil {
		log.WithFields(r.LogTags).Debugf("Manager gone, discarding %s", event)
		return
	}
	manager.handleOnSensorChanged(r, event)
}

// detach stop forwarding events
func (r *remoteEventRelay) detach() {
	r.detached.Store(true)
}

// String toString function
func (r *remoteEventRelay) String() string {
	return "relay-" + r.id
}

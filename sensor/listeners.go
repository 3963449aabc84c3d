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

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// noUpdateYet is below any valid event timestamp
const noUpdateYet int64 = -1

// listenerSet the listeners of one sensor type along with the negotiated rate
//
// Not thread safe; the owning SensorManager guards it with its lock.
type listenerSet struct {
	goutils.Component
	sensorType     SensorType
	listeners      []SensorEventListener
	updateRate     SensorRate
	lastUpdateTime int64
}

func newListenerSet(sensorType SensorType, rate SensorRate) *listenerSet {
	logTags := log.Fields{
		"module": "sensor", "component": "listener-set", "instance": sensorType.String(),
	}
	return &listenerSet{
		Component:      goutils.Component{LogTags: logTags},
		sensorType:     sensorType,
		listeners:      make([]SensorEventListener, 0, 1),
		updateRate:     rate,
		lastUpdateTime: noUpdateYet,
	}
}

func (s *listenerSet) indexOf(listener SensorEventListener) int {
	for idx, existing := range s.listeners {
		if existing == listener {
			return idx
		}
	}
	return -1
}

func (s *listenerSet) contains(listener SensorEventListener) bool {
	return s.indexOf(listener) >= 0
}

// remove drop a listener. Returns whether it was present.
func (s *listenerSet) remove(listener SensorEventListener) bool {
	idx := s.indexOf(listener)
	if idx < 0 {
		return false
	}
	// Fresh slice so snapshots handed out earlier are never mutated
	updated := make([]SensorEventListener, 0, len(s.listeners)-1)
	updated = append(updated, s.listeners[:idx]...)
	updated = append(updated, s.listeners[idx+1:]...)
	s.listeners = updated
	return true
}

func (s *listenerSet) isEmpty() bool {
	return len(s.listeners) == 0
}

// addAndUpdateRate add the listener if it is not already present, and lower the
// negotiated rate if the requested one is faster. Returns whether the rate changed.
//
// The rate is never raised again, even once the faster listener leaves.
func (s *listenerSet) addAndUpdateRate(listener SensorEventListener, rate SensorRate) bool {
	if !s.contains(listener) {
		updated := make([]SensorEventListener, len(s.listeners), len(s.listeners)+1)
		copy(updated, s.listeners)
		s.listeners = append(updated, listener)
	}
	if rate.FasterThan(s.updateRate) {
		s.updateRate = rate
		return true
	}
	return false
}

// onEvent apply the stale event filter. If the event is accepted, returns the
// listeners to deliver it to, in registration order.
//
// The returned slice is a snapshot: later registration changes do not alter it.
func (s *listenerSet) onEvent(event SensorEvent) ([]SensorEventListener, bool) {
	// Events can arrive out of order, as the service does not guarantee ordered delivery
	if event.TimeStampNs < s.lastUpdateTime {
		log.WithFields(s.LogTags).Warnf(
			"Dropping old sensor data %s, last update at %d", event, s.lastUpdateTime,
		)
		return nil, false
	}
	s.lastUpdateTime = event.TimeStampNs
	return s.listeners, true
}

// String toString function
func (s *listenerSet) String() string {
	return fmt.Sprintf(
		"%s[L:%d R:%s T:%d]", s.sensorType, len(s.listeners), s.updateRate, s.lastUpdateTime,
	)
}

// deliverSensorEvent fan an event out to a listener snapshot. A panicking listener
// does not prevent delivery to the rest.
func deliverSensorEvent(
	logTags log.Fields, listeners []SensorEventListener, event SensorEvent,
) {
	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logTags).Errorf("Listener panicked while handling %s: %v", event, r)
				}
			}()
			listener.OnSensorChanged(event)
		}()
	}
}

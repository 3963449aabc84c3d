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

// Package testservice in process sensor service for tests and the simulator
package testservice

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/carsensor/common"
	"github.com/alwitt/carsensor/sensor"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// normalRateDivider number of simulation ticks between two events at normal rate
const normalRateDivider = 10

// RegisterCall one recorded RegisterOrUpdateSensorListener call
type RegisterCall struct {
	SensorType    sensor.SensorType
	Rate          sensor.SensorRate
	ClientVersion int
	Sink          sensor.EventSink
}

// UnregisterCall one recorded UnregisterSensorListener call
type UnregisterCall struct {
	SensorType sensor.SensorType
	Sink       sensor.EventSink
}

// TestSensorService in process sensor.SensorService
//
// Beside serving registrations, it can be scripted: events are injected directly, calls
// can be made to fail, and the session can be severed.
type TestSensorService struct {
	goutils.Component
	lock               sync.Mutex
	version            int
	connected          bool
	mocking            bool
	registrationResult bool
	nextCallErr        error
	supported          []sensor.SensorType
	sinks              map[sensor.SensorType]map[sensor.EventSink]sensor.SensorRate
	latest             map[sensor.SensorType]sensor.SensorEvent
	registerCalls      []RegisterCall
	unregisterCalls    []UnregisterCall
	simTimer           common.IntervalTimer
	simTick            uint64
	lastTimestamp      int64
}

// NewTestSensorService define a new TestSensorService supporting every sensor type
func NewTestSensorService(version int) *TestSensorService {
	logTags := log.Fields{
		"module": "testservice", "component": "sensor-service", "instance": uuid.NewString(),
	}
	return &TestSensorService{
		Component:          goutils.Component{LogTags: logTags},
		version:            version,
		connected:          true,
		registrationResult: true,
		supported:          sensor.AllSensorTypes(),
		sinks:              make(map[sensor.SensorType]map[sensor.EventSink]sensor.SensorRate),
		latest:             make(map[sensor.SensorType]sensor.SensorEvent),
	}
}

// checkCallLocked fail the call if disconnected, or if a failure was scripted
func (s *TestSensorService) checkCallLocked() error {
	if !s.connected {
		return sensor.ErrConnectionLost
	}
	if s.nextCallErr != nil {
		err := s.nextCallErr
		s.nextCallErr = nil
		return err
	}
	return nil
}

// GetVersion sensor.SensorService
func (s *TestSensorService) GetVersion() (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkCallLocked(); err != nil {
		return 0, err
	}
	return s.version, nil
}

// GetSupportedSensors sensor.SensorService
func (s *TestSensorService) GetSupportedSensors() ([]sensor.SensorType, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkCallLocked(); err != nil {
		return nil, err
	}
	result := make([]sensor.SensorType, len(s.supported))
	copy(result, s.supported)
	return result, nil
}

// RegisterOrUpdateSensorListener sensor.SensorService
func (s *TestSensorService) RegisterOrUpdateSensorListener(
	sensorType sensor.SensorType, rate sensor.SensorRate, clientVersion int, sink sensor.EventSink,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.registerCalls = append(s.registerCalls, RegisterCall{
		SensorType: sensorType, Rate: rate, ClientVersion: clientVersion, Sink: sink,
	})
	if err := s.checkCallLocked(); err != nil {
		return false, err
	}
	if !sensor.IsSensorSupportedIn(s.supported, sensorType) {
		log.WithFields(s.LogTags).Warnf("Refusing unsupported sensor %s", sensorType)
		return false, nil
	}
	if !s.registrationResult {
		log.WithFields(s.LogTags).Infof("Refusing registration of %s@%s", sensorType, rate)
		return false, nil
	}
	typeSinks, ok := s.sinks[sensorType]
	if !ok {
		typeSinks = make(map[sensor.EventSink]sensor.SensorRate)
		s.sinks[sensorType] = typeSinks
	}
	typeSinks[sink] = rate
	log.WithFields(s.LogTags).Debugf("Registered %s@%s for %v", sensorType, rate, sink)
	return true, nil
}

// UnregisterSensorListener sensor.SensorService
func (s *TestSensorService) UnregisterSensorListener(
	sensorType sensor.SensorType, sink sensor.EventSink,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unregisterCalls = append(s.unregisterCalls, UnregisterCall{
		SensorType: sensorType, Sink: sink,
	})
	if err := s.checkCallLocked(); err != nil {
		return err
	}
	if typeSinks, ok := s.sinks[sensorType]; ok {
		delete(typeSinks, sink)
		if len(typeSinks) == 0 {
			delete(s.sinks, sensorType)
		}
	}
	return nil
}

// GetLatestSensorEvent sensor.SensorService
func (s *TestSensorService) GetLatestSensorEvent(
	sensorType sensor.SensorType,
) (*sensor.SensorEvent, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkCallLocked(); err != nil {
		return nil, err
	}
	event, ok := s.latest[sensorType]
	if !ok {
		return nil, nil
	}
	return &event, nil
}

// =========================================================================
// Scripting

// SetSupportedSensors change the sensor types the service supports
func (s *TestSensorService) SetSupportedSensors(supported []sensor.SensorType) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.supported = make([]sensor.SensorType, len(supported))
	copy(s.supported, supported)
}

// SetRegistrationResult whether registrations are accepted from now on
func (s *TestSensorService) SetRegistrationResult(accept bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.registrationResult = accept
}

// FailNextCall make the next service call fail with the given error
func (s *TestSensorService) FailNextCall(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextCallErr = err
}

// Disconnect sever the session. Every registration is lost, and all calls fail with
// sensor.ErrConnectionLost until Reconnect.
func (s *TestSensorService) Disconnect() {
	s.lock.Lock()
	defer s.lock.Unlock()
	log.WithFields(s.LogTags).Info("Disconnecting")
	s.connected = false
	s.sinks = make(map[sensor.SensorType]map[sensor.EventSink]sensor.SensorRate)
}

// Reconnect restore the session
func (s *TestSensorService) Reconnect() {
	s.lock.Lock()
	defer s.lock.Unlock()
	log.WithFields(s.LogTags).Info("Reconnecting")
	s.connected = true
}

// IsConnected whether the session is up
func (s *TestSensorService) IsConnected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.connected
}

// StartMocking suppress simulated events. Only injected events are delivered.
func (s *TestSensorService) StartMocking() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.mocking = true
}

// StopMocking resume simulated events
func (s *TestSensorService) StopMocking() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.mocking = false
}

// IsInMocking whether simulated events are suppressed
func (s *TestSensorService) IsInMocking() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.mocking
}

// Registrations the fastest registered rate of each sensor type with at least one sink
func (s *TestSensorService) Registrations() map[sensor.SensorType]sensor.SensorRate {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make(map[sensor.SensorType]sensor.SensorRate, len(s.sinks))
	for sensorType, typeSinks := range s.sinks {
		first := true
		for _, rate := range typeSinks {
			if first || rate.FasterThan(result[sensorType]) {
				result[sensorType] = rate
				first = false
			}
		}
	}
	return result
}

// SinkCount number of sinks registered for a sensor type
func (s *TestSensorService) SinkCount(sensorType sensor.SensorType) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sinks[sensorType])
}

// RegisterCalls every RegisterOrUpdateSensorListener call received so far
func (s *TestSensorService) RegisterCalls() []RegisterCall {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]RegisterCall, len(s.registerCalls))
	copy(result, s.registerCalls)
	return result
}

// UnregisterCalls every UnregisterSensorListener call received so far
func (s *TestSensorService) UnregisterCalls() []UnregisterCall {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]UnregisterCall, len(s.unregisterCalls))
	copy(result, s.unregisterCalls)
	return result
}

// sinksOfLocked snapshot the sinks of a sensor type, optionally only those at fastest rate
func (s *TestSensorService) sinksOfLocked(
	sensorType sensor.SensorType, fastestOnly bool,
) []sensor.EventSink {
	typeSinks := s.sinks[sensorType]
	result := make([]sensor.EventSink, 0, len(typeSinks))
	for sink, rate := range typeSinks {
		if fastestOnly && rate != sensor.SensorRateFastest {
			continue
		}
		result = append(result, sink)
	}
	return result
}

// InjectEvent record an event as the latest of its type, and deliver it to every sink
// registered for the type. Returns the number of sinks it was delivered to.
//
// Sinks are called on the calling goroutine.
func (s *TestSensorService) InjectEvent(event sensor.SensorEvent) int {
	s.lock.Lock()
	s.latest[event.SensorType] = event
	recipients := s.sinksOfLocked(event.SensorType, false)
	s.lock.Unlock()
	for _, sink := range recipients {
		sink.OnSensorChanged(event)
	}
	return len(recipients)
}

// =========================================================================
// Simulation

// StartSimulation generate events for the registered sensor types every basePeriod.
// Sinks registered at normal rate receive every tenth event.
func (s *TestSensorService) StartSimulation(
	ctxt context.Context, wg *sync.WaitGroup, basePeriod time.Duration,
) error {
	timer, err := common.GetIntervalTimerInstance(ctxt, wg, "sensor-simulation")
	if err != nil {
		return err
	}
	s.lock.Lock()
	if s.simTimer != nil {
		s.lock.Unlock()
		return fmt.Errorf("simulation already running")
	}
	s.simTimer = timer
	s.lock.Unlock()
	log.WithFields(s.LogTags).Infof("Starting simulation with base period %s", basePeriod)
	return timer.Start(basePeriod, s.simulationTick, false)
}

// StopSimulation stop generating events
func (s *TestSensorService) StopSimulation() error {
	s.lock.Lock()
	timer := s.simTimer
	s.simTimer = nil
	s.lock.Unlock()
	if timer == nil {
		return nil
	}
	log.WithFields(s.LogTags).Info("Stopping simulation")
	return timer.Stop()
}

// nextTimestampLocked wall clock nanoseconds, forced strictly increasing
func (s *TestSensorService) nextTimestampLocked() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastTimestamp {
		now = s.lastTimestamp + 1
	}
	s.lastTimestamp = now
	return now
}

type simulatedDelivery struct {
	event sensor.SensorEvent
	sinks []sensor.EventSink
}

func (s *TestSensorService) simulationTick() error {
	s.lock.Lock()
	if s.mocking || !s.connected {
		s.lock.Unlock()
		return nil
	}
	s.simTick++
	everyone := s.simTick%normalRateDivider == 0
	sensorTypes := make([]sensor.SensorType, 0, len(s.sinks))
	for sensorType := range s.sinks {
		sensorTypes = append(sensorTypes, sensorType)
	}
	sort.Slice(sensorTypes, func(i, j int) bool { return sensorTypes[i] < sensorTypes[j] })
	deliveries := make([]simulatedDelivery, 0, len(sensorTypes))
	for _, sensorType := range sensorTypes {
		recipients := s.sinksOfLocked(sensorType, !everyone)
		if len(recipients) == 0 {
			continue
		}
		event := simulatedEvent(sensorType, s.nextTimestampLocked(), s.simTick)
		s.latest[sensorType] = event
		deliveries = append(deliveries, simulatedDelivery{event: event, sinks: recipients})
	}
	s.lock.Unlock()

	for _, delivery := range deliveries {
		for _, sink := range delivery.sinks {
			sink.OnSensorChanged(delivery.event)
		}
	}
	return nil
}

// simulatedEvent build a plausible reading of a sensor type
func simulatedEvent(sensorType sensor.SensorType, timestamp int64, tick uint64) sensor.SensorEvent {
	event := sensor.SensorEvent{SensorType: sensorType, TimeStampNs: timestamp}
	phase := float64(tick) / 50.0
	switch sensorType {
	case sensor.SensorTypeCarSpeed:
		event.FloatValues = []float32{float32(15 + 10*math.Sin(phase))}
	case sensor.SensorTypeRPM:
		event.FloatValues = []float32{float32(2000 + 800*math.Sin(phase))}
	case sensor.SensorTypeOdometer:
		event.FloatValues = []float32{float32(tick) * 0.01}
	case sensor.SensorTypeFuelLevel:
		event.FloatValues = []float32{float32(math.Max(0, 100-float64(tick)*0.001))}
	case sensor.SensorTypeGear:
		event.ByteValues = []byte{byte(1 + (tick/100)%6)}
	case sensor.SensorTypeParkingBrake, sensor.SensorTypeNight:
		event.ByteValues = []byte{byte((tick / 500) % 2)}
	default:
		event.FloatValues = []float32{float32(math.Sin(phase))}
	}
	return event
}

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
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/alwitt/carsensor/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ClientVersion version of this client library, reported to the sensor service on
// registration
const ClientVersion = 1

// defaultServiceVersion assumed when the service version can't be read
const defaultServiceVersion = 1

// SubscriptionInfo summary of the active subscription of one sensor type
type SubscriptionInfo struct {
	// SensorType is the subscribed sensor type
	SensorType SensorType `json:"sensor_type"`
	// Sensor is the sensor type name
	Sensor string `json:"sensor"`
	// Rate is the negotiated delivery rate
	Rate SensorRate `json:"rate"`
	// Listeners is the number of registered listeners
	Listeners int `json:"listeners"`
	// LastUpdateTimeNs is the timestamp of the last delivered event, -1 if none
	LastUpdateTimeNs int64 `json:"last_update_time_ns"`
}

// registrationRequest the arguments of a listener registration, for validation
type registrationRequest struct {
	SensorType SensorType `validate:"sensor_type"`
	Rate       SensorRate `validate:"sensor_rate"`
}

// sensorEventTask dispatch event loop task delivering one event to one manager
type sensorEventTask struct {
	manager *SensorManager
	relay   *remoteEventRelay
	event   SensorEvent
}

// processSensorEventTask TaskHandler of sensorEventTask. It does not hold on to any
// manager, so one event loop can serve many managers.
func processSensorEventTask(param interface{}) error {
	task, ok := param.(sensorEventTask)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}
	task.manager.onSensorEvent(task.relay, task.event)
	return nil
}

// SensorManager client side broker of sensor event subscriptions
//
// Listeners register per sensor type and rate. The manager keeps one registration
// with the sensor service per sensor type, at the fastest rate any listener asked
// for, and fans incoming events out to the listeners on the dispatch event loop.
// Listener callbacks never run on the caller's or the service's goroutine.
type SensorManager struct {
	goutils.Component
	service        SensorService
	serviceVersion int
	dispatcher     common.TaskProcessor
	runtimeCtxt    context.Context
	validate       *validator.Validate

	// lock guards everything below
	lock                  sync.Mutex
	activeSensorListeners map[SensorType]*listenerSet
	relay                 *remoteEventRelay
}

// NewSensorManager define a new SensorManager
//
// Sensor events are executed on the dispatcher, which the caller must start.
// runtimeCtxt bounds how long the delivery of an event may wait for space on the
// dispatcher's queue.
func NewSensorManager(
	runtimeCtxt context.Context, service SensorService, dispatcher common.TaskProcessor,
) (*SensorManager, error) {
	logTags := log.Fields{
		"module": "sensor", "component": "sensor-manager", "instance": uuid.NewString(),
	}
	if service == nil || dispatcher == nil {
		return nil, fmt.Errorf("%w: sensor service and dispatcher are required", ErrInvalidArgument)
	}

	validate := validator.New()
	if err := validate.RegisterValidation("sensor_type", func(fl validator.FieldLevel) bool {
		return SensorType(fl.Field().Int()).IsValid()
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define sensor type validation")
		return nil, err
	}
	if err := validate.RegisterValidation("sensor_rate", func(fl validator.FieldLevel) bool {
		return SensorRate(fl.Field().Int()).IsValid()
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define sensor rate validation")
		return nil, err
	}

	if err := dispatcher.AddToTaskExecutionMap(
		reflect.TypeOf(sensorEventTask{}), processSensorEventTask,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to install sensor event handler")
		return nil, err
	}

	serviceVersion, err := service.GetVersion()
	if err != nil {
		log.WithError(err).WithFields(logTags).Warn("Unable to read sensor service version")
		serviceVersion = defaultServiceVersion
	}
	if serviceVersion < ClientVersion {
		log.WithFields(logTags).Warnf(
			"Old sensor service version %d for client version %d", serviceVersion, ClientVersion,
		)
	}

	return &SensorManager{
		Component:             goutils.Component{LogTags: logTags},
		service:               service,
		serviceVersion:        serviceVersion,
		dispatcher:            dispatcher,
		runtimeCtxt:           runtimeCtxt,
		validate:              validate,
		activeSensorListeners: make(map[SensorType]*listenerSet),
		relay:                 nil,
	}, nil
}

// ServiceVersion the sensor service version read at construction
func (m *SensorManager) ServiceVersion() int {
	return m.serviceVersion
}

// validateSensorType check the sensor type is within (0, SensorTypeMax]
func (m *SensorManager) validateSensorType(sensorType SensorType) error {
	if !sensorType.IsValid() {
		return fmt.Errorf("%w: invalid sensor type %d", ErrInvalidArgument, int32(sensorType))
	}
	return nil
}

// validateRegistration check the parameters of a listener registration
func (m *SensorManager) validateRegistration(
	listener SensorEventListener, sensorType SensorType, rate SensorRate,
) error {
	if listener == nil {
		return fmt.Errorf("%w: listener is nil", ErrInvalidArgument)
	}
	if !reflect.TypeOf(listener).Comparable() {
		return fmt.Errorf(
			"%w: listener type %s is not comparable", ErrInvalidArgument, reflect.TypeOf(listener),
		)
	}
	if err := m.validate.Struct(&registrationRequest{SensorType: sensorType, Rate: rate}); err != nil {
		return fmt.Errorf(
			"%w: sensor type %d rate %d: %w", ErrInvalidArgument, int32(sensorType), int32(rate), err,
		)
	}
	return nil
}

// =========================================================================
// Registration

// RegisterListener register a listener for events of a sensor type at a rate
//
// The sensor service is only called when this sensor type had no listeners yet, or
// the requested rate is faster than the one currently negotiated. Returns false if
// the service refused or failed that call; the listener stays registered locally
// either way, so a later registration for the type retries the service call.
// Errors wrap ErrInvalidArgument for bad parameters, and ErrConnectionLost if the
// session with the service is gone.
func (m *SensorManager) RegisterListener(
	listener SensorEventListener, sensorType SensorType, rate SensorRate,
) (bool, error) {
	if err := m.validateRegistration(listener, sensorType, rate); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Rejecting listener registration")
		return false, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.relay == nil {
		m.relay = newRemoteEventRelay(m)
		log.WithFields(m.LogTags).Debugf("Defined %s", m.relay)
	}

	needsServerUpdate := false
	listeners, ok := m.activeSensorListeners[sensorType]
	if !ok {
		listeners = newListenerSet(sensorType, rate)
		m.activeSensorListeners[sensorType] = listeners
		needsServerUpdate = true
	}
	if listeners.addAndUpdateRate(listener, rate) {
		needsServerUpdate = true
	}
	log.WithFields(m.LogTags).Debugf("Registered listener on %s", listeners)

	if needsServerUpdate {
		return m.registerOrUpdateSensorListenerLocked(sensorType, listeners.updateRate)
	}
	return true, nil
}

// registerOrUpdateSensorListenerLocked push the sensor type registration to the service
func (m *SensorManager) registerOrUpdateSensorListenerLocked(
	sensorType SensorType, rate SensorRate,
) (bool, error) {
	accepted, err := m.service.RegisterOrUpdateSensorListener(
		sensorType, rate, ClientVersion, m.relay,
	)
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Lost sensor service while registering %s@%s", sensorType, rate,
			)
			return false, err
		}
		log.WithError(err).WithFields(m.LogTags).Warnf(
			"Sensor service failed to register %s@%s", sensorType, rate,
		)
		return false, nil
	}
	if !accepted {
		log.WithFields(m.LogTags).Warnf("Sensor service refused to register %s@%s", sensorType, rate)
		return false, nil
	}
	log.WithFields(m.LogTags).Infof("Registered %s@%s with sensor service", sensorType, rate)
	return true, nil
}

// UnregisterListener remove a listener from every sensor type it is registered for
//
// Sensor types left without listeners are unregistered from the service. Failures of
// those calls are logged and ignored.
func (m *SensorManager) UnregisterListener(listener SensorEventListener) {
	if listener == nil {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for sensorType := range m.activeSensorListeners {
		m.doUnregisterListenerLocked(listener, sensorType)
	}
}

// UnregisterListenerForSensor remove a listener from one sensor type
func (m *SensorManager) UnregisterListenerForSensor(
	listener SensorEventListener, sensorType SensorType,
) {
	if listener == nil {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.doUnregisterListenerLocked(listener, sensorType)
}

func (m *SensorManager) doUnregisterListenerLocked(
	listener SensorEventListener, sensorType SensorType,
) {
	listeners, ok := m.activeSensorListeners[sensorType]
	if !ok {
		return
	}
	if !listeners.remove(listener) {
		return
	}
	if !listeners.isEmpty() {
		log.WithFields(m.LogTags).Debugf("Removed listener from %s", listeners)
		return
	}
	if err := m.service.UnregisterSensorListener(sensorType, m.relay); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warnf(
			"Ignoring failure to unregister %s from sensor service", sensorType,
		)
	} else {
		log.WithFields(m.LogTags).Infof("Unregistered %s from sensor service", sensorType)
	}
	delete(m.activeSensorListeners, sensorType)
}

// OnDisconnected reset the manager after the session with the sensor service is gone
//
// All listeners are dropped, and must register again once the session is back. The
// service is not called.
func (m *SensorManager) OnDisconnected() {
	m.lock.Lock()
	defer m.lock.Unlock()
	log.WithFields(m.LogTags).Infof(
		"Sensor service disconnected, dropping %d sensor subscriptions",
		len(m.activeSensorListeners),
	)
	m.activeSensorListeners = make(map[SensorType]*listenerSet)
	if m.relay != nil {
		m.relay.detach()
		m.relay = nil
	}
}

// ActiveSubscriptions summarize the active subscriptions, ordered by sensor type
func (m *SensorManager) ActiveSubscriptions() []SubscriptionInfo {
	m.lock.Lock()
	defer m.lock.Unlock()
	result := make([]SubscriptionInfo, 0, len(m.activeSensorListeners))
	for sensorType, listeners := range m.activeSensorListeners {
		result = append(result, SubscriptionInfo{
			SensorType:       sensorType,
			Sensor:           sensorType.String(),
			Rate:             listeners.updateRate,
			Listeners:        len(listeners.listeners),
			LastUpdateTimeNs: listeners.lastUpdateTime,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SensorType < result[j].SensorType
	})
	return result
}

// =========================================================================
// Queries

// GetSupportedSensors list the sensor types the service supports
//
// Returns an empty list if the call fails, unless the failure is the loss of the
// session, which is returned as an error wrapping ErrConnectionLost.
func (m *SensorManager) GetSupportedSensors() ([]SensorType, error) {
	sensors, err := m.service.GetSupportedSensors()
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			log.WithError(err).WithFields(m.LogTags).Error("Lost sensor service")
			return nil, err
		}
		log.WithError(err).WithFields(m.LogTags).Warn("Unable to list supported sensors")
		return []SensorType{}, nil
	}
	if sensors == nil {
		sensors = []SensorType{}
	}
	return sensors, nil
}

// IsSensorSupported whether the service supports a sensor type
func (m *SensorManager) IsSensorSupported(sensorType SensorType) (bool, error) {
	sensors, err := m.GetSupportedSensors()
	if err != nil {
		return false, err
	}
	return IsSensorSupportedIn(sensors, sensorType), nil
}

// IsSensorSupportedIn whether a sensor type is in a list of supported sensor types
func IsSensorSupportedIn(sensorList []SensorType, sensorType SensorType) bool {
	for _, supported := range sensorList {
		if supported == sensorType {
			return true
		}
	}
	return false
}

// GetLatestSensorEvent fetch the most recent event of a sensor type from the service
//
// Returns nil without error if the service has no event for the type yet. Any
// failure of the service call is reported as an error wrapping ErrConnectionLost.
func (m *SensorManager) GetLatestSensorEvent(sensorType SensorType) (*SensorEvent, error) {
	if err := m.validateSensorType(sensorType); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Rejecting latest event query")
		return nil, err
	}
	event, err := m.service.GetLatestSensorEvent(sensorType)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to fetch latest %s event", sensorType,
		)
		if !errors.Is(err, ErrConnectionLost) {
			err = fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return nil, err
	}
	return event, nil
}

// =========================================================================
// Event delivery

// handleOnSensorChanged queue an event received by the relay onto the dispatch
// event loop
func (m *SensorManager) handleOnSensorChanged(relay *remoteEventRelay, event SensorEvent) {
	if err := m.dispatcher.Submit(
		m.runtimeCtxt, sensorEventTask{manager: m, relay: relay, event: event},
	); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to queue %s for dispatch", event)
	}
}

// onSensorEvent route an event to the listeners of its sensor type. Runs on the
// dispatch event loop.
//
// Events queued by a relay the manager has since dropped belong to an earlier
// session and are discarded. The listeners are called without holding the manager
// lock, so they are free to register or unregister from inside the callback.
func (m *SensorManager) onSensorEvent(relay *remoteEventRelay, event SensorEvent) {
	var recipients []SensorEventListener
	accepted := false
	m.lock.Lock()
	if relay != m.relay {
		m.lock.Unlock()
		log.WithFields(m.LogTags).Debugf("Discarding %s from stale %s", event, relay)
		return
	}
	if listeners, ok := m.activeSensorListeners[event.SensorType]; ok {
		recipients, accepted = listeners.onEvent(event)
	}
	m.lock.Unlock()
	if !accepted {
		return
	}
	deliverSensorEvent(m.LogTags, recipients, event)
}

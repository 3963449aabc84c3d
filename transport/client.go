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

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/carsensor/core"
	"github.com/alwitt/carsensor/sensor"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// sinkSubscription the event subscription opened for one sink
type sinkSubscription struct {
	id          string
	sub         *nats.Subscription
	sensorTypes map[sensor.SensorType]bool
}

// NATSSensorService sensor.SensorService reached through NATS request / reply
//
// Each sink handed to RegisterOrUpdateSensorListener gets its own event subject. The
// subscription on it lives until the sink is unregistered from every sensor type, or
// Reset is called.
type NATSSensorService struct {
	goutils.Component
	client         *core.NatsClient
	subjects       serviceSubjects
	requestTimeout time.Duration
	lock           sync.Mutex
	sinks          map[sensor.EventSink]*sinkSubscription
	// retired sink IDs dropped by Reset, and the sensor types the service may still
	// hold them under
	retired map[string][]sensor.SensorType
}

// GetNATSSensorService define a new NATSSensorService
func GetNATSSensorService(
	client *core.NatsClient, subjectPrefix string, requestTimeout time.Duration,
) (*NATSSensorService, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: NATS client is required", sensor.ErrInvalidArgument)
	}
	if requestTimeout <= 0 {
		return nil, fmt.Errorf(
			"%w: request timeout %s is not positive", sensor.ErrInvalidArgument, requestTimeout,
		)
	}
	logTags := log.Fields{
		"module": "transport", "component": "sensor-service-client", "instance": subjectPrefix,
	}
	return &NATSSensorService{
		Component:      goutils.Component{LogTags: logTags},
		client:         client,
		subjects:       defineServiceSubjects(subjectPrefix),
		requestTimeout: requestTimeout,
		sinks:          make(map[sensor.EventSink]*sinkSubscription),
		retired:        make(map[string][]sensor.SensorType),
	}, nil
}

// classifyRequestError map a NATS request failure onto the sensor errors
func classifyRequestError(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionDraining) {
		return fmt.Errorf("%w: %w", sensor.ErrConnectionLost, err)
	}
	return fmt.Errorf("%w: %w", sensor.ErrTransientRemoteFailure, err)
}

// call issue one request and decode the reply
func (s *NATSSensorService) call(subject string, request rpcRequest) (rpcReply, error) {
	if !s.client.IsConnected() {
		return rpcReply{}, fmt.Errorf("%w: NATS connection is down", sensor.ErrConnectionLost)
	}
	payload, err := json.Marshal(&request)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to encode request for %s", subject)
		return rpcReply{}, err
	}
	msg, err := s.client.NATs().Request(subject, payload, s.requestTimeout)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Request on %s failed", subject)
		return rpcReply{}, classifyRequestError(err)
	}
	var reply rpcReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to parse reply on %s", subject)
		return rpcReply{}, fmt.Errorf("%w: %w", sensor.ErrTransientRemoteFailure, err)
	}
	if reply.NotConnected {
		return reply, fmt.Errorf("%w: %s", sensor.ErrConnectionLost, reply.Error)
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("%w: %s", sensor.ErrTransientRemoteFailure, reply.Error)
	}
	return reply, nil
}

// GetVersion sensor.SensorService
func (s *NATSSensorService) GetVersion() (int, error) {
	reply, err := s.call(s.subjects.version, rpcRequest{})
	if err != nil {
		return 0, err
	}
	return reply.Version, nil
}

// GetSupportedSensors sensor.SensorService
func (s *NATSSensorService) GetSupportedSensors() ([]sensor.SensorType, error) {
	reply, err := s.call(s.subjects.supported, rpcRequest{})
	if err != nil {
		return nil, err
	}
	if reply.Sensors == nil {
		return []sensor.SensorType{}, nil
	}
	return reply.Sensors, nil
}

// subscribeSinkLocked open the event subscription of a sink if it has none
func (s *NATSSensorService) subscribeSinkLocked(sink sensor.EventSink) (*sinkSubscription, error) {
	if existing, ok := s.sinks[sink]; ok {
		return existing, nil
	}
	sinkID := uuid.NewString()
	subject := s.subjects.eventSubject(sinkID)
	sub, err := s.client.NATs().Subscribe(subject, func(msg *nats.Msg) {
		var event sensor.SensorEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to parse event on %s", subject)
			return
		}
		sink.OnSensorChanged(event)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to subscribe to %s", subject)
		return nil, classifyRequestError(err)
	}
	log.WithFields(s.LogTags).Debugf("Subscribed to %s", subject)
	entry := &sinkSubscription{
		id: sinkID, sub: sub, sensorTypes: make(map[sensor.SensorType]bool),
	}
	s.sinks[sink] = entry
	return entry, nil
}

// releaseSinkLocked close the event subscription of a sink once it has no sensor type
func (s *NATSSensorService) releaseSinkLocked(sink sensor.EventSink, entry *sinkSubscription) {
	if len(entry.sensorTypes) > 0 {
		return
	}
	if err := entry.sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warnf("Failed to unsubscribe sink %s", entry.id)
	}
	delete(s.sinks, sink)
}

// RegisterOrUpdateSensorListener sensor.SensorService
func (s *NATSSensorService) RegisterOrUpdateSensorListener(
	sensorType sensor.SensorType, rate sensor.SensorRate, clientVersion int, sink sensor.EventSink,
) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.releaseRetiredSinksLocked()
	entry, err := s.subscribeSinkLocked(sink)
	if err != nil {
		return false, err
	}
	reply, err := s.call(s.subjects.register, rpcRequest{
		SensorType: sensorType, Rate: rate, ClientVersion: clientVersion, SinkID: entry.id,
	})
	if err == nil && reply.Accepted {
		entry.sensorTypes[sensorType] = true
	}
	s.releaseSinkLocked(sink, entry)
	if err != nil {
		return false, err
	}
	return reply.Accepted, nil
}

// UnregisterSensorListener sensor.SensorService
func (s *NATSSensorService) UnregisterSensorListener(
	sensorType sensor.SensorType, sink sensor.EventSink,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	entry, ok := s.sinks[sink]
	if !ok {
		return nil
	}
	_, err := s.call(s.subjects.unregister, rpcRequest{SensorType: sensorType, SinkID: entry.id})
	delete(entry.sensorTypes, sensorType)
	s.releaseSinkLocked(sink, entry)
	return err
}

// GetLatestSensorEvent sensor.SensorService
func (s *NATSSensorService) GetLatestSensorEvent(
	sensorType sensor.SensorType,
) (*sensor.SensorEvent, error) {
	reply, err := s.call(s.subjects.latest, rpcRequest{SensorType: sensorType})
	if err != nil {
		return nil, err
	}
	return reply.Event, nil
}

// ActiveSinks number of sinks with an open event subscription
func (s *NATSSensorService) ActiveSinks() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sinks)
}

// RetiredSinks number of sinks dropped by Reset not yet released at the service
func (s *NATSSensorService) RetiredSinks() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.retired)
}

// Reset close every event subscription. Used once the session is gone.
//
// The service may outlive the session and still hold the dropped sinks. They are
// unregistered there on the next RegisterOrUpdateSensorListener.
func (s *NATSSensorService) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for sink, entry := range s.sinks {
		if err := entry.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debugf("Failed to unsubscribe sink %s", entry.id)
		}
		if len(entry.sensorTypes) > 0 {
			sensorTypes := make([]sensor.SensorType, 0, len(entry.sensorTypes))
			for sensorType := range entry.sensorTypes {
				sensorTypes = append(sensorTypes, sensorType)
			}
			s.retired[entry.id] = sensorTypes
		}
		delete(s.sinks, sink)
	}
	log.WithFields(s.LogTags).Info("Closed all sink subscriptions")
}

// releaseRetiredSinksLocked best effort unregister of the sinks dropped by Reset.
// Stops at the first connection failure, leaving the rest for the next attempt.
func (s *NATSSensorService) releaseRetiredSinksLocked() {
	for sinkID, sensorTypes := range s.retired {
		for len(sensorTypes) > 0 {
			_, err := s.call(
				s.subjects.unregister, rpcRequest{SensorType: sensorTypes[0], SinkID: sinkID},
			)
			if errors.Is(err, sensor.ErrConnectionLost) {
				s.retired[sinkID] = sensorTypes
				return
			}
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Warnf(
					"Unable to release retired sink %s from %s", sinkID, sensorTypes[0],
				)
			}
			sensorTypes = sensorTypes[1:]
		}
		delete(s.retired, sinkID)
		log.WithFields(s.LogTags).Debugf("Released retired sink %s", sinkID)
	}
}

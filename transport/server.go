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

	"github.com/alwitt/carsensor/core"
	"github.com/alwitt/carsensor/sensor"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// forwardingSink sensor.EventSink publishing events to a remote sink's event subject
type forwardingSink struct {
	goutils.Component
	nc          *nats.Conn
	id          string
	subject     string
	sensorTypes map[sensor.SensorType]bool
}

// OnSensorChanged sensor.EventSink
func (s *forwardingSink) OnSensorChanged(event sensor.SensorEvent) {
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to encode %s", event)
		return
	}
	if err := s.nc.Publish(s.subject, payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to forward %s", event)
	}
}

// SensorServiceEndpoint serve a sensor.SensorService to NATS clients
type SensorServiceEndpoint struct {
	goutils.Component
	nc       *nats.Conn
	subjects serviceSubjects
	service  sensor.SensorService
	lock     sync.Mutex
	sinks    map[string]*forwardingSink
	subs     []*nats.Subscription
}

// ServeSensorService start answering sensor service calls under a subject prefix
func ServeSensorService(
	client *core.NatsClient, subjectPrefix string, service sensor.SensorService,
) (*SensorServiceEndpoint, error) {
	if client == nil || service == nil {
		return nil, fmt.Errorf("%w: NATS client and sensor service are required", sensor.ErrInvalidArgument)
	}
	logTags := log.Fields{
		"module": "transport", "component": "sensor-service-endpoint", "instance": subjectPrefix,
	}
	endpoint := &SensorServiceEndpoint{
		Component: goutils.Component{LogTags: logTags},
		nc:        client.NATs(),
		subjects:  defineServiceSubjects(subjectPrefix),
		service:   service,
		sinks:     make(map[string]*forwardingSink),
	}
	handlers := map[string]func(rpcRequest) (rpcReply, error){
		endpoint.subjects.version:    endpoint.handleVersion,
		endpoint.subjects.supported:  endpoint.handleSupported,
		endpoint.subjects.register:   endpoint.handleRegister,
		endpoint.subjects.unregister: endpoint.handleUnregister,
		endpoint.subjects.latest:     endpoint.handleLatest,
	}
	for subject, handler := range handlers {
		sub, err := endpoint.nc.Subscribe(subject, endpoint.serveCall(subject, handler))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", subject)
			endpoint.Close()
			return nil, err
		}
		endpoint.subs = append(endpoint.subs, sub)
	}
	if err := endpoint.nc.Flush(); err != nil {
		log.WithError(err).WithFields(logTags).Error("NATS flush failed")
		endpoint.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Serving sensor service")
	return endpoint, nil
}

// Close stop answering calls
func (e *SensorServiceEndpoint) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, sub := range e.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(e.LogTags).Warnf("Failed to unsubscribe %s", sub.Subject)
		}
	}
	e.subs = nil
	log.WithFields(e.LogTags).Info("Stopped serving sensor service")
}

// serveCall wrap a call handler with the request and reply encoding
func (e *SensorServiceEndpoint) serveCall(
	subject string, handler func(rpcRequest) (rpcReply, error),
) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var request rpcRequest
		var reply rpcReply
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			log.WithError(err).WithFields(e.LogTags).Errorf("Unable to parse request on %s", subject)
			reply = rpcReply{Error: err.Error()}
		} else {
			var err error
			reply, err = handler(request)
			if err != nil {
				log.WithError(err).WithFields(e.LogTags).Errorf("Call on %s failed", subject)
				reply = rpcReply{Error: err.Error(), NotConnected: errors.Is(err, sensor.ErrConnectionLost)}
			}
		}
		payload, err := json.Marshal(&reply)
		if err != nil {
			log.WithError(err).WithFields(e.LogTags).Errorf("Failed to encode reply on %s", subject)
			return
		}
		if err := msg.Respond(payload); err != nil {
			log.WithError(err).WithFields(e.LogTags).Errorf("Failed to reply on %s", subject)
		}
	}
}

func (e *SensorServiceEndpoint) handleVersion(rpcRequest) (rpcReply, error) {
	version, err := e.service.GetVersion()
	return rpcReply{Version: version}, err
}

func (e *SensorServiceEndpoint) handleSupported(rpcRequest) (rpcReply, error) {
	sensors, err := e.service.GetSupportedSensors()
	return rpcReply{Sensors: sensors}, err
}

func (e *SensorServiceEndpoint) handleRegister(request rpcRequest) (rpcReply, error) {
	if request.SinkID == "" {
		return rpcReply{}, fmt.Errorf("%w: missing sink ID", sensor.ErrInvalidArgument)
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	sink, ok := e.sinks[request.SinkID]
	if !ok {
		logTags := log.Fields{
			"module": "transport", "component": "forwarding-sink", "instance": request.SinkID,
		}
		sink = &forwardingSink{
			Component:   goutils.Component{LogTags: logTags},
			nc:          e.nc,
			id:          request.SinkID,
			subject:     e.subjects.eventSubject(request.SinkID),
			sensorTypes: make(map[sensor.SensorType]bool),
		}
	}
	accepted, err := e.service.RegisterOrUpdateSensorListener(
		request.SensorType, request.Rate, request.ClientVersion, sink,
	)
	if err != nil {
		return rpcReply{}, err
	}
	if accepted {
		sink.sensorTypes[request.SensorType] = true
		e.sinks[request.SinkID] = sink
	}
	return rpcReply{Accepted: accepted}, nil
}

func (e *SensorServiceEndpoint) handleUnregister(request rpcRequest) (rpcReply, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	sink, ok := e.sinks[request.SinkID]
	if !ok {
		return rpcReply{}, nil
	}
	delete(sink.sensorTypes, request.SensorType)
	if len(sink.sensorTypes) == 0 {
		delete(e.sinks, request.SinkID)
	}
	return rpcReply{}, e.service.UnregisterSensorListener(request.SensorType, sink)
}

func (e *SensorServiceEndpoint) handleLatest(request rpcRequest) (rpcReply, error) {
	event, err := e.service.GetLatestSensorEvent(request.SensorType)
	return rpcReply{Event: event}, err
}

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

package apis

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/carsensor/common"
	"github.com/alwitt/carsensor/sensor"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// SensorBroker the sensor manager operations exposed over REST
type SensorBroker interface {
	GetSupportedSensors() ([]sensor.SensorType, error)
	GetLatestSensorEvent(sensorType sensor.SensorType) (*sensor.SensorEvent, error)
	ActiveSubscriptions() []sensor.SubscriptionInfo
}

// ReadinessCheck reports whether the sensor service session is up
type ReadinessCheck func() bool

// APIRestSensorHandler REST handler for sensor diagnostics
type APIRestSensorHandler struct {
	goutils.RestAPIHandler
	broker SensorBroker
	ready  ReadinessCheck
}

// GetAPIRestSensorHandler define APIRestSensorHandler
func GetAPIRestSensorHandler(
	broker SensorBroker, ready ReadinessCheck, httpConfig *common.HTTPConfig,
) (APIRestSensorHandler, error) {
	if broker == nil || ready == nil {
		return APIRestSensorHandler{}, fmt.Errorf("sensor broker and readiness check are required")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "sensor-diagnostics",
	}
	return APIRestSensorHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		broker:         broker,
		ready:          ready,
	}, nil
}

// Write logging support
func (h APIRestSensorHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// RegisterSensorAPIs install the sensor diagnostics routes under a router
func RegisterSensorAPIs(parentRouter *mux.Router, h APIRestSensorHandler) *mux.Router {
	sensorRouter := RegisterPathPrefix(parentRouter, "/v1/sensor", nil)
	_ = RegisterPathPrefix(sensorRouter, "/supported", MethodHandlers{
		"get": h.GetSupportedSensorsHandler(),
	})
	_ = RegisterPathPrefix(sensorRouter, "/subscriptions", MethodHandlers{
		"get": h.GetSubscriptionsHandler(),
	})
	_ = RegisterPathPrefix(sensorRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(sensorRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	_ = RegisterPathPrefix(sensorRouter, "/{sensorType}/latest", MethodHandlers{
		"get": h.GetLatestEventHandler(),
	})
	return sensorRouter
}

// parseSensorTypeParam accept either the sensor type name or its numeric ID
func parseSensorTypeParam(param string) (sensor.SensorType, error) {
	if numeric, err := strconv.ParseInt(param, 10, 32); err == nil {
		sensorType := sensor.SensorType(numeric)
		if !sensorType.IsValid() {
			return 0, fmt.Errorf("%w: invalid sensor type %d", sensor.ErrInvalidArgument, numeric)
		}
		return sensorType, nil
	}
	return sensor.ParseSensorType(param)
}

// -----------------------------------------------------------------------

// APIRestRespSensorInfo one sensor type
type APIRestRespSensorInfo struct {
	// ID is the numeric sensor type
	ID sensor.SensorType `json:"id"`
	// Name is the sensor type name
	Name string `json:"name"`
}

// APIRestRespSupportedSensors response listing the supported sensor types
type APIRestRespSupportedSensors struct {
	goutils.RestAPIBaseResponse
	// Sensors the supported sensor types
	Sensors []APIRestRespSensorInfo `json:"sensors"`
}

// GetSupportedSensors godoc
// @Summary List supported sensors
// @Description List the sensor types the sensor service can provide
// @tags Sensor
// @Produce json
// @Param Carsensor-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSupportedSensors "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sensor/supported [get]
func (h APIRestSensorHandler) GetSupportedSensors(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	supported, err := h.broker.GetSupportedSensors()
	if err != nil {
		msg := "Sensor service not connected"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, err.Error())
		return
	}
	sensors := make([]APIRestRespSensorInfo, 0, len(supported))
	for _, sensorType := range supported {
		sensors = append(sensors, APIRestRespSensorInfo{ID: sensorType, Name: sensorType.String()})
	}
	respCode = http.StatusOK
	respBody = APIRestRespSupportedSensors{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Sensors: sensors,
	}
}

// GetSupportedSensorsHandler Wrapper around GetSupportedSensors
func (h APIRestSensorHandler) GetSupportedSensorsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSupportedSensors(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespLatestEvent response carrying the latest event of a sensor type
type APIRestRespLatestEvent struct {
	goutils.RestAPIBaseResponse
	// Event the latest event
	Event sensor.SensorEvent `json:"event"`
}

// GetLatestEvent godoc
// @Summary Fetch latest sensor event
// @Description Fetch the most recent event of a sensor type from the sensor service
// @tags Sensor
// @Produce json
// @Param Carsensor-Request-ID header string false "User provided request ID to match against logs"
// @Param sensorType path string true "Sensor type name or numeric ID"
// @Success 200 {object} APIRestRespLatestEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sensor/{sensorType}/latest [get]
func (h APIRestSensorHandler) GetLatestEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	param, ok := vars["sensorType"]
	if !ok {
		msg := "No sensor type provided"
		log.WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	sensorType, err := parseSensorTypeParam(param)
	if err != nil {
		msg := "Invalid sensor type"
		log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	event, err := h.broker.GetLatestSensorEvent(sensorType)
	if err != nil {
		if errors.Is(err, sensor.ErrInvalidArgument) {
			msg := "Invalid sensor type"
			log.WithError(err).WithFields(localLogTags).Errorf("%s", msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
			return
		}
		msg := fmt.Sprintf("Unable to fetch latest %s event", sensorType)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, err.Error())
		return
	}
	if event == nil {
		msg := fmt.Sprintf("No %s event available", sensorType)
		log.WithFields(localLogTags).Debug(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespLatestEvent{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Event: *event,
	}
}

// GetLatestEventHandler Wrapper around GetLatestEvent
func (h APIRestSensorHandler) GetLatestEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetLatestEvent(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespSubscriptions response listing the active subscriptions
type APIRestRespSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions the active subscription of each sensor type
	Subscriptions []sensor.SubscriptionInfo `json:"subscriptions"`
}

// GetSubscriptions godoc
// @Summary List active subscriptions
// @Description List the sensor types with registered listeners and their negotiated rate
// @tags Sensor
// @Produce json
// @Param Carsensor-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSubscriptions "success"
// @Router /v1/sensor/subscriptions [get]
func (h APIRestSensorHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriptions: h.broker.ActiveSubscriptions(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetSubscriptionsHandler Wrapper around GetSubscriptions
func (h APIRestSensorHandler) GetSubscriptionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscriptions(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For sensor diagnostics REST API liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Sensor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/sensor/alive [get]
func (h APIRestSensorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestSensorHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For sensor diagnostics REST API readiness check
// @Description Will return success if the sensor service session is up
// @tags Sensor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sensor/ready [get]
func (h APIRestSensorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		msg := "not ready"
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, "sensor service not connected",
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestSensorHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

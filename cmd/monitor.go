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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/carsensor/apis"
	"github.com/alwitt/carsensor/bridge"
	"github.com/alwitt/carsensor/common"
	"github.com/alwitt/carsensor/core"
	"github.com/alwitt/carsensor/sensor"
	"github.com/alwitt/carsensor/transport"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// subscriptionSyncInterval how often incomplete subscriptions are retried
const subscriptionSyncInterval = time.Second * 5

// monitoredSensor one configured sensor subscription
type monitoredSensor struct {
	sensorType sensor.SensorType
	rate       sensor.SensorRate
}

// parseSubscriptions convert the configured subscriptions
func parseSubscriptions(configs []common.SubscriptionConfig) ([]monitoredSensor, error) {
	result := make([]monitoredSensor, 0, len(configs))
	for _, config := range configs {
		sensorType, err := sensor.ParseSensorType(config.Sensor)
		if err != nil {
			return nil, err
		}
		rate, err := sensor.ParseSensorRate(config.Rate)
		if err != nil {
			return nil, err
		}
		result = append(result, monitoredSensor{sensorType: sensorType, rate: rate})
	}
	return result, nil
}

// eventLogger listener logging every delivered event
type eventLogger struct {
	goutils.Component
}

// OnSensorChanged sensor.SensorEventListener
func (l *eventLogger) OnSensorChanged(event sensor.SensorEvent) {
	log.WithFields(l.LogTags).Debugf("Received %s F:%v B:%v", event, event.FloatValues, event.ByteValues)
}

// subscriptionKeeper hold the configured subscriptions across sensor service sessions
//
// A session loss resets the manager. The subscriptions are then registered again on
// the next sync.
type subscriptionKeeper struct {
	goutils.Component
	manager     *sensor.SensorManager
	resetRemote func()
	listeners   []sensor.SensorEventListener
	sensors     []monitoredSensor
	syncLock    sync.Mutex
	session     atomic.Uint64
	inSync      atomic.Bool
}

func newSubscriptionKeeper(
	manager *sensor.SensorManager,
	resetRemote func(),
	listeners []sensor.SensorEventListener,
	sensors []monitoredSensor,
) *subscriptionKeeper {
	logTags := log.Fields{"module": "cmd", "component": "subscription-keeper"}
	return &subscriptionKeeper{
		Component:   goutils.Component{LogTags: logTags},
		manager:     manager,
		resetRemote: resetRemote,
		listeners:   listeners,
		sensors:     sensors,
	}
}

// onSessionLost reset the manager after the sensor service session is gone
func (k *subscriptionKeeper) onSessionLost() {
	k.session.Add(1)
	k.inSync.Store(false)
	k.manager.OnDisconnected()
	if k.resetRemote != nil {
		k.resetRemote()
	}
}

// isInSync whether every configured subscription is registered with the service
func (k *subscriptionKeeper) isInSync() bool {
	return k.inSync.Load()
}

// unsubscribe drop the keeper's listeners from a sensor type
func (k *subscriptionKeeper) unsubscribe(sensorType sensor.SensorType) {
	for _, listener := range k.listeners {
		k.manager.UnregisterListenerForSensor(listener, sensorType)
	}
}

// sync register the configured subscriptions if they are not yet in place
func (k *subscriptionKeeper) sync() error {
	if k.inSync.Load() {
		return nil
	}
	k.syncLock.Lock()
	defer k.syncLock.Unlock()
	session := k.session.Load()

	supported, err := k.manager.GetSupportedSensors()
	if err != nil {
		k.onSessionLost()
		return err
	}
	if len(supported) == 0 && len(k.sensors) > 0 {
		log.WithFields(k.LogTags).Warn("Sensor service listed no supported sensors, retrying later")
		return nil
	}
	complete := true
	for _, monitored := range k.sensors {
		if !sensor.IsSensorSupportedIn(supported, monitored.sensorType) {
			log.WithFields(k.LogTags).Warnf("Sensor %s not supported, skipping", monitored.sensorType)
			continue
		}
		for _, listener := range k.listeners {
			ok, err := k.manager.RegisterListener(listener, monitored.sensorType, monitored.rate)
			if err != nil {
				k.onSessionLost()
				return err
			}
			if !ok {
				log.WithFields(k.LogTags).Warnf(
					"Sensor service did not accept %s@%s, retrying later",
					monitored.sensorType, monitored.rate,
				)
				k.unsubscribe(monitored.sensorType)
				complete = false
				break
			}
		}
	}
	if complete && k.session.Load() == session {
		k.inSync.Store(true)
		log.WithFields(k.LogTags).Info("Sensor subscriptions in place")
	}
	return nil
}

// unsubscribeAll drop every configured subscription
func (k *subscriptionKeeper) unsubscribeAll() {
	k.syncLock.Lock()
	defer k.syncLock.Unlock()
	for _, listener := range k.listeners {
		k.manager.UnregisterListener(listener)
	}
	k.inSync.Store(false)
}

// ============================================================================

// RunMonitor run the sensor monitor
//
// The monitor holds the configured sensor subscriptions through the sensor service
// over NATS, logs the received events, optionally republishes them to MQTT, and
// serves the diagnostics REST API.
func RunMonitor(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "monitor",
		"instance":  instance,
	}
	if config.Monitor == nil {
		return fmt.Errorf("monitor can't start without its configurations")
	}
	monitorConfig := config.Monitor

	sensors, err := parseSubscriptions(monitorConfig.Subscriptions)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid sensor subscriptions")
		return err
	}

	remote, err := transport.GetNATSSensorService(
		natsClient,
		config.Sensor.SubjectPrefix,
		time.Millisecond*time.Duration(config.NATS.RequestTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sensor service client")
		return err
	}

	dispatcher, err := common.GetNewTaskProcessorInstance(
		runtimeContext, "sensor-dispatch", config.Sensor.DispatchBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch event loop")
		return err
	}
	if err := dispatcher.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start dispatch event loop")
		return err
	}
	defer func() {
		if err := dispatcher.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop dispatch event loop")
		}
	}()

	manager, err := sensor.NewSensorManager(runtimeContext, remote, dispatcher)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sensor manager")
		return err
	}

	listeners := []sensor.SensorEventListener{
		&eventLogger{Component: goutils.Component{LogTags: log.Fields{
			"module": "cmd", "component": "event-logger", "instance": instance,
		}}},
	}
	if monitorConfig.MQTT != nil {
		mqttClient, err := bridge.ConnectMQTT(*monitorConfig.MQTT)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to connect to MQTT broker")
			return err
		}
		defer mqttClient.Disconnect(250)
		listeners = append(listeners, bridge.NewMQTTForwarder(
			mqttClient,
			monitorConfig.MQTT.TopicPrefix,
			time.Millisecond*time.Duration(monitorConfig.MQTT.PublishTimeout),
		))
	}

	keeper := newSubscriptionKeeper(manager, remote.Reset, listeners, sensors)

	// Track the NATS session
	natsClient.NATs().SetDisconnectErrHandler(func(_ *nats.Conn, e error) {
		log.WithError(e).WithFields(logTags).Error("NATS session lost, resetting sensor subscriptions")
		keeper.onSessionLost()
	})
	natsClient.NATs().SetReconnectHandler(func(_ *nats.Conn) {
		log.WithFields(logTags).Warn("NATS session restored")
	})

	syncTimer, err := common.GetIntervalTimerInstance(runtimeContext, wg, "subscription-sync")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription sync timer")
		return err
	}
	if err := keeper.sync(); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Sensor service not reachable yet")
	}
	if err := syncTimer.Start(subscriptionSyncInterval, func() error {
		if !natsClient.IsConnected() {
			return nil
		}
		if err := keeper.sync(); err != nil && !errors.Is(err, sensor.ErrConnectionLost) {
			return err
		}
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start subscription sync timer")
		return err
	}
	defer func() {
		_ = syncTimer.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestSensorHandler(
		manager,
		func() bool { return natsClient.IsConnected() && keeper.isInSync() },
		&monitorConfig.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, monitorConfig.PathPrefix, nil)
	_ = apis.RegisterSensorAPIs(mainRouter, httpHandler)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := monitorConfig.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	keeper.unsubscribeAll()

	return nil
}

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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/carsensor/common"
	"github.com/alwitt/carsensor/core"
	"github.com/alwitt/carsensor/sensor"
	"github.com/alwitt/carsensor/testservice"
	"github.com/alwitt/carsensor/transport"
	"github.com/apex/log"
)

// parseSupportedSensors convert the configured sensor type names
func parseSupportedSensors(names []string) ([]sensor.SensorType, error) {
	result := make([]sensor.SensorType, 0, len(names))
	for _, name := range names {
		sensorType, err := sensor.ParseSensorType(name)
		if err != nil {
			return nil, err
		}
		result = append(result, sensorType)
	}
	return result, nil
}

// RunSimulator run a simulated sensor service over NATS
func RunSimulator(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "simulator",
		"instance":  instance,
	}
	if config.Simulator == nil {
		return fmt.Errorf("simulator can't start without its configurations")
	}

	supported, err := parseSupportedSensors(config.Simulator.SupportedSensors)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid supported sensor list")
		return err
	}

	service := testservice.NewTestSensorService(sensor.ClientVersion)
	service.SetSupportedSensors(supported)

	endpoint, err := transport.ServeSensorService(natsClient, config.Sensor.SubjectPrefix, service)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serve sensor service")
		return err
	}
	defer endpoint.Close()

	basePeriod := time.Millisecond * time.Duration(config.Simulator.BasePeriod)
	if err := service.StartSimulation(runtimeContext, wg, basePeriod); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start simulation")
		return err
	}
	log.WithFields(logTags).Infof(
		"Simulating %d sensors under '%s'", len(supported), config.Sensor.SubjectPrefix,
	)

	<-runtimeContext.Done()

	if err := service.StopSimulation(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to stop simulation")
	}
	return nil
}

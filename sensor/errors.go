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

import "errors"

var (
	// ErrInvalidArgument a sensor type, rate, or listener given by the caller is not usable.
	// Reported before any state is changed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConnectionLost the session with the sensor service is severed
	ErrConnectionLost = errors.New("sensor service not connected")
	// ErrTransientRemoteFailure a sensor service call failed for a reason other than
	// the loss of the session
	ErrTransientRemoteFailure = errors.New("sensor service call failed")
)

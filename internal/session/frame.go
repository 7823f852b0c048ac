// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"encoding/json"

	"fleetwatch/internal/telemetry"
)

const (
	EventSensorData   = "sensorData"
	TypeNewSensorData = "new_sensor_data"
)

// Frame is the envelope written to live connections.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// SensorDataEvent is the payload of a sensorData frame.
type SensorDataEvent struct {
	Type string                  `json:"type"`
	Data telemetry.StoredReading `json:"data"`
}

// EncodeSensorData renders the frame broadcast for a new reading.
func EncodeSensorData(r telemetry.StoredReading) ([]byte, error) {
	return json.Marshal(Frame{
		Event: EventSensorData,
		Data:  SensorDataEvent{Type: TypeNewSensorData, Data: r},
	})
}

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

// Package telemetry holds the reading model shared by the ingestion pipeline
// and the payload validator that produces it.
package telemetry

import (
	"time"
)

// Reading is a validated sensor sample. Timestamp keeps the device's own
// representation; At is its parsed form.
type Reading struct {
	SensorID    string    `json:"sensor_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   string    `json:"timestamp"`
	At          time.Time `json:"-"`
}

// StoredReading is a Reading after the store assigned it an identity.
type StoredReading struct {
	ID int64 `json:"id"`
	Reading
	CreatedAt time.Time `json:"created_at"`
}

// Device binds a physical sensor to the company that owns it.
type Device struct {
	ID        int64  `json:"id"`
	SensorID  string `json:"sensor_id"`
	CompanyID int64  `json:"company_id"`
	Name      string `json:"name,omitempty"`
}

// Assignment grants a user visibility of a device.
type Assignment struct {
	DeviceID int64 `json:"device_id"`
	UserID   int64 `json:"user_id"`
}

// RawMessage is a payload as delivered by the broker, before validation.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

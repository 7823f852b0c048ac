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

// Package directory resolves which company owns a sensor and which users are
// assigned to a device, keeping a short-lived in-memory copy of the answers.
package directory

import (
	"context"
	"errors"

	"fleetwatch/internal/telemetry"
)

var (
	// ErrNotFound means the sensor has no registered device.
	ErrNotFound = errors.New("not found")
	// ErrDirectoryUnavailable means the directory could not answer and no usable cached
	// value exists.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// Directory is the authoritative source of device ownership and assignments.
type Directory interface {
	DeviceBySensor(ctx context.Context, sensorID string) (telemetry.Device, error)
	AssignmentsByDevice(ctx context.Context, deviceID int64) ([]telemetry.Assignment, error)
}

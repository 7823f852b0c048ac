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

// Package store persists readings and the device directory.
package store

import (
	"context"
	"errors"
	"time"

	"fleetwatch/internal/directory"
	"fleetwatch/internal/telemetry"
)

// ErrPersistence wraps every failure to durably record a reading.
var ErrPersistence = errors.New("persistence failed")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Filter narrows a history query. A nil SensorIDs matches every sensor; a
// non-nil empty slice matches none.
type Filter struct {
	SensorIDs []string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

// Readings is the reading store used by the ingestion pipeline and the
// history API.
type Readings interface {
	Insert(ctx context.Context, r telemetry.Reading) (telemetry.StoredReading, error)
	Query(ctx context.Context, f Filter) ([]telemetry.StoredReading, error)
}

// Store is a database backend holding both readings and the directory.
type Store interface {
	Readings
	directory.Directory

	CreateDevice(ctx context.Context, sensorID string, companyID int64, name string) (telemetry.Device, error)
	AssignDevice(ctx context.Context, deviceID, userID int64) error
	UnassignDevice(ctx context.Context, deviceID, userID int64) error
	ListDevices(ctx context.Context) ([]telemetry.Device, error)
	SensorsForCompany(ctx context.Context, companyID int64) ([]string, error)
	SensorsForUser(ctx context.Context, userID int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by driver. dsn is a file path for
// sqlite and a connection URL for postgres.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, errors.New("unsupported database driver: " + driver)
	}
}

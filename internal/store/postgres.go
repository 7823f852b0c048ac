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

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetwatch/internal/directory"
	"fleetwatch/internal/telemetry"
)

// Postgres is the shared server backend.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to url, verifies the connection and ensures the schema.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to configure database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database is not reachable: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGSERIAL PRIMARY KEY,
			sensor_id TEXT UNIQUE NOT NULL,
			company_id BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS device_assignments (
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (device_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sensor_data (
			id BIGSERIAL PRIMARY KEY,
			sensor_id TEXT NOT NULL,
			temperature DOUBLE PRECISION NOT NULL,
			humidity DOUBLE PRECISION NOT NULL,
			timestamp TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_company_id ON devices(company_id)`,
		`CREATE INDEX IF NOT EXISTS idx_device_assignments_user_id ON device_assignments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_sensor_time ON sensor_data(sensor_id, recorded_at DESC)`,
	}

	for _, query := range queries {
		if _, err := p.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, r telemetry.Reading) (telemetry.StoredReading, error) {
	query := `INSERT INTO sensor_data (sensor_id, temperature, humidity, timestamp, recorded_at)
			  VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`

	stored := telemetry.StoredReading{Reading: r}
	err := p.pool.QueryRow(ctx, query, r.SensorID, r.Temperature, r.Humidity, r.Timestamp, r.At).
		Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return telemetry.StoredReading{}, fmt.Errorf("%w: failed to insert reading: %w", ErrPersistence, err)
	}

	return stored, nil
}

func (p *Postgres) Query(ctx context.Context, f Filter) ([]telemetry.StoredReading, error) {
	if f.SensorIDs != nil && len(f.SensorIDs) == 0 {
		return []telemetry.StoredReading{}, nil
	}

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(f.SensorIDs) > 0 {
		where = append(where, "sensor_id = ANY("+arg(f.SensorIDs)+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < "+arg(f.Until))
	}

	query := `SELECT id, sensor_id, temperature, humidity, timestamp, recorded_at, created_at FROM sensor_data`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT " + arg(f.limit())

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []telemetry.StoredReading{}
	for rows.Next() {
		var r telemetry.StoredReading
		if err := rows.Scan(&r.ID, &r.SensorID, &r.Temperature, &r.Humidity, &r.Timestamp, &r.At, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.At = r.At.UTC()
		readings = append(readings, r)
	}

	return readings, rows.Err()
}

func (p *Postgres) DeviceBySensor(ctx context.Context, sensorID string) (telemetry.Device, error) {
	var d telemetry.Device
	err := p.pool.QueryRow(ctx, `SELECT id, sensor_id, company_id, name FROM devices WHERE sensor_id = $1`, sensorID).
		Scan(&d.ID, &d.SensorID, &d.CompanyID, &d.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.Device{}, directory.ErrNotFound
	}
	if err != nil {
		return telemetry.Device{}, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (p *Postgres) AssignmentsByDevice(ctx context.Context, deviceID int64) ([]telemetry.Assignment, error) {
	rows, err := p.pool.Query(ctx, `SELECT device_id, user_id FROM device_assignments WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assignments: %w", err)
	}

	assignments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (telemetry.Assignment, error) {
		var a telemetry.Assignment
		err := row.Scan(&a.DeviceID, &a.UserID)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan assignments: %w", err)
	}
	return assignments, nil
}

func (p *Postgres) CreateDevice(ctx context.Context, sensorID string, companyID int64, name string) (telemetry.Device, error) {
	d := telemetry.Device{SensorID: sensorID, CompanyID: companyID, Name: name}
	err := p.pool.QueryRow(ctx, `INSERT INTO devices (sensor_id, company_id, name) VALUES ($1, $2, $3) RETURNING id`,
		sensorID, companyID, name).Scan(&d.ID)
	if err != nil {
		return telemetry.Device{}, fmt.Errorf("failed to create device: %w", err)
	}
	return d, nil
}

func (p *Postgres) AssignDevice(ctx context.Context, deviceID, userID int64) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO device_assignments (device_id, user_id) VALUES ($1, $2)
			  ON CONFLICT DO NOTHING`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("failed to assign device: %w", err)
	}
	return nil
}

func (p *Postgres) UnassignDevice(ctx context.Context, deviceID, userID int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM device_assignments WHERE device_id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("failed to unassign device: %w", err)
	}
	return nil
}

func (p *Postgres) ListDevices(ctx context.Context) ([]telemetry.Device, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, sensor_id, company_id, name FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (telemetry.Device, error) {
		var d telemetry.Device
		err := row.Scan(&d.ID, &d.SensorID, &d.CompanyID, &d.Name)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	return devices, nil
}

func (p *Postgres) SensorsForCompany(ctx context.Context, companyID int64) ([]string, error) {
	return p.sensorIDs(ctx, `SELECT sensor_id FROM devices WHERE company_id = $1`, companyID)
}

func (p *Postgres) SensorsForUser(ctx context.Context, userID int64) ([]string, error) {
	return p.sensorIDs(ctx, `SELECT d.sensor_id FROM devices d
			  JOIN device_assignments a ON a.device_id = d.id
			  WHERE a.user_id = $1`, userID)
}

func (p *Postgres) sensorIDs(ctx context.Context, query string, arg int64) ([]string, error) {
	rows, err := p.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan sensors: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// compile-time interface checks
var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

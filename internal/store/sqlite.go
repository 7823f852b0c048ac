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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleetwatch/internal/directory"
	"fleetwatch/internal/telemetry"
)

// SQLite is the embedded single-node backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file at path and ensures the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Writers serialize on the file anyway.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates the database tables
func (s *SQLite) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sensor_id TEXT UNIQUE NOT NULL,
			company_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS device_assignments (
			device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (device_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sensor_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sensor_id TEXT NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			timestamp TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_company_id ON devices(company_id)`,
		`CREATE INDEX IF NOT EXISTS idx_device_assignments_user_id ON device_assignments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_sensor_time ON sensor_data(sensor_id, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_data_time ON sensor_data(recorded_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Reading operations
func (s *SQLite) Insert(ctx context.Context, r telemetry.Reading) (telemetry.StoredReading, error) {
	createdAt := time.Now().UTC()
	query := `INSERT INTO sensor_data (sensor_id, temperature, humidity, timestamp, recorded_at, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		r.SensorID, r.Temperature, r.Humidity, r.Timestamp, r.At.UnixNano(), createdAt)
	if err != nil {
		return telemetry.StoredReading{}, fmt.Errorf("%w: failed to insert reading: %w", ErrPersistence, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return telemetry.StoredReading{}, fmt.Errorf("%w: failed to get reading ID: %w", ErrPersistence, err)
	}

	return telemetry.StoredReading{ID: id, Reading: r, CreatedAt: createdAt}, nil
}

func (s *SQLite) Query(ctx context.Context, f Filter) ([]telemetry.StoredReading, error) {
	if f.SensorIDs != nil && len(f.SensorIDs) == 0 {
		return []telemetry.StoredReading{}, nil
	}

	var (
		where []string
		args  []interface{}
	)
	if len(f.SensorIDs) > 0 {
		where = append(where, "sensor_id IN ("+placeholders(len(f.SensorIDs))+")")
		for _, id := range f.SensorIDs {
			args = append(args, id)
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, f.Until.UnixNano())
	}

	query := `SELECT id, sensor_id, temperature, humidity, timestamp, recorded_at, created_at FROM sensor_data`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []telemetry.StoredReading{}
	for rows.Next() {
		var (
			r          telemetry.StoredReading
			recordedAt int64
		)
		if err := rows.Scan(&r.ID, &r.SensorID, &r.Temperature, &r.Humidity, &r.Timestamp, &recordedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.At = time.Unix(0, recordedAt).UTC()
		readings = append(readings, r)
	}

	return readings, rows.Err()
}

// Directory operations
func (s *SQLite) DeviceBySensor(ctx context.Context, sensorID string) (telemetry.Device, error) {
	query := `SELECT id, sensor_id, company_id, name FROM devices WHERE sensor_id = ?`

	var d telemetry.Device
	err := s.db.QueryRowContext(ctx, query, sensorID).Scan(&d.ID, &d.SensorID, &d.CompanyID, &d.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Device{}, directory.ErrNotFound
	}
	if err != nil {
		return telemetry.Device{}, fmt.Errorf("failed to get device: %w", err)
	}

	return d, nil
}

func (s *SQLite) AssignmentsByDevice(ctx context.Context, deviceID int64) ([]telemetry.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, user_id FROM device_assignments WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assignments: %w", err)
	}
	defer rows.Close()

	var assignments []telemetry.Assignment
	for rows.Next() {
		var a telemetry.Assignment
		if err := rows.Scan(&a.DeviceID, &a.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}

	return assignments, rows.Err()
}

func (s *SQLite) CreateDevice(ctx context.Context, sensorID string, companyID int64, name string) (telemetry.Device, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO devices (sensor_id, company_id, name) VALUES (?, ?, ?)`,
		sensorID, companyID, name)
	if err != nil {
		return telemetry.Device{}, fmt.Errorf("failed to create device: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return telemetry.Device{}, fmt.Errorf("failed to get device ID: %w", err)
	}

	return telemetry.Device{ID: id, SensorID: sensorID, CompanyID: companyID, Name: name}, nil
}

func (s *SQLite) AssignDevice(ctx context.Context, deviceID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO device_assignments (device_id, user_id) VALUES (?, ?)`,
		deviceID, userID)
	if err != nil {
		return fmt.Errorf("failed to assign device: %w", err)
	}
	return nil
}

func (s *SQLite) UnassignDevice(ctx context.Context, deviceID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_assignments WHERE device_id = ? AND user_id = ?`,
		deviceID, userID)
	if err != nil {
		return fmt.Errorf("failed to unassign device: %w", err)
	}
	return nil
}

func (s *SQLite) ListDevices(ctx context.Context) ([]telemetry.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sensor_id, company_id, name FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []telemetry.Device
	for rows.Next() {
		var d telemetry.Device
		if err := rows.Scan(&d.ID, &d.SensorID, &d.CompanyID, &d.Name); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

func (s *SQLite) SensorsForCompany(ctx context.Context, companyID int64) ([]string, error) {
	return s.sensorIDs(ctx, `SELECT sensor_id FROM devices WHERE company_id = ?`, companyID)
}

func (s *SQLite) SensorsForUser(ctx context.Context, userID int64) ([]string, error) {
	return s.sensorIDs(ctx, `SELECT d.sensor_id FROM devices d
			  JOIN device_assignments a ON a.device_id = d.id
			  WHERE a.user_id = ?`, userID)
}

func (s *SQLite) sensorIDs(ctx context.Context, query string, arg int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

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

// Package ingest drives each broker message through validation, persistence,
// visibility resolution and fan-out.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"fleetwatch/internal/directory"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/session"
	"fleetwatch/internal/store"
	"fleetwatch/internal/telemetry"
)

// Outcome is the terminal state of one message.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomePersistFailed
	OutcomePersistedOnly
	OutcomeBroadcast
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomePersistFailed:
		return "persist_failed"
	case OutcomePersistedOnly:
		return "persisted_only"
	case OutcomeBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Resolver answers visibility questions, normally a *directory.Cache.
type Resolver interface {
	ResolveDevice(ctx context.Context, sensorID string) (telemetry.Device, error)
	ResolveAssignedUsers(ctx context.Context, deviceID int64) (map[int64]struct{}, error)
}

// Broadcaster delivers a reading to the sessions allowed to see it.
type Broadcaster interface {
	Broadcast(r telemetry.StoredReading, scope session.Scope) (int, error)
}

// LatestRecorder keeps the newest reading per sensor.
type LatestRecorder interface {
	Record(ctx context.Context, r telemetry.StoredReading) error
}

const (
	DefaultWorkers       = 4
	DefaultLatestTimeout = 250 * time.Millisecond
)

// Coordinator is the only component that talks to the store, the directory
// and the session registry.
type Coordinator struct {
	readings store.Readings
	resolver Resolver
	sessions Broadcaster
	latest   LatestRecorder
	// latestTimeout bounds each latest-value write so a slow cache cannot
	// hold up a shard.
	latestTimeout time.Duration
	workers       int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers sets how many sensor shards are processed concurrently.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithLatest(l LatestRecorder) Option {
	return func(c *Coordinator) {
		c.latest = l
	}
}

// WithLatestTimeout sets the deadline of each latest-value write.
func WithLatestTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.latestTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a Coordinator.
func New(readings store.Readings, resolver Resolver, sessions Broadcaster, options ...Option) *Coordinator {
	c := &Coordinator{
		readings:      readings,
		resolver:      resolver,
		sessions:      sessions,
		workers:       DefaultWorkers,
		latestTimeout: DefaultLatestTimeout,
		logger:        logger.Component("ingest"),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// HandleMessage processes one message synchronously.
func (c *Coordinator) HandleMessage(ctx context.Context, msg telemetry.RawMessage) Outcome {
	c.metrics.MessageReceived()

	reading, ok := c.validate(msg)
	if !ok {
		return OutcomeRejected
	}
	return c.process(ctx, msg, reading)
}

// Run consumes in until it is closed or ctx is cancelled. Readings are
// sharded by sensor id so each sensor's readings are handled in arrival
// order, while different sensors proceed in parallel.
func (c *Coordinator) Run(ctx context.Context, in <-chan telemetry.RawMessage) {
	type job struct {
		msg     telemetry.RawMessage
		reading telemetry.Reading
	}

	// Readings already dispatched are still processed during shutdown.
	workCtx := context.WithoutCancel(ctx)

	shards := make([]chan job, c.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan job, 64)
		wg.Add(1)
		go func(jobs <-chan job) {
			defer wg.Done()
			for j := range jobs {
				c.process(workCtx, j.msg, j.reading)
			}
		}(shards[i])
	}

	c.logger.Info().Int("workers", c.workers).Msg("Ingestion started")

	defer func() {
		for _, shard := range shards {
			close(shard)
		}
		wg.Wait()
		c.logger.Info().Msg("Ingestion stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			c.metrics.MessageReceived()

			reading, valid := c.validate(msg)
			if !valid {
				continue
			}

			shard := shards[xxhash.Sum64String(reading.SensorID)%uint64(len(shards))]
			select {
			case shard <- job{msg: msg, reading: reading}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Coordinator) validate(msg telemetry.RawMessage) (telemetry.Reading, bool) {
	reading, err := telemetry.Validate(msg.Payload)
	if err == nil {
		return reading, true
	}

	reason := "malformed"
	switch {
	case errors.Is(err, telemetry.ErrMissingField):
		reason = "missing_field"
	case errors.Is(err, telemetry.ErrInvalidField):
		reason = "invalid_field"
	}
	c.metrics.ReadingRejected(reason)

	event := c.logger.Warn().
		Err(err).
		Str("topic", msg.Topic).
		Str("reason", reason)
	var verr *telemetry.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		event = event.Str("field", verr.Field)
	}
	event.Msg("Rejected sensor payload")

	return telemetry.Reading{}, false
}

func (c *Coordinator) process(ctx context.Context, msg telemetry.RawMessage, reading telemetry.Reading) Outcome {
	started := msg.ReceivedAt
	if started.IsZero() {
		started = time.Now()
	}

	stored, err := c.readings.Insert(ctx, reading)
	if err != nil {
		c.metrics.PersistFailed()
		c.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("sensor_id", reading.SensorID).
			Float64("temperature", reading.Temperature).
			Float64("humidity", reading.Humidity).
			Str("timestamp", reading.Timestamp).
			Msg("Failed to persist reading")
		return OutcomePersistFailed
	}
	c.metrics.ReadingPersisted()

	device, err := c.resolver.ResolveDevice(ctx, stored.SensorID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			c.metrics.UnknownSensor()
			c.logger.Warn().
				Str("sensor_id", stored.SensorID).
				Int64("reading_id", stored.ID).
				Msg("Reading from unregistered sensor")
		} else {
			c.logger.Error().
				Err(err).
				Str("sensor_id", stored.SensorID).
				Int64("reading_id", stored.ID).
				Msg("Failed to resolve device")
		}
		c.broadcast(stored, session.Scope{})
		c.metrics.ObserveIngest(time.Since(started))
		c.recordLatest(ctx, stored)
		return OutcomePersistedOnly
	}

	assigned, err := c.resolver.ResolveAssignedUsers(ctx, device.ID)
	if err != nil {
		c.logger.Error().
			Err(err).
			Int64("device_id", device.ID).
			Msg("Failed to resolve device assignments")
	}

	c.broadcast(stored, session.Scope{Device: &device, Assigned: assigned})
	c.metrics.ObserveIngest(time.Since(started))
	c.recordLatest(ctx, stored)
	return OutcomeBroadcast
}

// recordLatest runs after the broadcast and is best effort.
func (c *Coordinator) recordLatest(ctx context.Context, r telemetry.StoredReading) {
	if c.latest == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.latestTimeout)
	defer cancel()

	if err := c.latest.Record(ctx, r); err != nil {
		c.logger.Warn().
			Err(err).
			Str("sensor_id", r.SensorID).
			Int64("reading_id", r.ID).
			Msg("Failed to update latest reading")
	}
}

func (c *Coordinator) broadcast(r telemetry.StoredReading, scope session.Scope) {
	n, err := c.sessions.Broadcast(r, scope)
	if err != nil {
		c.logger.Error().Err(err).Int64("reading_id", r.ID).Msg("Failed to broadcast reading")
		return
	}
	c.logger.Debug().
		Int64("reading_id", r.ID).
		Str("sensor_id", r.SensorID).
		Int("sessions", n).
		Msg("Reading broadcast")
}

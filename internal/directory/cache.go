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

package directory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/telemetry"
)

const (
	DefaultTTL             = 5 * time.Second
	DefaultGrace           = 30 * time.Second
	DefaultSize            = 4096
	DefaultBreakerFailures = 5
	DefaultBreakerOpenFor  = 10 * time.Second
)

// Config tunes a Cache. Zero values fall back to the package defaults.
type Config struct {
	TTL             time.Duration
	Grace           time.Duration
	Size            int
	RefreshInterval time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = c.TTL
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = DefaultBreakerOpenFor
	}
}

// refreshIdleTTLs is how many TTLs an entry may go unread before the
// background refresher stops renewing it.
const refreshIdleTTLs = 3

type entry[T any] struct {
	value     T
	found     bool
	fetchedAt time.Time
	// usedAt is shared by every generation of a key's entry so refreshes
	// keep the last read time.
	usedAt *atomic.Int64
}

func (e entry[T]) touch(now time.Time) {
	if e.usedAt != nil {
		e.usedAt.Store(now.UnixNano())
	}
}

func (e entry[T]) idle(now time.Time, window time.Duration) bool {
	return e.usedAt == nil || now.Sub(time.Unix(0, e.usedAt.Load())) > window
}

func usedSince[T any](prev entry[T], ok bool, now time.Time) *atomic.Int64 {
	if ok && prev.usedAt != nil {
		return prev.usedAt
	}
	used := &atomic.Int64{}
	used.Store(now.UnixNano())
	return used
}

// Cache answers directory lookups from memory. Entries are fresh for TTL;
// when the directory fails, entries up to TTL+Grace old are still served.
// Unknown sensors are cached too, so a misconfigured device does not cause a
// directory query per message.
type Cache struct {
	dir         Directory
	cfg         Config
	devices     *lru.Cache[string, entry[telemetry.Device]]
	assignments *lru.Cache[int64, entry[map[int64]struct{}]]
	group       singleflight.Group
	breaker     *gobreaker.CircuitBreaker
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache wraps dir with a TTL cache.
func NewCache(dir Directory, cfg Config, options ...Option) (*Cache, error) {
	cfg.setDefaults()

	devices, err := lru.New[string, entry[telemetry.Device]](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create device cache: %w", err)
	}
	assignments, err := lru.New[int64, entry[map[int64]struct{}]](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment cache: %w", err)
	}

	c := &Cache{
		dir:         dir,
		cfg:         cfg,
		devices:     devices,
		assignments: assignments,
		now:         time.Now,
		logger:      logger.Component("directory"),
	}
	for _, option := range options {
		option(c)
	}

	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "directory",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.BreakerState(name, int(to))
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return c, nil
}

// ResolveDevice returns the device registered for sensorID, or ErrNotFound.
// If the directory is failing and nothing usable is cached, the error wraps
// ErrDirectoryUnavailable.
func (c *Cache) ResolveDevice(ctx context.Context, sensorID string) (telemetry.Device, error) {
	now := c.now()
	if e, ok := c.devices.Get(sensorID); ok && now.Sub(e.fetchedAt) < c.cfg.TTL {
		e.touch(now)
		c.metrics.DirectoryLookup("device", "hit")
		return deviceResult(e)
	}

	c.metrics.DirectoryLookup("device", "miss")
	v, err, _ := c.group.Do("device:"+sensorID, func() (interface{}, error) {
		return c.fetchDevice(ctx, sensorID)
	})
	if err == nil {
		e := v.(entry[telemetry.Device])
		e.touch(now)
		return deviceResult(e)
	}

	if e, ok := c.devices.Peek(sensorID); ok && now.Sub(e.fetchedAt) < c.cfg.TTL+c.cfg.Grace {
		e.touch(now)
		c.metrics.DirectoryLookup("device", "stale")
		c.logger.Warn().
			Err(err).
			Str("sensor_id", sensorID).
			Dur("age", now.Sub(e.fetchedAt)).
			Msg("Directory lookup failed, serving cached device")
		return deviceResult(e)
	}

	c.metrics.DirectoryLookup("device", "error")
	return telemetry.Device{}, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
}

// ResolveAssignedUsers returns the users assigned to deviceID. On failure
// without a usable cached value it returns an empty set and an error
// wrapping ErrDirectoryUnavailable.
func (c *Cache) ResolveAssignedUsers(ctx context.Context, deviceID int64) (map[int64]struct{}, error) {
	now := c.now()
	if e, ok := c.assignments.Get(deviceID); ok && now.Sub(e.fetchedAt) < c.cfg.TTL {
		e.touch(now)
		c.metrics.DirectoryLookup("assignments", "hit")
		return e.value, nil
	}

	c.metrics.DirectoryLookup("assignments", "miss")
	v, err, _ := c.group.Do(fmt.Sprintf("assignments:%d", deviceID), func() (interface{}, error) {
		return c.fetchAssignments(ctx, deviceID)
	})
	if err == nil {
		e := v.(entry[map[int64]struct{}])
		e.touch(now)
		return e.value, nil
	}

	if e, ok := c.assignments.Peek(deviceID); ok && now.Sub(e.fetchedAt) < c.cfg.TTL+c.cfg.Grace {
		e.touch(now)
		c.metrics.DirectoryLookup("assignments", "stale")
		c.logger.Warn().
			Err(err).
			Int64("device_id", deviceID).
			Dur("age", now.Sub(e.fetchedAt)).
			Msg("Directory lookup failed, serving cached assignments")
		return e.value, nil
	}

	c.metrics.DirectoryLookup("assignments", "error")
	return map[int64]struct{}{}, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
}

// Run refreshes recently read keys each RefreshInterval until ctx is done.
// Failed refreshes leave the previous value in place.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	c.logger.Info().
		Dur("interval", c.cfg.RefreshInterval).
		Dur("ttl", c.cfg.TTL).
		Msg("Directory refresher started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Directory refresher stopped")
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh re-fetches the cached keys read within the last few TTLs.
// Unknown-sensor entries are not renewed; they expire and are looked up
// again only if that sensor keeps reporting.
func (c *Cache) Refresh(ctx context.Context) {
	now := c.now()
	window := refreshIdleTTLs*c.cfg.TTL + c.cfg.RefreshInterval

	refreshed, failed := 0, 0
	for _, sensorID := range c.devices.Keys() {
		if ctx.Err() != nil {
			return
		}
		e, ok := c.devices.Peek(sensorID)
		if !ok || !e.found || e.idle(now, window) {
			continue
		}
		refreshed++
		if _, err := c.fetchDevice(ctx, sensorID); err != nil {
			failed++
		}
	}
	for _, deviceID := range c.assignments.Keys() {
		if ctx.Err() != nil {
			return
		}
		e, ok := c.assignments.Peek(deviceID)
		if !ok || e.idle(now, window) {
			continue
		}
		refreshed++
		if _, err := c.fetchAssignments(ctx, deviceID); err != nil {
			failed++
		}
	}

	if failed > 0 {
		c.logger.Warn().Int("failed", failed).Int("refreshed", refreshed).Msg("Directory refresh incomplete")
	} else {
		c.logger.Debug().
			Int("refreshed", refreshed).
			Int("devices", c.devices.Len()).
			Int("assignments", c.assignments.Len()).
			Msg("Directory refreshed")
	}
}

func (c *Cache) fetchDevice(ctx context.Context, sensorID string) (entry[telemetry.Device], error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		d, err := c.dir.DeviceBySensor(ctx, sensorID)
		if errors.Is(err, ErrNotFound) {
			return entry[telemetry.Device]{fetchedAt: c.now()}, nil
		}
		if err != nil {
			return nil, err
		}
		return entry[telemetry.Device]{value: d, found: true, fetchedAt: c.now()}, nil
	})
	if err != nil {
		return entry[telemetry.Device]{}, fmt.Errorf("failed to fetch device for sensor %s: %w", sensorID, err)
	}

	e := res.(entry[telemetry.Device])
	prev, ok := c.devices.Peek(sensorID)
	e.usedAt = usedSince(prev, ok, e.fetchedAt)
	c.devices.Add(sensorID, e)
	return e, nil
}

func (c *Cache) fetchAssignments(ctx context.Context, deviceID int64) (entry[map[int64]struct{}], error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		list, err := c.dir.AssignmentsByDevice(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		users := make(map[int64]struct{}, len(list))
		for _, a := range list {
			users[a.UserID] = struct{}{}
		}
		return entry[map[int64]struct{}]{value: users, found: true, fetchedAt: c.now()}, nil
	})
	if err != nil {
		return entry[map[int64]struct{}]{}, fmt.Errorf("failed to fetch assignments for device %d: %w", deviceID, err)
	}

	e := res.(entry[map[int64]struct{}])
	prev, ok := c.assignments.Peek(deviceID)
	e.usedAt = usedSince(prev, ok, e.fetchedAt)
	c.assignments.Add(deviceID, e)
	return e, nil
}

func deviceResult(e entry[telemetry.Device]) (telemetry.Device, error) {
	if !e.found {
		return telemetry.Device{}, ErrNotFound
	}
	return e.value, nil
}

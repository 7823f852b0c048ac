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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"fleetwatch/internal/logger"
	"fleetwatch/internal/telemetry"
)

// ErrNoLatest means no recent reading is cached for the sensor.
var ErrNoLatest = errors.New("no latest reading")

const (
	DefaultLatestTTL = 24 * time.Hour
	latestKeyPrefix  = "sensor:last:"

	latestBreakerFailures = 3
	latestBreakerOpenFor  = 10 * time.Second
)

// recordLatest keeps the stored reading unless the incoming one is older.
// Times are zero-padded unix nanoseconds so they compare as strings.
var recordLatest = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'at')
if current and current > ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'at', ARGV[1], 'reading', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// LatestCache keeps the most recent reading of each sensor in Redis. Keys
// expire so decommissioned sensors disappear on their own. Calls honour the
// caller's context deadline, and a breaker fails them fast while Redis is
// down.
type LatestCache struct {
	client  *redis.Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewLatestCache connects to the Redis server at addr and verifies it responds.
func NewLatestCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*LatestCache, error) {
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis is not reachable: %w", err)
	}

	log := logger.Component("latest")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "latest",
		Timeout: latestBreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= latestBreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &LatestCache{client: client, ttl: ttl, breaker: breaker}, nil
}

func (c *LatestCache) Close() error {
	return c.client.Close()
}

func (c *LatestCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Record stores r as its sensor's latest reading unless a reading with a
// later timestamp is already cached.
func (c *LatestCache) Record(ctx context.Context, r telemetry.StoredReading) error {
	data, err := json.Marshal(latestValue{StoredReading: r, RecordedAt: r.At})
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	at := fmt.Sprintf("%020d", r.At.UnixNano())
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, recordLatest.Run(ctx, c.client,
			[]string{latestKeyPrefix + r.SensorID},
			at, data, c.ttl.Milliseconds()).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to update latest reading: %w", err)
	}
	return nil
}

// Latest returns the cached reading of sensorID, or ErrNoLatest.
func (c *LatestCache) Latest(ctx context.Context, sensorID string) (telemetry.StoredReading, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.HGet(ctx, latestKeyPrefix+sensorID, "reading").Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return telemetry.StoredReading{}, ErrNoLatest
	}
	if err != nil {
		return telemetry.StoredReading{}, fmt.Errorf("failed to read latest reading: %w", err)
	}

	var v latestValue
	if err := json.Unmarshal(res.([]byte), &v); err != nil {
		return telemetry.StoredReading{}, fmt.Errorf("failed to decode latest reading: %w", err)
	}
	v.StoredReading.At = v.RecordedAt
	return v.StoredReading, nil
}

type latestValue struct {
	telemetry.StoredReading
	RecordedAt time.Time `json:"recorded_at"`
}

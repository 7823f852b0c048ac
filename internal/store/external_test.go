package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/directory"
	"fleetwatch/internal/store"
	"fleetwatch/internal/telemetry"
)

// These tests need live servers and are skipped unless the matching
// environment variable is set.

func TestPostgres(t *testing.T) {
	url := os.Getenv("FLEETWATCH_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("FLEETWATCH_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	db, err := store.NewPostgres(ctx, url)
	require.NoError(t, err)
	defer db.Close()

	sensor := fmt.Sprintf("pg-%d", time.Now().UnixNano())
	d, err := db.CreateDevice(ctx, sensor, 42, "pg")
	require.NoError(t, err)
	require.NoError(t, db.AssignDevice(ctx, d.ID, 5))

	got, err := db.DeviceBySensor(ctx, sensor)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.CompanyID)

	_, err = db.DeviceBySensor(ctx, sensor+"-missing")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	at := time.Now().UTC().Truncate(time.Microsecond)
	stored, err := db.Insert(ctx, telemetry.Reading{SensorID: sensor, Temperature: 1, Humidity: 2, Timestamp: at.Format(time.RFC3339Nano), At: at})
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	readings, err := db.Query(ctx, store.Filter{SensorIDs: []string{sensor}})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.True(t, readings[0].At.Equal(at))

	ids, err := db.SensorsForUser(ctx, 5)
	require.NoError(t, err)
	assert.Contains(t, ids, sensor)
}

func TestLatestCache(t *testing.T) {
	addr := os.Getenv("FLEETWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FLEETWATCH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	cache, err := store.NewLatestCache(ctx, addr, "", 0, time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	sensor := fmt.Sprintf("redis-%d", time.Now().UnixNano())
	_, err = cache.Latest(ctx, sensor)
	assert.ErrorIs(t, err, store.ErrNoLatest)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := telemetry.StoredReading{ID: 3, Reading: telemetry.Reading{SensorID: sensor, Temperature: 4, Humidity: 5, Timestamp: "2024-05-01T10:00:00Z", At: at}}
	require.NoError(t, cache.Record(ctx, r))

	got, err := cache.Latest(ctx, sensor)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ID)
	assert.True(t, got.At.Equal(at))

	t.Run("older reading does not replace a newer one", func(t *testing.T) {
		older := r
		older.ID = 2
		older.At = at.Add(-time.Minute)
		require.NoError(t, cache.Record(ctx, older))

		got, err := cache.Latest(ctx, sensor)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.ID)
	})

	t.Run("newer reading replaces the cached one", func(t *testing.T) {
		newer := r
		newer.ID = 4
		newer.At = at.Add(time.Minute)
		require.NoError(t, cache.Record(ctx, newer))

		got, err := cache.Latest(ctx, sensor)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.ID)
		assert.True(t, got.At.Equal(newer.At))
	})
}

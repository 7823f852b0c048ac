package directory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/directory"
	"fleetwatch/internal/telemetry"
)

type fakeDirectory struct {
	mu          sync.Mutex
	devices     map[string]telemetry.Device
	assignments map[int64][]telemetry.Assignment
	fail        error
	delay       time.Duration
	deviceCalls atomic.Int32
	assignCalls atomic.Int32
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		devices: map[string]telemetry.Device{
			"s1": {ID: 1, SensorID: "s1", CompanyID: 1},
		},
		assignments: map[int64][]telemetry.Assignment{
			1: {{DeviceID: 1, UserID: 1}},
		},
	}
}

func (f *fakeDirectory) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeDirectory) DeviceBySensor(ctx context.Context, sensorID string) (telemetry.Device, error) {
	f.deviceCalls.Add(1)
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return telemetry.Device{}, f.fail
	}
	d, ok := f.devices[sensorID]
	if !ok {
		return telemetry.Device{}, directory.ErrNotFound
	}
	return d, nil
}

func (f *fakeDirectory) AssignmentsByDevice(ctx context.Context, deviceID int64) ([]telemetry.Assignment, error) {
	f.assignCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return f.assignments[deviceID], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(t *testing.T, dir directory.Directory, clk *clock) *directory.Cache {
	t.Helper()
	cache, err := directory.NewCache(dir, directory.Config{
		TTL:             5 * time.Second,
		Grace:           30 * time.Second,
		BreakerFailures: 100,
	}, directory.WithClock(clk.Now))
	require.NoError(t, err)
	return cache
}

func TestCacheResolveDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("caches within ttl", func(t *testing.T) {
		dir := newFakeDirectory()
		clk := &clock{now: time.Now()}
		cache := newCache(t, dir, clk)

		d, err := cache.ResolveDevice(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.CompanyID)

		clk.Advance(4 * time.Second)
		_, err = cache.ResolveDevice(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int32(1), dir.deviceCalls.Load())

		clk.Advance(2 * time.Second)
		_, err = cache.ResolveDevice(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int32(2), dir.deviceCalls.Load())
	})

	t.Run("caches unknown sensors", func(t *testing.T) {
		dir := newFakeDirectory()
		clk := &clock{now: time.Now()}
		cache := newCache(t, dir, clk)

		_, err := cache.ResolveDevice(ctx, "nope")
		assert.ErrorIs(t, err, directory.ErrNotFound)
		_, err = cache.ResolveDevice(ctx, "nope")
		assert.ErrorIs(t, err, directory.ErrNotFound)
		assert.Equal(t, int32(1), dir.deviceCalls.Load())
	})

	t.Run("serves stale value within grace", func(t *testing.T) {
		dir := newFakeDirectory()
		clk := &clock{now: time.Now()}
		cache := newCache(t, dir, clk)

		_, err := cache.ResolveDevice(ctx, "s1")
		require.NoError(t, err)

		dir.setFail(errors.New("connection refused"))
		clk.Advance(20 * time.Second)

		d, err := cache.ResolveDevice(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.ID)
	})

	t.Run("unavailable past grace", func(t *testing.T) {
		dir := newFakeDirectory()
		clk := &clock{now: time.Now()}
		cache := newCache(t, dir, clk)

		_, err := cache.ResolveDevice(ctx, "s1")
		require.NoError(t, err)

		dir.setFail(errors.New("connection refused"))
		clk.Advance(time.Minute)

		_, err = cache.ResolveDevice(ctx, "s1")
		assert.ErrorIs(t, err, directory.ErrDirectoryUnavailable)
		assert.NotErrorIs(t, err, directory.ErrNotFound)
	})

	t.Run("coalesces concurrent misses", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.delay = 50 * time.Millisecond
		clk := &clock{now: time.Now()}
		cache := newCache(t, dir, clk)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := cache.ResolveDevice(ctx, "s1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Less(t, dir.deviceCalls.Load(), int32(20))
	})

	t.Run("unknown sensor is looked up again after ttl", func(t *testing.T) {
		dir := newFakeDirectory()
		clk := &clock{now: time.Now()}
		cache := newCache(t, dir, clk)

		_, err := cache.ResolveDevice(ctx, "s2")
		require.ErrorIs(t, err, directory.ErrNotFound)

		dir.mu.Lock()
		dir.devices["s2"] = telemetry.Device{ID: 2, SensorID: "s2", CompanyID: 2}
		dir.mu.Unlock()

		clk.Advance(6 * time.Second)
		d, err := cache.ResolveDevice(ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, int64(2), d.CompanyID)
	})
}

func TestCacheResolveAssignedUsers(t *testing.T) {
	ctx := context.Background()

	t.Run("returns assigned set", func(t *testing.T) {
		dir := newFakeDirectory()
		cache := newCache(t, dir, &clock{now: time.Now()})

		users, err := cache.ResolveAssignedUsers(ctx, 1)
		require.NoError(t, err)
		assert.Contains(t, users, int64(1))
		assert.NotContains(t, users, int64(2))
	})

	t.Run("empty set on failure without cache", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.setFail(errors.New("timeout"))
		cache := newCache(t, dir, &clock{now: time.Now()})

		users, err := cache.ResolveAssignedUsers(ctx, 1)
		assert.ErrorIs(t, err, directory.ErrDirectoryUnavailable)
		assert.NotNil(t, users)
		assert.Empty(t, users)
	})

	t.Run("stale set within grace", func(t *testing.T) {
		dir := newFakeDirectory()
		clk := &clock{now: time.Now()}
		cache := newCache(t, dir, clk)

		_, err := cache.ResolveAssignedUsers(ctx, 1)
		require.NoError(t, err)

		dir.setFail(errors.New("timeout"))
		clk.Advance(10 * time.Second)

		users, err := cache.ResolveAssignedUsers(ctx, 1)
		require.NoError(t, err)
		assert.Contains(t, users, int64(1))
	})
}

func TestCacheBreakerOpens(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	dir.setFail(errors.New("down"))

	cache, err := directory.NewCache(dir, directory.Config{
		TTL:             time.Second,
		BreakerFailures: 2,
		BreakerOpenFor:  time.Minute,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := cache.ResolveDevice(ctx, "s1")
		assert.ErrorIs(t, err, directory.ErrDirectoryUnavailable)
	}

	// Only the calls before the breaker opened reached the directory.
	assert.Equal(t, int32(2), dir.deviceCalls.Load())
}

func TestCacheRefresh(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	clk := &clock{now: time.Now()}
	cache := newCache(t, dir, clk)

	_, err := cache.ResolveDevice(ctx, "s1")
	require.NoError(t, err)

	dir.mu.Lock()
	dir.devices["s1"] = telemetry.Device{ID: 1, SensorID: "s1", CompanyID: 9}
	dir.mu.Unlock()

	cache.Refresh(ctx)

	d, err := cache.ResolveDevice(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), d.CompanyID)
	assert.Equal(t, int32(2), dir.deviceCalls.Load())
}

func TestCacheRefreshSkipsUnknownSensors(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	cache := newCache(t, dir, &clock{now: time.Now()})

	for _, sensor := range []string{"ghost-1", "ghost-2", "ghost-3"} {
		_, err := cache.ResolveDevice(ctx, sensor)
		require.ErrorIs(t, err, directory.ErrNotFound)
	}
	require.Equal(t, int32(3), dir.deviceCalls.Load())

	cache.Refresh(ctx)
	cache.Refresh(ctx)

	assert.Equal(t, int32(3), dir.deviceCalls.Load())
}

func TestCacheRefreshSkipsIdleEntries(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory()
	clk := &clock{now: time.Now()}
	cache := newCache(t, dir, clk)

	_, err := cache.ResolveDevice(ctx, "s1")
	require.NoError(t, err)
	_, err = cache.ResolveAssignedUsers(ctx, 1)
	require.NoError(t, err)

	// Refreshed entries stay in use while they are read.
	clk.Advance(4 * time.Second)
	cache.Refresh(ctx)
	assert.Equal(t, int32(2), dir.deviceCalls.Load())
	assert.Equal(t, int32(2), dir.assignCalls.Load())

	// Nobody reads them for longer than the idle window.
	clk.Advance(time.Minute)
	cache.Refresh(ctx)
	assert.Equal(t, int32(2), dir.deviceCalls.Load())
	assert.Equal(t, int32(2), dir.assignCalls.Load())

	// A fresh read brings the sensor back into the refresh set.
	_, err = cache.ResolveDevice(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int32(3), dir.deviceCalls.Load())
	cache.Refresh(ctx)
	assert.Equal(t, int32(4), dir.deviceCalls.Load())
	assert.Equal(t, int32(2), dir.assignCalls.Load())
}

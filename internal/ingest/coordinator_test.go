package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/directory"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/session"
	"fleetwatch/internal/store"
	"fleetwatch/internal/telemetry"
)

type fixture struct {
	db       *store.SQLite
	cache    *directory.Cache
	registry *session.Registry
	metrics  *metrics.Metrics
	logs     *bytes.Buffer
	coord    *ingest.Coordinator
	device   telemetry.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d1, err := db.CreateDevice(ctx, "s1", 1, "press")
	require.NoError(t, err)
	require.NoError(t, db.AssignDevice(ctx, d1.ID, 1))

	m := metrics.New()
	cache, err := directory.NewCache(db, directory.Config{TTL: 5 * time.Second}, directory.WithMetrics(m))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	log := zerolog.New(logs)
	registry := session.NewRegistry(session.WithMetrics(m))

	return &fixture{
		db:       db,
		cache:    cache,
		registry: registry,
		metrics:  m,
		logs:     logs,
		device:   d1,
		coord: ingest.New(db, cache, registry,
			ingest.WithMetrics(m),
			ingest.WithLogger(log),
		),
	}
}

func message(payload string) telemetry.RawMessage {
	return telemetry.RawMessage{Topic: "factory/temperature/line1", Payload: []byte(payload), ReceivedAt: time.Now()}
}

func frames(s *session.Session) []telemetry.StoredReading {
	var out []telemetry.StoredReading
	for {
		select {
		case f := <-s.Outbox():
			var frame struct {
				Data struct {
					Data telemetry.StoredReading `json:"data"`
				} `json:"data"`
			}
			if err := json.Unmarshal(f, &frame); err == nil {
				out = append(out, frame.Data.Data)
			}
		default:
			return out
		}
	}
}

func TestCoordinatorScopedDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adminC1 := f.registry.Register(session.Identity{Role: session.RoleCompanyAdmin, UserID: 10, CompanyID: 1})
	adminC2 := f.registry.Register(session.Identity{Role: session.RoleCompanyAdmin, UserID: 20, CompanyID: 2})
	userU1 := f.registry.Register(session.Identity{Role: session.RoleUser, UserID: 1, CompanyID: 1})
	userU2 := f.registry.Register(session.Identity{Role: session.RoleUser, UserID: 2, CompanyID: 1})
	sysadmin := f.registry.Register(session.Identity{Role: session.RoleSystemAdmin})

	outcome := f.coord.HandleMessage(ctx, message(`{"sensor_id":"s1","temperature":22.5,"humidity":40,"timestamp":"2024-05-01T10:00:00Z"}`))
	assert.Equal(t, ingest.OutcomeBroadcast, outcome)

	stored, err := f.db.Query(ctx, store.Filter{SensorIDs: []string{"s1"}})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	for name, s := range map[string]*session.Session{"company admin": adminC1, "assigned user": userU1, "system admin": sysadmin} {
		got := frames(s)
		require.Len(t, got, 1, name)
		assert.Equal(t, stored[0].ID, got[0].ID, name)
		assert.Equal(t, 22.5, got[0].Temperature, name)
	}
	assert.Empty(t, frames(adminC2))
	assert.Empty(t, frames(userU2))
}

func TestCoordinatorRejectsMissingField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sysadmin := f.registry.Register(session.Identity{Role: session.RoleSystemAdmin})

	outcome := f.coord.HandleMessage(ctx, message(`{"sensor_id":"s1","temperature":22.5,"timestamp":"2024-05-01T10:00:00Z"}`))
	assert.Equal(t, ingest.OutcomeRejected, outcome)

	stored, err := f.db.Query(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, frames(sysadmin))

	assert.Contains(t, f.logs.String(), `"field":"humidity"`)
	assert.Contains(t, f.logs.String(), `"reason":"missing_field"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectedCollector().WithLabelValues("missing_field")))
}

func TestCoordinatorUnknownSensor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sysadmin := f.registry.Register(session.Identity{Role: session.RoleSystemAdmin})
	admin := f.registry.Register(session.Identity{Role: session.RoleCompanyAdmin, CompanyID: 1})

	outcome := f.coord.HandleMessage(ctx, message(`{"sensor_id":"ghost","temperature":0,"humidity":0,"timestamp":"2024-05-01T10:00:00Z"}`))
	assert.Equal(t, ingest.OutcomePersistedOnly, outcome)

	stored, err := f.db.Query(ctx, store.Filter{SensorIDs: []string{"ghost"}})
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	got := frames(sysadmin)
	require.Len(t, got, 1)
	assert.Equal(t, "ghost", got[0].SensorID)
	assert.Empty(t, frames(admin))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnknownSensorCollector()))
}

type failingStore struct{}

func (failingStore) Insert(ctx context.Context, r telemetry.Reading) (telemetry.StoredReading, error) {
	return telemetry.StoredReading{}, fmt.Errorf("%w: disk full", store.ErrPersistence)
}

func (failingStore) Query(ctx context.Context, f store.Filter) ([]telemetry.StoredReading, error) {
	return nil, errors.New("unused")
}

func TestCoordinatorPersistFailure(t *testing.T) {
	f := newFixture(t)
	sysadmin := f.registry.Register(session.Identity{Role: session.RoleSystemAdmin})

	logs := &bytes.Buffer{}
	coord := ingest.New(failingStore{}, f.cache, f.registry, ingest.WithLogger(zerolog.New(logs)))

	outcome := coord.HandleMessage(context.Background(), message(`{"sensor_id":"s1","temperature":1,"humidity":2,"timestamp":"2024-05-01T10:00:00Z"}`))
	assert.Equal(t, ingest.OutcomePersistFailed, outcome)
	assert.Empty(t, frames(sysadmin))
	assert.Contains(t, logs.String(), "disk full")
	assert.Contains(t, logs.String(), `"sensor_id":"s1"`)
}

type brokenDirectory struct{}

func (brokenDirectory) DeviceBySensor(ctx context.Context, sensorID string) (telemetry.Device, error) {
	return telemetry.Device{}, errors.New("directory down")
}

func (brokenDirectory) AssignmentsByDevice(ctx context.Context, deviceID int64) ([]telemetry.Assignment, error) {
	return nil, errors.New("directory down")
}

func TestCoordinatorDirectoryUnavailable(t *testing.T) {
	f := newFixture(t)
	sysadmin := f.registry.Register(session.Identity{Role: session.RoleSystemAdmin})
	admin := f.registry.Register(session.Identity{Role: session.RoleCompanyAdmin, CompanyID: 1})

	cache, err := directory.NewCache(brokenDirectory{}, directory.Config{})
	require.NoError(t, err)
	coord := ingest.New(f.db, cache, f.registry)

	outcome := coord.HandleMessage(context.Background(), message(`{"sensor_id":"s1","temperature":1,"humidity":2,"timestamp":"2024-05-01T10:00:00Z"}`))
	assert.Equal(t, ingest.OutcomePersistedOnly, outcome)
	assert.Len(t, frames(sysadmin), 1)
	assert.Empty(t, frames(admin))
}

type recordingLatest struct {
	mu   sync.Mutex
	last map[string]telemetry.StoredReading
}

func (r *recordingLatest) Record(ctx context.Context, s telemetry.StoredReading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = map[string]telemetry.StoredReading{}
	}
	r.last[s.SensorID] = s
	return nil
}

func TestCoordinatorRecordsLatest(t *testing.T) {
	f := newFixture(t)
	latest := &recordingLatest{}
	coord := ingest.New(f.db, f.cache, f.registry, ingest.WithLatest(latest))

	coord.HandleMessage(context.Background(), message(`{"sensor_id":"s1","temperature":3,"humidity":4,"timestamp":"2024-05-01T10:00:00Z"}`))
	require.Contains(t, latest.last, "s1")
	assert.Equal(t, 3.0, latest.last["s1"].Temperature)
}

type failingLatest struct{}

func (failingLatest) Record(ctx context.Context, s telemetry.StoredReading) error {
	return errors.New("redis down")
}

// stalledLatest blocks until the write deadline passes.
type stalledLatest struct {
	err chan error
}

func (s *stalledLatest) Record(ctx context.Context, r telemetry.StoredReading) error {
	<-ctx.Done()
	s.err <- ctx.Err()
	return ctx.Err()
}

func TestCoordinatorLatestFailureKeepsBroadcast(t *testing.T) {
	payload := `{"sensor_id":"s1","temperature":7,"humidity":8,"timestamp":"2024-05-01T10:00:00Z"}`

	t.Run("failing write is logged and the frame still goes out", func(t *testing.T) {
		f := newFixture(t)
		sess := f.registry.Register(session.Identity{Role: session.RoleSystemAdmin})
		coord := ingest.New(f.db, f.cache, f.registry,
			ingest.WithLatest(failingLatest{}),
			ingest.WithLogger(zerolog.New(f.logs)),
		)

		outcome := coord.HandleMessage(context.Background(), message(payload))
		assert.Equal(t, ingest.OutcomeBroadcast, outcome)

		got := frames(sess)
		require.Len(t, got, 1)
		assert.Equal(t, 7.0, got[0].Temperature)
		assert.Contains(t, f.logs.String(), "Failed to update latest reading")
	})

	t.Run("stalled write is cut off at the deadline", func(t *testing.T) {
		f := newFixture(t)
		sess := f.registry.Register(session.Identity{Role: session.RoleSystemAdmin})
		latest := &stalledLatest{err: make(chan error, 1)}
		coord := ingest.New(f.db, f.cache, f.registry,
			ingest.WithLatest(latest),
			ingest.WithLatestTimeout(50*time.Millisecond),
		)

		started := time.Now()
		outcome := coord.HandleMessage(context.Background(), message(payload))
		assert.Equal(t, ingest.OutcomeBroadcast, outcome)
		assert.Less(t, time.Since(started), time.Second)

		require.Len(t, frames(sess), 1)
		select {
		case err := <-latest.err:
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		default:
			t.Fatal("latest write was not attempted")
		}
	})
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	seen map[string][]float64
}

func (r *recordingBroadcaster) Broadcast(reading telemetry.StoredReading, scope session.Scope) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[reading.SensorID] = append(r.seen[reading.SensorID], reading.Temperature)
	return 1, nil
}

func TestCoordinatorRunPreservesPerSensorOrder(t *testing.T) {
	f := newFixture(t)
	rec := &recordingBroadcaster{seen: map[string][]float64{}}
	coord := ingest.New(f.db, f.cache, rec, ingest.WithWorkers(4))

	in := make(chan telemetry.RawMessage)
	done := make(chan struct{})
	go func() {
		coord.Run(context.Background(), in)
		close(done)
	}()

	sensors := []string{"s1", "s2", "s3", "s4", "s5"}
	const perSensor = 20
	for i := 0; i < perSensor; i++ {
		for _, s := range sensors {
			in <- message(fmt.Sprintf(`{"sensor_id":%q,"temperature":%d,"humidity":1,"timestamp":"2024-05-01T10:00:00Z"}`, s, i))
		}
	}
	in <- message(`garbage`)
	close(in)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after input closed")
	}

	for _, s := range sensors {
		got := rec.seen[s]
		require.Len(t, got, perSensor, s)
		for i, v := range got {
			assert.Equal(t, float64(i), v, s)
		}
	}
}

func TestCoordinatorRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	coord := ingest.New(f.db, f.cache, f.registry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx, make(chan telemetry.RawMessage))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "broadcast", ingest.OutcomeBroadcast.String())
	assert.Equal(t, "persisted_only", ingest.OutcomePersistedOnly.String())
	assert.Equal(t, "rejected", ingest.OutcomeRejected.String())
	assert.Equal(t, "persist_failed", ingest.OutcomePersistFailed.String())
}

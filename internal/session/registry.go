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

// Package session tracks live client sessions and fans readings out to the
// ones entitled to see them.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/telemetry"
)

const DefaultQueueSize = 64

// Session is one connected client. Its outbox is never closed; Done is closed
// once the session has been unregistered.
type Session struct {
	ID          string
	Identity    Identity
	ConnectedAt time.Time

	mu      sync.Mutex
	outbox  chan []byte
	done    chan struct{}
	dropped atomic.Uint64
}

// Outbox yields encoded frames queued for the client.
func (s *Session) Outbox() <-chan []byte {
	return s.outbox
}

// Done is closed when the session leaves the registry.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many frames were discarded because the client fell behind.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// Closed reports whether the session has left the registry. Frames still
// queued at that point must not be written.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Send queues a frame for this session only, with the same overflow policy
// as broadcasts. Frames sent after the session is unregistered are never
// written.
func (s *Session) Send(msg []byte) {
	if s.Closed() {
		return
	}
	s.push(msg)
}

// push enqueues msg without blocking, evicting the oldest queued frames to
// make room. It returns the number of frames evicted.
func (s *Session) push(msg []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for {
		select {
		case s.outbox <- msg:
			if evicted > 0 {
				s.dropped.Add(uint64(evicted))
			}
			return evicted
		default:
		}

		select {
		case <-s.outbox:
			evicted++
		default:
		}
	}
}

// Registry owns the set of live sessions.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	queueSize int
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(options ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		queueSize: DefaultQueueSize,
		logger:    logger.Component("sessions"),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Register adds a session for id. It only receives readings broadcast after
// this call returns.
func (r *Registry) Register(id Identity) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		Identity:    id,
		ConnectedAt: time.Now(),
		outbox:      make(chan []byte, r.queueSize),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionsActive(count)
	r.logger.Info().
		Str("session_id", s.ID).
		Str("role", string(id.Role)).
		Int64("user_id", id.UserID).
		Int64("company_id", id.CompanyID).
		Msg("Session registered")

	return s
}

// Unregister removes a session and closes its Done channel. Unknown or
// already removed ids are ignored. Once it returns no further frames are
// queued for the session.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		close(s.done)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.metrics.SessionsActive(count)
	r.logger.Info().
		Str("session_id", sessionID).
		Uint64("dropped", s.Dropped()).
		Msg("Session unregistered")
	return true
}

// Close unregisters every session and returns how many were open.
func (r *Registry) Close() int {
	r.mu.Lock()
	closed := len(r.sessions)
	for id, s := range r.sessions {
		delete(r.sessions, id)
		close(s.done)
	}
	r.mu.Unlock()

	r.metrics.SessionsActive(0)
	if closed > 0 {
		r.logger.Info().Int("sessions", closed).Msg("Closed all sessions")
	}
	return closed
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast queues a sensorData frame for every session allowed to see the
// reading and returns how many sessions it was queued for.
func (r *Registry) Broadcast(reading telemetry.StoredReading, scope Scope) (int, error) {
	msg, err := EncodeSensorData(reading)
	if err != nil {
		return 0, fmt.Errorf("failed to encode reading: %w", err)
	}

	delivered := 0
	r.mu.RLock()
	for _, s := range r.sessions {
		if !Visible(s.Identity, scope) {
			continue
		}
		if evicted := s.push(msg); evicted > 0 {
			for i := 0; i < evicted; i++ {
				r.metrics.QueueDropped()
			}
			r.logger.Warn().
				Str("session_id", s.ID).
				Str("sensor_id", reading.SensorID).
				Int("evicted", evicted).
				Msg("Session queue full, dropped oldest frames")
		}
		delivered++
	}
	r.mu.RUnlock()

	r.metrics.Delivered(delivered)
	return delivered, nil
}

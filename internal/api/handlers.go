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

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/session"
	"fleetwatch/internal/store"
)

type healthResponse struct {
	Status          string    `json:"status"`
	BrokerConnected bool      `json:"broker_connected"`
	DatabaseOK      bool      `json:"database_ok"`
	Sessions        int       `json:"sessions"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *Server) health(ctx context.Context) healthResponse {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	h := healthResponse{
		BrokerConnected: s.broker != nil && s.broker.IsConnected(),
		DatabaseOK:      s.history.Ping(ctx) == nil,
		Sessions:        s.registry.Len(),
		Timestamp:       time.Now().UTC(),
	}
	switch {
	case h.BrokerConnected && h.DatabaseOK:
		h.Status = "ok"
	case h.BrokerConnected || h.DatabaseOK:
		h.Status = "degraded"
	default:
		h.Status = "down"
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.health(r.Context()))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, map[string]bool{"ready": status == http.StatusOK})
}

// visibleSensors returns the sensors id may read, or nil when unrestricted.
func (s *Server) visibleSensors(ctx context.Context, id session.Identity) ([]string, error) {
	var (
		ids []string
		err error
	)
	switch id.Role {
	case session.RoleSystemAdmin:
		return nil, nil
	case session.RoleCompanyAdmin:
		ids, err = s.history.SensorsForCompany(ctx, id.CompanyID)
	case session.RoleUser:
		ids, err = s.history.SensorsForUser(ctx, id.UserID)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	q := r.URL.Query()

	filter := store.Filter{}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.sendError(w, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
				return
			}
			*dst = t
		}
	}

	visible, err := s.visibleSensors(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve visible sensors")
		s.sendError(w, http.StatusInternalServerError, "Failed to load readings")
		return
	}
	filter.SensorIDs = visible

	if sensorID := q.Get("sensor_id"); sensorID != "" {
		if visible == nil || contains(visible, sensorID) {
			filter.SensorIDs = []string{sensorID}
		} else {
			filter.SensorIDs = []string{}
		}
	}

	readings, err := s.history.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query readings")
		s.sendError(w, http.StatusInternalServerError, "Failed to load readings")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"readings": readings,
		"count":    len(readings),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	sensorID := mux.Vars(r)["sensor_id"]

	visible, err := s.visibleSensors(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve visible sensors")
		s.sendError(w, http.StatusInternalServerError, "Failed to load reading")
		return
	}
	if visible != nil && !contains(visible, sensorID) {
		s.sendError(w, http.StatusNotFound, "Sensor not found")
		return
	}

	if s.latest != nil {
		reading, err := s.latest.Latest(r.Context(), sensorID)
		if err == nil {
			s.sendJSON(w, http.StatusOK, reading)
			return
		}
		if !errors.Is(err, store.ErrNoLatest) {
			s.logger.Warn().Err(err).Str("sensor_id", sensorID).Msg("Latest cache unavailable, falling back to store")
		}
	}

	readings, err := s.history.Query(r.Context(), store.Filter{SensorIDs: []string{sensorID}, Limit: 1})
	if err != nil {
		s.logger.Error().Err(err).Str("sensor_id", sensorID).Msg("Failed to query latest reading")
		s.sendError(w, http.StatusInternalServerError, "Failed to load reading")
		return
	}
	if len(readings) == 0 {
		s.sendError(w, http.StatusNotFound, "No readings for sensor")
		return
	}

	s.sendJSON(w, http.StatusOK, readings[0])
}

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

// Package api serves the HTTP surface: health, metrics, scoped reading
// history and the live reading stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/session"
	"fleetwatch/internal/store"
	"fleetwatch/internal/telemetry"
)

// History is the part of the store the API reads from.
type History interface {
	Query(ctx context.Context, f store.Filter) ([]telemetry.StoredReading, error)
	SensorsForCompany(ctx context.Context, companyID int64) ([]string, error)
	SensorsForUser(ctx context.Context, userID int64) ([]string, error)
	Ping(ctx context.Context) error
}

// LatestReader returns the newest reading of a sensor.
type LatestReader interface {
	Latest(ctx context.Context, sensorID string) (telemetry.StoredReading, error)
}

// BrokerStatus reports the subscription state for health checks.
type BrokerStatus interface {
	IsConnected() bool
}

// Options are the tunables of the server.
type Options struct {
	Timeout        time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
}

// Server handles REST API requests and live connections
type Server struct {
	history  History
	latest   LatestReader
	broker   BrokerStatus
	registry *session.Registry
	jwt      *auth.JWTService
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. latest, broker and m may be nil.
func NewServer(history History, latest LatestReader, broker BrokerStatus, registry *session.Registry,
	jwt *auth.JWTService, m *metrics.Metrics, opts Options) *Server {
	opts.setDefaults()

	s := &Server{
		history:  history,
		latest:   latest,
		broker:   broker,
		registry: registry,
		jwt:      jwt,
		metrics:  m,
		opts:     opts,
		logger:   logger.Component("api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	// Add middleware
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	router.HandleFunc("/readyz", s.handleReady).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	apiRouter.Handle("/health", s.metrics.WrapHandler("health", http.HandlerFunc(s.handleHealth))).Methods("GET")

	// Reading history, scoped to the caller
	apiRouter.Handle("/readings", s.metrics.WrapHandler("readings",
		s.jwt.RequireAuth(http.HandlerFunc(s.handleReadings)))).Methods("GET")
	apiRouter.Handle("/sensors/{sensor_id}/latest", s.metrics.WrapHandler("latest",
		s.jwt.RequireAuth(http.HandlerFunc(s.handleLatest)))).Methods("GET")

	// Live stream; authenticates itself so it can accept the token as a query parameter
	apiRouter.HandleFunc("/ws", s.handleLive).Methods("GET")

	return router
}

// Start starts the HTTP API server
func (s *Server) Start(address string) error {
	s.server = &http.Server{
		Addr:        address,
		Handler:     s.Router(),
		ReadTimeout: s.opts.Timeout,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info().
		Str("address", address).
		Msg("Starting API server")

	return s.server.ListenAndServe()
}

// StartTLS is Start with TLS termination.
func (s *Server) StartTLS(address, certFile, keyFile string) error {
	s.server = &http.Server{
		Addr:        address,
		Handler:     s.Router(),
		ReadTimeout: s.opts.Timeout,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info().
		Str("address", address).
		Bool("tls", true).
		Msg("Starting API server")

	return s.server.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// websocket connections are not tracked by net/http; they end when their
// sessions are unregistered.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.opts.AllowedOrigins) > 0 {
			origin = ""
			if s.originAllowed(r.Header.Get("Origin")) {
				origin = r.Header.Get("Origin")
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return s.originAllowed(origin)
}

// Response helpers
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetwatch/internal"
	"fleetwatch/internal/api"
	"fleetwatch/internal/auth"
	"fleetwatch/internal/broker"
	"fleetwatch/internal/config"
	"fleetwatch/internal/directory"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/session"
	"fleetwatch/internal/store"
)

var (
	serveBrokerURL string
	serveAPIAddr   string
	serveDBPath    string
	serveDebugFlag bool
	serveTestFlag  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion and live streaming daemon",
	Long: `Subscribe to the sensor topic, persist every valid reading and push it to the
connected sessions whose role, company or device assignments allow them to see it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		applyServeOverrides(cfg)
		setupLogging(cfg)

		return serve(cmd.Context(), cfg, internal.NewModeOptions(internal.WithDebug(serveDebugFlag), internal.WithTest(serveTestFlag)))
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveBrokerURL, "broker", "", "MQTT broker URL (overrides config)")
	serveCmd.Flags().StringVar(&serveAPIAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "SQLite database path (overrides config)")
	serveCmd.Flags().BoolVarP(&serveDebugFlag, "debug", "d", false, "enable debug logging, including the MQTT client")
	serveCmd.Flags().BoolVar(&serveTestFlag, "test", false, "run without connecting to the broker")
}

func applyServeOverrides(cfg *config.Config) {
	if serveBrokerURL != "" {
		cfg.Broker.URL = serveBrokerURL
	}
	if serveAPIAddr != "" {
		cfg.Server.Address = serveAPIAddr
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}
	if serveDebugFlag {
		cfg.Logging.Level = "debug"
	}
}

func serve(parent context.Context, cfg *config.Config, mode internal.FnModeOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log.Info().
		Str("config_file", configPath).
		Str("broker_url", cfg.Broker.URL).
		Str("topic", cfg.Broker.Topic).
		Str("db_driver", cfg.Database.Driver).
		Str("api_address", cfg.Server.Address).
		Str("log_level", cfg.Logging.Level).
		Msg("Starting fleetwatch daemon")

	m := metrics.New()

	db, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize database")
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	var (
		latest     api.LatestReader
		ingestOpts = []ingest.Option{
			ingest.WithWorkers(cfg.Ingest.Workers),
			ingest.WithMetrics(m),
		}
	)
	if cfg.Redis.Addr != "" {
		cache, err := store.NewLatestCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.RedisTTL())
		if err != nil {
			// The latest cache is an optimisation; the store answers without it.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Latest reading cache disabled")
		} else {
			defer cache.Close()
			latest = cache
			ingestOpts = append(ingestOpts,
				ingest.WithLatest(cache),
				ingest.WithLatestTimeout(cfg.RedisWriteTimeout()),
			)
		}
	}

	dir, err := directory.NewCache(db, directory.Config{
		TTL:             cfg.DirectoryTTL(),
		Grace:           cfg.DirectoryGrace(),
		Size:            cfg.Directory.Size,
		RefreshInterval: cfg.DirectoryRefresh(),
		BreakerFailures: uint32(cfg.Directory.Breaker.Failures),
		BreakerOpenFor:  cfg.BreakerOpenFor(),
	}, directory.WithMetrics(m), directory.WithLogger(logger.Component("directory")))
	if err != nil {
		return fmt.Errorf("failed to create directory cache: %w", err)
	}

	registry := session.NewRegistry(
		session.WithQueueSize(cfg.Sessions.QueueSize),
		session.WithMetrics(m),
		session.WithLogger(logger.Component("sessions")),
	)

	coordinator := ingest.New(db, dir, registry,
		append(ingestOpts, ingest.WithLogger(logger.Component("ingest")))...)

	client, err := broker.NewClient(broker.Config{
		URL:               cfg.Broker.URL,
		ClientID:          cfg.Broker.ClientID,
		Username:          cfg.Broker.Username,
		Password:          cfg.Broker.Password,
		Topic:             cfg.Broker.Topic,
		QoS:               byte(cfg.Broker.QoS),
		ReconnectInterval: cfg.ReconnectInterval(),
		ConnectTimeout:    cfg.ConnectTimeout(),
		ConnectAttempts:   cfg.Broker.ConnectAttempts,
		Buffer:            cfg.Broker.Buffer,
	}, mode, broker.WithMetrics(m), broker.WithLogger(logger.Component("broker")))
	if err != nil {
		return fmt.Errorf("failed to create broker client: %w", err)
	}

	jwtService := auth.NewJWTService(cfg.Security.JWT.SecretKey, cfg.Security.JWT.Issuer, cfg.Security.JWT.ExpiryHours)
	apiServer := api.NewServer(db, latest, client, registry, jwtService, m, api.Options{
		Timeout:        cfg.ServerTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
		PingInterval:   cfg.PingInterval(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	// Start services
	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		dir.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator.Run(ctx, client.Messages())
	}()

	// Without a broker there is nothing to ingest.
	if err := client.Connect(ctx); err != nil {
		log.Error().Err(err).Str("url", cfg.Broker.URL).Msg("Failed to connect to broker")
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			err = apiServer.StartTLS(cfg.Server.Address, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = apiServer.Start(cfg.Server.Address)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("Service error")
		runErr = err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down fleetwatch services")

	client.Close()
	cancel()
	wg.Wait()

	registry.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping API server")
	}

	log.Info().Msg("Fleetwatch daemon stopped")
	return runErr
}

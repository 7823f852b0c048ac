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

// Package broker subscribes to the telemetry topic on an MQTT broker and
// hands raw payloads to the ingestion pipeline.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fleetwatch/internal"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/telemetry"
)

const (
	DefaultTopic             = "factory/temperature/#"
	DefaultReconnectInterval = 5 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultConnectAttempts   = 5
	DefaultBuffer            = 1024

	disconnectQuiesce = 250
)

// Config describes the broker connection.
type Config struct {
	URL               string
	ClientID          string
	Username          string
	Password          string
	Topic             string
	QoS               byte
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	ConnectAttempts   int
	Buffer            int
	// PublishOnly skips the subscription; used by tooling that only sends.
	PublishOnly bool
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fleetwatch-" + uuid.New().String()[:8]
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("broker url is required")
	}
	if c.Username != "" && c.Password == "" {
		return errors.New("broker password is required when a username is set")
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid qos %d", c.QoS)
	}
	return nil
}

// Client is a long-lived broker subscription. After Connect it reconnects
// on its own and re-subscribes every time the connection is re-established.
type Client struct {
	cfg       Config
	mode      internal.FnModeOptions
	client    mqtt.Client
	messages  chan telemetry.RawMessage
	connected atomic.Bool
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient prepares a client; no network activity happens until Connect.
func NewClient(cfg Config, mode internal.FnModeOptions, options ...Option) (*Client, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		mode:     mode,
		messages: make(chan telemetry.RawMessage, cfg.Buffer),
		logger:   logger.Component("broker"),
	}
	for _, option := range options {
		option(c)
	}

	installPahoLogger(c.logger, mode.Debug)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectInterval).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes the first connection, retrying with exponential
// backoff up to ConnectAttempts times.
func (c *Client) Connect(ctx context.Context) error {
	if c.mode.Test {
		c.logger.Info().Str("url", c.cfg.URL).Msg("Test mode, not connecting to broker")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.ConnectAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		token := c.client.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			err := fmt.Errorf("connect timed out after %s", c.cfg.ConnectTimeout)
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("url", c.cfg.URL).Msg("Broker connect failed")
			return err
		}
		if err := token.Error(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("url", c.cfg.URL).Msg("Broker connect failed")
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to connect to broker after %d attempts: %w", attempt, err)
	}

	return nil
}

// Messages yields received payloads. The channel is never closed; consumers
// stop on their own context.
func (c *Client) Messages() <-chan telemetry.RawMessage {
	return c.messages
}

// IsConnected reports whether the subscription is currently live.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Publish sends payload to topic and waits for the broker to acknowledge it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.mode.Test {
		c.logger.Info().Str("topic", topic).Bytes("payload", payload).Msg("Test mode, message not published")
		return nil
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesce)
	}
	c.connected.Store(false)
	c.logger.Info().Msg("Broker connection closed")
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info().
		Str("url", c.cfg.URL).
		Str("client_id", c.cfg.ClientID).
		Msg("Connected to broker")

	if c.cfg.PublishOnly {
		c.connected.Store(true)
		return
	}

	for {
		token := client.Subscribe(c.cfg.Topic, c.cfg.QoS, c.handle)
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() == nil {
			break
		}

		err := token.Error()
		if err == nil {
			err = errors.New("subscribe timed out")
		}
		c.logger.Error().Err(err).Str("topic", c.cfg.Topic).Msg("Failed to subscribe")

		// A dropped connection gets a fresh onConnect after reconnecting.
		if !client.IsConnectionOpen() {
			return
		}
		time.Sleep(c.cfg.ReconnectInterval)
	}

	c.connected.Store(true)
	c.logger.Info().Str("topic", c.cfg.Topic).Uint8("qos", c.cfg.QoS).Msg("Subscribed to telemetry topic")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.Warn().Err(err).Msg("Broker connection lost")
}

func (c *Client) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	c.logger.Info().Str("url", c.cfg.URL).Msg("Reconnecting to broker")
}

// handle must not block: paho delivers messages sequentially.
func (c *Client) handle(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	raw := telemetry.RawMessage{
		Topic:      msg.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	select {
	case c.messages <- raw:
	default:
		c.metrics.MessageDropped()
		c.logger.Warn().
			Str("topic", raw.Topic).
			Int("buffer", cap(c.messages)).
			Msg("Dispatch buffer full, dropping message")
	}
}

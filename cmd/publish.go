package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleetwatch/internal"
	"fleetwatch/internal/broker"
	"fleetwatch/internal/logger"
)

var (
	publishSensor      string
	publishTemperature float64
	publishHumidity    float64
	publishJitter      float64
	publishCount       int
	publishInterval    time.Duration
	publishRaw         string
	publishTestFlag    bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish simulated sensor readings",
	Long: `Publish readings to the sensor topic the way a field device would. Useful for
exercising a running daemon end to end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogging(cfg)

		client, err := broker.NewClient(broker.Config{
			URL:             cfg.Broker.URL,
			Username:        cfg.Broker.Username,
			Password:        cfg.Broker.Password,
			QoS:             byte(cfg.Broker.QoS),
			ConnectTimeout:  cfg.ConnectTimeout(),
			ConnectAttempts: cfg.Broker.ConnectAttempts,
			PublishOnly:     true,
		}, internal.NewModeOptions(internal.WithTest(publishTestFlag)), broker.WithLogger(logger.Component("publisher")))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()

		topic := sensorTopic(cfg.Broker.Topic, publishSensor)
		for i := 0; i < publishCount; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(publishInterval):
				}
			}

			payload := []byte(publishRaw)
			if publishRaw == "" {
				payload, err = simulatedReading(publishSensor, publishTemperature, publishHumidity, publishJitter)
				if err != nil {
					return err
				}
			}

			pubCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
			err := client.Publish(pubCtx, topic, payload)
			cancel()
			if err != nil {
				return err
			}
			cmd.Printf("→ %s %s\n", topic, payload)
		}

		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishSensor, "sensor", "sensor-1", "sensor id")
	publishCmd.Flags().Float64Var(&publishTemperature, "temperature", 21.5, "temperature in °C")
	publishCmd.Flags().Float64Var(&publishHumidity, "humidity", 45, "relative humidity in %")
	publishCmd.Flags().Float64Var(&publishJitter, "jitter", 0, "random variation added to each value")
	publishCmd.Flags().IntVarP(&publishCount, "count", "n", 1, "number of readings to publish")
	publishCmd.Flags().DurationVar(&publishInterval, "interval", time.Second, "delay between readings")
	publishCmd.Flags().StringVar(&publishRaw, "raw", "", "publish this payload verbatim instead of a reading")
	publishCmd.Flags().BoolVar(&publishTestFlag, "test", false, "log payloads instead of publishing")
}

// sensorTopic turns the subscription filter into a concrete topic for sensor.
func sensorTopic(filter, sensor string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(filter, "#"), "/")
	return base + "/" + sensor
}

func simulatedReading(sensor string, temperature, humidity, jitter float64) ([]byte, error) {
	vary := func(v float64) float64 {
		if jitter == 0 {
			return v
		}
		return v + (rand.Float64()*2-1)*jitter
	}

	return json.Marshal(map[string]interface{}{
		"sensor_id":   sensor,
		"temperature": vary(temperature),
		"humidity":    vary(humidity),
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}
